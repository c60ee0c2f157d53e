package translator

import (
	"github.com/colorfulnotion/lib86cpu/asmx86"
	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/decoder"
	"github.com/colorfulnotion/lib86cpu/tc"
)

// emitJmpRel is JMP rel8/rel16/rel32: Operands[0] is the decoder's
// already-resolved absolute target (Imm carries the post-relocation
// guest PC, not the raw displacement -- the Decoder collaborator's job,
// not this tree's).
func emitJmpRel(b *builder, instr decoder.Instr, nextPC uint32) {
	target := uint32(instr.Operands[0].Imm)
	b.emitDirectExit(target, tc.SlotTaken)
	b.terminated = true
}

// emitJmpIndirect is JMP r/m: the target is a runtime value loaded the
// same way any other operand read would be.
func emitJmpIndirect(b *builder, instr decoder.Instr, nextPC uint32) {
	b.loadOperand(scratch0, instr.Operands[0], cpuctx.SegDS, instr.PC)
	b.emitIndirectExit(scratch0)
	b.terminated = true
}

// jccRecipe implements the two-slot conditional-branch tail shape: a host
// Jcc to the taken-path label, fallthrough writes EIP+slot first (so the
// not-taken slot sits at a lower, statically predictable offset), then
// the taken-path label writes EIP+slot.
func jccRecipe(cc asmx86.CC) recipe {
	return recipe{
		terminates: true,
		emit: func(b *builder, instr decoder.Instr, nextPC uint32) {
			target := uint32(instr.Operands[0].Imm)
			taken := asmx86.NewLabel()
			b.emitJccTaken(cc, taken)
			b.emitDirectExit(nextPC, tc.SlotFallthrough)
			b.e.Bind(taken)
			b.emitDirectExit(target, tc.SlotTaken)
			b.terminated = true
		},
	}
}

// emitCallRel is CALL rel32: push the return address, then jump exactly
// like emitJmpRel.
func emitCallRel(b *builder, instr decoder.Instr, nextPC uint32) {
	target := uint32(instr.Operands[0].Imm)
	b.e.MovRegImm32(scratch0, nextPC)
	b.pushGuest32(scratch0, instr.PC)
	b.emitDirectExit(target, tc.SlotTaken)
	b.terminated = true
}

// emitCallIndirect is CALL r/m: load the target before pushing the
// return address, since loadOperand's memory path may itself touch the
// guest stack's own segment base computation machinery (scratch0/1/3)
// that pushGuest32 also uses -- evaluate the call target first while
// those temps are still free for it alone.
func emitCallIndirect(b *builder, instr decoder.Instr, nextPC uint32) {
	b.loadOperand(scratch4, instr.Operands[0], cpuctx.SegDS, instr.PC)
	b.e.MovRegImm32(scratch0, nextPC)
	b.pushGuest32(scratch0, instr.PC)
	b.emitIndirectExit(scratch4)
	b.terminated = true
}

// emitRet is RET (no operand): pop the return address and resume there.
func emitRet(b *builder, instr decoder.Instr, nextPC uint32) {
	b.popGuest32(scratch0, instr.PC)
	b.emitIndirectExit(scratch0)
	b.terminated = true
}

// emitRetImm16 is RET imm16: pop the return address, then additionally
// release imm16 bytes of caller-cleaned stack arguments.
func emitRetImm16(b *builder, instr decoder.Instr, nextPC uint32) {
	imm := uint32(instr.Operands[0].Imm)
	b.popGuest32(scratch0, instr.PC)
	b.loadGPR(scratch4, 4, 32)
	b.e.AddImm32(scratch4, imm)
	b.storeGPR(4, 32, scratch4)
	b.emitIndirectExit(scratch0)
	b.terminated = true
}

// addrSize32 reports whether instr decodes under a 32-bit effective
// address size: the block's default (Mode32) XORed with the 0x67
// address-size override prefix the Decoder recorded, since the prefix
// always flips the mode's own default rather than selecting an absolute
// width.
func addrSize32(b *builder, instr decoder.Instr) bool {
	default32 := b.mode == decoder.Mode32
	return default32 != instr.AddrSizeOverride
}

// emitLoop implements LOOP/LOOPE/LOOPNE: decrement ECX or CX per the
// instruction's address size (spec.md §4.E), then branch on
// ECX/CX!=0 (optionally ANDed with ZF per the E/NE variant). requireZF
// adds LOOPE/LOOPNE's ZF test, and zfWanted is the ZF value that keeps
// looping (true for LOOPE, false for LOOPNE); plain LOOP passes
// requireZF=false (ECX alone decides). A 16-bit address
// size decrements and tests only CX, leaving the top half of ECX
// untouched, the same width-generic ALU-op convention emitAddLike's
// 8/16-bit recipes already follow.
func loopRecipe(requireZF bool, zfWanted bool) recipe {
	return recipe{
		terminates: true,
		emit: func(b *builder, instr decoder.Instr, nextPC uint32) {
			target := uint32(instr.Operands[0].Imm)
			width := asmx86.W32
			storeBits := 32
			if !addrSize32(b, instr) {
				width = asmx86.W16
				storeBits = 16
			}
			b.loadGPR(scratch0, 1, 32) // ECX is GPR index 1
			b.e.MovRegImm32(scratch1, 1)
			b.e.Sub(scratch0, scratch1, width)
			b.storeGPR(1, storeBits, scratch0)

			taken := asmx86.NewLabel()
			notTaken := asmx86.NewLabel()
			b.e.Test(scratch0, scratch0, width)
			b.e.Jcc(asmx86.CC_E, notTaken)
			if requireZF {
				b.evalFlag(scratch1, bitZF)
				b.e.Test(scratch1, scratch1, asmx86.W32)
				if zfWanted {
					b.e.Jcc(asmx86.CC_E, notTaken)
				} else {
					b.e.Jcc(asmx86.CC_NE, notTaken)
				}
			}
			b.e.Jmp(taken)
			b.e.Bind(notTaken)
			b.emitDirectExit(nextPC, tc.SlotFallthrough)
			b.e.Bind(taken)
			b.emitDirectExit(target, tc.SlotTaken)
			b.terminated = true
		},
	}
}

// emitJecxz is JECXZ: branch when ECX==0.
func emitJecxz(b *builder, instr decoder.Instr, nextPC uint32) {
	target := uint32(instr.Operands[0].Imm)
	b.loadGPR(scratch0, 1, 32)
	taken := asmx86.NewLabel()
	b.e.Test(scratch0, scratch0, asmx86.W32)
	b.e.Jcc(asmx86.CC_E, taken)
	b.emitDirectExit(nextPC, tc.SlotFallthrough)
	b.e.Bind(taken)
	b.emitDirectExit(target, tc.SlotTaken)
	b.terminated = true
}

// emitPushReg/emitPopReg cover PUSH/POP r32.
func emitPushReg(b *builder, instr decoder.Instr, nextPC uint32) {
	b.loadOperand(scratch0, instr.Operands[0], cpuctx.SegDS, instr.PC)
	b.pushGuest32(scratch0, instr.PC)
}

func emitPopReg(b *builder, instr decoder.Instr, nextPC uint32) {
	b.popGuest32(scratch0, instr.PC)
	b.storeOperand(instr.Operands[0], cpuctx.SegDS, scratch0, instr.PC)
}

package translator

import (
	"github.com/colorfulnotion/lib86cpu/asmx86"
	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/decoder"
)

// csSelectorMem addresses CS's own Selector field, for recipes that need
// to push the current return CS rather than load a new one.
func csSelectorMem() asmx86.Mem {
	off := int32(cpuctx.SegOffset) + int32(cpuctx.SegCS)*int32(cpuctx.SegmentSize) + int32(cpuctx.SegSelectorOffset)
	return asmx86.BaseDisp(ctxReg, off)
}

// emitJmpFar is JMP ptr16:32 (0xEA): both the selector and the offset are
// compile-time-known immediates (direct far jumps don't indirect through
// an operand), so the only runtime work is the descriptor load. A far
// jump always potentially changes CS.D/B and therefore the decode mode
// the rest of the chain was built under, so -- exactly like
// emitMovToCR's PE-flip path -- this always falls straight to the shared
// fault exit instead of emitting a linkable direct slot.
func emitJmpFar(b *builder, instr decoder.Instr, nextPC uint32) {
	selector := uint32(instr.Operands[0].Imm)
	offset := uint32(instr.Operands[1].Imm)
	b.e.MovRegImm32(asmx86.RDI, uint32(cpuctx.SegCS))
	b.e.MovRegImm32(asmx86.RSI, selector)
	b.e.MovRegImm32(asmx86.RDX, instr.PC)
	b.e.CallAbs(loadSegmentAddr())
	b.writeEIP(offset)
	b.e.Jmp(b.faultExit)
	b.terminated = true
}

// emitCallFar is CALL ptr16:32 (0x9A): push the current CS selector then
// the return EIP (the same order IRET expects to pop them back), then
// jump far exactly like emitJmpFar.
func emitCallFar(b *builder, instr decoder.Instr, nextPC uint32) {
	selector := uint32(instr.Operands[0].Imm)
	offset := uint32(instr.Operands[1].Imm)

	b.e.MovRegImm32(scratch0, 0)
	b.e.MovRegMem(scratch0, csSelectorMem(), asmx86.W16)
	b.pushGuest32(scratch0, instr.PC)
	b.e.MovRegImm32(scratch0, nextPC)
	b.pushGuest32(scratch0, instr.PC)

	b.e.MovRegImm32(asmx86.RDI, uint32(cpuctx.SegCS))
	b.e.MovRegImm32(asmx86.RSI, selector)
	b.e.MovRegImm32(asmx86.RDX, instr.PC)
	b.e.CallAbs(loadSegmentAddr())
	b.writeEIP(offset)
	b.e.Jmp(b.faultExit)
	b.terminated = true
}

// emitRetFar is RETF (0xCB): pop the return EIP and CS back off the
// guest stack and resume there. scratch5 (callee-saved) carries the
// popped EIP across the second popGuest32 call, since popGuest32 itself
// uses scratch4 internally to hold ESP across its own CallAbs.
func emitRetFar(b *builder, instr decoder.Instr, nextPC uint32) {
	b.popGuest32(scratch0, instr.PC)
	b.e.MovRegReg(scratch5, scratch0, asmx86.W32)
	b.popGuest32(scratch0, instr.PC)

	b.e.MovRegImm32(asmx86.RDI, uint32(cpuctx.SegCS))
	b.e.MovRegReg(asmx86.RSI, scratch0, asmx86.W32)
	b.e.MovRegImm32(asmx86.RDX, instr.PC)
	b.e.CallAbs(loadSegmentAddr())
	b.writeEIPFromReg(scratch5)
	b.e.Jmp(b.faultExit)
	b.terminated = true
}

// emitInt is INT imm8 (0xCD): software-raise the guest vector carried in
// Operands[0] through the same IDT-vectoring machinery a runtime fault
// uses. eip blamed is the INT instruction's own address, matching how
// every other fault-raising recipe in this tree attributes the faulting
// PC.
func emitInt(b *builder, instr decoder.Instr, nextPC uint32) {
	vector := uint32(instr.Operands[0].Imm)
	b.e.MovRegImm32(asmx86.RDI, vector)
	b.e.MovRegImm32(asmx86.RSI, instr.PC)
	b.e.CallAbs(softIntAddr())
	b.e.Jmp(b.faultExit)
	b.terminated = true
}

// emitInt3 is INT3 (0xCC): the one-byte breakpoint trap, vector 3 fixed.
func emitInt3(b *builder, instr decoder.Instr, nextPC uint32) {
	b.e.MovRegImm32(asmx86.RDI, 3)
	b.e.MovRegImm32(asmx86.RSI, instr.PC)
	b.e.CallAbs(softIntAddr())
	b.e.Jmp(b.faultExit)
	b.terminated = true
}

// emitIret is IRET (0xCF): goIret does the actual stack-frame pop and
// leaves the resumed PC in ctx.EIP; this just re-reads it into a
// register so it can reuse the ordinary indirect-exit tail (the TC
// fingerprint-based fast link), the same contract RET/CALL r/m rely on.
// Like RET across an unrelated CALL, an IRET that crosses a genuine mode
// change relies on the same static b.mode fingerprint tag those already
// carry -- a pre-existing indirect-exit limitation, not one this recipe
// introduces.
func emitIret(b *builder, instr decoder.Instr, nextPC uint32) {
	b.e.MovRegImm32(asmx86.RDI, instr.PC)
	b.e.CallAbs(iretAddr())
	b.e.Test(asmx86.RAX, asmx86.RAX, asmx86.W32)
	b.e.Jcc(asmx86.CC_E, b.faultExit)
	b.e.MovRegMem(scratch0, asmx86.BaseDisp(ctxReg, int32(cpuctx.EIPOffset)), asmx86.W32)
	b.emitIndirectExit(scratch0)
	b.terminated = true
}

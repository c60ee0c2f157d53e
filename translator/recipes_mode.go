package translator

import (
	"github.com/colorfulnotion/lib86cpu/asmx86"
	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/decoder"
	"github.com/colorfulnotion/lib86cpu/flags"
	"github.com/colorfulnotion/lib86cpu/tc"
)

// crFieldOffset maps a CR index (0,2,3,4) onto its CpuContext field.
func crFieldOffset(which int) int32 {
	switch which {
	case 0:
		return int32(cpuctx.CR0Offset)
	case 2:
		return int32(cpuctx.CR2Offset)
	case 3:
		return int32(cpuctx.CR3Offset)
	default:
		return int32(cpuctx.CR4Offset)
	}
}

// emitMovFromCR is MOV r32, CRn: a plain field read, no side effects.
// Operands[1] is the synthetic CR operand the Decoder fills in from the
// ModRM reg field, carrying the CR number (0,2,3, or 4) in .Reg rather
// than this tree needing one table entry per register.
func emitMovFromCR(b *builder, instr decoder.Instr, nextPC uint32) {
	which := instr.Operands[1].Reg
	b.e.MovRegMem(scratch0, asmx86.BaseDisp(ctxReg, crFieldOffset(which)), asmx86.W32)
	b.storeOperand(instr.Operands[0], cpuctx.SegDS, scratch0, instr.PC)
}

// emitMovToCR is MOV CRn, r32: routes through goWriteCR since a CR0 write
// can flip protected-mode state, which package exception's Raise reports
// via ModeChangeVector rather than by touching ctx.EIP itself -- this
// recipe supplies EIP in that case, exactly the contract
// hostcalls_linux_amd64.go's goWriteCR and package exception's Raise
// agree on. Every CR write ends the block: CR3 flips the entire TLB and
// CR0/CR4 can retroactively invalidate the decode mode the rest of the
// block was translated under. Operands[0] carries the CR number the same
// way emitMovFromCR's Operands[1] does.
func emitMovToCR(b *builder, instr decoder.Instr, nextPC uint32) {
	which := instr.Operands[0].Reg
	b.loadOperand(scratch4, instr.Operands[1], cpuctx.SegDS, instr.PC)
	b.e.MovRegImm32(asmx86.RDI, uint32(which))
	b.e.MovRegReg(asmx86.RSI, scratch4, asmx86.W32)
	b.e.MovRegImm32(asmx86.RDX, instr.PC)
	b.e.CallAbs(writeCRAddr())
	b.e.Test(asmx86.RAX, asmx86.RAX, asmx86.W32)
	changed := asmx86.NewLabel()
	b.e.Jcc(asmx86.CC_NE, changed)
	b.emitDirectExit(nextPC, tc.SlotFallthrough)
	b.e.Bind(changed)
	b.writeEIP(nextPC)
	b.e.Jmp(b.faultExit)
	b.terminated = true
}

// emitMovFromDR/emitMovToDR mirror the CR forms; DR writes never change
// decode mode, so they don't need to terminate the block, but they do
// need RefreshWatchTLB's side effect, the DR7.GD trap, and the CPL-0
// privilege check (all folded into goWriteDR), so they still route
// through the hostcall rather than a raw field write. MOV from DR is
// unprivileged-read-safe on this tree's simplified model (the CPL/GD
// checks are an architectural write-side trap; reads are left
// unguarded, matching the disclosed scope in DESIGN.md).
func emitMovFromDR(b *builder, instr decoder.Instr, nextPC uint32) {
	which := instr.Operands[1].Reg
	off := int32(cpuctx.DROffset) + int32(which)*4
	b.e.MovRegMem(scratch0, asmx86.BaseDisp(ctxReg, off), asmx86.W32)
	b.storeOperand(instr.Operands[0], cpuctx.SegDS, scratch0, instr.PC)
}

// emitMovToDR routes the write through goWriteDR, which enforces the
// CPL-0-only rule and the DR7.GD trap before touching DR[which]; a
// nonzero return means it raised #GP or #DB instead of writing, and
// ctx.EIP already points at the handler, so the block just falls
// straight to the shared fault exit without writing EIP itself.
func emitMovToDR(b *builder, instr decoder.Instr, nextPC uint32) {
	which := instr.Operands[0].Reg
	b.loadOperand(scratch4, instr.Operands[1], cpuctx.SegDS, instr.PC)
	b.e.MovRegImm32(asmx86.RDI, uint32(which))
	b.e.MovRegReg(asmx86.RSI, scratch4, asmx86.W32)
	b.e.MovRegImm32(asmx86.RDX, instr.PC)
	b.e.CallAbs(writeDRAddr())
	b.e.Test(asmx86.RAX, asmx86.RAX, asmx86.W32)
	b.e.Jcc(asmx86.CC_NE, b.faultExit)
}

// emitMovToSeg is MOV Sreg, r/m16: loads the flat descriptor
// goLoadSegment installs (see hostcalls_linux_amd64.go's disclosed
// no-GDT-walk simplification). Operands[0]'s .Reg carries the destination
// segment register index (SegES/SegDS/SegSS/SegFS/SegGS; CS is never a
// MOV target on real x86 either).
func emitMovToSeg(b *builder, instr decoder.Instr, nextPC uint32) {
	segIdx := instr.Operands[0].Reg
	b.loadOperand(scratch0, instr.Operands[1], cpuctx.SegDS, instr.PC)
	b.e.MovRegImm32(asmx86.RDI, uint32(segIdx))
	b.e.MovRegReg(asmx86.RSI, scratch0, asmx86.W32)
	b.e.MovRegImm32(asmx86.RDX, instr.PC)
	b.e.CallAbs(loadSegmentAddr())
}

// emitIn reads from an I/O port into AL/AX/EAX. Operands[0] is the port
// (an imm8 or the DX register), Operands[1] the implicit accumulator
// operand the Decoder synthesizes, whose Size already carries which of
// AL/AX/EAX this particular encoding targets.
func emitIn(b *builder, instr decoder.Instr, nextPC uint32) {
	bits := instr.Operands[1].Size
	b.loadOperand(scratch4, instr.Operands[0], cpuctx.SegDS, instr.PC)
	b.e.MovRegReg(asmx86.RDI, scratch4, asmx86.W32)
	b.e.MovRegImm32(asmx86.RSI, instr.PC)
	b.e.MovRegImm32(asmx86.RDX, sizeFlags(bits, false))
	b.e.CallAbs(ioReadAddr())
	b.e.MovRegReg(scratch0, asmx86.RAX, asmx86.W64)
	b.e.Shr(scratch0, 32, asmx86.W64)
	b.e.Test(scratch0, scratch0, asmx86.W32)
	b.e.Jcc(asmx86.CC_E, b.faultExit)
	b.e.MovRegReg(scratch0, asmx86.RAX, asmx86.W32)
	b.storeGPR(0, bits, scratch0)
}

// emitOut writes AL/AX/EAX to an I/O port; see emitIn for the operand
// convention.
func emitOut(b *builder, instr decoder.Instr, nextPC uint32) {
	bits := instr.Operands[1].Size
	b.loadOperand(scratch4, instr.Operands[0], cpuctx.SegDS, instr.PC)
	b.loadGPR(scratch0, 0, bits)
	b.e.MovRegReg(asmx86.RDI, scratch4, asmx86.W32)
	b.e.MovRegReg(asmx86.RSI, scratch0, asmx86.W32)
	b.e.MovRegImm32(asmx86.RDX, instr.PC)
	b.e.MovRegImm32(asmx86.RCX, sizeFlags(bits, false))
	b.e.CallAbs(ioWriteAddr())
	b.e.Test(asmx86.RAX, asmx86.RAX, asmx86.W32)
	b.e.Jcc(asmx86.CC_E, b.faultExit)
}

// emitHlt marks the CPU halted and ends the block; the Dispatcher's
// outer loop stops re-entering the TC while ctx.Halted is set rather
// than spinning through single-instruction HLT blocks (spec.md scenario
// S1 halts with a fixed register state; nothing resumes it without an
// external interrupt clearing Halted first).
func emitHlt(b *builder, instr decoder.Instr, nextPC uint32) {
	b.e.MovRegImm32(scratch0, 1)
	b.e.MovMemReg(asmx86.BaseDisp(ctxReg, int32(cpuctx.HaltedOffset)), scratch0, asmx86.W8)
	b.emitDirectExit(nextPC, tc.SlotFallthrough)
	b.terminated = true
}

// eflagsBaseBit sets or clears one non-arithmetic EFLAGS bit directly in
// ctx.eflagsBase, the same field cpuctx.SetEFLAGSBaseBit manipulates from
// Go, without a helper call.
func (b *builder) eflagsBaseBit(bit uint, set bool) {
	mem := asmx86.BaseDisp(ctxReg, int32(cpuctx.EflagsBaseOffset))
	b.e.MovRegMem(scratch0, mem, asmx86.W32)
	if set {
		b.e.OrImm32(scratch0, 1<<bit)
	} else {
		b.e.AndImm32(scratch0, ^uint32(1<<bit))
	}
	b.e.MovMemReg(mem, scratch0, asmx86.W32)
}

func emitCli(b *builder, instr decoder.Instr, nextPC uint32) { b.eflagsBaseBit(cpuctx.EflagIF, false) }
func emitSti(b *builder, instr decoder.Instr, nextPC uint32) { b.eflagsBaseBit(cpuctx.EflagIF, true) }
func emitCld(b *builder, instr decoder.Instr, nextPC uint32) { b.eflagsBaseBit(cpuctx.EflagDF, false) }
func emitStd(b *builder, instr decoder.Instr, nextPC uint32) { b.eflagsBaseBit(cpuctx.EflagDF, true) }
func emitClc(b *builder, instr decoder.Instr, nextPC uint32) { b.setCF(false) }
func emitStc(b *builder, instr decoder.Instr, nextPC uint32) { b.setCF(true) }

// setCF writes CF directly into ctx.Flags.Aux bit31, leaving Res/PB (and
// therefore every other derived flag) untouched -- OF is derived from
// aux bits 30 and 31, so bit 30 is toggled whenever bit 31 changes,
// which keeps OF as it was.
func (b *builder) setCF(v bool) {
	mem := asmx86.BaseDisp(ctxReg, int32(cpuctx.FlagsOffset)+int32(flags.AuxOffset))
	b.e.MovRegMem(scratch0, mem, asmx86.W32)
	b.e.MovRegReg(scratch1, scratch0, asmx86.W32)
	if v {
		b.e.Not(scratch1, asmx86.W32)
	}
	b.e.Shr(scratch1, 31, asmx86.W32)
	b.e.Shl(scratch1, 30, asmx86.W32)
	b.e.Xor(scratch0, scratch1, asmx86.W32)
	if v {
		b.e.OrImm32(scratch0, 0x80000000)
	} else {
		b.e.AndImm32(scratch0, 0x7FFFFFFF)
	}
	b.e.MovMemReg(mem, scratch0, asmx86.W32)
}

func emitNop(b *builder, instr decoder.Instr, nextPC uint32) {}

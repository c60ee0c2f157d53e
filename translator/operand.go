package translator

import (
	"github.com/colorfulnotion/lib86cpu/asmx86"
	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/decoder"
)

// scratch registers the recipes below share. R8-R11 are all
// caller-clobbered under SysV and never hold anything the Dispatcher or
// any helper call relies on surviving across a recipe's own emission, so
// they're free for every recipe to reuse without coordination.
const (
	scratch0 = asmx86.R8
	scratch1 = asmx86.R9
	scratch2 = asmx86.R10
	scratch3 = asmx86.R11
	// scratch4-scratch6 are callee-saved under SysV (R12-R14), so a value
	// parked there survives a CallAbs into a hostcall -- unlike
	// scratch0-scratch3, which a called Go function is free to clobber.
	// EmitPrologue never pushes them, so they only need to stay
	// consistent within one recipe's own emission, not across calls the
	// Dispatcher itself makes.
	scratch4 = asmx86.R12
	scratch5 = asmx86.R13
	scratch6 = asmx86.R14
	addrReg  = asmx86.RDI // also the first SysV argument register for hostcalls
)

// widthOf maps a decoder-reported operand bit width onto the host
// emitter's Width enum.
func widthOf(bits int) asmx86.Width {
	switch bits {
	case 8:
		return asmx86.W8
	case 16:
		return asmx86.W16
	default:
		return asmx86.W32
	}
}

// shiftFor returns the MSB-alignment shift flags.SetSumWidth and its
// siblings need for a guest operand of the given bit width (see
// flags.go's doc comments): 0 for 32-bit, 16 for 16-bit, 24 for 8-bit.
func shiftFor(bits int) uint {
	switch bits {
	case 8:
		return 24
	case 16:
		return 16
	default:
		return 0
	}
}

// gprMem returns the host memory operand addressing guest GPR reg at the
// given bit width, off ctxReg. 8-bit accesses to register indices 4..7
// address the AH/BH/CH/DH alias (byte 1 of ECX/EBX/EDX/EAX's slot, the
// real ModRM convention for 8-bit operands without a REX prefix) rather
// than a low byte no 32-bit x86 GPR actually exposes.
func gprMem(reg, bits int) asmx86.Mem {
	base := int32(cpuctx.GPROffset)
	if bits == 8 && reg >= 4 && reg <= 7 {
		return asmx86.BaseDisp(ctxReg, base+int32((reg-4)*4)+1)
	}
	return asmx86.BaseDisp(ctxReg, base+int32((reg&7)*4))
}

// loadGPR loads guest register reg (bits wide) into host register dst,
// zero-extended to the full 64-bit host register so callers never need
// to worry about stale high bits.
func (b *builder) loadGPR(dst asmx86.Reg, reg, bits int) {
	if bits == 8 {
		b.e.MovzxRegMem8(dst, gprMem(reg, bits))
		return
	}
	// 16 and 32-bit guest operands both live in the full 4-byte gpr slot;
	// loading all 32 bits is architecturally correct (the upper 16 bits
	// of a 16-bit operand's backing register are real guest state, not
	// garbage) and callers needing a clean 16-bit value mask afterward.
	b.e.MovRegMem(dst, gprMem(reg, 32), asmx86.W32)
}

// storeGPR writes v (already computed in a host register) back into
// guest register reg at the given width, preserving the untouched bits
// the real ISA leaves alone on an 8/16-bit write.
func (b *builder) storeGPR(reg, bits int, v asmx86.Reg) {
	b.e.MovMemReg(gprMem(reg, bits), v, widthOf(bits))
}

// loadEffectiveAddress computes mem's guest linear address into addrReg,
// combining the base/index/scale/disp fields the way real ModRM/SIB
// addressing does, plus the current segment's cached base. This tree
// assumes every decoder.Operand of kind OperandMem always carries a
// valid Base register (disp32-only/base-less SIB forms are not modeled,
// a deliberate simplification of the decoder boundary documented in
// DESIGN.md); Scale==0 means "no index register contributes."
// loadEffectiveAddress only ever touches scratch0, scratch1, and scratch3:
// callers that need a value to survive across this call (e.g. storeOperand's
// src) must keep it in scratch2 or scratch4-scratch6.
func (b *builder) loadEffectiveAddress(op decoder.Operand, segIdx int) {
	b.loadGPR(scratch0, op.Base, 32)
	if op.Scale > 0 {
		b.loadGPR(scratch1, op.Index, 32)
		b.e.Lea(addrReg, asmx86.BaseIndexScaleDisp(scratch0, scratch1, byte(op.Scale), op.Disp))
	} else {
		b.e.Lea(addrReg, asmx86.BaseDisp(scratch0, op.Disp))
	}
	segBase := int32(cpuctx.SegOffset) + int32(segIdx)*int32(cpuctx.SegmentSize) + int32(cpuctx.SegBaseOffset)
	b.e.MovRegMem(scratch3, asmx86.BaseDisp(ctxReg, segBase), asmx86.W32)
	b.e.Add(addrReg, scratch3, asmx86.W32) // W32 add zero-extends, wrapping the address at 32 bits
}

// sizeFlags packs the bit width and privilege-override flag the hostcall
// trampolines in hostcalls_linux_amd64.go expect in their third argument.
func sizeFlags(bits int, privOverride bool) uint32 {
	var v uint32
	switch bits {
	case 8:
		v = 1
	case 16:
		v = 2
	default:
		v = 4
	}
	if privOverride {
		v |= 0x100
	}
	return v
}

// emitMemRead calls the goMemRead hostcall for the address already
// sitting in addrReg, leaving the loaded value zero-extended in dst and
// jumping to faultExit if the access failed. eip is the guest PC to
// blame the fault on (the instruction's own start address).
func (b *builder) emitMemRead(dst asmx86.Reg, bits int, eip uint32) {
	b.e.MovRegReg(asmx86.RDI, addrReg, asmx86.W32)
	b.e.MovRegImm32(asmx86.RSI, eip)
	b.e.MovRegImm32(asmx86.RDX, sizeFlags(bits, false))
	b.e.CallAbs(memReadAddr())
	b.e.MovRegReg(scratch0, asmx86.RAX, asmx86.W64)
	b.e.Shr(scratch0, 32, asmx86.W64)
	b.e.Test(scratch0, scratch0, asmx86.W32)
	b.e.Jcc(asmx86.CC_E, b.faultExit)
	if dst != asmx86.RAX {
		b.e.MovRegReg(dst, asmx86.RAX, asmx86.W32)
	} else {
		b.e.MovRegReg(dst, dst, asmx86.W32)
	}
}

// emitMemWrite calls goMemWrite to store val (a 32-bit host register, only
// the low bits meaningful per width) to the address in addrReg.
func (b *builder) emitMemWrite(val asmx86.Reg, bits int, eip uint32) {
	b.e.MovRegReg(asmx86.RSI, val, asmx86.W32)
	b.e.MovRegReg(asmx86.RDI, addrReg, asmx86.W32)
	b.e.MovRegImm32(asmx86.RDX, eip)
	b.e.MovRegImm32(asmx86.RCX, sizeFlags(bits, false))
	b.e.CallAbs(memWriteAddr())
	b.e.Test(asmx86.RAX, asmx86.RAX, asmx86.W32)
	b.e.Jcc(asmx86.CC_E, b.faultExit)
}

// loadOperand loads operand op into dst, width-generic, routing register
// operands through gprMem, memory operands through loadEffectiveAddress
// plus a hostcall, and immediates as a plain host constant. segIdx
// selects which segment a memory operand is relative to (DS by default;
// string/stack recipes pass SegSS/SegES explicitly).
func (b *builder) loadOperand(dst asmx86.Reg, op decoder.Operand, segIdx int, eip uint32) {
	switch op.Kind {
	case decoder.OperandReg:
		b.loadGPR(dst, op.Reg, op.Size)
	case decoder.OperandMem:
		b.loadEffectiveAddress(op, segIdx)
		b.emitMemRead(dst, op.Size, eip)
	case decoder.OperandImm, decoder.OperandRel:
		b.e.MovRegImm32(dst, uint32(op.Imm))
	}
}

// storeOperand is loadOperand's inverse for register/memory destinations.
// For a memory destination it parks src in scratch2 before computing the
// effective address, since loadEffectiveAddress is free to clobber
// scratch0/scratch1/scratch3 and src may well alias one of those.
func (b *builder) storeOperand(op decoder.Operand, segIdx int, src asmx86.Reg, eip uint32) {
	switch op.Kind {
	case decoder.OperandReg:
		b.storeGPR(op.Reg, op.Size, src)
	case decoder.OperandMem:
		if src != scratch2 {
			b.e.MovRegReg(scratch2, src, asmx86.W32)
			src = scratch2
		}
		b.loadEffectiveAddress(op, segIdx)
		b.emitMemWrite(src, op.Size, eip)
	}
}

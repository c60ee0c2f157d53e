package translator

import (
	"github.com/colorfulnotion/lib86cpu/asmx86"
	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/decoder"
	"github.com/colorfulnotion/lib86cpu/flags"
)

// writeFlagsPB stores a freshly computed Lazy{Res,Aux,PB} triple, already
// sitting in three host registers, straight into ctx.Flags at the offsets
// flags.go exports -- no helper call, matching the Linker's own "reach
// into the struct by offset" style for IntPending/EIP.
func (b *builder) writeFlagsPB(res, aux, pbSrc asmx86.Reg) {
	base := int32(cpuctx.FlagsOffset)
	b.e.MovMemReg(asmx86.BaseDisp(ctxReg, base+int32(flags.ResOffset)), res, asmx86.W32)
	b.e.MovMemReg(asmx86.BaseDisp(ctxReg, base+int32(flags.AuxOffset)), aux, asmx86.W32)
	b.e.MovMemReg(asmx86.BaseDisp(ctxReg, base+int32(flags.PBOffset)), pbSrc, asmx86.W8)
}

// emitSumAux reproduces flags.SetSum's vector-carry identity in host code:
// cf = (a|b) &^ sum | (a&b), masked down to aux's CF/OF/AF bit positions.
// a and b must still hold their pre-operation values; sum is the already
// computed a+b. aux is left in scratch3; a, b, and sum are left unchanged.
func (b *builder) emitSumAux(aux, a, bReg, sum asmx86.Reg) {
	b.e.MovRegReg(aux, a, asmx86.W32)
	b.e.Or(aux, bReg, asmx86.W32) // aux = a|b
	b.e.MovRegReg(scratch5, sum, asmx86.W32)
	b.e.Not(scratch5, asmx86.W32) // scratch5 = ^sum
	b.e.And(aux, scratch5, asmx86.W32)
	b.e.MovRegReg(scratch5, a, asmx86.W32)
	b.e.And(scratch5, bReg, asmx86.W32) // scratch5 = a&b
	b.e.Or(aux, scratch5, asmx86.W32)
	b.e.AndImm32(aux, 0xC0000008)
}

// emitSubAux reproduces flags.SetSub's vector-borrow identity:
// cf = (^(a^b))&res | (^a&b).
func (b *builder) emitSubAux(aux, a, bReg, res asmx86.Reg) {
	b.e.MovRegReg(aux, a, asmx86.W32)
	b.e.Xor(aux, bReg, asmx86.W32)
	b.e.Not(aux, asmx86.W32) // aux = ^(a^b)
	b.e.And(aux, res, asmx86.W32)
	b.e.MovRegReg(scratch5, a, asmx86.W32)
	b.e.Not(scratch5, asmx86.W32)
	b.e.And(scratch5, bReg, asmx86.W32) // scratch5 = ^a & b
	b.e.Or(aux, scratch5, asmx86.W32)
	b.e.AndImm32(aux, 0xC0000008)
}

// loadShiftedPair loads dst then src and left-shifts both into the
// MSB-aligned domain flags.SetSumWidth et al. expect, returning the shift
// amount so callers can re-align the final result before storing it back.
// dst's value always lands in scratch4: loadOperand's memory path (via
// loadEffectiveAddress) only ever clobbers scratch0/scratch1/scratch3, so
// loading dst first into scratch4 lets src's own load -- which may need
// those same temps for its own addressing -- run afterward without
// destroying dst's already-loaded value. src lands in scratch0.
func (b *builder) loadShiftedPair(dst, src decoder.Operand, eip uint32) (aReg, bReg asmx86.Reg, shift uint) {
	shift = shiftFor(dst.Size)
	b.loadOperand(scratch4, dst, cpuctx.SegDS, eip)
	b.loadOperand(scratch0, src, cpuctx.SegDS, eip)
	if shift > 0 {
		b.e.Shl(scratch4, byte(shift), asmx86.W32)
		b.e.Shl(scratch0, byte(shift), asmx86.W32)
	}
	return scratch4, scratch0, shift
}

// emitAddLike implements ADD/SUB/AND/OR/XOR/CMP/TEST's shared shape: load
// both operands, compute the result, derive flags, and (for everything
// but CMP/TEST) write the result back to the destination.
func (b *builder) emitAddLike(op asmx86.ALU, store bool, instr decoder.Instr, eip uint32) {
	dst, src := instr.Operands[0], instr.Operands[1]
	aReg, bReg, shift := b.loadShiftedPair(dst, src, eip)

	res := scratch2
	b.e.MovRegReg(res, aReg, asmx86.W32)
	switch op {
	case asmx86.ALU_ADD:
		b.e.Add(res, bReg, asmx86.W32)
		b.emitSumAux(scratch3, aReg, bReg, res)
	case asmx86.ALU_SUB, asmx86.ALU_CMP:
		b.e.Sub(res, bReg, asmx86.W32)
		b.emitSubAux(scratch3, aReg, bReg, res)
	case asmx86.ALU_AND:
		b.e.And(res, bReg, asmx86.W32)
		b.e.MovRegImm32(scratch3, 0)
	case asmx86.ALU_OR:
		b.e.Or(res, bReg, asmx86.W32)
		b.e.MovRegImm32(scratch3, 0)
	case asmx86.ALU_XOR:
		b.e.Xor(res, bReg, asmx86.W32)
		b.e.MovRegImm32(scratch3, 0)
	}

	pb := scratch4 // aReg is dead past this point; reuse its register
	b.e.MovRegReg(pb, res, asmx86.W32)
	if shift > 0 {
		b.e.Shr(pb, byte(shift), asmx86.W32)
	}
	b.writeFlagsPB(res, scratch3, pb)

	if store {
		if shift > 0 {
			b.e.Shr(res, byte(shift), asmx86.W32)
		}
		b.storeOperand(dst, cpuctx.SegDS, res, eip)
	}
}

func emitAdd(b *builder, instr decoder.Instr, nextPC uint32) {
	b.emitAddLike(asmx86.ALU_ADD, true, instr, instr.PC)
}

func emitSub(b *builder, instr decoder.Instr, nextPC uint32) {
	b.emitAddLike(asmx86.ALU_SUB, true, instr, instr.PC)
}

func emitCmp(b *builder, instr decoder.Instr, nextPC uint32) {
	b.emitAddLike(asmx86.ALU_CMP, false, instr, instr.PC)
}

func emitAnd(b *builder, instr decoder.Instr, nextPC uint32) {
	b.emitAddLike(asmx86.ALU_AND, true, instr, instr.PC)
}

func emitOr(b *builder, instr decoder.Instr, nextPC uint32) {
	b.emitAddLike(asmx86.ALU_OR, true, instr, instr.PC)
}

func emitXor(b *builder, instr decoder.Instr, nextPC uint32) {
	b.emitAddLike(asmx86.ALU_XOR, true, instr, instr.PC)
}

func emitTest(b *builder, instr decoder.Instr, nextPC uint32) {
	b.emitAddLike(asmx86.ALU_AND, false, instr, instr.PC)
}

// emitIncDec implements INC/DEC: a one-operand SUB/ADD by 1 that must
// preserve CF across the operation (flags.SetIncDecWidth's whole reason
// for existing).
func (b *builder) emitIncDec(instr decoder.Instr, eip uint32, isDec bool) {
	op := instr.Operands[0]
	shift := shiftFor(op.Size)

	// sample the old CF before touching anything: CF() reads aux bit31,
	// already stored at cpuctx.FlagsOffset+AuxOffset.
	auxAddr := asmx86.BaseDisp(ctxReg, int32(cpuctx.FlagsOffset)+int32(flags.AuxOffset))
	b.e.MovRegMem(scratch6, auxAddr, asmx86.W32)
	b.e.Shr(scratch6, 31, asmx86.W32)
	b.e.Shl(scratch6, 31, asmx86.W32) // scratch6 = old CF, isolated at bit31, else 0

	b.loadOperand(scratch0, op, cpuctx.SegDS, eip)
	if shift > 0 {
		b.e.Shl(scratch0, byte(shift), asmx86.W32)
	}
	one := uint32(1) << shift
	b.e.MovRegImm32(scratch1, one)

	res := scratch2
	b.e.MovRegReg(res, scratch0, asmx86.W32)
	if isDec {
		b.e.Sub(res, scratch1, asmx86.W32)
		b.emitSubAux(scratch3, scratch0, scratch1, res)
	} else {
		b.e.Add(res, scratch1, asmx86.W32)
		b.emitSumAux(scratch3, scratch0, scratch1, res)
	}
	b.e.AndImm32(scratch3, 0x7FFFFFFF)
	b.e.Or(scratch3, scratch6, asmx86.W32)

	pb := scratch4
	b.e.MovRegReg(pb, res, asmx86.W32)
	if shift > 0 {
		b.e.Shr(pb, byte(shift), asmx86.W32)
	}
	b.writeFlagsPB(res, scratch3, pb)

	if shift > 0 {
		b.e.Shr(res, byte(shift), asmx86.W32)
	}
	b.storeOperand(op, cpuctx.SegDS, res, eip)
}

func emitInc(b *builder, instr decoder.Instr, nextPC uint32) { b.emitIncDec(instr, instr.PC, false) }
func emitDec(b *builder, instr decoder.Instr, nextPC uint32) { b.emitIncDec(instr, instr.PC, true) }

// emitNot computes the one's complement in place, flags untouched (the
// real ISA's NOT never writes EFLAGS).
func emitNot(b *builder, instr decoder.Instr, nextPC uint32) {
	op := instr.Operands[0]
	b.loadOperand(scratch0, op, cpuctx.SegDS, instr.PC)
	b.e.Not(scratch0, asmx86.W32)
	b.storeOperand(op, cpuctx.SegDS, scratch0, instr.PC)
}

// emitNeg computes 0-op, which is SUB's identity with a=0, and sets flags
// the same way SUB does (CF = op != 0).
func emitNeg(b *builder, instr decoder.Instr, nextPC uint32) {
	op := instr.Operands[0]
	shift := shiftFor(op.Size)
	b.loadOperand(scratch1, op, cpuctx.SegDS, instr.PC)
	if shift > 0 {
		b.e.Shl(scratch1, byte(shift), asmx86.W32)
	}
	b.e.MovRegImm32(scratch0, 0)
	res := scratch2
	b.e.MovRegReg(res, scratch0, asmx86.W32)
	b.e.Sub(res, scratch1, asmx86.W32)
	b.emitSubAux(scratch3, scratch0, scratch1, res)

	pb := scratch4
	b.e.MovRegReg(pb, res, asmx86.W32)
	if shift > 0 {
		b.e.Shr(pb, byte(shift), asmx86.W32)
	}
	b.writeFlagsPB(res, scratch3, pb)

	if shift > 0 {
		b.e.Shr(res, byte(shift), asmx86.W32)
	}
	b.storeOperand(op, cpuctx.SegDS, res, instr.PC)
}

// emitMov loads the source operand and stores it verbatim to the
// destination; flags are untouched, matching real MOV.
func emitMov(b *builder, instr decoder.Instr, nextPC uint32) {
	dst, src := instr.Operands[0], instr.Operands[1]
	b.loadOperand(scratch0, src, cpuctx.SegDS, instr.PC)
	b.storeOperand(dst, cpuctx.SegDS, scratch0, instr.PC)
}

// emitLea stores the computed effective address itself rather than the
// value it points at, skipping emitMemRead entirely.
func emitLea(b *builder, instr decoder.Instr, nextPC uint32) {
	dst, mem := instr.Operands[0], instr.Operands[1]
	b.loadEffectiveAddress(mem, cpuctx.SegDS)
	b.e.MovRegReg(scratch0, addrReg, asmx86.W32)
	b.storeOperand(dst, cpuctx.SegDS, scratch0, instr.PC)
}

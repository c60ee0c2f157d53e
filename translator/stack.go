package translator

import (
	"github.com/colorfulnotion/lib86cpu/asmx86"
	"github.com/colorfulnotion/lib86cpu/cpuctx"
)

func segBaseMem(segIdx int) asmx86.Mem {
	off := int32(cpuctx.SegOffset) + int32(segIdx)*int32(cpuctx.SegmentSize) + int32(cpuctx.SegBaseOffset)
	return asmx86.BaseDisp(ctxReg, off)
}

// pushGuest32 decrements ESP by 4 and stores v (a 32-bit host register,
// must not be scratch0/scratch1/scratch3/addrReg -- the registers this
// itself uses to build the stack address) to the new top of stack via
// SS. ESP is committed to ctx before the write attempt, matching real
// hardware's push ordering (the decrement is visible even if the store
// later faults).
func (b *builder) pushGuest32(v asmx86.Reg, eip uint32) {
	if v != scratch2 {
		b.e.MovRegReg(scratch2, v, asmx86.W32)
		v = scratch2
	}
	b.loadGPR(scratch1, 4, 32)
	b.e.SubImm32(scratch1, 4)
	b.storeGPR(4, 32, scratch1)
	b.e.MovRegMem(scratch3, segBaseMem(cpuctx.SegSS), asmx86.W32)
	b.e.Lea(addrReg, asmx86.BaseDisp(scratch1, 0))
	b.e.Add(addrReg, scratch3, asmx86.W32)
	b.emitMemWrite(v, 32, eip)
}

// popGuest32 reads the 32-bit value at the top of the guest stack into
// dst and advances ESP by 4. dst must be scratch0 (emitMemRead's own
// destination convention) or another register emitMemRead doesn't
// clobber internally.
func (b *builder) popGuest32(dst asmx86.Reg, eip uint32) {
	b.loadGPR(scratch4, 4, 32) // survives emitMemRead's CallAbs
	b.e.MovRegMem(scratch3, segBaseMem(cpuctx.SegSS), asmx86.W32)
	b.e.Lea(addrReg, asmx86.BaseDisp(scratch4, 0))
	b.e.Add(addrReg, scratch3, asmx86.W32)
	b.emitMemRead(dst, 32, eip)
	b.e.AddImm32(scratch4, 4)
	b.storeGPR(4, 32, scratch4)
}

package translator

import (
	"unsafe"

	"github.com/colorfulnotion/lib86cpu/asmx86"
	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/flags"
)

// parityTableAddr returns flags.ParityTable's own address, taken once at
// translate time the same way hostcalls_linux_amd64.go takes a Go
// function's address: so Jcc/SETcc/CMOVcc recipes can index straight into
// it from emitted code instead of paying a helper call per parity check.
func parityTableAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&flags.ParityTable[0])))
}

// flagBit is one of the six lazy-flags-derived booleans, computed into a
// host register (0 or 1 in bit0, nothing else set) from ctx.Flags.
type flagBit int

const (
	bitCF flagBit = iota
	bitZF
	bitSF
	bitOF
	bitPF
	bitAF
)

// evalFlag reproduces flags.Lazy's own derivation logic (flags.go) in
// emitted host code, leaving a 0/1 value in dst. It clobbers scratch5 as
// a temporary; ctx.Flags.Res/Aux/PB are read fresh
// from memory each time rather than threaded through from the arithmetic
// recipe that set them, since a Jcc can follow any number of other
// instructions (including ones that don't touch flags at all).
func (b *builder) evalFlag(dst asmx86.Reg, which flagBit) {
	base := int32(cpuctx.FlagsOffset)
	resMem := asmx86.BaseDisp(ctxReg, base+int32(flags.ResOffset))
	auxMem := asmx86.BaseDisp(ctxReg, base+int32(flags.AuxOffset))

	switch which {
	case bitCF:
		b.e.MovRegMem(dst, auxMem, asmx86.W32)
		b.e.Shr(dst, 31, asmx86.W32)
	case bitZF:
		b.e.MovRegMem(dst, resMem, asmx86.W32)
		b.e.Test(dst, dst, asmx86.W32)
		b.e.MovRegImm32(dst, 0)
		b.e.SetCC(asmx86.CC_E, dst)
	case bitSF:
		b.e.MovRegMem(dst, resMem, asmx86.W32)
		b.e.Shr(dst, 31, asmx86.W32)
		b.e.MovRegMem(scratch5, auxMem, asmx86.W32)
		b.e.AndImm32(scratch5, 1)
		b.e.Xor(dst, scratch5, asmx86.W32)
		b.e.AndImm32(dst, 1)
	case bitOF:
		b.e.MovRegMem(dst, auxMem, asmx86.W32)
		b.e.MovRegReg(scratch5, dst, asmx86.W32)
		b.e.Add(scratch5, dst, asmx86.W32) // scratch5 = aux+aux
		b.e.Xor(scratch5, dst, asmx86.W32) // scratch5 = (aux+aux)^aux
		b.e.Shr(scratch5, 31, asmx86.W32)
		b.e.MovRegReg(dst, scratch5, asmx86.W32)
		b.e.AndImm32(dst, 1)
	case bitAF:
		b.e.MovRegMem(dst, auxMem, asmx86.W32)
		b.e.Shr(dst, 3, asmx86.W32)
		b.e.AndImm32(dst, 1)
	case bitPF:
		b.e.MovzxRegMem8(dst, asmx86.BaseDisp(ctxReg, base+int32(flags.PBOffset)))
		b.e.MovRegMem(scratch5, auxMem, asmx86.W32)
		b.e.Shr(scratch5, 8, asmx86.W32)
		b.e.AndImm32(scratch5, 0xFF)
		b.e.Xor(dst, scratch5, asmx86.W32)
		b.e.MovRegImm64(scratch5, parityTableAddr())
		b.e.MovzxRegMem8(dst, asmx86.BaseIndexScale(scratch5, dst, 1))
	}
}

// evalCC reduces one of the x86 Jcc/SETcc condition codes to a single
// host boolean in dst, combining flagBit evaluations exactly the way the
// real condition-code table does (e.g. JLE = ZF || (SF XOR OF)).
func (b *builder) evalCC(dst asmx86.Reg, cc asmx86.CC) {
	switch cc {
	case asmx86.CC_B:
		b.evalFlag(dst, bitCF)
	case asmx86.CC_AE:
		b.evalFlag(dst, bitCF)
		b.e.XorImm32(dst, 1)
	case asmx86.CC_E:
		b.evalFlag(dst, bitZF)
	case asmx86.CC_NE:
		b.evalFlag(dst, bitZF)
		b.e.XorImm32(dst, 1)
	case asmx86.CC_BE:
		b.evalFlag(dst, bitCF)
		b.evalFlag(scratch6, bitZF)
		b.e.Or(dst, scratch6, asmx86.W32)
	case asmx86.CC_A:
		b.evalFlag(dst, bitCF)
		b.evalFlag(scratch6, bitZF)
		b.e.Or(dst, scratch6, asmx86.W32)
		b.e.XorImm32(dst, 1)
	case asmx86.CC_S:
		b.evalFlag(dst, bitSF)
	case asmx86.CC_NS:
		b.evalFlag(dst, bitSF)
		b.e.XorImm32(dst, 1)
	case asmx86.CC_P:
		b.evalFlag(dst, bitPF)
	case asmx86.CC_NP:
		b.evalFlag(dst, bitPF)
		b.e.XorImm32(dst, 1)
	case asmx86.CC_O:
		b.evalFlag(dst, bitOF)
	case asmx86.CC_NO:
		b.evalFlag(dst, bitOF)
		b.e.XorImm32(dst, 1)
	case asmx86.CC_L:
		b.evalFlag(dst, bitSF)
		b.evalFlag(scratch6, bitOF)
		b.e.Xor(dst, scratch6, asmx86.W32)
	case asmx86.CC_GE:
		b.evalFlag(dst, bitSF)
		b.evalFlag(scratch6, bitOF)
		b.e.Xor(dst, scratch6, asmx86.W32)
		b.e.XorImm32(dst, 1)
	case asmx86.CC_LE:
		b.evalFlag(dst, bitSF)
		b.evalFlag(scratch6, bitOF)
		b.e.Xor(dst, scratch6, asmx86.W32)
		b.evalFlag(scratch5, bitZF)
		b.e.Or(dst, scratch5, asmx86.W32)
	case asmx86.CC_G:
		b.evalFlag(dst, bitSF)
		b.evalFlag(scratch6, bitOF)
		b.e.Xor(dst, scratch6, asmx86.W32)
		b.evalFlag(scratch5, bitZF)
		b.e.Or(dst, scratch5, asmx86.W32)
		b.e.XorImm32(dst, 1)
	}
}

// emitJccTaken branches to taken when cc holds, evaluating the condition
// into scratch0 and testing it with a real host TEST/Jcc pair (the host
// flags TEST itself sets are genuine, unlike anything derived from guest
// state, so this part alone is safe to branch on directly).
func (b *builder) emitJccTaken(cc asmx86.CC, taken *asmx86.Label) {
	b.evalCC(scratch0, cc)
	b.e.Test(scratch0, scratch0, asmx86.W32)
	b.e.Jcc(asmx86.CC_NE, taken)
}

// Package flags implements the lazy-flags arithmetic model described in
// spec.md §4.C: instead of computing CF/OF/SF/ZF/PF/AF eagerly after every
// arithmetic or logical operation, the core stashes a pair of 32-bit words
// (res, aux) and a constant parity table, and derives each flag only when a
// consumer actually reads it.
package flags

import "unsafe"

// Lazy holds the two words every arithmetic/logical primitive must write
// together, plus the constant parity lookup table both setters and readers
// share. The zero value is a valid "ZF=1, PF=1, all others 0" state.
type Lazy struct {
	Res uint32 // result, MSB-aligned at bit31 for operations narrower than 32 bits; used for SF/ZF
	Aux uint32 // packed CF (bit31) / AF (bit3) / operand-kind bits, same MSB alignment as Res
	PB  byte   // low byte of the true (unaligned) result, the source PF always examines regardless of operand width
}

// ResOffset, AuxOffset, and PBOffset are Lazy's own field offsets, exported
// so the Translator's emitted arithmetic recipes (package translator) can
// write a freshly computed Lazy state directly into CpuContext.Flags
// (itself located via cpuctx.FlagsOffset) without a helper call, the same
// offset-table convention cpuctx.go's GPROffset and friends follow.
var (
	ResOffset = unsafe.Offsetof(Lazy{}.Res)
	AuxOffset = unsafe.Offsetof(Lazy{}.Aux)
	PBOffset  = unsafe.Offsetof(Lazy{}.PB)
)

// ParityTable[b] is the even-parity bit (1 if the number of set bits in b
// is even) for every possible low byte, precomputed once at init time the
// way spec.md §3 calls for.
var ParityTable [256]uint8

func init() {
	for b := 0; b < 256; b++ {
		bits := 0
		for v := b; v != 0; v &= v - 1 {
			bits++
		}
		if bits%2 == 0 {
			ParityTable[b] = 1
		}
	}
}

// Masks applied by SetSum/SetSub to aux, isolating the bits the identities
// below are allowed to produce: CF in bit31, the OF-source bits, AF in bit3.
const auxMask = 0xC0000008

// ZF reports res == 0.
func (f Lazy) ZF() bool { return f.Res == 0 }

// SF reports the sign bit of Res, XORed against aux bit0 the way
// spec.md §4.C's identity requires so that logic ops (aux=0) fall back to
// the plain sign bit of Res.
func (f Lazy) SF() bool { return ((f.Res>>31)^(f.Aux&1))&1 != 0 }

// CF reports the carry/borrow bit stashed in aux bit31.
func (f Lazy) CF() bool { return f.Aux&0x80000000 != 0 }

// OF derives the overflow flag from the vector-carry identity
// ((aux+aux) XOR aux) & 0x80000000.
func (f Lazy) OF() bool {
	aux := f.Aux
	return ((aux+aux)^aux)&0x80000000 != 0
}

// AF reports the auxiliary (half) carry bit stashed in aux bit3.
func (f Lazy) AF() bool { return f.Aux&8 != 0 }

// PF derives the parity flag from the low byte of the true result XORed
// with the second-lowest byte of aux, per spec.md §4.C. PB -- not Res --
// is the source, since real x86 PF always examines the result's actual
// low 8 bits regardless of operand width, while Res may be MSB-aligned
// for operations narrower than 32 bits (see SetSumWidth).
func (f Lazy) PF() bool {
	idx := f.PB ^ byte(f.Aux>>8)
	return ParityTable[idx] != 0
}

// SetSum computes (res, aux) for a 32-bit addition a+b=sum, using the
// standard vector-carry identity cf = (a|b)&^sum | (a&b). Callers with a
// narrower operand width should use SetSumWidth instead.
func SetSum(a, b, sum uint32) Lazy {
	cf := (a|b)&^sum | (a & b)
	aux := cf & auxMask
	return Lazy{Res: sum, Aux: aux, PB: byte(sum)}
}

// SetSub computes (res, aux) for a 32-bit subtraction a-b=res, using the
// standard vector-borrow identity cf = (^(a^b)&res) | (^a&b). Callers
// with a narrower operand width should use SetSubWidth instead.
func SetSub(a, b, res uint32) Lazy {
	cf := (^(a^b))&res | (^a & b)
	aux := cf & auxMask
	return Lazy{Res: res, Aux: aux, PB: byte(res)}
}

// SetSumWidth and SetSubWidth are the width-generic forms the Translator's
// emitted 8/16-bit arithmetic recipes reproduce in raw host code: a, b,
// and sum/res are first widened by shifting left so the operand's own MSB
// sits at bit31 (shift = 32 - widthBits), giving CF/OF/SF/ZF the same
// bit31/bit3 identities SetSum/SetSub already use, while trueResult
// carries the unshifted low byte PF needs.
func SetSumWidth(aShifted, bShifted, sumShifted uint32, trueResult uint32) Lazy {
	l := SetSum(aShifted, bShifted, sumShifted)
	l.PB = byte(trueResult)
	return l
}

func SetSubWidth(aShifted, bShifted, resShifted uint32, trueResult uint32) Lazy {
	l := SetSub(aShifted, bShifted, resShifted)
	l.PB = byte(trueResult)
	return l
}

// SetLogic computes (res, aux) for AND/OR/XOR/TEST: CF and OF are always
// cleared, AF is left undefined architecturally and this model reports 0.
// res is treated the same way SetSum's sum is: callers at narrower than
// 32 bits should MSB-align it (see SetLogicWidth) so SF reads bit31
// correctly.
func SetLogic(res uint32) Lazy {
	return Lazy{Res: res, Aux: 0, PB: byte(res)}
}

// SetLogicWidth is SetLogic's width-generic form.
func SetLogicWidth(resShifted, trueResult uint32) Lazy {
	return Lazy{Res: resShifted, Aux: 0, PB: byte(trueResult)}
}

// SetIncDec computes (res, aux) for INC/DEC, which must preserve CF across
// the operation (x86 quirk: INC/DEC never touch CF) by reading the old CF
// first and re-injecting it into the freshly computed aux.
func SetIncDec(a, b, res uint32, oldCF bool) Lazy {
	l := SetSub(a, b, res)
	l.Aux &^= 0x80000000
	if oldCF {
		l.Aux |= 0x80000000
	}
	return l
}

// SetIncDecWidth is SetIncDec's width-generic form, mirroring SetSubWidth.
func SetIncDecWidth(aShifted, bShifted, resShifted uint32, trueResult uint32, oldCF bool) Lazy {
	l := SetSubWidth(aShifted, bShifted, resShifted, trueResult)
	l.Aux &^= 0x80000000
	if oldCF {
		l.Aux |= 0x80000000
	}
	return l
}

// Materialize packs all six flags into the low bits of an x86 EFLAGS-shaped
// word (CF=0, PF=2, AF=4, ZF=6, SF=7, OF=11), for the rare case code needs
// the eager representation (e.g. PUSHF, or handing EFLAGS to an exception
// frame).
func (f Lazy) Materialize(base uint32) uint32 {
	const (
		bitCF = 1 << 0
		bitPF = 1 << 2
		bitAF = 1 << 4
		bitZF = 1 << 6
		bitSF = 1 << 7
		bitOF = 1 << 11
	)
	v := base &^ (bitCF | bitPF | bitAF | bitZF | bitSF | bitOF)
	if f.CF() {
		v |= bitCF
	}
	if f.PF() {
		v |= bitPF
	}
	if f.AF() {
		v |= bitAF
	}
	if f.ZF() {
		v |= bitZF
	}
	if f.SF() {
		v |= bitSF
	}
	if f.OF() {
		v |= bitOF
	}
	return v
}

// FromEager rebuilds a Lazy state whose derived flags equal the given
// eager EFLAGS bits exactly. Used when entering lazy mode after code that
// can only produce eager flags (e.g. POPF, IRET).
func FromEager(eflags uint32) Lazy {
	const (
		bitCF = 1 << 0
		bitPF = 1 << 2
		bitAF = 1 << 4
		bitSF = 1 << 7
		bitOF = 1 << 11
	)
	var res uint32
	zf := eflags&(1<<6) != 0
	if !zf { // ZF clear -> nonzero result
		res = 1
	}
	sf := eflags&bitSF != 0
	if sf && !zf {
		res |= 0x80000000
	}
	cf := eflags&bitCF != 0
	of := eflags&bitOF != 0
	var aux uint32
	if cf {
		aux |= 0x80000000
	}
	// OF() derives OF as aux_bit30 XOR aux_bit31 (the carry-into-MSB XOR
	// carry-out-of-MSB identity SetSum/SetSub's real cf vector satisfies
	// naturally); bit31 already carries CF above, so bit30 must be set to
	// exactly cf XOR of for that identity to reproduce the true OF bit
	// instead of silently tracking CF.
	if cf != of {
		aux |= 0x40000000
	}
	if eflags&bitAF != 0 {
		aux |= 8
	}
	// SF = (res>>31) XOR aux_bit0; force that identity to hold (this also
	// covers ZF=1 with SF=1, where res stays 0).
	if sf != ((res>>31)&1 != 0) {
		aux |= 1
	}
	// PF = ParityTable[PB ^ aux byte1]; aux byte1 is 0 here, and PB=1 has
	// odd parity, so PB alone selects PF.
	var pb byte
	if eflags&bitPF == 0 {
		pb = 1
	}
	return Lazy{Res: res, Aux: aux, PB: pb}
}

package asmx86

import (
	"fmt"

	"github.com/colorfulnotion/lib86cpu/internal/dbterrors"
)

// Mem is a memory operand, covering every addressing form spec.md §4.B
// requires: [base], [base+disp], [base+index*scale], [base+index*scale+disp],
// and [disp+index*scale] (HasBase=false).
type Mem struct {
	HasBase  bool
	Base     Reg
	HasIndex bool
	Index    Reg
	Scale    byte // 1, 2, 4, or 8
	Disp     int32
}

// BaseDisp builds a [base+disp] operand ([base] when disp==0).
func BaseDisp(base Reg, disp int32) Mem { return Mem{HasBase: true, Base: base, Disp: disp} }

// BaseIndexScale builds a [base+index*scale] operand.
func BaseIndexScale(base, index Reg, scale byte) Mem {
	return Mem{HasBase: true, Base: base, HasIndex: true, Index: index, Scale: scale}
}

// BaseIndexScaleDisp builds a [base+index*scale+disp] operand.
func BaseIndexScaleDisp(base, index Reg, scale byte, disp int32) Mem {
	return Mem{HasBase: true, Base: base, HasIndex: true, Index: index, Scale: scale, Disp: disp}
}

// DispIndexScale builds a [disp+index*scale] operand (no base register).
func DispIndexScale(index Reg, scale byte, disp int32) Mem {
	return Mem{HasIndex: true, Index: index, Scale: scale, Disp: disp}
}

// fixup records one forward reference to a not-yet-bound Label: a rel32
// field living at byte offset `at`, measured from the end of the 4-byte
// field itself (the x86 rel32 convention).
type fixup struct {
	at int
}

// Label is a forward-reference target, per spec.md §4.B: branches can
// target a Label before it is bound to a concrete offset; Finalize
// resolves every outstanding fixup.
type Label struct {
	bound  bool
	offset int
	fixups []fixup
}

// NewLabel creates an unbound label.
func NewLabel() *Label { return &Label{} }

// Emitter is the append-only host-code builder. It holds instruction bytes
// as they're appended, tracks label fixups, and flattens to a final byte
// slice on Finalize — exactly the two-phase "append, then resolve, then
// flatten" shape spec.md §4.B describes.
type Emitter struct {
	buf  []byte
	errs []error
}

// NewEmitter starts a fresh emitter session.
func NewEmitter() *Emitter { return &Emitter{buf: make([]byte, 0, 256)} }

// Len returns the number of bytes emitted so far.
func (e *Emitter) Len() int { return len(e.buf) }

func (e *Emitter) emit(b ...byte) { e.buf = append(e.buf, b...) }

func (e *Emitter) emit32(v uint32) {
	e.emit(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (e *Emitter) emit64(v uint64) {
	e.emit32(uint32(v))
	e.emit32(uint32(v >> 32))
}

// Bind marks the current position as l's resolved target and patches
// every outstanding forward reference to it.
func (e *Emitter) Bind(l *Label) {
	l.bound = true
	l.offset = len(e.buf)
	for _, f := range l.fixups {
		rel := int32(l.offset - (f.at + 4))
		e.patch32(f.at, uint32(rel))
	}
	l.fixups = nil
}

func (e *Emitter) patch32(at int, v uint32) {
	e.buf[at] = byte(v)
	e.buf[at+1] = byte(v >> 8)
	e.buf[at+2] = byte(v >> 16)
	e.buf[at+3] = byte(v >> 24)
}

func (e *Emitter) patch64(at int, v uint64) {
	e.patch32(at, uint32(v))
	e.patch32(at+4, uint32(v>>32))
}

// PatchU64InPlace overwrites the 64-bit little-endian immediate at byte
// offset `at` of an already-installed code block (raw executable memory
// the Emitter no longer owns). Package tc uses this to fix up a TB's
// epilogue-trampoline address once the block's final address is known,
// and package linker uses it to splice chain slots.
func PatchU64InPlace(code []byte, at int, v uint64) {
	code[at] = byte(v)
	code[at+1] = byte(v >> 8)
	code[at+2] = byte(v >> 16)
	code[at+3] = byte(v >> 24)
	code[at+4] = byte(v >> 32)
	code[at+5] = byte(v >> 40)
	code[at+6] = byte(v >> 48)
	code[at+7] = byte(v >> 56)
}

// refRel32 emits a placeholder rel32 field targeting l: if l is already
// bound, the real displacement is written immediately; otherwise a fixup
// is recorded for Bind to patch later.
func (e *Emitter) refRel32(l *Label) {
	at := len(e.buf)
	if l.bound {
		rel := int32(l.offset - (at + 4))
		e.emit32(uint32(rel))
		return
	}
	e.emit32(0)
	l.fixups = append(l.fixups, fixup{at: at})
}

// Finalize flattens the emitted instructions to bytes. It fails with the
// first error recorded during emission, or with
// dbterrors.ErrEmitterInternal if the resulting block is empty. Labels
// that were referenced but never bound are not checked: their rel32
// fields stay 0.
func (e *Emitter) Finalize() ([]byte, error) {
	if len(e.errs) > 0 {
		return nil, e.errs[0]
	}
	if len(e.buf) == 0 {
		return nil, fmt.Errorf("%w: empty code block", dbterrors.ErrEmitterInternal)
	}
	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	return out, nil
}

// rex builds a REX prefix byte from the w, r, x, and b bits. It always
// returns rexBase (0x40) with the requested bits ORed in, never 0;
// callers decide whether to emit it at all. Callers that need REX.W for
// 64-bit operands pass w=true.
func rex(w, r, x, b bool) byte {
	v := byte(rexBase)
	if w {
		v |= rexW
	}
	if r {
		v |= rexR
	}
	if x {
		v |= rexX
	}
	if b {
		v |= rexB
	}
	return v
}

// sizePrefix emits the 0x66 operand-size override for 16-bit operations.
func (e *Emitter) sizePrefix(w Width) {
	if w == W16 {
		e.emit(prefixOpSize16)
	}
}

// modrmReg encodes a register-direct ModRM byte (mod=11) with reg field
// `regBits` (already masked 0..7) and rm = r.
func modrmReg(regBits byte, r Reg) byte {
	return modRegister<<6 | (regBits&7)<<3 | r.bits()
}

// encodeMem emits the ModRM (+ SIB + disp) bytes for a memory operand with
// ModRM.reg = regBits, and returns whether the base or index registers
// needed a REX extension bit (for the caller to fold into the REX byte it
// already emitted, or to decide whether a REX byte was needed at all).
func (e *Emitter) encodeMem(regBits byte, m Mem) (extB, extX bool) {
	reg3 := regBits & 7
	if !m.HasIndex && m.HasBase && m.Base.bits() != 0x4 {
		// simple [base] / [base+disp8] / [base+disp32]; RSP/R12 (bits=4)
		// always needs a SIB byte on real x86 so it's excluded here.
		switch {
		case m.Disp == 0 && m.Base.bits() != 0x5:
			e.emit(modIndirect<<6 | reg3<<3 | m.Base.bits())
		case m.Disp >= -128 && m.Disp <= 127:
			e.emit(modIndirectDisp8<<6 | reg3<<3 | m.Base.bits())
			e.emit(byte(m.Disp))
		default:
			e.emit(modIndirectDisp32<<6 | reg3<<3 | m.Base.bits())
			e.emit32(uint32(m.Disp))
		}
		return m.Base.ext(), false
	}

	// SIB-byte forms: [base+index*scale(+disp)] or [disp+index*scale].
	scaleBits := scaleEncoding(m.Scale)
	if !m.HasBase {
		e.emit(modIndirect<<6 | reg3<<3 | 0x4) // mod=00, rm=100 (SIB follows), no base -> disp32 base
		e.emit(scaleBits<<6 | (m.Index.bits())<<3 | 0x5)
		e.emit32(uint32(m.Disp))
		return false, m.Index.ext()
	}

	switch {
	case m.Disp == 0 && m.Base.bits() != 0x5:
		e.emit(modIndirect<<6 | reg3<<3 | 0x4)
		e.emit(scaleBits<<6 | (m.Index.bits())<<3 | m.Base.bits())
	case m.Disp >= -128 && m.Disp <= 127:
		e.emit(modIndirectDisp8<<6 | reg3<<3 | 0x4)
		e.emit(scaleBits<<6 | (m.Index.bits())<<3 | m.Base.bits())
		e.emit(byte(m.Disp))
	default:
		e.emit(modIndirectDisp32<<6 | reg3<<3 | 0x4)
		e.emit(scaleBits<<6 | (m.Index.bits())<<3 | m.Base.bits())
		e.emit32(uint32(m.Disp))
	}
	return m.Base.ext(), m.Index.ext()
}

func scaleEncoding(scale byte) byte {
	switch scale {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0
	}
}

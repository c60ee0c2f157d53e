package asmx86

// MovRegReg moves src into dst at the given width.
func (e *Emitter) MovRegReg(dst, src Reg, w Width) {
	e.sizePrefix(w)
	e.emit(rex(w == W64, src.ext(), false, dst.ext()))
	op := opMovRMR
	if w == W8 {
		op = opMovRM8R8
	}
	e.emit(byte(op))
	e.emit(modrmReg(src.bits(), dst))
}

// MovRegImm32 moves a 32-bit immediate into dst (zero-extended into the
// full 64-bit host register, matching real `mov r32, imm32` behavior).
func (e *Emitter) MovRegImm32(dst Reg, imm uint32) {
	if dst.ext() {
		e.emit(rex(false, false, false, true))
	}
	e.emit(byte(opMovRImm) + dst.bits())
	e.emit32(imm)
}

// MovRegImm64 moves a full 64-bit immediate into dst, used for loading
// absolute addresses (TB pointers, helper function addresses).
func (e *Emitter) MovRegImm64(dst Reg, imm uint64) {
	e.emit(rex(true, false, false, dst.ext()))
	e.emit(byte(opMovRImm) + dst.bits())
	e.emit64(imm)
}

// MovRegMem loads *mem into dst.
func (e *Emitter) MovRegMem(dst Reg, mem Mem, w Width) {
	e.sizePrefix(w)
	extB, extX := e.peekMemExt(mem)
	op := opMovRRM
	if w == W8 {
		op = 0x8A
	}
	e.emit(rex(w == W64, dst.ext(), extX, extB))
	e.emit(byte(op))
	e.encodeMem(dst.bits(), mem)
}

// MovMemReg stores src into *mem.
func (e *Emitter) MovMemReg(mem Mem, src Reg, w Width) {
	e.sizePrefix(w)
	extB, extX := e.peekMemExt(mem)
	op := opMovRMR
	if w == W8 {
		op = opMovRM8R8
	}
	e.emit(rex(w == W64, src.ext(), extX, extB))
	e.emit(byte(op))
	e.encodeMem(src.bits(), mem)
}

// MovMemImm32 stores a 32-bit immediate into *mem.
func (e *Emitter) MovMemImm32(mem Mem, imm uint32, w Width) {
	e.sizePrefix(w)
	extB, extX := e.peekMemExt(mem)
	e.emit(rex(w == W64, false, extX, extB))
	e.emit(byte(opMovRMImm))
	e.encodeMem(0, mem)
	e.emit32(imm)
}

// peekMemExt reports which REX extension bits a memory operand will need,
// without emitting anything — encodeMem needs the REX byte emitted first.
func (e *Emitter) peekMemExt(m Mem) (extB, extX bool) {
	if m.HasBase {
		extB = m.Base.ext()
	}
	if m.HasIndex {
		extX = m.Index.ext()
	}
	return
}

// MovzxRegMem8 zero-extends the byte at *mem into dst (a full 64-bit
// host register), used by the Linker's inline check_int fast path to
// load ctx.IntPending without leaving stale high bits in the register.
func (e *Emitter) MovzxRegMem8(dst Reg, mem Mem) {
	extB, extX := e.peekMemExt(mem)
	e.emit(rex(true, dst.ext(), extX, extB))
	e.emit(twoBytePrefix)
	e.emit(op2MovzxRM8)
	e.encodeMem(dst.bits(), mem)
}

// Lea computes the effective address of mem into dst.
func (e *Emitter) Lea(dst Reg, mem Mem) {
	extB, extX := e.peekMemExt(mem)
	e.emit(rex(true, dst.ext(), extX, extB))
	e.emit(byte(opLea))
	e.encodeMem(dst.bits(), mem)
}

// MovzxRegReg zero-extends src (width sw) into dst (64-bit host register).
func (e *Emitter) MovzxRegReg(dst, src Reg, sw Width) {
	if sw == W32 {
		// mov r32, r32 already zero-extends the full 64-bit register.
		e.MovRegReg(dst, src, W32)
		return
	}
	e.emit(rex(true, dst.ext(), false, src.ext()))
	e.emit(twoBytePrefix)
	if sw == W8 {
		e.emit(op2MovzxRM8)
	} else {
		e.emit(op2MovzxRM16)
	}
	e.emit(modrmReg(dst.bits(), src))
}

// MovsxRegReg sign-extends src (width sw) into dst.
func (e *Emitter) MovsxRegReg(dst, src Reg, sw Width) {
	if sw == W32 {
		e.emit(rex(true, dst.ext(), false, src.ext()))
		e.emit(opMovsxd)
		e.emit(modrmReg(dst.bits(), src))
		return
	}
	e.emit(rex(true, dst.ext(), false, src.ext()))
	e.emit(twoBytePrefix)
	if sw == W8 {
		e.emit(op2MovsxRM8)
	} else {
		e.emit(op2MovsxRM16)
	}
	e.emit(modrmReg(dst.bits(), src))
}

// aluRegReg emits `<op> dst, src` (dst op= src) for one of the group-1 ALU
// ops (add/or/and/sub/xor/cmp); test has its own encoding since it has no
// reverse-direction opcode.
func (e *Emitter) aluRegReg(op ALU, dst, src Reg, w Width) {
	e.sizePrefix(w)
	e.emit(rex(w == W64, src.ext(), false, dst.ext()))
	e.emit(aluOpcode(op))
	e.emit(modrmReg(src.bits(), dst))
}

func aluOpcode(op ALU) byte {
	switch op {
	case ALU_ADD:
		return opAddRMR
	case ALU_OR:
		return opOrRMR
	case ALU_AND:
		return opAndRMR
	case ALU_SUB:
		return opSubRMR
	case ALU_XOR:
		return opXorRMR
	default: // ALU_CMP and others fall back to CMP's encoding family base
		return opCmpRMR
	}
}

func (e *Emitter) Add(dst, src Reg, w Width) { e.aluRegReg(ALU_ADD, dst, src, w) }
func (e *Emitter) Sub(dst, src Reg, w Width) { e.aluRegReg(ALU_SUB, dst, src, w) }
func (e *Emitter) And(dst, src Reg, w Width) { e.aluRegReg(ALU_AND, dst, src, w) }
func (e *Emitter) Or(dst, src Reg, w Width)  { e.aluRegReg(ALU_OR, dst, src, w) }
func (e *Emitter) Xor(dst, src Reg, w Width) { e.aluRegReg(ALU_XOR, dst, src, w) }

// Cmp compares dst against src (dst - src, flags only).
func (e *Emitter) Cmp(dst, src Reg, w Width) {
	e.sizePrefix(w)
	e.emit(rex(w == W64, src.ext(), false, dst.ext()))
	e.emit(opCmpRMR)
	e.emit(modrmReg(src.bits(), dst))
}

// Test computes dst & src, flags only, result discarded.
func (e *Emitter) Test(dst, src Reg, w Width) {
	e.sizePrefix(w)
	e.emit(rex(w == W64, src.ext(), false, dst.ext()))
	e.emit(opTestRMR)
	e.emit(modrmReg(src.bits(), dst))
}

// aluRegImm32 emits a group-1 op on dst with a 32-bit immediate.
func (e *Emitter) aluRegImm32(op ALU, dst Reg, imm uint32) {
	e.emit(rex(true, false, false, dst.ext()))
	e.emit(opGroup1Imm32)
	e.emit(modrmReg(byte(op), dst))
	e.emit32(imm)
}

func (e *Emitter) AddImm32(dst Reg, imm uint32) { e.aluRegImm32(ALU_ADD, dst, imm) }
func (e *Emitter) SubImm32(dst Reg, imm uint32) { e.aluRegImm32(ALU_SUB, dst, imm) }
func (e *Emitter) AndImm32(dst Reg, imm uint32) { e.aluRegImm32(ALU_AND, dst, imm) }
func (e *Emitter) OrImm32(dst Reg, imm uint32)  { e.aluRegImm32(ALU_OR, dst, imm) }
func (e *Emitter) XorImm32(dst Reg, imm uint32) { e.aluRegImm32(ALU_XOR, dst, imm) }
func (e *Emitter) CmpImm32(dst Reg, imm uint32) { e.aluRegImm32(ALU_CMP, dst, imm) }

// Not computes the one's complement of dst in place.
func (e *Emitter) Not(dst Reg, w Width) {
	e.sizePrefix(w)
	e.emit(rex(w == W64, false, false, dst.ext()))
	e.emit(opGroup3RM)
	e.emit(modrmReg(2, dst))
}

// shiftImm8 emits a group-2 shift of dst by a constant imm8 count.
func (e *Emitter) shiftImm8(op Shift, dst Reg, count byte, w Width) {
	e.sizePrefix(w)
	e.emit(rex(w == W64, false, false, dst.ext()))
	if count == 1 {
		e.emit(opGroup2RM1)
		e.emit(modrmReg(byte(op), dst))
		return
	}
	e.emit(opGroup2Imm8)
	e.emit(modrmReg(byte(op), dst))
	e.emit(count)
}

func (e *Emitter) Shl(dst Reg, count byte, w Width) { e.shiftImm8(SHIFT_SHL, dst, count, w) }
func (e *Emitter) Shr(dst Reg, count byte, w Width) { e.shiftImm8(SHIFT_SHR, dst, count, w) }

// ShlCL/ShrCL shift dst by the count in CL (needed when the shift amount
// is a runtime value, e.g. a guest SHL r/m, CL recipe).
func (e *Emitter) ShlCL(dst Reg, w Width) { e.shiftCL(SHIFT_SHL, dst, w) }
func (e *Emitter) ShrCL(dst Reg, w Width) { e.shiftCL(SHIFT_SHR, dst, w) }

func (e *Emitter) shiftCL(op Shift, dst Reg, w Width) {
	e.sizePrefix(w)
	e.emit(rex(w == W64, false, false, dst.ext()))
	e.emit(opGroup2RMCL)
	e.emit(modrmReg(byte(op), dst))
}

// CmovRegReg conditionally moves src into dst when cc holds; used for the
// Jcc/JECXZ boolean-to-EIP selection pattern spec.md §4.E calls for.
func (e *Emitter) CmovRegReg(cc CC, dst, src Reg, w Width) {
	e.sizePrefix(w)
	e.emit(rex(w == W64, dst.ext(), false, src.ext()))
	e.emit(twoBytePrefix)
	e.emit(0x40 | byte(cc))
	e.emit(modrmReg(dst.bits(), src))
}

// SetCC stores 0/1 into the low byte of dst depending on cc.
func (e *Emitter) SetCC(cc CC, dst Reg) {
	if dst.ext() {
		e.emit(rex(false, false, false, true))
	}
	e.emit(twoBytePrefix)
	e.emit(0x90 | byte(cc))
	e.emit(modrmReg(0, dst))
}

// Jmp unconditionally branches to l (rel32 form, always; this core never
// needs the short rel8 encoding since block sizes aren't bounded).
func (e *Emitter) Jmp(l *Label) {
	e.emit(opJmpRel32)
	e.refRel32(l)
}

// Jcc conditionally branches to l.
func (e *Emitter) Jcc(cc CC, l *Label) {
	e.emit(twoBytePrefix)
	e.emit(0x80 | byte(cc))
	e.refRel32(l)
}

// CallAbs calls a fixed 64-bit host address: loads it into a scratch
// register (R11, a host-ABI-callee-clobbered register on both SysV and
// Win64) and performs an indirect call, per spec.md §4.B's "call to
// absolute 64-bit immediates".
func (e *Emitter) CallAbs(target uint64) {
	e.MovRegImm64(R11, target)
	e.emit(rex(false, false, false, R11.ext()))
	e.emit(opGroup5RM)
	e.emit(modrmReg(2, R11))
}

// JmpAbs performs an unconditional indirect jump to a fixed 64-bit host
// address — the tail-call primitive spec.md §4.B's "tail-call helper"
// describes, used for chain-slot tail calls and the linker's indirect
// lookup-and-tailcall sequence.
func (e *Emitter) JmpAbs(target uint64) {
	e.MovRegImm64(R11, target)
	e.emit(rex(false, false, false, R11.ext()))
	e.emit(opGroup5RM)
	e.emit(modrmReg(4, R11))
}

// JmpAbsPatchable is JmpAbs but returns the byte offset of the 64-bit
// immediate operand so the Linker (package linker) can later overwrite
// the jump target in place — this is the chain-slot encoding spec.md
// §4.G describes: a slot is "unlinked" while that immediate still reads
// as the epilogue trampoline's address.
func (e *Emitter) JmpAbsPatchable(target uint64) (patchOffset int) {
	e.emit(rex(true, false, false, R11.ext()))
	e.emit(byte(opMovRImm) + R11.bits())
	patchOffset = len(e.buf)
	e.emit64(target)
	e.emit(rex(false, false, false, R11.ext()))
	e.emit(opGroup5RM)
	e.emit(modrmReg(4, R11))
	return patchOffset
}

// PatchU64 overwrites a previously emitted 64-bit immediate at byte
// offset `at` — used by the Linker to splice a chain slot to a new
// target, and by TC to fix up a TB's epilogue-trampoline address once
// its final install location is known.
func (e *Emitter) PatchU64(at int, v uint64) { e.patch64(at, v) }

// JmpReg performs an unconditional indirect jump through a register —
// used by the Linker's chain-slot tail-calls once a slot has been
// patched to hold a runtime-loaded target rather than a compile-time
// constant.
func (e *Emitter) JmpReg(target Reg) {
	e.emit(rex(false, false, false, target.ext()))
	e.emit(opGroup5RM)
	e.emit(modrmReg(4, target))
}

// CallReg calls through a register.
func (e *Emitter) CallReg(target Reg) {
	e.emit(rex(false, false, false, target.ext()))
	e.emit(opGroup5RM)
	e.emit(modrmReg(2, target))
}

// Push/Pop a 64-bit register.
func (e *Emitter) Push(r Reg) {
	if r.ext() {
		e.emit(rex(false, false, false, true))
	}
	e.emit(byte(opPushR) + r.bits())
}

func (e *Emitter) Pop(r Reg) {
	if r.ext() {
		e.emit(rex(false, false, false, true))
	}
	e.emit(byte(opPopR) + r.bits())
}

// Ret emits a bare return.
func (e *Emitter) Ret() { e.emit(opRet) }

// SubRegImm32/AddRegImm32 against RSP, used by the prologue/epilogue to
// reserve/release stack space.
func (e *Emitter) SubRSPImm32(imm uint32) { e.aluRegImm32(ALU_SUB, RSP, imm) }
func (e *Emitter) AddRSPImm32(imm uint32) { e.aluRegImm32(ALU_ADD, RSP, imm) }

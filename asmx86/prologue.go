package asmx86

// ContextHomeOffset is the stack slot (relative to RSP right after the
// prologue) the CpuContext pointer is stashed into. Helpers that clobber
// the context register re-load it from here on return, per spec.md §4.D
// rule 5 and §5's "reload CpuContext* from its stack home slot" rule.
const ContextHomeOffset = 0

// EmitPrologue saves one callee-saved register (RBX, used by the
// Translator to hold the CpuContext* pointer across calls without
// reloading it every time control stays in pure host code) and reserves
// stack space for locals/shadow area. It stashes ctxReg (the incoming
// first-argument context pointer) into the home slot at
// ContextHomeOffset and returns the byte offset of the SUB RSP immediate
// field so the caller can patch it once the final frame size is known
// (spec.md §4.E step 7: "Patch the prologue's stack-subtract immediate").
func (e *Emitter) EmitPrologue(ctxReg Reg) (subImmOffset int) {
	e.Push(RBX)
	e.MovRegReg(RBX, ctxReg, W64)
	e.SubRSPImm32(0) // placeholder, patched by PatchU32 once frame size is known
	subImmOffset = len(e.buf) - 4
	e.MovMemReg(BaseDisp(RSP, ContextHomeOffset), RBX, W64)
	return subImmOffset
}

// EmitEpilogueReturn restores the frame EmitPrologue built and returns to
// the native caller (the Dispatcher's "run(tb)" call) with rax already
// holding the outgoing value (the TB pointer) that the caller placed
// there before calling this.
func (e *Emitter) EmitEpilogueReturn(frameSize uint32) {
	e.AddRSPImm32(frameSize)
	e.Pop(RBX)
	e.Ret()
}

// PatchU32 overwrites a previously emitted 32-bit immediate at byte
// offset `at`, used to fix up the prologue's stack-subtract amount once
// the Translator knows the final frame size (locals+shadow+spills).
func (e *Emitter) PatchU32(at int, v uint32) { e.patch32(at, v) }

// ReloadContext re-materializes the CpuContext* pointer from its stack
// home slot into dst, the rule spec.md §4.D rule 5 and §5 impose after any
// call into a helper that is not required to preserve it.
func (e *Emitter) ReloadContext(dst Reg) {
	e.MovRegMem(dst, BaseDisp(RSP, ContextHomeOffset), W64)
}

// EpilogueTrampoline returns the fixed 11-byte host sequence spec.md's
// GLOSSARY defines: `mov64 rax, tbPtr; ret`. TC installs one of these
// just past every block's code and seeds every chain slot with its
// address until the Linker splices in a real successor.
func EpilogueTrampoline(tbPtr uint64) []byte {
	e := NewEmitter()
	e.MovRegImm64(RAX, tbPtr)
	e.Ret()
	code := e.buf
	if len(code) != 11 {
		// mov64 rax, imm64 is always 10 bytes (REX.W + B8 + imm64) and ret
		// is 1 byte; this is a compile-time invariant, not a runtime one.
		panic("asmx86: epilogue trampoline encoding drifted from 11 bytes")
	}
	return code
}

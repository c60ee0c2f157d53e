package translator

import (
	"github.com/colorfulnotion/lib86cpu/asmx86"
	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/decoder"
	"github.com/colorfulnotion/lib86cpu/linker"
	"github.com/colorfulnotion/lib86cpu/tc"
)

// restoreFrame undoes EmitPrologue's push+sub so RSP is exactly where it
// was on entry, the invariant every chain-slot tail call and the shared
// epilogue trampoline depend on (spec.md §5's single shared stack frame
// across an entire chain of tail-called TBs).
func (b *builder) restoreFrame() {
	b.e.AddRSPImm32(0)
	b.restoreOffsets = append(b.restoreOffsets, b.e.Len()-4)
	b.e.Pop(asmx86.RBX)
}

// emitSlot appends a patchable chain-slot jump and records its metadata
// for tc.Cache.Install / package linker. hasTarget false marks a slot
// Patch will never match against (check_int and fault exits: these
// always fall back to the Dispatcher, never chain directly).
func (b *builder) emitSlot(kind tc.SlotKind, targetPC uint32, hasTarget bool) {
	off := b.e.JmpAbsPatchable(0)
	b.slots = append(b.slots, tc.Slot{Kind: kind, TargetPC: targetPC, HasTarget: hasTarget, PatchOffset: off})
}

// writeEIP stores a compile-time-known PC into ctx.EIP.
func (b *builder) writeEIP(pc uint32) {
	b.e.MovMemImm32(asmx86.BaseDisp(ctxReg, int32(cpuctx.EIPOffset)), pc, asmx86.W32)
}

// writeEIPFromReg stores a runtime-computed PC (already zero-extended
// into src) into ctx.EIP.
func (b *builder) writeEIPFromReg(src asmx86.Reg) {
	b.e.MovMemReg(asmx86.BaseDisp(ctxReg, int32(cpuctx.EIPOffset)), src, asmx86.W32)
}

// emitDirectExit is spec.md §4.E step 6's common tail shape for any exit
// whose target PC is known at translate time: a conditional branch arm,
// an unconditional jump/call target, or simple fallthrough off the end
// of the block. It writes EIP, samples check_int (bailing to the shared
// intExit on a pending interrupt, which itself performs the frame
// restore), then restores the frame and emits a direct chain slot the
// Dispatcher/Linker may later splice to target's TB.
func (b *builder) emitDirectExit(targetPC uint32, kind tc.SlotKind) {
	b.writeEIP(targetPC)
	linker.EmitCheckInt(b.e, ctxReg, b.intExit)
	b.restoreFrame()
	b.emitSlot(kind, targetPC, true)
}

// emitIndirectExit is the runtime-target counterpart: targetReg already
// holds the guest PC to resume at (from RET, JMP r/m, CALL r/m, or an
// IRET-style far return this tree approximates as same-segment). It
// looks the fingerprint up in the TC via package linker's indirect-link
// helper and tail-calls the result directly, falling back to the
// epilogue (unlinked) on a miss rather than re-entering the Dispatcher's
// own Go-level lookup for every single indirect branch.
func (b *builder) emitIndirectExit(targetReg asmx86.Reg) {
	b.writeEIPFromReg(targetReg)
	linker.EmitCheckInt(b.e, ctxReg, b.intExit)
	b.restoreFrame()

	b.e.MovRegReg(asmx86.RDI, targetReg, asmx86.W32)
	if b.mode != decoder.ModeReal {
		b.e.MovRegImm64(scratch0, uint64(b.mode)<<32)
		b.e.Or(asmx86.RDI, scratch0, asmx86.W64)
	}
	notFound := asmx86.NewLabel()
	linker.EmitIndirectLink(b.e, linker.HelperAddr(), notFound)
	b.e.Bind(notFound)
	b.emitSlot(tc.SlotIntCheck, 0, false)
}

// emitEpilogueFallthrough is used when translation stops without any
// recipe having terminated the block itself (the maxBlockInstructions
// cutoff, a fetch/decode failure past the first instruction, or a
// mid-instruction page crossing): pc is simply the next sequential
// guest address, so it is handled exactly like any other direct exit.
func (b *builder) emitEpilogueFallthrough(pc uint32) {
	b.emitDirectExit(pc, tc.SlotFallthrough)
	b.terminated = true
}

// bindSharedExits binds both shared exit labels to the single
// restore-and-fall-to-epilogue sequence every fault and every pending
// interrupt ultimately needs: by the time either is reached, ctx.EIP has
// already been set correctly (by exception.Engine.Raise for a fault, or
// by the direct/indirect exit that sampled check_int), so there is
// nothing left to do but unwind the frame and let the Dispatcher take
// over.
func (b *builder) bindSharedExits() {
	b.e.Bind(b.intExit)
	b.e.Bind(b.faultExit)
	b.restoreFrame()
	b.emitSlot(tc.SlotIntCheck, 0, false)
}

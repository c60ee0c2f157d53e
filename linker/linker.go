// Package linker implements spec.md §4.G: splicing direct chain slots
// between installed TBs, resolving indirect links at runtime, and the
// per-edge RF/single-step and pending-interrupt checks that gate every
// chain transition.
package linker

import (
	"github.com/colorfulnotion/lib86cpu/asmx86"
	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/internal/xlog"
	"github.com/colorfulnotion/lib86cpu/tc"
)

// Patch implements the Dispatcher-facing half of spec.md §4.G: "if
// prev_tb and prev_tb.chain_slot_unlinked(): linker.patch(prev_tb, tb)".
// It finds the slot on prev whose kind and compile-time predicted
// target match how execution actually left prev (nextKind, nextPC) and,
// if that slot is still unlinked, splices it directly to next's entry
// point. A slot already linked (to this or any other target) is left
// alone -- the convention is single-writer, and once linked a direct
// slot only ever gets unlinked by a full TC flush, never individually.
func Patch(prev, next *tc.TB, nextKind tc.SlotKind, nextPC uint32, log xlog.Logger) error {
	for i, s := range prev.Slots {
		if s.Kind != nextKind {
			continue
		}
		if s.HasTarget && s.TargetPC != nextPC {
			continue
		}
		if !prev.Unlinked(i) {
			return nil
		}
		if err := prev.Link(i, next.HostEntry); err != nil {
			return err
		}
		if log != nil {
			log.Trace(xlog.Linker, "chain slot linked", "prev", prev.Fingerprint, "next", next.Fingerprint, "slot", i)
		}
		return nil
	}
	return nil
}

// ResolveIndirect is the indirect-link helper spec.md §4.G describes:
// "an unconditional call to a linker helper that does TC lookup at
// runtime and tail-calls the result (or returns to the Dispatcher if
// not found)". The emitted call-site this backs is produced by
// EmitIndirectLink below; the lookup itself is ordinary Go run on the
// interpreter thread, same as every other MemPort/ExceptionEngine
// helper (spec.md §5's "explicit calls into helper functions").
func ResolveIndirect(cache *tc.Cache, fingerprint uint64) (hostEntry uintptr, found bool) {
	tb, ok := cache.Lookup(fingerprint)
	if !ok {
		return 0, false
	}
	return tb.HostEntry, true
}

// EmitCheckInt emits spec.md §4.G's check_int: read ctx.IntPending
// directly out of the context struct (no helper call needed, since it's
// a single byte with relaxed atomicity requirements per spec.md §5) and
// branch to intPendingTarget if nonzero.
func EmitCheckInt(e *asmx86.Emitter, ctxReg asmx86.Reg, intPendingTarget *asmx86.Label) {
	mem := asmx86.BaseDisp(ctxReg, int32(cpuctx.IntPendingOffset))
	e.MovzxRegMem8(asmx86.RAX, mem)
	e.CmpImm32(asmx86.RAX, 0)
	e.Jcc(asmx86.CC_NE, intPendingTarget)
}

// EmitIndirectLink emits the tail-call helper call spec.md §4.G's
// indirect link compiles to: the caller's recipe must place the
// runtime-computed fingerprint in RDI (the SysV first-argument
// register, since goResolveIndirect is called through a plain C
// function pointer, not Go's own calling convention) before this is
// emitted; this then calls through to helperAddr, which is
// ResolveIndirect's C-callable address (see hostcall_linux_amd64.go).
// On return, RAX holds either a direct host entry (nonzero) or zero,
// meaning "not found, fall through to the epilogue".
func EmitIndirectLink(e *asmx86.Emitter, helperAddr uint64, notFound *asmx86.Label) {
	e.CallAbs(helperAddr)
	e.CmpImm32(asmx86.RAX, 0)
	e.Jcc(asmx86.CC_E, notFound)
	e.JmpReg(asmx86.RAX)
}

// check_rf_single_step (spec.md §4.G) -- whether RF/TF is set or the
// CPU is in single-step mode -- is evaluated at the Go dispatch level
// in this tree rather than inlined into every chain edge: Dispatcher.Run
// checks it once per native call instead of the emitted code checking
// it at every edge. This trades a small amount of chain-following
// performance (an otherwise fully chained loop still returns to the
// Dispatcher once per TB instead of running unboundedly) for not having
// to bake EFLAGS' bit layout into emitted code; CheckRFSingleStep below
// is that Go-level check.
func CheckRFSingleStep(ctx *cpuctx.CpuContext, singleStepMode bool) bool {
	return ctx.EFLAGSBaseBit(cpuctx.EflagRF) || ctx.EFLAGSBaseBit(cpuctx.EflagTF) || singleStepMode
}

// Package dispatcher implements spec.md §4.I: the outer translate-if-miss
// / run / follow-chain loop that turns package translator, package tc, and
// package linker into a runnable CPU. It owns the one CpuContext the whole
// tree ultimately mutates and wires every helper-call collaborator
// (package memport, package exception, the linker/translator hostcall
// globals) together exactly once, at New.
package dispatcher

import (
	"fmt"
	"unsafe"

	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/decoder"
	"github.com/colorfulnotion/lib86cpu/exception"
	"github.com/colorfulnotion/lib86cpu/internal/xlog"
	"github.com/colorfulnotion/lib86cpu/linker"
	"github.com/colorfulnotion/lib86cpu/memport"
	"github.com/colorfulnotion/lib86cpu/tc"
	"github.com/colorfulnotion/lib86cpu/translator"
)

// Config bundles the external collaborators spec.md §6 calls out as
// deliberately outside this core: the guest Decoder, the MMU walker, the
// device/memory Bus, and the TSS I/O-permission-bitmap accessor. TCCap
// bounds how many TBs the Cache holds before a miss triggers a full flush
// (spec.md §4.F step 8).
type Config struct {
	Decoder decoder.Decoder
	MMU     memport.MMU
	Bus     memport.Bus
	TSS     memport.TSSBitmap
	TCCap   int
	Log     xlog.Logger
}

// FatalError wraps one of dbterrors' host-visible sentinels with the
// guest PC translation was attempting when it gave up, per spec.md §7:
// these are the only errors Run ever returns; guest exceptions are
// delivered through package exception and never surface here.
type FatalError struct {
	PC  uint32
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("pc=%#x: %v", e.PC, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Cpu is spec.md §4.I's Dispatcher: one emulated CPU, with its own
// CpuContext, translation cache, and helper-call collaborators. Exactly
// one Cpu may exist per process, since the cgo hostcall trampolines in
// package translator and package linker are wired through process-wide
// atomic.Value globals (SetActiveHelpers/SetActiveCache) rather than
// threaded through as explicit arguments -- the same "one CPU per
// process" assumption the teacher's own recompiler package makes.
type Cpu struct {
	ctx   *cpuctx.CpuContext
	port  *memport.Port
	exc   *exception.Engine
	cache *tc.Cache
	tr    *translator.Translator
	log   xlog.Logger

	intPending    uint32 // written by RaiseExternalInterrupt, mirrored into ctx.IntPending each loop turn
	pendingVector int

	singleStep bool
}

// ctxPointer hands tc.Cache.Run the CpuContext pointer in the untyped
// form the native ABI boundary (package tc's callBlock) expects.
func (c *Cpu) ctxPointer() unsafe.Pointer { return unsafe.Pointer(c.ctx) }

// New wires every collaborator together and installs the process-wide
// hostcall globals package translator and package linker consult from
// raw emitted code. Ctx starts at the real-mode power-on state
// cpuctx.New returns.
func New(cfg Config) *Cpu {
	if cfg.TCCap <= 0 {
		cfg.TCCap = 4096
	}
	ctx := cpuctx.New()
	cache := tc.New(cfg.TCCap, cfg.Log)

	port := memport.New(ctx, cfg.MMU, cfg.Bus, cfg.TSS, nil)
	exc := exception.New(port, cfg.Log)
	port.Raiser = exc

	tr := translator.New(cfg.Decoder, cache, cfg.Log)

	c := &Cpu{ctx: ctx, port: port, exc: exc, cache: cache, tr: tr, log: cfg.Log}

	linker.SetActiveCache(cache)
	translator.SetActiveHelpers(&translator.Helpers{Ctx: ctx, Port: port, Exc: exc})

	return c
}

// Ctx exposes the architectural state for embedders that need to seed
// initial register values or inspect a halted/faulted snapshot (spec.md
// scenario S1/S2's "stable register snapshot" requirement).
func (c *Cpu) Ctx() *cpuctx.CpuContext { return c.ctx }

// SetIDT installs IDTR, e.g. before running any guest code that expects
// LIDT to have already run (a bootstrap embedder convenience; normally
// the guest's own LIDT execution calls this indirectly through a recipe
// this tree does not yet emit, since IDTR load/store is carried by the
// same descriptor-cache simplification goLoadSegment documents).
func (c *Cpu) SetIDT(base, limit uint32) { c.exc.SetIDT(base, limit) }

// RaiseExternalInterrupt marks vec pending for delivery at the next
// chain edge or dispatch-loop turn (spec.md §4.I / §5's check_int
// protocol): emitted code samples ctx.IntPending directly, so this just
// needs to flip that byte before the next native call, or before the
// current one returns if it's already mid-flight.
func (c *Cpu) RaiseExternalInterrupt(vec uint8) {
	c.intPending = 1
	c.ctx.IntPending = 1
	c.pendingVector = int(vec)
}

// InvalidatePage drops every TB translated from guest physical page ppn
// and the soft-TLB entry for the same page number (IOTLB entries are not
// touched), used when the embedder's MMU
// or device layer changes a page's mapping or permissions underneath
// already-translated code.
func (c *Cpu) InvalidatePage(ppn uint32) {
	c.cache.InvalidatePhysicalPage(ppn)
	c.ctx.TLBInvalidatePage(ppn)
}

// currentMode derives the Decoder's address/operand-size default from
// the architectural state the translator itself doesn't track: real
// mode if CR0.PE is clear, otherwise whichever of Mode16/Mode32 the
// current CS descriptor's D/B bit selects.
func (c *Cpu) currentMode() decoder.Mode {
	if !c.ctx.ProtectedMode() {
		return decoder.ModeReal
	}
	if c.ctx.HflagGet()&cpuctx.HflagCS32 != 0 {
		return decoder.Mode32
	}
	return decoder.Mode16
}

// translateOrFetch implements spec.md §4.I step 1: look the current
// (PC, mode) fingerprint up in the Cache, translating on a miss. A full
// Cache (spec.md §4.F step 8) is flushed before the retry translation,
// matching the teacher's own "evict everything, start clean" discache
// eviction policy rather than attempting partial LRU accounting.
func (c *Cpu) translateOrFetch(pc uint32) (*tc.TB, error) {
	mode := c.currentMode()
	fp := uint64(pc) | uint64(mode)<<32
	if tb, ok := c.cache.Lookup(fp); ok {
		return tb, nil
	}
	if c.cache.Full() {
		if err := c.cache.FlushAll(); err != nil {
			return nil, err
		}
	}
	return c.tr.Translate(c.port, pc, mode)
}

// Run drives the Dispatcher loop until either the guest halts
// indefinitely with no interrupt outstanding to wake it, the caller's
// budget of native block executions is exhausted, or a fatal host error
// occurs. maxBlocks<=0 means run until halted or faulted with no
// recovery possible; callers embedding this inside a larger host loop
// (e.g. cmd/lib86cpu's `run` subcommand) pass a budget so they can
// interleave device ticks between calls.
func (c *Cpu) Run(maxBlocks int) error {
	var prev *tc.TB
	var prevKind tc.SlotKind
	var prevTargetPC uint32

	for n := 0; maxBlocks <= 0 || n < maxBlocks; n++ {
		if c.ctx.Halted != 0 {
			if c.intPending == 0 {
				return nil
			}
			c.ctx.Halted = 0
			prev = nil
		}

		c.ctx.IntPending = boolToU8(c.intPending != 0)

		pc := c.ctx.EIP
		tb, err := c.translateOrFetch(pc)
		if err != nil {
			if c.log != nil {
				c.log.Error(xlog.Dispatcher, "translation failed", "pc", pc, "err", err)
			}
			return &FatalError{PC: pc, Err: err}
		}

		// A page-crossing TB (tb.Uncacheable) is never indexed by Install, so
		// it must never become a direct chain target either: spec.md §4.I's
		// pseudocode treats it as "run(tb); drop(tb); continue // not
		// cached", and a live chain-slot pointing at code nothing else can
		// find would defeat that (a later page invalidate on its second page
		// would have nothing to un-link).
		if prev != nil && !tb.Uncacheable {
			if err := translator.Link(prev, tb, prevKind, prevTargetPC, c.log); err != nil {
				return &FatalError{PC: pc, Err: err}
			}
		}

		out := c.cache.Run(tb, c.ctxPointer())

		if c.ctx.ExpFrame.Idx == exception.ModeChangeVector {
			// a CR0.PE flip invalidates every cached block's decode mode;
			// start the chain fresh rather than treating whatever TB
			// happened to be running as `prev` for linking purposes.
			c.ctx.ExpFrame.Idx = 0
			if err := c.cache.FlushAll(); err != nil {
				return &FatalError{PC: c.ctx.EIP, Err: err}
			}
			prev = nil
			continue
		}

		if linker.CheckRFSingleStep(c.ctx, c.singleStep) {
			prev = nil
			continue
		}

		if out == nil {
			// fell off an unlinked/check_int slot: ctx.EIP already holds
			// where to resume. If that's because check_int tripped (the
			// only slot kind with HasTarget false), deliver the pending
			// interrupt now, on the interpreter thread, exactly like any
			// other ExceptionEngine raise (spec.md §4.I / §5).
			if c.intPending != 0 {
				c.exc.Raise(c.ctx, c.pendingVector, c.ctx.EIP)
				c.intPending = 0
				c.ctx.IntPending = 0
				c.pendingVector = 0
			}
			prev = nil
			continue
		}

		if tb.Uncacheable {
			// "drop(tb); continue // not cached": tb ran exactly once and is
			// gone. Never hand it to the next turn as a link source, and
			// re-dispatch pc fresh next time (translateOrFetch can't find it
			// in the Cache either, so it always retranslates).
			prev = nil
			continue
		}

		prev = tb
		prevKind, prevTargetPC = inferExitKind(tb, out)
	}
	return nil
}

// inferExitKind reconstructs which slot a just-finished native run
// actually took, by checking out's fingerprint against each of tb's
// compile-time-predicted direct-slot targets. This is only used to decide
// which of tb's slots Link should attempt to splice next turn; an
// indirect exit (no matching slot) still works correctly, just without
// ever getting a direct link (exactly the SlotIntCheck fallback the
// translator's own emitIndirectExit already emits for that case).
func inferExitKind(tb, out *tc.TB) (tc.SlotKind, uint32) {
	for _, s := range tb.Slots {
		if s.HasTarget && s.TargetPC == uint32(out.Fingerprint) {
			return s.Kind, s.TargetPC
		}
	}
	return tc.SlotIntCheck, 0
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}


// Package translator implements spec.md §4.E: translate(start_pc) -> TB.
// It decodes guest instructions one at a time via the Decoder collaborator,
// dispatches each to an emitter recipe, and terminates the block on any
// control-flow change, mode-sensitive write, or guest-page crossing,
// finishing with the tail-sequence that links into package tc/linker.
package translator

import (
	"fmt"

	"github.com/colorfulnotion/lib86cpu/asmx86"
	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/decoder"
	"github.com/colorfulnotion/lib86cpu/internal/dbterrors"
	"github.com/colorfulnotion/lib86cpu/internal/xlog"
	"github.com/colorfulnotion/lib86cpu/linker"
	"github.com/colorfulnotion/lib86cpu/tc"
)

// ctxReg is the fixed host register holding CpuContext* across a
// recipe's own emission, per spec.md Design Notes §9's ABI convention.
// EmitPrologue copies the incoming first-argument register into RBX
// (callee-saved) so it survives calls into helper functions untouched;
// every recipe below addresses ctx fields off RBX.
const ctxReg = asmx86.RBX

// maxBlockInstructions bounds translation the way a real recompiler caps
// block size to keep code buffers and register pressure reasonable; it is
// not an architectural limit.
const maxBlockInstructions = 512

// frameSlotBytes is the stack space EmitPrologue reserves beyond the
// RBX push: no recipe in this tree spills to the stack (every guest
// register and flag lives in CpuContext, addressed directly), so it
// holds only EmitPrologue's context home slot. Block entry leaves RSP at
// 8 mod 16 and the RBX push brings it to 0 mod 16; reserving 16 keeps it
// 16-byte aligned across CallAbs's internal `call` the way the host ABI
// expects.
const frameSlotBytes = 16

// Translator drives translate(start_pc) -> TB using a Decoder collaborator
// and a Cache to install the result into.
type Translator struct {
	Decode decoder.Decoder
	Cache  *tc.Cache
	Log    xlog.Logger

	// FetchMaxLen is the maximum instruction length the Decoder may need
	// read-ahead for (x86's architectural max is 15).
	FetchMaxLen int
}

// New returns a Translator driven by dec, installing finished blocks into
// cache.
func New(dec decoder.Decoder, cache *tc.Cache, log xlog.Logger) *Translator {
	return &Translator{Decode: dec, Cache: cache, Log: log, FetchMaxLen: 15}
}

// Fetcher supplies raw guest bytes to the Decoder, the same FetchCode
// surface memport.Port already implements.
type Fetcher interface {
	FetchCode(vaddr uint32, n int, eip uint32) ([]byte, bool)
}

// builder accumulates one block's emission state: the emitter itself, the
// running guest PC, the current address/operand size mode, and bookkeeping
// for the tail sequence's exit labels and chain slots.
type builder struct {
	e    *asmx86.Emitter
	mode decoder.Mode

	startPC uint32
	pc      uint32
	page    uint32

	subImmOffset int

	faultExit *asmx86.Label // shared exit: something staged a fault/mode-change, go straight to epilogue
	intExit   *asmx86.Label // check_int tripped: go to epilogue so the Dispatcher can deliver the interrupt

	slots []tc.Slot

	// restoreOffsets collects every AddRSPImm32 immediate field emitted by
	// restoreFrame; each one must be patched to the final frame size
	// once the whole block has been translated, the same two-phase
	// "emit placeholder, patch once size is known" pattern EmitPrologue's
	// own subImmOffset already uses.
	restoreOffsets []int

	pageCross  bool
	terminated bool
}

// Translate implements spec.md §4.E's translate(start_pc) -> TB. mode
// selects the default operand/address size the Decoder should assume
// (real mode, or the 16/32-bit default of the current CS descriptor).
func (t *Translator) Translate(f Fetcher, startPC uint32, mode decoder.Mode) (*tc.TB, error) {
	b := &builder{
		e:         asmx86.NewEmitter(),
		mode:      mode,
		startPC:   startPC,
		pc:        startPC,
		page:      cpuctx.PageOf(startPC),
		faultExit: asmx86.NewLabel(),
		intExit:   asmx86.NewLabel(),
	}
	b.subImmOffset = b.e.EmitPrologue(asmx86.RDI)

	count := 0
	for !b.terminated {
		if count >= maxBlockInstructions {
			break
		}
		raw, ok := f.FetchCode(b.pc, t.FetchMaxLen, b.pc)
		if !ok {
			// a fault was already staged and delivered by FetchCode's own
			// MemPort path; stop translating and fall straight to the
			// epilogue so the Dispatcher re-enters at the handler.
			break
		}
		instr, err := t.Decode.Decode(raw, b.pc, mode)
		if err != nil {
			if count == 0 {
				return nil, fmt.Errorf("%w: pc=%#x: %v", dbterrors.ErrUnknownInstruction, b.pc, err)
			}
			break
		}
		if cpuctx.PageOf(b.pc+uint32(instr.Length)-1) != b.page {
			b.pageCross = true
		}
		rec, ok := lookupRecipe(instr.Opcode)
		if !ok {
			if count == 0 {
				return nil, fmt.Errorf("%w: opcode=%#x", dbterrors.ErrUnknownInstruction, instr.Opcode)
			}
			break
		}
		nextPC := b.pc + uint32(instr.Length)
		rec.emit(b, instr, nextPC)
		count++
		if b.terminated {
			break
		}
		if rec.terminates || b.pageCross {
			b.emitDirectExit(nextPC, tc.SlotFallthrough)
			b.terminated = true
			break
		}
		b.pc = nextPC
	}
	if !b.terminated {
		b.emitEpilogueFallthrough(b.pc)
	}
	b.bindSharedExits()

	frameSize := uint32(frameSlotBytes)
	b.e.PatchU32(b.subImmOffset, frameSize)
	for _, off := range b.restoreOffsets {
		b.e.PatchU32(off, frameSize)
	}

	code, err := b.e.Finalize()
	if err != nil {
		return nil, err
	}

	tb, err := t.Cache.Install(tc.PendingTB{
		Fingerprint: fingerprint(startPC, mode),
		GuestPage:   b.page,
		Code:        code,
		Slots:       b.slots,
		Uncacheable: b.pageCross,
	})
	if err != nil {
		return nil, err
	}
	if t.Log != nil {
		t.Log.Trace(xlog.Translator, "block translated", "pc", startPC, "instrs", count, "bytes", len(code))
	}
	return tb, nil
}

// fingerprint derives the TC lookup key for a block: guest PC plus the
// operand-size mode, since the same bytes decode differently under a
// different default mode.
func fingerprint(pc uint32, mode decoder.Mode) uint64 {
	return uint64(pc) | uint64(mode)<<32
}

// Link is the Dispatcher-facing glue spec.md §4.E step 6 describes:
// after running prev and observing how it actually exited, attempt to
// splice prev's direct chain slot to whatever TB now exists at the
// observed target (if any). A thin wrapper over linker.Patch.
func Link(prev, next *tc.TB, kind tc.SlotKind, targetPC uint32, log xlog.Logger) error {
	return linker.Patch(prev, next, kind, targetPC, log)
}

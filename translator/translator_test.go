package translator

import (
	"testing"

	"github.com/colorfulnotion/lib86cpu/asmx86"
	"github.com/colorfulnotion/lib86cpu/decoder"
	"github.com/colorfulnotion/lib86cpu/internal/dbterrors"
	"github.com/colorfulnotion/lib86cpu/tc"
)

// stubFetcher hands back a fixed-size window of a byte slice regardless of
// what's asked for; every recipe under test here only consults instr.Length
// and instr.Operands, never the raw bytes themselves, so the content
// doesn't matter.
type stubFetcher struct{}

func (stubFetcher) FetchCode(vaddr uint32, n int, eip uint32) ([]byte, bool) {
	return make([]byte, n), true
}

// scriptDecoder replays a fixed sequence of decoder.Instr values, one per
// Decode call, the way a canned test fixture stands in for a real decoder
// collaborator without this package depending on one.
type scriptDecoder struct {
	instrs []decoder.Instr
	i      int
}

func (d *scriptDecoder) Decode(stream []byte, pc uint32, mode decoder.Mode) (decoder.Instr, error) {
	if d.i >= len(d.instrs) {
		return decoder.Instr{}, errEndOfScript
	}
	instr := d.instrs[d.i]
	instr.PC = pc
	d.i++
	return instr, nil
}

var errEndOfScript = &scriptError{"script exhausted"}

type scriptError struct{ s string }

func (e *scriptError) Error() string { return e.s }

func regOp(reg, size int) decoder.Operand {
	return decoder.Operand{Kind: decoder.OperandReg, Reg: reg, Size: size}
}

func immOp(v int64, size int) decoder.Operand {
	return decoder.Operand{Kind: decoder.OperandImm, Imm: v, Size: size}
}

// TestTranslateFallsThroughOneExitSlot covers the common case: a
// non-terminating recipe (MOV) followed by an unconditional jump. The
// block must end with exactly one taken slot and no fallthrough slot,
// since emitJmpRel's target is the only way out; the second slot is the
// untargeted shared-exit slot bindSharedExits appends to every block.
func TestTranslateFallsThroughOneExitSlot(t *testing.T) {
	dec := &scriptDecoder{instrs: []decoder.Instr{
		{Opcode: opMov, Length: 3, Operands: []decoder.Operand{regOp(0, 32), immOp(0x2A, 32)}},
		{Opcode: opJmpRel, Length: 5, Operands: []decoder.Operand{{Kind: decoder.OperandRel, Imm: 0x1000}}},
	}}
	tr := New(dec, tc.New(16, nil), nil)

	tb, err := tr.Translate(stubFetcher{}, 0x400, decoder.Mode32)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(tb.Slots) != 2 {
		t.Fatalf("got %d slots, want 2 (taken + shared exit)", len(tb.Slots))
	}
	if tb.Slots[0].Kind != tc.SlotTaken || tb.Slots[0].TargetPC != 0x1000 {
		t.Fatalf("got slot %+v, want Taken@0x1000", tb.Slots[0])
	}
}

// TestTranslateConditionalBranchTwoSlots covers jccRecipe's two-slot tail:
// a fallthrough slot for the not-taken path and a taken slot for the
// branch target, both independently linkable, followed by the untargeted
// shared-exit slot bindSharedExits appends to every block.
func TestTranslateConditionalBranchTwoSlots(t *testing.T) {
	dec := &scriptDecoder{instrs: []decoder.Instr{
		{Opcode: opJcc + uint16(asmx86.CC_E), Length: 2, Operands: []decoder.Operand{{Kind: decoder.OperandRel, Imm: 0x500}}},
	}}
	tr := New(dec, tc.New(16, nil), nil)

	tb, err := tr.Translate(stubFetcher{}, 0x400, decoder.Mode32)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(tb.Slots) != 3 {
		t.Fatalf("got %d slots, want 3 (fallthrough + taken + shared exit)", len(tb.Slots))
	}
	if tb.Slots[0].Kind != tc.SlotFallthrough || tb.Slots[0].TargetPC != 0x402 {
		t.Fatalf("slot 0 = %+v, want Fallthrough@0x402", tb.Slots[0])
	}
	if tb.Slots[1].Kind != tc.SlotTaken || tb.Slots[1].TargetPC != 0x500 {
		t.Fatalf("slot 1 = %+v, want Taken@0x500", tb.Slots[1])
	}
}

// TestTranslateUnknownOpcodeOnFirstInstruction mirrors spec.md's decoder
// boundary contract: an opcode with no recipe at block start is fatal, not
// silently skipped.
func TestTranslateUnknownOpcodeOnFirstInstruction(t *testing.T) {
	dec := &scriptDecoder{instrs: []decoder.Instr{
		{Opcode: 0x0F0B, Length: 2}, // UD2, deliberately unmapped
	}}
	tr := New(dec, tc.New(16, nil), nil)

	_, err := tr.Translate(stubFetcher{}, 0x400, decoder.Mode32)
	if err == nil {
		t.Fatal("expected an error for an unmapped opcode")
	}
	if got := dbterrors.Code(err); got != "E1" {
		t.Fatalf("got error code %q, want E1 (ErrUnknownInstruction)", got)
	}
}

// TestTranslateUnknownOpcodeMidBlockEndsBlock covers the "already have at
// least one instruction" branch: translation ends the block gracefully at
// the unmapped instruction rather than failing the whole translate call,
// since every instruction before it is still valid and runnable.
func TestTranslateUnknownOpcodeMidBlockEndsBlock(t *testing.T) {
	dec := &scriptDecoder{instrs: []decoder.Instr{
		{Opcode: opMov, Length: 3, Operands: []decoder.Operand{regOp(0, 32), immOp(1, 32)}},
		{Opcode: 0x0F0B, Length: 2},
	}}
	tr := New(dec, tc.New(16, nil), nil)

	tb, err := tr.Translate(stubFetcher{}, 0x400, decoder.Mode32)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	// MOV doesn't terminate the block on its own, so hitting the unmapped
	// opcode next just stops the fetch loop; the builder's own
	// epilogue-fallthrough path then closes the block as an ordinary
	// direct exit back to the guest PC the bad opcode sat at, followed by
	// the untargeted shared-exit slot.
	if len(tb.Slots) != 2 || !tb.Slots[0].HasTarget || tb.Slots[0].TargetPC != 0x403 {
		t.Fatalf("got slots %+v, want Fallthrough@0x403 then the shared-exit slot", tb.Slots)
	}
}

// TestTranslatePushPopRoundTrip is a smoke test that PUSH/POP translate
// without terminating the block early, since neither recipe sets
// b.terminated and both must leave the loop free to keep fetching.
func TestTranslatePushPopRoundTrip(t *testing.T) {
	dec := &scriptDecoder{instrs: []decoder.Instr{
		{Opcode: opPush, Length: 1, Operands: []decoder.Operand{regOp(0, 32)}},
		{Opcode: opPop, Length: 1, Operands: []decoder.Operand{regOp(1, 32)}},
		{Opcode: opRet, Length: 1},
	}}
	tr := New(dec, tc.New(16, nil), nil)

	tb, err := tr.Translate(stubFetcher{}, 0x400, decoder.Mode32)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(tb.Slots) != 2 || tb.Slots[0].HasTarget {
		t.Fatalf("got slots %+v, want an untargeted indirect-exit slot for RET then the shared-exit slot", tb.Slots)
	}
}

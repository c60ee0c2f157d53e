package linker

import (
	"testing"

	"github.com/colorfulnotion/lib86cpu/asmx86"
	"github.com/colorfulnotion/lib86cpu/tc"
	"golang.org/x/arch/x86/x86asm"
)

func assemble(t *testing.T, build func(e *asmx86.Emitter)) []byte {
	t.Helper()
	e := asmx86.NewEmitter()
	build(e)
	code, err := e.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	return code
}

func installSimple(t *testing.T, c *tc.Cache, fp uint64, page uint32, slots []tc.Slot) *tc.TB {
	t.Helper()
	code := assemble(t, func(e *asmx86.Emitter) { e.Ret() })
	tb, err := c.Install(tc.PendingTB{Fingerprint: fp, GuestPage: page, Code: code, Slots: slots})
	if err != nil {
		t.Fatal(err)
	}
	return tb
}

func TestPatchLinksMatchingUnlinkedSlot(t *testing.T) {
	c := tc.New(16, nil)
	prev := installSimple(t, c, 1, 0, []tc.Slot{
		{Kind: tc.SlotTaken, TargetPC: 0x100, HasTarget: true},
		{Kind: tc.SlotFallthrough, TargetPC: 0x200, HasTarget: true},
	})
	next := installSimple(t, c, 2, 0, nil)

	if err := Patch(prev, next, tc.SlotTaken, 0x100, nil); err != nil {
		t.Fatal(err)
	}
	if prev.Unlinked(0) {
		t.Fatal("slot 0 should be linked")
	}
	if !prev.Unlinked(1) {
		t.Fatal("slot 1 should remain unlinked")
	}
}

func TestPatchIgnoresAlreadyLinkedSlot(t *testing.T) {
	c := tc.New(16, nil)
	prev := installSimple(t, c, 1, 0, []tc.Slot{{Kind: tc.SlotTaken, TargetPC: 0x100, HasTarget: true}})
	next := installSimple(t, c, 2, 0, nil)
	other := installSimple(t, c, 3, 0, nil)

	if err := Patch(prev, next, tc.SlotTaken, 0x100, nil); err != nil {
		t.Fatal(err)
	}
	// re-patching with a different target must not disturb the existing link
	if err := Patch(prev, other, tc.SlotTaken, 0x100, nil); err != nil {
		t.Fatal(err)
	}
	if prev.Slots[0].Current != next.HostEntry {
		t.Fatal("slot should still point at the first-linked target")
	}
}

func TestResolveIndirectFindsInstalledTB(t *testing.T) {
	c := tc.New(16, nil)
	tb := installSimple(t, c, 0xFEED, 0, nil)
	entry, ok := ResolveIndirect(c, 0xFEED)
	if !ok || entry != tb.HostEntry {
		t.Fatalf("got entry=%#x ok=%v, want %#x", entry, ok, tb.HostEntry)
	}
}

func TestResolveIndirectMiss(t *testing.T) {
	c := tc.New(16, nil)
	if _, ok := ResolveIndirect(c, 0x1234); ok {
		t.Fatal("expected miss")
	}
}

func TestEmitCheckIntDecodesToCompareAndBranch(t *testing.T) {
	e := asmx86.NewEmitter()
	target := asmx86.NewLabel()
	EmitCheckInt(e, asmx86.RDI, target)
	e.Ret()
	e.Bind(target)
	e.Ret()
	code, err := e.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	off := 0
	var ops []x86asm.Op
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			t.Fatalf("decode failed at %d: %v", off, err)
		}
		ops = append(ops, inst.Op)
		off += inst.Len
	}
	if len(ops) < 3 || ops[0] != x86asm.MOVZX || ops[1] != x86asm.CMP || ops[2] != x86asm.JNE {
		t.Fatalf("unexpected decode: %v", ops)
	}
}

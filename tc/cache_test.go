package tc

import (
	"testing"

	"github.com/colorfulnotion/lib86cpu/asmx86"
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

func TestInstallLookupRoundTrip(t *testing.T) {
	c := New(16, nil)
	code := assemble(t, func(e *asmx86.Emitter) {
		e.MovRegImm32(asmx86.RAX, 1)
		e.Ret()
	})
	tb, err := c.Install(PendingTB{Fingerprint: 0xABCD, GuestPage: 3, Code: code})
	if err != nil {
		t.Fatal(err)
	}
	got, ok := c.Lookup(0xABCD)
	if !ok || got != tb {
		t.Fatalf("lookup mismatch: ok=%v got=%v want=%v", ok, got, tb)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}

func TestInstallRejectsEmptyCode(t *testing.T) {
	c := New(16, nil)
	if _, err := c.Install(PendingTB{Fingerprint: 1}); err == nil {
		t.Fatal("expected error for empty code")
	}
}

func TestFullAfterCapReached(t *testing.T) {
	c := New(2, nil)
	code := assemble(t, func(e *asmx86.Emitter) { e.Ret() })
	for i := uint64(0); i < 2; i++ {
		if _, err := c.Install(PendingTB{Fingerprint: i + 1, Code: code}); err != nil {
			t.Fatal(err)
		}
	}
	if !c.Full() {
		t.Fatal("expected cache to report full at cap")
	}
}

func TestFlushAllDropsEverything(t *testing.T) {
	c := New(16, nil)
	code := assemble(t, func(e *asmx86.Emitter) { e.Ret() })
	if _, err := c.Install(PendingTB{Fingerprint: 7, Code: code}); err != nil {
		t.Fatal(err)
	}
	if err := c.FlushAll(); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d after flush, want 0", c.Len())
	}
	if _, ok := c.Lookup(7); ok {
		t.Fatal("expected lookup miss after flush")
	}
}

func TestInvalidatePhysicalPageDropsOnlyThatPage(t *testing.T) {
	c := New(16, nil)
	code := assemble(t, func(e *asmx86.Emitter) { e.Ret() })
	if _, err := c.Install(PendingTB{Fingerprint: 1, GuestPage: 5, Code: code}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Install(PendingTB{Fingerprint: 2, GuestPage: 6, Code: code}); err != nil {
		t.Fatal(err)
	}
	c.InvalidatePhysicalPage(5)
	if _, ok := c.Lookup(1); ok {
		t.Fatal("expected page-5 TB to be dropped")
	}
	if _, ok := c.Lookup(2); !ok {
		t.Fatal("page-6 TB should survive")
	}
}

func TestLinkPatchesSlotAndUnlinkedReportsCorrectly(t *testing.T) {
	c := New(16, nil)
	var patchOff int
	code := assemble(t, func(e *asmx86.Emitter) {
		patchOff = e.JmpAbsPatchable(0) // placeholder target, patched by Install to the epilogue
	})
	tb, err := c.Install(PendingTB{
		Fingerprint: 1,
		Code:        code,
		Slots:       []Slot{{Kind: SlotTaken, PatchOffset: patchOff}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !tb.Unlinked(0) {
		t.Fatal("freshly installed slot should be unlinked")
	}
	if err := tb.Link(0, 0x1234); err != nil {
		t.Fatal(err)
	}
	if tb.Unlinked(0) {
		t.Fatal("slot should report linked after Link")
	}
	if err := tb.Unlink(0); err != nil {
		t.Fatal(err)
	}
	if !tb.Unlinked(0) {
		t.Fatal("slot should report unlinked after Unlink")
	}
}

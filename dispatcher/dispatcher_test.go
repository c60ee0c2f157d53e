package dispatcher

import (
	"testing"

	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/decoder"
	"github.com/colorfulnotion/lib86cpu/tc"
)

func newTestCpu() *Cpu {
	return &Cpu{ctx: cpuctx.New()}
}

func TestCurrentModeRealByDefault(t *testing.T) {
	c := newTestCpu()
	if got := c.currentMode(); got != decoder.ModeReal {
		t.Fatalf("got %v, want ModeReal", got)
	}
}

func TestCurrentModeProtected32(t *testing.T) {
	c := newTestCpu()
	c.ctx.CR0 |= 1
	c.ctx.WriteSeg(cpuctx.SegCS, 0x08, 0, 0xFFFFFFFF, 1<<22)
	c.ctx.RecomputeHflags()
	if got := c.currentMode(); got != decoder.Mode32 {
		t.Fatalf("got %v, want Mode32", got)
	}
}

func TestCurrentModeProtected16(t *testing.T) {
	c := newTestCpu()
	c.ctx.CR0 |= 1
	c.ctx.WriteSeg(cpuctx.SegCS, 0x08, 0, 0xFFFF, 0)
	c.ctx.RecomputeHflags()
	if got := c.currentMode(); got != decoder.Mode16 {
		t.Fatalf("got %v, want Mode16", got)
	}
}

func TestInferExitKindMatchesDirectSlot(t *testing.T) {
	tb := &tc.TB{Slots: []tc.Slot{
		{Kind: tc.SlotFallthrough, TargetPC: 0x100, HasTarget: true},
		{Kind: tc.SlotTaken, TargetPC: 0x200, HasTarget: true},
	}}
	out := &tc.TB{Fingerprint: 0x200}

	kind, target := inferExitKind(tb, out)
	if kind != tc.SlotTaken || target != 0x200 {
		t.Fatalf("got (%v, %#x), want (SlotTaken, 0x200)", kind, target)
	}
}

func TestInferExitKindFallsBackToIntCheck(t *testing.T) {
	tb := &tc.TB{Slots: []tc.Slot{
		{Kind: tc.SlotFallthrough, TargetPC: 0x100, HasTarget: true},
	}}
	out := &tc.TB{Fingerprint: 0xDEAD}

	kind, target := inferExitKind(tb, out)
	if kind != tc.SlotIntCheck || target != 0 {
		t.Fatalf("got (%v, %#x), want (SlotIntCheck, 0)", kind, target)
	}
}

func TestRaiseExternalInterruptMarksPending(t *testing.T) {
	c := newTestCpu()
	c.RaiseExternalInterrupt(0x21)
	if c.intPending == 0 || c.ctx.IntPending == 0 {
		t.Fatal("expected intPending and ctx.IntPending to be set")
	}
	if c.pendingVector != 0x21 {
		t.Fatalf("got pendingVector=%#x, want 0x21", c.pendingVector)
	}
}

func TestRunReturnsImmediatelyWhenHaltedWithNothingPending(t *testing.T) {
	c := newTestCpu()
	c.ctx.Halted = 1
	if err := c.Run(10); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

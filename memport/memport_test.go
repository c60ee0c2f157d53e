package memport

import (
	"errors"
	"testing"

	"github.com/colorfulnotion/lib86cpu/cpuctx"
)

// flatBus backs every physical address with a plain byte slice, enough
// for exercising the TLB/MMU/split-access paths without a real device
// bus collaborator.
type flatBus struct {
	mem [1 << 20]byte
}

func (b *flatBus) MemRead(paddr uint32, size int) (uint32, error) {
	var v uint32
	for i := 0; i < size; i++ {
		v |= uint32(b.mem[paddr+uint32(i)]) << (8 * i)
	}
	return v, nil
}

func (b *flatBus) MemWrite(paddr uint32, val uint32, size int) error {
	for i := 0; i < size; i++ {
		b.mem[paddr+uint32(i)] = byte(val >> (8 * i))
	}
	return nil
}

func (b *flatBus) IORead(port uint16, size int) (uint32, error)      { return 0, nil }
func (b *flatBus) IOWrite(port uint16, val uint32, size int) error   { return nil }

// identityMMU maps every virtual page to the same-numbered physical page.
type identityMMU struct{ fail bool }

func (m *identityMMU) Translate(vaddr uint32, access Access, cpl int) (uint32, error) {
	if m.fail {
		return 0, errors.New("no mapping")
	}
	return cpuctx.PageOf(vaddr), nil
}

type stubRaiser struct {
	vector int
	called int
}

func (r *stubRaiser) Raise(ctx *cpuctx.CpuContext, vector int, eip uint32) {
	r.vector = vector
	r.called++
}

type allowAllBitmap struct{ allowed bool }

func (a allowAllBitmap) Allowed(port uint16, size int) (bool, bool) { return a.allowed, false }

func newTestPort() (*Port, *flatBus, *stubRaiser) {
	ctx := cpuctx.New()
	bus := &flatBus{}
	raiser := &stubRaiser{}
	p := New(ctx, &identityMMU{}, bus, allowAllBitmap{allowed: true}, raiser)
	return p, bus, raiser
}

func TestReadWriteMemRoundTrip(t *testing.T) {
	p, _, _ := newTestPort()
	if ok := p.WriteMem(cpuctx.S32, 0x1000, 0xCAFEBABE, 0, false); !ok {
		t.Fatal("write failed")
	}
	v, ok := p.ReadMem(cpuctx.S32, 0x1000, 0, false)
	if !ok || v != 0xCAFEBABE {
		t.Fatalf("got %#x, ok=%v", v, ok)
	}
}

func TestReadMemSplitsAcrossPageBoundary(t *testing.T) {
	p, _, _ := newTestPort()
	// straddle the boundary at 0x1000: bytes at 0xFFE..0x1001
	if !p.WriteMem(cpuctx.S8, 0xFFE, 0x11, 0, false) ||
		!p.WriteMem(cpuctx.S8, 0xFFF, 0x22, 0, false) ||
		!p.WriteMem(cpuctx.S8, 0x1000, 0x33, 0, false) ||
		!p.WriteMem(cpuctx.S8, 0x1001, 0x44, 0, false) {
		t.Fatal("setup writes failed")
	}
	v, ok := p.ReadMem(cpuctx.S32, 0xFFE, 0, false)
	if !ok {
		t.Fatal("split read failed")
	}
	want := uint32(0x11) | uint32(0x22)<<8 | uint32(0x33)<<16 | uint32(0x44)<<24
	if v != want {
		t.Fatalf("got %#x, want %#x", v, want)
	}
}

func TestReadMemMMUFailureRaisesPF(t *testing.T) {
	ctx := cpuctx.New()
	bus := &flatBus{}
	raiser := &stubRaiser{}
	p := New(ctx, &identityMMU{fail: true}, bus, allowAllBitmap{true}, raiser)
	_, ok := p.ReadMem(cpuctx.S32, 0x2000, 0x1234, false)
	if ok {
		t.Fatal("expected failure")
	}
	if raiser.called != 1 || raiser.vector != VecPF {
		t.Fatalf("raiser = %+v, want one #PF", raiser)
	}
}

func TestWatchpointRaisesDB(t *testing.T) {
	p, _, raiser := newTestPort()
	p.Ctx.DR[0] = 0x3000
	// DR7: L0=1 (bit0), RW0=01 (write, bits16-17), LEN0=00 (1 byte, bits18-19)
	p.Ctx.DR[7] = 1 | (1 << 16)
	if !p.WriteMem(cpuctx.S32, 0x3000, 0, 0x100, false) {
		// installing the TLB entry also triggers the watch check; either
		// outcome here is fine as long as #DB fires exactly once below.
	}
	if ok := p.WriteMem(cpuctx.S8, 0x3000, 0xFF, 0x100, false); ok {
		t.Fatal("expected watchpoint to block the write")
	}
	if raiser.called == 0 || raiser.vector != VecDB {
		t.Fatalf("raiser = %+v, want #DB", raiser)
	}
}

func TestPrivOverrideBypassesWatchpoint(t *testing.T) {
	p, _, raiser := newTestPort()
	p.Ctx.DR[0] = 0x4000
	p.Ctx.DR[7] = 1 | (1 << 16)
	if ok := p.WriteMem(cpuctx.S8, 0x4000, 0x99, 0, true); !ok {
		t.Fatal("priv-override write should succeed")
	}
	if raiser.called != 0 {
		t.Fatalf("priv override must not raise, got %+v", raiser)
	}
}

func TestCheckIOPrivRealModeAlwaysPasses(t *testing.T) {
	p, _, raiser := newTestPort()
	if !p.CheckIOPriv(0x60, 1, 0) {
		t.Fatal("real mode I/O must never be denied")
	}
	if raiser.called != 0 {
		t.Fatal("no exception expected")
	}
}

func TestCheckIOPrivDeniedInPEModeRaisesGP(t *testing.T) {
	ctx := cpuctx.New()
	ctx.CR0 |= 1 // PE
	ctx.RecomputeHflags()
	ctx.WriteSeg(cpuctx.SegCS, 0x1B, 0, 0xFFFFFFFF, 1<<22) // CPL 3
	bus := &flatBus{}
	raiser := &stubRaiser{}
	p := New(ctx, &identityMMU{}, bus, allowAllBitmap{allowed: false}, raiser)
	if p.CheckIOPriv(0x3F8, 1, 0x10) {
		t.Fatal("expected denial")
	}
	if raiser.called != 1 || raiser.vector != VecGP {
		t.Fatalf("raiser = %+v, want #GP", raiser)
	}
}

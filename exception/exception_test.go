package exception

import (
	"testing"

	"github.com/colorfulnotion/lib86cpu/cpuctx"
)

// flatMem is a trivial MemoryAccessor backed by a byte array, enough to
// exercise IDT reads and stack-frame pushes without package memport.
type flatMem struct {
	bytes [1 << 16]byte
}

func (m *flatMem) ReadMem(size cpuctx.Size, vaddr uint32, eip uint32, priv bool) (uint32, bool) {
	switch size {
	case cpuctx.S8:
		return uint32(m.bytes[vaddr]), true
	case cpuctx.S16:
		return uint32(m.bytes[vaddr]) | uint32(m.bytes[vaddr+1])<<8, true
	default:
		var v uint32
		for i := 0; i < 4; i++ {
			v |= uint32(m.bytes[vaddr+uint32(i)]) << (8 * i)
		}
		return v, true
	}
}

func (m *flatMem) WriteMem(size cpuctx.Size, vaddr uint32, val uint32, eip uint32, priv bool) bool {
	n := 4
	if size == cpuctx.S16 {
		n = 2
	} else if size == cpuctx.S8 {
		n = 1
	}
	for i := 0; i < n; i++ {
		m.bytes[vaddr+uint32(i)] = byte(val >> (8 * i))
	}
	return true
}

func TestRaiseRealModeVectorsThroughIVT(t *testing.T) {
	mem := &flatMem{}
	// IVT entry for vector 13 (#GP) at 13*4: offset=0x1234, segment=0x2000
	mem.WriteMem(cpuctx.S16, 13*4, 0x1234, 0, true)
	mem.WriteMem(cpuctx.S16, 13*4+2, 0x2000, 0, true)

	ctx := cpuctx.New()
	ctx.WriteGPR(4, 0x8000, cpuctx.S32) // ESP
	ctx.SetEFLAGSBaseBit(cpuctx.EflagIF, true)

	e := New(mem, nil)
	e.Raise(ctx, 13, 0x500)

	if ctx.EIP != 0x1234 {
		t.Fatalf("EIP = %#x, want 0x1234", ctx.EIP)
	}
	if ctx.ReadSeg(cpuctx.SegCS).Selector != 0x2000 {
		t.Fatalf("CS = %#x, want 0x2000", ctx.ReadSeg(cpuctx.SegCS).Selector)
	}
	if ctx.EFLAGSBaseBit(cpuctx.EflagIF) {
		t.Fatal("IF should be cleared on exception entry")
	}
}

func TestRaisePushesErrorCodeOnlyForVectorsThatHaveOne(t *testing.T) {
	mem := &flatMem{}
	mem.WriteMem(cpuctx.S16, 13*4, 0x100, 0, true)
	mem.WriteMem(cpuctx.S16, 13*4+2, 0, 0, true)

	ctx := cpuctx.New()
	ctx.WriteGPR(4, 0x8000, cpuctx.S32)
	ctx.ExpFrame.Code = 0xAB

	e := New(mem, nil)
	e.Raise(ctx, 13, 0x500)

	esp := ctx.ReadGPR(4, cpuctx.S32)
	// error code is the last push: at esp (top of stack after 4 pushes)
	errCode, _ := mem.ReadMem(cpuctx.S32, esp, 0, true)
	if errCode != 0xAB {
		t.Fatalf("error code on stack = %#x, want 0xab", errCode)
	}
}

func TestRaiseModeChangeDoesNotTouchEIP(t *testing.T) {
	mem := &flatMem{}
	ctx := cpuctx.New()
	ctx.EIP = 0x1000
	e := New(mem, nil)
	e.Raise(ctx, ModeChangeVector, 0x1000)
	if ctx.EIP != 0x1000 {
		t.Fatalf("mode-change raise must not alter EIP, got %#x", ctx.EIP)
	}
	if ctx.ExpFrame.Idx != ModeChangeVector {
		t.Fatalf("ExpFrame.Idx = %#x, want %#x", ctx.ExpFrame.Idx, ModeChangeVector)
	}
}

func TestVectorPushesErrorCode(t *testing.T) {
	cases := map[int]bool{8: true, 13: true, 14: true, 0: false, 1: false, 3: false}
	for v, want := range cases {
		if got := vectorPushesErrorCode(v); got != want {
			t.Errorf("vector %d: got %v, want %v", v, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	if Classify(3) != ClassTrap {
		t.Fatal("vector 3 (#BP) should be a trap")
	}
	if Classify(2) != ClassAbort {
		t.Fatal("vector 2 (NMI) should be an abort")
	}
	if Classify(13) != ClassFault {
		t.Fatal("vector 13 (#GP) should be a fault")
	}
}

package cpuctx

import "testing"

func TestReadWriteGPRByteHighLow(t *testing.T) {
	c := New()
	c.WriteGPR(0, 0x12345678, S32)
	if got := c.ReadGPR(0, S32); got != 0x12345678 {
		t.Fatalf("got %#x", got)
	}
	if got := c.ReadGPR(0, S8); got != 0x78 {
		t.Fatalf("AL: got %#x want 0x78", got)
	}
	if got := c.ReadGPRHigh8(0); got != 0x56 {
		t.Fatalf("AH: got %#x want 0x56", got)
	}
	c.WriteGPRHigh8(0, 0xAB)
	if got := c.ReadGPR(0, S32); got != 0x1234AB78 {
		t.Fatalf("after AH write: got %#x want 0x1234ab78", got)
	}
}

func TestWriteGPR16PreservesHighWord(t *testing.T) {
	c := New()
	c.WriteGPR(1, 0xDEADBEEF, S32)
	c.WriteGPR(1, 0x1111, S16)
	if got := c.ReadGPR(1, S32); got != 0xDEAD1111 {
		t.Fatalf("got %#x want 0xdead1111", got)
	}
}

func TestWriteSegCSUpdatesHflagsCPL(t *testing.T) {
	c := New()
	c.WriteSeg(SegCS, 0x1B, 0, 0xFFFFFFFF, descFlagDB) // RPL=3, 32-bit
	if c.CPL() != 3 {
		t.Fatalf("CPL: got %d want 3", c.CPL())
	}
	if c.HflagGet()&HflagCS32 == 0 {
		t.Fatalf("expected CS32 hflag set")
	}
}

func TestProtectedModeFollowsCR0(t *testing.T) {
	c := New()
	if c.ProtectedMode() {
		t.Fatalf("real mode CPU must start with PE clear")
	}
	c.CR0 |= 1
	c.RecomputeHflags()
	if !c.ProtectedMode() {
		t.Fatalf("expected PE set after CR0 update + recompute")
	}
}

func TestEFLAGSRoundTrip(t *testing.T) {
	c := New()
	c.SetEFLAGS(0x246) // ZF|IF|reserved bit1, a typical post-boot value
	got := c.EFLAGS()
	if got&(1<<1) == 0 {
		t.Fatalf("reserved bit 1 must read back set")
	}
	if got&(1<<6) == 0 {
		t.Fatalf("ZF must round-trip")
	}
}

func TestTLBInstallLookupInvalidate(t *testing.T) {
	c := New()
	vpn := PageOf(0x1000)
	if _, ok := c.TLBLookup(vpn); ok {
		t.Fatalf("fresh TLB must miss")
	}
	c.TLBInstall(vpn, 7, TLBDirty)
	e, ok := c.TLBLookup(vpn)
	if !ok || e.HPN != 7 {
		t.Fatalf("expected hit with HPN=7, got ok=%v hpn=%d", ok, e.HPN)
	}
	c.TLBInvalidatePage(vpn)
	if _, ok := c.TLBLookup(vpn); ok {
		t.Fatalf("expected miss after invalidate")
	}
}

func TestDumpLoadRegistersRoundTrip(t *testing.T) {
	c := New()
	c.WriteGPR(0, 1, S32)
	c.WriteGPR(3, 2, S32)
	c.EIP = 0x1234
	c.SetEFLAGS(0x246)
	buf := c.DumpRegisters()

	c2 := New()
	c2.LoadRegisters(buf)
	if c2.ReadGPR(0, S32) != 1 || c2.ReadGPR(3, S32) != 2 || c2.EIP != 0x1234 {
		t.Fatalf("register dump/load round-trip mismatch: %+v", c2)
	}
}

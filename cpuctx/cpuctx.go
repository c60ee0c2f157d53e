// Package cpuctx owns the guest x86 architectural state: spec.md §3's
// CpuContext. It is not a global — the Dispatcher (package dispatcher)
// owns one instance per emulated CPU, and emitted host code receives a
// pointer to it as its first argument, the fixed "context register" of
// the host ABI Design Notes §9 calls for.
package cpuctx

import (
	"unsafe"

	"github.com/colorfulnotion/lib86cpu/flags"
)

// Size is the guest operand width for GPR access, collapsing what the
// teacher's template-expanded per-size register helpers did at compile
// time into an ordinary runtime table lookup (spec.md Design Notes §9).
type Size int

const (
	S8 Size = iota
	S16
	S32
)

// Segment register indices, matching the x86 SegReg encoding order.
const (
	SegES = 0
	SegCS = 1
	SegSS = 2
	SegDS = 3
	SegFS = 4
	SegGS = 5
)

// hflags bits: precomputed mode state mirrored from CR0/CS/SS so emitted
// code and helpers never need to re-derive mode on every access.
const (
	HflagCPL0 = 1 << 0 // low 2 bits of hflags encode CPL (0..3)
	hflagCPLMask = 0x3
	HflagCS32    = 1 << 2
	HflagSS32    = 1 << 3
	HflagPE      = 1 << 4
)

// TLB entry flags, consulted by package memport before trusting a cached
// translation.
const (
	TLBCode    = 1 << 0
	TLBGlobal  = 1 << 1
	TLBDirty   = 1 << 2
	TLBWatch   = 1 << 3
	TLBPresent = 1 << 4
)

const (
	tlbEntries   = 1024
	iotlbEntries = 256
	pageShift    = 12
)

// Segment is one of the six segment registers, visible selector plus the
// cached hidden descriptor fields spec.md §3 requires.
type Segment struct {
	Selector uint16
	Base     uint32
	Limit    uint32
	Flags    uint32
}

// TLBEntry is one soft-TLB slot: a direct-mapped vpn -> (hpn, flags)
// mapping kept in the CpuContext for emitted memory-access code.
type TLBEntry struct {
	VPN   uint32 // virtual page number this entry covers, or ^uint32(0) if empty
	HPN   uint32 // host-visible physical page number
	Flags uint32
}

// IOTLBEntry caches the TSS I/O permission bitmap result for one port.
type IOTLBEntry struct {
	Port    uint16
	Allowed bool
	Valid   bool
}

// ExpFrame is the scratch area translator-emitted code stages pending
// exception info into before calling the exception helper (spec.md §3).
type ExpFrame struct {
	Addr uint32
	Code uint16
	Idx  uint16
	EIP  uint32
}

// CpuContext is the single owner of guest architectural state for one
// emulated CPU.
type CpuContext struct {
	gpr [8]uint32
	EIP uint32

	Seg [6]Segment

	CR0, CR2, CR3, CR4 uint32
	DR                 [8]uint32

	eflagsBase uint32 // the non-lazy EFLAGS bits (IF, TF, RF, DF, ...)
	Flags      flags.Lazy

	hflags uint32

	TLB   [tlbEntries]TLBEntry
	IOTLB [iotlbEntries]IOTLBEntry

	// IntPending is toggled asynchronously (e.g. by the device layer via
	// Dispatcher.RaiseExternalInterrupt) and sampled at every link edge.
	// It only needs byte semantics; dispatcher.Cpu keeps its own plain
	// intPending field and mirrors it in here without atomics.
	IntPending uint8

	// Halted is set by the HLT recipe and cleared the moment a pending
	// interrupt is actually delivered; the Dispatcher's outer loop stops
	// calling into the TC while it's set instead of busy-spinning through
	// an endless chain of single-instruction HLT blocks.
	Halted uint8

	ExpFrame ExpFrame
}

// IntPendingOffset is CpuContext.IntPending's byte offset, the one field
// the Linker's inline chain-edge fast path (package linker) reads
// directly out of [ctxReg+offset] without a helper call, per spec.md
// §4.G's check_int.
var IntPendingOffset = unsafe.Offsetof(CpuContext{}.IntPending)

// HaltedOffset is CpuContext.Halted's byte offset, written directly by
// the HLT recipe the same way IntPending is read directly by check_int.
var HaltedOffset = unsafe.Offsetof(CpuContext{}.Halted)

// Field offsets the Translator's emitted recipes (package translator)
// read/write directly out of [ctxReg+offset] instead of calling back into
// Go for every register access, per spec.md §4.A's "read_gpr/write_gpr
// backed by an offset table" design note. Everything that needs the
// descriptor/TLB/MMU protocol (memory operands, CR/DR writes, far
// transfers) still goes through an explicit helper call.
var (
	GPROffset        = unsafe.Offsetof(CpuContext{}.gpr)
	EIPOffset        = unsafe.Offsetof(CpuContext{}.EIP)
	SegOffset        = unsafe.Offsetof(CpuContext{}.Seg)
	CR0Offset        = unsafe.Offsetof(CpuContext{}.CR0)
	CR2Offset        = unsafe.Offsetof(CpuContext{}.CR2)
	CR3Offset        = unsafe.Offsetof(CpuContext{}.CR3)
	CR4Offset        = unsafe.Offsetof(CpuContext{}.CR4)
	DROffset         = unsafe.Offsetof(CpuContext{}.DR)
	EflagsBaseOffset = unsafe.Offsetof(CpuContext{}.eflagsBase)
	FlagsOffset      = unsafe.Offsetof(CpuContext{}.Flags)
	ExpFrameOffset   = unsafe.Offsetof(CpuContext{}.ExpFrame)
)

// SegmentSize is sizeof(Segment), used by recipes to index CpuContext.Seg
// by segment number without importing unsafe themselves.
var SegmentSize = unsafe.Sizeof(Segment{})

// SegBaseOffset and SegSelectorOffset are Segment's own field offsets,
// exported the same way since Segment is addressed relative to a
// dynamically computed base (SegOffset + idx*SegmentSize).
var (
	SegSelectorOffset = unsafe.Offsetof(Segment{}.Selector)
	SegBaseOffset     = unsafe.Offsetof(Segment{}.Base)
	SegLimitOffset    = unsafe.Offsetof(Segment{}.Limit)
	SegFlagsOffset    = unsafe.Offsetof(Segment{}.Flags)
)

// New returns a CpuContext reset to the real-mode power-on state: CS
// selector 0xF000 based at 0xFFFF0000 the way real BIOS entry does, flat
// DS/SS/ES/FS/GS, CPL 0, PE clear.
func New() *CpuContext {
	c := &CpuContext{}
	for i := range c.TLB {
		c.TLB[i].VPN = ^uint32(0)
	}
	c.WriteSeg(SegCS, 0xF000, 0xFFFF0000, 0xFFFF, 0)
	for _, s := range []int{SegDS, SegSS, SegES, SegFS, SegGS} {
		c.WriteSeg(s, 0, 0, 0xFFFF, 0)
	}
	c.recomputeHflags()
	return c
}

// ReadGPR reads register i (0..7, x86 encoding order EAX..EDI) at the
// given size. 8-bit access on registers 0..3 maps to the low or high byte
// the way real x86 AL/AH..BL/BH encoding works; registers 4..7 (ESP..EDI)
// have no AH-style alias and 8-bit access there reads the low byte only,
// matching REX-prefixed SPL/BPL/SIL/DIL behavior.
func (c *CpuContext) ReadGPR(i int, size Size) uint32 {
	switch size {
	case S8:
		if i < 4 {
			return c.gpr[i&3] & 0xFF
		}
		return c.gpr[i] & 0xFF
	case S16:
		return c.gpr[i] & 0xFFFF
	default:
		return c.gpr[i]
	}
}

// ReadGPRHigh8 reads the AH/BH/CH/DH alias of register i (0..3).
func (c *CpuContext) ReadGPRHigh8(i int) uint32 {
	return (c.gpr[i&3] >> 8) & 0xFF
}

// WriteGPR writes register i at the given size. 16/8-bit writes preserve
// the untouched high bits of the 32-bit register per x86 rules (unlike
// x86-64's 32-bit-write-zero-extends rule, which does not apply here: this
// model is 32-bit protected/real mode only).
func (c *CpuContext) WriteGPR(i int, v uint32, size Size) {
	switch size {
	case S8:
		c.gpr[i] = (c.gpr[i] &^ 0xFF) | (v & 0xFF)
	case S16:
		c.gpr[i] = (c.gpr[i] &^ 0xFFFF) | (v & 0xFFFF)
	default:
		c.gpr[i] = v
	}
}

// WriteGPRHigh8 writes the AH/BH/CH/DH alias of register i (0..3).
func (c *CpuContext) WriteGPRHigh8(i int, v uint32) {
	i &= 3
	c.gpr[i] = (c.gpr[i] &^ 0xFF00) | ((v & 0xFF) << 8)
}

// ReadSeg returns segment idx's cached descriptor.
func (c *CpuContext) ReadSeg(idx int) Segment { return c.Seg[idx] }

// WriteSeg installs a freshly loaded segment descriptor. Writing CS or SS
// also refreshes hflags (CS32/SS32/CPL), per spec.md §4.A.
func (c *CpuContext) WriteSeg(idx int, selector uint16, base, limit, segFlags uint32) {
	c.Seg[idx] = Segment{Selector: selector, Base: base, Limit: limit, Flags: segFlags}
	if idx == SegCS || idx == SegSS {
		c.recomputeHflags()
	}
}

// hflag bit for "segment is a 32-bit default-operand-size segment",
// encoded in descriptor Flags bit 22 (D/B) the way a real GDT entry does.
const descFlagDB = 1 << 22

func (c *CpuContext) recomputeHflags() {
	h := uint32(0)
	if c.Seg[SegCS].Selector&0x3 <= 3 {
		h |= uint32(c.Seg[SegCS].Selector&0x3) & hflagCPLMask
	}
	if c.Seg[SegCS].Flags&descFlagDB != 0 {
		h |= HflagCS32
	}
	if c.Seg[SegSS].Flags&descFlagDB != 0 {
		h |= HflagSS32
	}
	if c.CR0&1 != 0 {
		h |= HflagPE
	}
	c.hflags = h
}

// HflagGet returns the current precomputed mode bits.
func (c *CpuContext) HflagGet() uint32 { return c.hflags }

// HflagSet forcibly overrides hflags; used by the translator right after
// any instruction that can change mode (MOV to CR0, far transfers) per
// spec.md §4.A, once the operation has updated the inputs hflags derives
// from.
func (c *CpuContext) HflagSet(v uint32) { c.hflags = v }

// RecomputeHflags is the exported entry point the translator's recipe
// helpers call after mutating CR0/CS/SS directly.
func (c *CpuContext) RecomputeHflags() { c.recomputeHflags() }

// CPL returns the current privilege level, 0..3.
func (c *CpuContext) CPL() int { return int(c.hflags & hflagCPLMask) }

// ProtectedMode reports whether CR0.PE is set.
func (c *CpuContext) ProtectedMode() bool { return c.hflags&HflagPE != 0 }

// EFLAGS materializes the full 32-bit EFLAGS word, combining the
// non-lazy base bits with the lazily derived arithmetic flags.
func (c *CpuContext) EFLAGS() uint32 { return c.Flags.Materialize(c.eflagsBase) }

// SetEFLAGS installs a full eager EFLAGS word (e.g. from POPF or IRET),
// splitting it back into the non-lazy base and a freshly derived Lazy
// state via flags.FromEager.
func (c *CpuContext) SetEFLAGS(v uint32) {
	const arithMask = (1 << 0) | (1 << 2) | (1 << 4) | (1 << 6) | (1 << 7) | (1 << 11)
	c.eflagsBase = v &^ arithMask
	c.Flags = flags.FromEager(v)
}

// EFLAGSBaseBit tests one of the non-arithmetic EFLAGS bits (IF=9, TF=8,
// RF=16, DF=10, AC=18, ...) directly.
func (c *CpuContext) EFLAGSBaseBit(bit uint) bool { return c.eflagsBase&(1<<bit) != 0 }

// SetEFLAGSBaseBit sets or clears one of the non-arithmetic EFLAGS bits.
func (c *CpuContext) SetEFLAGSBaseBit(bit uint, v bool) {
	if v {
		c.eflagsBase |= 1 << bit
	} else {
		c.eflagsBase &^= 1 << bit
	}
}

const (
	EflagCF = 0
	EflagPF = 2
	EflagAF = 4
	EflagZF = 6
	EflagSF = 7
	EflagTF = 8
	EflagIF = 9
	EflagDF = 10
	EflagOF = 11
	EflagIOPL0 = 12
	EflagNT   = 14
	EflagRF   = 16
	EflagVM   = 17
	EflagAC   = 18
)

// IOPL returns the I/O privilege level encoded in EFLAGS bits 12-13.
func (c *CpuContext) IOPL() int { return int((c.eflagsBase >> EflagIOPL0) & 0x3) }

// DumpRegisters snapshots GPRs, EIP, and EFLAGS into a flat byte buffer,
// mirroring the teacher's regDumpMem convention
// (pvm/recompiler/recompiler.go) so tests and the debug disassembler can
// compare architectural state at a block boundary against a reference
// interpreter (Testable Property 3).
func (c *CpuContext) DumpRegisters() []byte {
	buf := make([]byte, 8*10)
	put := func(off int, v uint32) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
	}
	for i := 0; i < 8; i++ {
		put(i*8, c.gpr[i])
	}
	put(8*8, c.EIP)
	put(9*8, c.EFLAGS())
	return buf
}

// LoadRegisters is the inverse of DumpRegisters.
func (c *CpuContext) LoadRegisters(buf []byte) {
	get := func(off int) uint32 {
		return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
	}
	for i := 0; i < 8; i++ {
		c.gpr[i] = get(i * 8)
	}
	c.EIP = get(8 * 8)
	c.SetEFLAGS(get(9 * 8))
}

// PageOf returns the virtual page number for addr.
func PageOf(addr uint32) uint32 { return addr >> pageShift }

// TLBLookup returns the slot for vpn and whether it currently holds a
// present entry for that page.
func (c *CpuContext) TLBLookup(vpn uint32) (*TLBEntry, bool) {
	slot := &c.TLB[vpn%tlbEntries]
	return slot, slot.VPN == vpn && slot.Flags&TLBPresent != 0
}

// TLBInstall installs or replaces the direct-mapped slot for vpn.
func (c *CpuContext) TLBInstall(vpn, hpn, flags uint32) {
	slot := &c.TLB[vpn%tlbEntries]
	slot.VPN = vpn
	slot.HPN = hpn
	slot.Flags = flags | TLBPresent
}

// TLBInvalidateAll drops every soft-TLB entry, used on a full TC flush
// triggered by a mode change or an explicit guest TLB flush instruction.
func (c *CpuContext) TLBInvalidateAll() {
	for i := range c.TLB {
		c.TLB[i] = TLBEntry{VPN: ^uint32(0)}
	}
}

// TLBInvalidatePage drops any soft-TLB entry mapping the given page.
func (c *CpuContext) TLBInvalidatePage(vpn uint32) {
	slot := &c.TLB[vpn%tlbEntries]
	if slot.VPN == vpn {
		*slot = TLBEntry{VPN: ^uint32(0)}
	}
}

// IOTLBLookup returns the cached I/O-permission-bitmap result for port, if
// any.
func (c *CpuContext) IOTLBLookup(port uint16) (allowed bool, ok bool) {
	slot := &c.IOTLB[port%iotlbEntries]
	if slot.Valid && slot.Port == port {
		return slot.Allowed, true
	}
	return false, false
}

// IOTLBInstall caches the I/O-permission-bitmap result for port.
func (c *CpuContext) IOTLBInstall(port uint16, allowed bool) {
	slot := &c.IOTLB[port%iotlbEntries]
	*slot = IOTLBEntry{Port: port, Allowed: allowed, Valid: true}
}

// IOTLBInvalidateAll drops every cached I/O permission result, used
// whenever the guest reloads TR (a new TSS may carry a different bitmap).
func (c *CpuContext) IOTLBInvalidateAll() {
	for i := range c.IOTLB {
		c.IOTLB[i] = IOTLBEntry{}
	}
}

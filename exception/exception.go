// Package exception implements spec.md §4.H's ExceptionEngine: the two
// entry points that deliver a GuestException (fault, trap, or abort,
// vector 0..31) into the guest IDT, plus the internal 0xFF mode-change
// pseudo-exception a CR0.PE write raises to unwind straight back to the
// Dispatcher.
package exception

import (
	"fmt"

	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/internal/dbterrors"
	"github.com/colorfulnotion/lib86cpu/internal/xlog"
)

// ModeChangeVector is the internal 0xFF "mode changed" pseudo-exception
// spec.md §4.E/§7 describes: it is never vectored through the guest IDT.
const ModeChangeVector = 0xFF

// Class distinguishes the three exception kinds x86 defines for delivery
// purposes (stack frame contents don't depend on it here, but logging
// and the embedder-visible status do).
type Class int

const (
	ClassFault Class = iota
	ClassTrap
	ClassAbort
)

// Fault is the typed error an MMU walker or memport hands back when an
// access cannot be satisfied; Engine.Raise's staged-raise path consumes
// one of these via the ExpFrame instead of this struct directly, but
// collaborators outside this package (package memport's MMU interface)
// use it as their error type.
type Fault struct {
	Vector    int
	ErrorCode uint16
	CR2       uint32 // valid only for #PF
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault vector=%d code=%#x cr2=%#x", f.Vector, f.ErrorCode, f.CR2)
}

// MemoryAccessor is the narrow slice of MemPort's surface the runtime
// raise path needs to push the guest stack frame and read the IDT.
// Implemented by *memport.Port; kept local to avoid an import cycle the
// same way memport.Raiser is.
type MemoryAccessor interface {
	ReadMem(size cpuctx.Size, vaddr uint32, eip uint32, privOverride bool) (uint32, bool)
	WriteMem(size cpuctx.Size, vaddr uint32, val uint32, eip uint32, privOverride bool) bool
}

// IDTBase and friends describe where the real-mode/protected-mode IDT
// lives; protected mode tables are read through MemoryAccessor, real
// mode's is a fixed 256*4-byte table at linear address 0.
const (
	idtEntrySizeReal = 4
	idtEntrySizePE   = 8
)

// Engine is the concrete ExceptionEngine. One Engine is shared by every
// block the Translator compiles, since raising an exception is always a
// call out of emitted code back into this package (spec.md §5's
// "explicit calls into helper functions").
type Engine struct {
	Mem MemoryAccessor
	Log xlog.Logger

	// IDTBase/IDTLimit hold IDTR-equivalent state. They change only
	// through SetIDT (which dispatcher.Cpu.SetIDT forwards to); no
	// translated guest instruction loads IDTR.
	IDTBase  uint32
	IDTLimit uint32
}

// New returns an Engine reading the IDT through mem.
func New(mem MemoryAccessor, log xlog.Logger) *Engine {
	return &Engine{Mem: mem, Log: log, IDTLimit: 0x3FF}
}

// SetIDT installs a new IDTR, e.g. after the guest executes LIDT.
func (e *Engine) SetIDT(base, limit uint32) {
	e.IDTBase = base
	e.IDTLimit = limit
}

// Raise is the runtime-raise entry point (spec.md §4.H.1). It never
// returns to its caller in the sense emitted code expects: the
// Translator's recipe that calls it immediately follows with the
// block's epilogue, so control always ends up back at the Dispatcher,
// which re-enters its loop and re-translates at the handler address
// Raise installs into ctx.EIP.
func (e *Engine) Raise(ctx *cpuctx.CpuContext, vector int, eip uint32) {
	if vector == ModeChangeVector {
		// The mode-change pseudo-exception carries no guest-visible stack
		// frame; it is purely an unwind signal the Dispatcher inspects via
		// ctx.ExpFrame.Idx after run() returns.
		ctx.ExpFrame.Idx = ModeChangeVector
		if e.Log != nil {
			e.Log.Trace(xlog.Exception, "mode change pseudo-exception raised", "eip", eip)
		}
		return
	}

	handlerCS, handlerEIP, ok := e.readVector(ctx, vector)
	if !ok {
		// A fault while reading the IDT itself escalates to #DF in a real
		// implementation; this core treats it as fatal instead of
		// modeling the double-fault cascade, matching the Non-goals this
		// tree carries for nested-fault handling.
		if e.Log != nil {
			e.Log.Error(xlog.Exception, "failed to read IDT entry", "vector", vector)
		}
		return
	}

	pushErrorCode := vectorPushesErrorCode(vector)
	e.pushFrame(ctx, eip, pushErrorCode)

	ctx.SetEFLAGSBaseBit(cpuctx.EflagTF, false)
	ctx.SetEFLAGSBaseBit(cpuctx.EflagIF, false)
	ctx.SetEFLAGSBaseBit(cpuctx.EflagRF, false)
	ctx.SetEFLAGSBaseBit(cpuctx.EflagAC, false)

	ctx.WriteSeg(cpuctx.SegCS, handlerCS, uint32(handlerCS)<<4, 0xFFFF, 0)
	if ctx.ProtectedMode() {
		// a full descriptor load replaces the real-mode base<<4 shortcut;
		// this tree's protected-mode path is carried through mov_sel_pe
		// in package translator and isn't duplicated here.
	}
	ctx.EIP = handlerEIP

	if e.Log != nil {
		e.Log.Debug(xlog.Exception, "guest exception delivered", "vector", vector, "eip", eip, "handler", handlerEIP)
	}
}

// vectorPushesErrorCode reports which x86 exceptions push a 16/32-bit
// error code below EIP/CS/EFLAGS on the guest stack.
func vectorPushesErrorCode(vector int) bool {
	switch vector {
	case 8, 10, 11, 12, 13, 14, 17:
		return true
	default:
		return false
	}
}

// pushFrame pushes the guest exception stack frame: EFLAGS, CS, EIP,
// then the error code (if any), in that push order, so the error code
// ends up on top of the guest stack with EIP directly above it; once the
// handler discards the error code, IRET pops EIP, CS, then EFLAGS.
func (e *Engine) pushFrame(ctx *cpuctx.CpuContext, faultEIP uint32, pushErrorCode bool) {
	ss := ctx.ReadSeg(cpuctx.SegSS)
	esp := ctx.ReadGPR(4, cpuctx.S32)
	push32 := func(v uint32) {
		esp -= 4
		e.Mem.WriteMem(cpuctx.S32, ss.Base+esp, v, faultEIP, true)
	}
	push32(ctx.EFLAGS())
	push32(uint32(ctx.ReadSeg(cpuctx.SegCS).Selector))
	push32(faultEIP)
	if pushErrorCode {
		push32(uint32(ctx.ExpFrame.Code))
	}
	ctx.WriteGPR(4, esp, cpuctx.S32)
}

// readVector reads the IDT entry for vector, real-mode or protected
// depending on ctx's current mode.
func (e *Engine) readVector(ctx *cpuctx.CpuContext, vector int) (cs uint16, eip uint32, ok bool) {
	if !ctx.ProtectedMode() {
		addr := uint32(vector) * idtEntrySizeReal
		off, ok1 := e.Mem.ReadMem(cpuctx.S16, addr, 0, true)
		seg, ok2 := e.Mem.ReadMem(cpuctx.S16, addr+2, 0, true)
		if !ok1 || !ok2 {
			return 0, 0, false
		}
		return uint16(seg), off, true
	}
	addr := e.IDTBase + uint32(vector)*idtEntrySizePE
	if uint32(vector)*idtEntrySizePE+7 > e.IDTLimit {
		return 0, 0, false
	}
	lo, ok1 := e.Mem.ReadMem(cpuctx.S32, addr, 0, true)
	hi, ok2 := e.Mem.ReadMem(cpuctx.S32, addr+4, 0, true)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	offset := (lo & 0xFFFF) | (hi & 0xFFFF0000)
	selector := uint16((lo >> 16) & 0xFFFF)
	return selector, offset, true
}

// StageFault implements spec.md §4.H.2's translate-time staged raise: a
// recipe that knows a fault is inevitable stores {addr,code,idx,eip}
// into ExpFrame and calls Raise immediately after.
func StageFault(ctx *cpuctx.CpuContext, f *Fault, eip uint32) {
	ctx.ExpFrame = cpuctx.ExpFrame{Addr: f.CR2, Code: f.ErrorCode, Idx: uint16(f.Vector), EIP: eip}
}

// Classify returns the textual class of an exception vector, matching
// the defined x86 fault/trap/abort taxonomy spec.md §7 references.
func Classify(vector int) Class {
	switch vector {
	case 1, 3:
		return ClassTrap
	case 2, 18:
		return ClassAbort
	default:
		return ClassFault
	}
}

// NotImplemented wraps dbterrors.ErrNotImplemented with the feature
// name, used by recipes for virtual-8086, task-gate far calls, and I/O
// watchpoints -- explicitly out of scope and never approximated.
func NotImplemented(feature string) error {
	return fmt.Errorf("%w: %s", dbterrors.ErrNotImplemented, feature)
}

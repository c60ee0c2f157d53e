package tc

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/colorfulnotion/lib86cpu/asmx86"
	"github.com/colorfulnotion/lib86cpu/internal/dbterrors"
	"github.com/colorfulnotion/lib86cpu/internal/xlog"
)

// epilogueSize is the fixed 11-byte "mov64 rax, TB*; ret" sequence
// package asmx86 generates, rounded up to a 16-byte-aligned slot per
// spec.md §4.F step 2.
const epilogueSize = 16

// SlotKind distinguishes the three chain-slot roles spec.md §4.G names.
type SlotKind int

const (
	SlotTaken SlotKind = iota
	SlotFallthrough
	SlotIntCheck
)

// Slot is one chain-link site inside a TB's installed code: the byte
// offset of a JmpAbsPatchable immediate operand that the Linker may
// later overwrite to splice in a direct tail-call to another TB.
type Slot struct {
	Kind        SlotKind
	TargetPC    uint32 // compile-time predicted guest target; meaningless for SlotIntCheck
	HasTarget   bool
	PatchOffset int
	Current     uintptr // current jump target; EpilogueAddr means "unlinked"
}

// TB is one installed translation block.
type TB struct {
	Fingerprint  uint64
	GuestPage    uint32
	HostEntry    uintptr
	EpilogueAddr uintptr
	Slots        []Slot
	Code         []byte // copy of the installed bytes, for disassembly/debug only

	// Uncacheable marks a TB translated from a guest instruction stream
	// that crossed a page boundary (spec.md §4.I's dispatcher pseudocode:
	// "if translating_block_crossed_a_page: run(tb); drop(tb); continue
	// // not cached"). Install still allocates it exactly like any other
	// TB (and the Dispatcher runs it), but never indexes it into byFP/byPage, so it can
	// never be looked up again and a page invalidate on its second page
	// can't miss it by construction -- there's nothing to miss. The
	// Dispatcher additionally must not patch any chain slot to jump
	// directly at one of these (see dispatcher.Run), or that same
	// un-indexed TB would become reachable again through the chain
	// despite never being in the cache.
	Uncacheable bool

	block *block
}

// Unlinked reports whether slot i still points at the shared epilogue
// trampoline, i.e. has never been patched by the Linker.
func (tb *TB) Unlinked(i int) bool { return tb.Slots[i].Current == tb.EpilogueAddr }

// Link overwrites chain slot i to tail-call target directly, the single
// lock-free single-writer publish spec.md §5 describes (safe because
// only the Dispatcher ever calls this, and only between block
// executions).
func (tb *TB) Link(i int, target uintptr) error {
	if err := tb.block.MakeWritable(); err != nil {
		return err
	}
	asmx86.PatchU64InPlace(tb.block.mem, tb.Slots[i].PatchOffset, uint64(target))
	tb.Slots[i].Current = target
	if err := tb.block.MakeExecutable(); err != nil {
		return err
	}
	return nil
}

// Unlink restores chain slot i to point back at the shared epilogue,
// used when flushing a single TB's links without a full TC flush (e.g.
// a guest TLB invalidate that only affects one page need not destroy
// every other TB's chains — though this tree's FlushAll never calls
// this, it's exposed for callers, such as future page-level
// invalidation paths, that want finer granularity).
func (tb *TB) Unlink(i int) error { return tb.Link(i, tb.EpilogueAddr) }

// Cache is spec.md §4.F's Translation Cache: a fingerprint-keyed map of
// installed TBs over one Arena, plus a side index from guest physical
// page to the TBs translated from it (grounded on the teacher's
// discache-style sync.RWMutex-guarded map pattern used elsewhere in
// this tree's internal caches).
type Cache struct {
	mu     sync.RWMutex
	arena  *Arena
	byFP   map[uint64]*TB
	byPage map[uint32][]*TB
	cap    int
	log    xlog.Logger
}

// New returns an empty Cache with room for at most cap installed TBs
// before a lookup-miss install triggers FlushAll (spec.md §4.F step 8).
func New(cap int, log xlog.Logger) *Cache {
	return &Cache{
		arena:  NewArena(),
		byFP:   make(map[uint64]*TB),
		byPage: make(map[uint32][]*TB),
		cap:    cap,
		log:    log,
	}
}

// Lookup returns the installed TB for fingerprint, if any.
func (c *Cache) Lookup(fingerprint uint64) (*TB, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tb, ok := c.byFP[fingerprint]
	return tb, ok
}

// Full reports whether the next Install would exceed cap.
func (c *Cache) Full() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byFP) >= c.cap
}

// PendingTB is what package translator hands to Install: finalized code
// plus the chain-slot metadata the translator recorded while emitting
// the tail-sequence.
type PendingTB struct {
	Fingerprint uint64
	GuestPage   uint32
	Code        []byte
	Slots       []Slot

	// Uncacheable is set when the translated instruction stream crossed
	// a page boundary (spec.md §4.I): Install still builds a runnable TB
	// for it, but never indexes it, so it is gone the instant the
	// Dispatcher drops its reference. See TB.Uncacheable.
	Uncacheable bool
}

// Install implements spec.md §4.F's install procedure: allocate an
// executable block sized for code plus the epilogue trampoline, copy
// code in, append the trampoline, patch every slot's initial target to
// the trampoline's own address, transition to R+X, and index the
// result.
func (c *Cache) Install(p PendingTB) (*TB, error) {
	if len(p.Code) == 0 {
		return nil, fmt.Errorf("%w: empty TB code", dbterrors.ErrEmitterInternal)
	}
	// align the epilogue to a 16-byte boundary within the block; the block
	// is sized for that padding plus the full epilogueSize slot.
	epilogueOff := len(p.Code)
	epilogueOff += (16 - epilogueOff%16) % 16
	total := epilogueOff + epilogueSize
	b, err := c.arena.Alloc(total)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dbterrors.ErrNoMemory, err)
	}
	copy(b.mem, p.Code)

	base := uintptr(0)
	if len(b.mem) > 0 {
		base = memAddr(b.mem)
	}
	hostEntry := base
	epilogueAddr := base + uintptr(epilogueOff)

	tb := &TB{
		Fingerprint:  p.Fingerprint,
		GuestPage:    p.GuestPage,
		HostEntry:    hostEntry,
		EpilogueAddr: epilogueAddr,
		Slots:        append([]Slot(nil), p.Slots...),
		Code:         append([]byte(nil), p.Code...),
		Uncacheable:  p.Uncacheable,
		block:        b,
	}

	// Now that tb exists, write the real trampoline body (mov64 rax,
	// &tb; ret) into the reserved epilogue region.
	real := asmx86.EpilogueTrampoline(uint64(tbHandle(tb)))
	copy(b.mem[epilogueOff:epilogueOff+len(real)], real)

	for i := range tb.Slots {
		asmx86.PatchU64InPlace(b.mem, tb.Slots[i].PatchOffset, uint64(epilogueAddr))
		tb.Slots[i].Current = epilogueAddr
	}

	if err := b.Finalize(); err != nil {
		return nil, err
	}

	if p.Uncacheable {
		if c.log != nil {
			c.log.Debug(xlog.TC, "installed uncacheable page-crossing TB", "fingerprint", tb.Fingerprint, "entry", hostEntry)
		}
		return tb, nil
	}

	c.mu.Lock()
	c.byFP[tb.Fingerprint] = tb
	c.byPage[tb.GuestPage] = append(c.byPage[tb.GuestPage], tb)
	count := len(c.byFP)
	c.mu.Unlock()

	if c.log != nil {
		c.log.Debug(xlog.TC, "installed TB", "fingerprint", tb.Fingerprint, "entry", hostEntry, "count", count)
	}
	return tb, nil
}

// FlushAll releases every TB's executable memory and drops the
// hashmap. Only valid between block executions (spec.md §4.F / §5).
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.arena.FreeAll()
	c.byFP = make(map[uint64]*TB)
	c.byPage = make(map[uint32][]*TB)
	if c.log != nil {
		c.log.Info(xlog.TC, "flushed translation cache")
	}
	return err
}

// InvalidatePhysicalPage drops every TB translated from ppn. This tree
// does not attempt to reclaim their individual executable blocks
// in-place (the arena is append-only); they stay mapped until the next
// FlushAll, matching the teacher's own "drop the hashmap, keep
// allocating" discache-eviction style rather than a generational GC.
func (c *Cache) InvalidatePhysicalPage(ppn uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tb := range c.byPage[ppn] {
		delete(c.byFP, tb.Fingerprint)
	}
	delete(c.byPage, ppn)
}

// Len reports how many TBs are currently installed.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byFP)
}

// Run enters tb's native code with ctx as its argument (the fixed
// "context register" convention package cpuctx's doc comment and
// asmx86.EmitPrologue describe) and returns the outgoing TB the
// epilogue trampoline left in RAX, or nil if the value it decoded to
// isn't one of this cache's currently-installed TBs (which should never
// happen in a correctly linked chain, but Dispatcher treats it as "fell
// off the end, re-enter the loop" rather than trusting an arbitrary
// pointer).
func (c *Cache) Run(tb *TB, ctx unsafe.Pointer) *TB {
	h := callBlock(tb.HostEntry, ctx)
	out := tbFromHandle(h)
	c.mu.RLock()
	_, known := c.byFP[out.Fingerprint]
	c.mu.RUnlock()
	if !known {
		return nil
	}
	return out
}

// Package tc implements spec.md §4.F's Translation Cache: an executable
// memory arena and a fingerprint-keyed hashmap of installed TBs.
//
// The executable allocator is grounded on the teacher's own
// ExecuteX86Code (pvm/recompiler/recompiler.go): mmap a PROT_READ|
// PROT_WRITE|PROT_EXEC region, copy code in, then mprotect down to
// R+X. This tree uses golang.org/x/sys/unix instead of the raw
// syscall package the teacher reaches for, matching the rest of this
// module's host-OS calls (see package cpuctx's callers and
// SPEC_FULL.md's domain-stack section).
package tc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// block is one executable allocation backing one or more TBs (exactly
// one, in this implementation — spec.md never requires bin-packing
// multiple TBs into a shared allocation, and keeping a 1:1 mapping makes
// FlushAll's release of every TB's executable memory trivial).
type block struct {
	mem []byte // PROT_READ|PROT_EXEC once installed
}

// Arena owns every executable allocation the cache has made and is
// responsible for unmapping them on FlushAll.
type Arena struct {
	blocks []*block
}

// NewArena returns an empty executable-memory arena.
func NewArena() *Arena { return &Arena{} }

// Alloc mmaps n bytes RW, hands it back for the caller to fill with
// code, and does not yet make it executable (spec.md §5: "written only
// during install while R+W").
func (a *Arena) Alloc(n int) (*block, error) {
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("tc: mmap %d bytes: %w", n, err)
	}
	b := &block{mem: mem}
	a.blocks = append(a.blocks, b)
	return b, nil
}

// Finalize transitions a block from R+W to R+X after its code has been
// copied in (spec.md §4.F step 7). No instruction-cache flush is issued:
// x86-64 keeps its instruction cache coherent with code the CPU itself
// just wrote.
func (b *block) Finalize() error {
	if err := unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("tc: mprotect R+X: %w", err)
	}
	return nil
}

// MakeWritable is used only by the Linker to patch a chain slot in an
// already-installed (R+X) block; spec.md §5 requires "the allocator
// must grant W+X on the slot range, or the entire arena must be
// dual-mapped." This tree takes the simpler of those two options and
// round-trips the whole block's protection around each patch, which is
// safe here because patches only ever happen between blocks
// (run_depth == 0, spec.md §5), never while code in this block is
// executing.
func (b *block) MakeWritable() error {
	return unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
}

func (b *block) MakeExecutable() error {
	return unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_EXEC)
}

// Free releases one block's executable memory immediately. Cache.FlushAll
// is the only caller; spec.md forbids calling this while any TB from
// this arena might still be on the host call stack.
func (b *block) Free() error { return unix.Munmap(b.mem) }

// FreeAll releases every block the arena has allocated.
func (a *Arena) FreeAll() error {
	var firstErr error
	for _, b := range a.blocks {
		if err := b.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.blocks = nil
	return firstErr
}

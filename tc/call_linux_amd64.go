//go:build linux && amd64

package tc

/*
#include <stdint.h>

typedef uint64_t (*blockfn)(void *ctx);

// call_block casts a host code address installed by Cache.Install into
// a callable function pointer and invokes it with ctx as the single
// SysV argument (RDI), returning whatever it left in RAX. This mirrors
// the teacher's own execute_x86 shim (pvm/recompiler/x86_execute.go),
// which casts a raw mmap'd code pointer the same way; the teacher
// additionally passes a register-dump buffer this core doesn't need,
// since CpuContext* already carries everything a block touches.
static uint64_t call_block(uint64_t entry, void *ctx) {
	blockfn fn = (blockfn)entry;
	return fn(ctx);
}
*/
import "C"
import "unsafe"

// callBlock enters native code at entry, handing it ctx as its single
// argument, and returns the raw value left in RAX -- the outgoing TB
// handle the epilogue trampoline produces.
func callBlock(entry uintptr, ctx unsafe.Pointer) uintptr {
	return uintptr(C.call_block(C.uint64_t(entry), ctx))
}

package tc

import "unsafe"

// memAddr returns the host address of a mmap'd block's first byte. The
// slice is backed by OS-mapped memory rather than the Go heap, so its
// address is stable for the block's lifetime -- this is the same
// assumption the teacher's own recompiler.vm.codeAddr conversion makes
// (pvm/recompiler/recompiler.go).
func memAddr(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(&mem[0]))
}

// tbHandle and tbFromHandle round-trip a *TB through the raw uint64
// value the epilogue trampoline leaves in RAX. The Cache's byFP map
// keeps every installed TB reachable for as long as it stays cached, so
// the Go garbage collector never reclaims a TB while a handle to it is
// still live inside installed machine code.
func tbHandle(tb *TB) uintptr { return uintptr(unsafe.Pointer(tb)) }

func tbFromHandle(h uintptr) *TB { return (*TB)(unsafe.Pointer(h)) } //nolint:govet

//go:build !linux || !amd64

package tc

import "unsafe"

// callBlock has no portable implementation: executing freshly emitted
// x86-64 machine code requires the linux/amd64 cgo shim in
// call_linux_amd64.go. Other platforms can still build and exercise
// every other package in this tree (translation, linking, TC
// bookkeeping) -- only Dispatcher.Run needs this.
func callBlock(entry uintptr, ctx unsafe.Pointer) uintptr {
	panic("tc: native block execution requires linux/amd64")
}

//go:build !linux || !amd64

package linker

import "github.com/colorfulnotion/lib86cpu/tc"

// SetActiveCache and HelperAddr have no portable implementation: only
// linux/amd64 can export a C-callable Go function for emitted code to
// call directly (see hostcall_linux_amd64.go). Other platforms can
// still build and test Patch/ResolveIndirect/EmitCheckInt/
// EmitIndirectLink directly; only the indirect-link fast path needs
// this.
func SetActiveCache(c *tc.Cache) {}

func HelperAddr() uint64 {
	panic("linker: indirect-link helper address requires linux/amd64")
}

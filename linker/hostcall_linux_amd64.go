//go:build linux && amd64

package linker

/*
#include <stdint.h>
extern uint64_t goResolveIndirect(uint64_t fingerprint);
*/
import "C"
import (
	"sync/atomic"
	"unsafe"

	"github.com/colorfulnotion/lib86cpu/tc"
)

// activeCache is the Cache ResolveIndirect calls should consult. There
// is exactly one per process in this tree (one emulated CPU per Cpu
// instance, one Cpu per process in the cmd/lib86cpu CLI); Dispatcher.New
// installs it via SetActiveCache before any emitted code can reach
// goResolveIndirect.
var activeCache atomic.Value

// SetActiveCache installs the Cache the C-callable indirect-link helper
// below consults. Exported so package dispatcher can wire it at
// startup; emitted code never calls this directly.
func SetActiveCache(c *tc.Cache) { activeCache.Store(c) }

//export goResolveIndirect
func goResolveIndirect(fingerprint C.uint64_t) C.uint64_t {
	v := activeCache.Load()
	if v == nil {
		return 0
	}
	entry, ok := ResolveIndirect(v.(*tc.Cache), uint64(fingerprint))
	if !ok {
		return 0
	}
	return C.uint64_t(entry)
}

// HelperAddr returns the host-callable address of goResolveIndirect,
// the way the teacher obtains getDebugPrintInstructionPtr's address
// (pvm/recompiler/x86_execute.go): a tiny C shim takes the address of
// the forward-declared extern function and hands it back as a plain
// integer EmitIndirectLink can bake into a CallAbs immediate.
func HelperAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(C.goResolveIndirect)))
}

//go:build linux && amd64

package translator

import (
	"testing"
	"unsafe"

	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/decoder"
	"github.com/colorfulnotion/lib86cpu/tc"
)

// TestTranslateAndRunArithmetic is the suite's one genuine end-to-end
// check: translate a real guest instruction stream and actually execute
// the JIT-emitted machine code through Cache.Run/callBlock, the same
// path Dispatcher.Run drives, rather than only inspecting TB metadata the
// way every other test in this package does.
func TestTranslateAndRunArithmetic(t *testing.T) {
	dec := &scriptDecoder{instrs: []decoder.Instr{
		// mov eax, 5
		{Opcode: opMov, Length: 5, Operands: []decoder.Operand{regOp(0, 32), immOp(5, 32)}},
		// add eax, 3
		{Opcode: opAdd, Length: 3, Operands: []decoder.Operand{regOp(0, 32), immOp(3, 32)}},
		// sub ecx, ecx (zeroes ECX, sets ZF)
		{Opcode: opSub, Length: 2, Operands: []decoder.Operand{regOp(1, 32), regOp(1, 32)}},
	}}
	cache := tc.New(16, nil)
	tr := New(dec, cache, nil)

	tb, err := tr.Translate(stubFetcher{}, 0x1000, decoder.Mode32)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	ctx := cpuctx.New()
	out := cache.Run(tb, unsafe.Pointer(ctx))
	if out == nil {
		t.Fatal("Run returned nil, want the fallthrough TB handle")
	}

	if got := ctx.ReadGPR(0, cpuctx.S32); got != 8 {
		t.Fatalf("EAX = %d, want 8", got)
	}
	if got := ctx.ReadGPR(1, cpuctx.S32); got != 0 {
		t.Fatalf("ECX = %d, want 0", got)
	}
	if !ctx.Flags.ZF() {
		t.Fatal("expected ZF set after SUB ECX, ECX")
	}
	if ctx.Flags.CF() {
		t.Fatal("expected CF clear after SUB ECX, ECX (no borrow)")
	}
	// three instructions of lengths 5, 3, 2 starting at 0x1000: the block
	// falls through past all of them since none of these recipes terminate.
	if ctx.EIP != 0x100A {
		t.Fatalf("EIP = %#x, want %#x", ctx.EIP, uint32(0x100A))
	}
}

package asmx86

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func decodeAll(t *testing.T, code []byte) []x86asm.Inst {
	t.Helper()
	var insts []x86asm.Inst
	off := 0
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			t.Fatalf("decode failed at offset %d: %v (bytes: % x)", off, err, code[off:])
		}
		insts = append(insts, inst)
		off += inst.Len
	}
	return insts
}

func TestMovRegImm64Decodes(t *testing.T) {
	e := NewEmitter()
	e.MovRegImm64(RAX, 0x1122334455667788)
	code, err := e.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	insts := decodeAll(t, code)
	if len(insts) != 1 || insts[0].Op != x86asm.MOV {
		t.Fatalf("expected single MOV, got %+v", insts)
	}
}

func TestJmpForwardLabelPatchedCorrectly(t *testing.T) {
	e := NewEmitter()
	target := NewLabel()
	e.Jmp(target)
	e.Add(RAX, RBX, W32) // filler so the jump isn't zero-distance
	e.Bind(target)
	e.Ret()
	code, err := e.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	insts := decodeAll(t, code)
	if insts[0].Op != x86asm.JMP {
		t.Fatalf("expected JMP first, got %v", insts[0].Op)
	}
	// JMP rel32 is 5 bytes (E9 + 4); target must land right after the ADD.
	addLen := insts[1].Len
	wantTargetOffset := 5 + addLen
	if target.offset != wantTargetOffset {
		t.Fatalf("label offset %d, want %d", target.offset, wantTargetOffset)
	}
}

func TestEpilogueTrampolineIs11Bytes(t *testing.T) {
	code := EpilogueTrampoline(0xDEADBEEFCAFEBABE)
	if len(code) != 11 {
		t.Fatalf("trampoline length = %d, want 11", len(code))
	}
	if !IsEpilogueTrampoline(code, 0) {
		t.Fatalf("IsEpilogueTrampoline should recognize its own output")
	}
}

func TestAluRegRegRoundTrips(t *testing.T) {
	cases := []struct {
		name string
		fn   func(e *Emitter)
		op   x86asm.Op
	}{
		{"add", func(e *Emitter) { e.Add(RAX, RCX, W32) }, x86asm.ADD},
		{"sub", func(e *Emitter) { e.Sub(RAX, RCX, W32) }, x86asm.SUB},
		{"and", func(e *Emitter) { e.And(RAX, RCX, W32) }, x86asm.AND},
		{"or", func(e *Emitter) { e.Or(RAX, RCX, W32) }, x86asm.OR},
		{"xor", func(e *Emitter) { e.Xor(RAX, RCX, W32) }, x86asm.XOR},
		{"cmp", func(e *Emitter) { e.Cmp(RAX, RCX, W32) }, x86asm.CMP},
		{"test", func(e *Emitter) { e.Test(RAX, RCX, W32) }, x86asm.TEST},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := NewEmitter()
			c.fn(e)
			code, err := e.Finalize()
			if err != nil {
				t.Fatal(err)
			}
			insts := decodeAll(t, code)
			if len(insts) != 1 || insts[0].Op != c.op {
				t.Fatalf("got %+v, want single %v", insts, c.op)
			}
		})
	}
}

func TestMovMemRegAndBackRoundTrips(t *testing.T) {
	e := NewEmitter()
	e.MovMemReg(BaseDisp(RSP, 8), RAX, W64)
	e.MovRegMem(RCX, BaseIndexScaleDisp(RBX, RDX, 4, 16), W32)
	code, err := e.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	insts := decodeAll(t, code)
	if len(insts) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(insts))
	}
	if insts[0].Op != x86asm.MOV || insts[1].Op != x86asm.MOV {
		t.Fatalf("expected both MOV, got %v %v", insts[0].Op, insts[1].Op)
	}
}

func TestPrologueEpilogueFrameSizePatch(t *testing.T) {
	e := NewEmitter()
	subOff := e.EmitPrologue(RDI)
	e.AddImm32(RAX, 1)
	e.EmitEpilogueReturn(32)
	e.PatchU32(subOff, 32)
	code, err := e.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	decodeAll(t, code) // must fully decode without error
}

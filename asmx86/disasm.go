package asmx86

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble decodes code as 64-bit host instructions and renders a
// listing of `offset: hex-bytes  mnemonic`, the same shape the teacher's
// RecompilerVM.Disassemble produces (pvm/recompiler/recompiler.go), used
// for debug dumps of installed TB code and for the `disasm` CLI command.
func Disassemble(code []byte) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		length := inst.Len
		if err != nil || length == 0 {
			length = 1
		}
		hexBytes := make([]string, 0, length)
		for i := 0; i < length && offset+i < len(code); i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		text := "(bad)"
		if err == nil {
			text = inst.String()
		}
		fmt.Fprintf(&sb, "%#04x: %-24s %s\n", offset, strings.Join(hexBytes, " "), text)
		offset += length
	}
	return sb.String()
}

// IsEpilogueTrampoline reports whether code starting at offset looks like
// the 11-byte `mov64 rax, imm64; ret` epilogue trampoline sequence,
// decoding it with x86asm rather than comparing raw bytes so a future
// change to EpilogueTrampoline's register choice doesn't silently break
// the Linker's "slot is unwritten iff..." check (spec.md §4.G / §5).
func IsEpilogueTrampoline(code []byte, offset int) bool {
	if offset+11 > len(code) {
		return false
	}
	chunk := code[offset : offset+11]
	inst, err := x86asm.Decode(chunk, 64)
	if err != nil || inst.Op != x86asm.MOV || inst.Len != 10 {
		return false
	}
	next, err := x86asm.Decode(chunk[inst.Len:], 64)
	if err != nil || next.Op != x86asm.RET {
		return false
	}
	return true
}

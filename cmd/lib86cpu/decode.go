package main

import (
	"fmt"

	"github.com/colorfulnotion/lib86cpu/decoder"
	"golang.org/x/arch/x86/x86asm"
)

// Opcode IDs mirroring package translator's recipe table keys (dispatch.go):
// real one-byte x86 opcodes for unambiguous mnemonics, synthetic IDs above
// 0x100 for the register-family dispatch the ModRM reg field disambiguates.
// Kept as a second copy here rather than exported from package translator
// since nothing else in the translation core needs a guest decoder to
// agree on them by name -- only this adapter's job is to produce the
// numbers translator.lookupRecipe already expects.
const (
	opAdd  = 0x00
	opOr   = 0x08
	opAnd  = 0x20
	opSub  = 0x28
	opXor  = 0x30
	opCmp  = 0x38
	opTest = 0x84
	opMov  = 0x88
	opLea  = 0x8D
	opNot  = 0xF6
	opNeg  = 0xF7
	opInc  = 0x40
	opDec  = 0x48
	opPush = 0x50
	opPop  = 0x58

	opCallRel = 0xE8
	opJmpRel  = 0xE9
	opRet     = 0xC3
	opRetImm  = 0xC2
	opLoop    = 0xE2
	opLoopE   = 0xE1
	opLoopNE  = 0xE0
	opJecxz   = 0xE3
	opJcc     = 0x70

	opIn  = 0xE4
	opOut = 0xE6
	opHlt = 0xF4
	opCli = 0xFA
	opSti = 0xFB
	opCld = 0xFC
	opStd = 0xFD
	opClc = 0xF8
	opStc = 0xF9
	opNop = 0x90

	opCallIndirect = 0x100
	opJmpIndirect  = 0x101

	opMovFromCR = 0x120
	opMovToCR   = 0x121
	opMovFromDR = 0x122
	opMovToDR   = 0x123
	opMovToSeg  = 0x124

	opJmpFar  = 0xEA
	opCallFar = 0x9A
	opRetFar  = 0xCB
	opIret    = 0xCF
	opInt     = 0xCD
	opInt3    = 0xCC
)

// x86Decoder adapts golang.org/x/arch/x86/x86asm to the decoder.Decoder
// boundary package decoder documents as deliberately external to the
// translation core. It covers the mnemonics package translator's
// dispatch table actually has recipes for; anything else comes back as
// an error, the same "decoder produced an instruction with no
// translation recipe" shape an embedder's own real decoder would hit.
type x86Decoder struct{}

func (x86Decoder) Decode(stream []byte, pc uint32, mode decoder.Mode) (decoder.Instr, error) {
	bits := 32
	if mode != decoder.Mode32 {
		bits = 16
	}
	inst, err := x86asm.Decode(stream, bits)
	if err != nil {
		return decoder.Instr{}, err
	}

	out := decoder.Instr{
		Length:   inst.Len,
		RawBytes: append([]byte(nil), stream[:inst.Len]...),
		PC:       pc,
	}

	nextPC := pc + uint32(inst.Len)

	toOperand := func(a x86asm.Arg) (decoder.Operand, error) {
		return convertArg(a, inst.DataSize, nextPC)
	}

	switch inst.Op {
	case x86asm.ADD:
		out.Opcode = opAdd
	case x86asm.OR:
		out.Opcode = opOr
	case x86asm.AND:
		out.Opcode = opAnd
	case x86asm.SUB:
		out.Opcode = opSub
	case x86asm.XOR:
		out.Opcode = opXor
	case x86asm.CMP:
		out.Opcode = opCmp
	case x86asm.TEST:
		out.Opcode = opTest
	case x86asm.MOV:
		return decodeMov(inst, out, nextPC)
	case x86asm.LEA:
		out.Opcode = opLea
	case x86asm.NOT:
		out.Opcode = opNot
	case x86asm.NEG:
		out.Opcode = opNeg
	case x86asm.INC:
		out.Opcode = opInc
	case x86asm.DEC:
		out.Opcode = opDec
	case x86asm.PUSH:
		out.Opcode = opPush
	case x86asm.POP:
		out.Opcode = opPop
	case x86asm.CALL:
		return decodeCallJmp(inst, out, nextPC, true)
	case x86asm.JMP:
		return decodeCallJmp(inst, out, nextPC, false)
	case x86asm.RET:
		return decodeRet(inst, out)
	case x86asm.LOOP:
		out.Opcode = opLoop
	case x86asm.LOOPE:
		out.Opcode = opLoopE
	case x86asm.LOOPNE:
		out.Opcode = opLoopNE
	case x86asm.JECXZ, x86asm.JCXZ:
		out.Opcode = opJecxz
	case x86asm.IN:
		return decodeIn(inst, out, nextPC)
	case x86asm.OUT:
		out.Opcode = opOut
	case x86asm.HLT:
		out.Opcode = opHlt
	case x86asm.CLI:
		out.Opcode = opCli
	case x86asm.STI:
		out.Opcode = opSti
	case x86asm.CLD:
		out.Opcode = opCld
	case x86asm.STD:
		out.Opcode = opStd
	case x86asm.CLC:
		out.Opcode = opClc
	case x86asm.STC:
		out.Opcode = opStc
	case x86asm.NOP:
		out.Opcode = opNop
	case x86asm.LJMP:
		return decodeFar(inst, out, opJmpFar)
	case x86asm.LCALL:
		return decodeFar(inst, out, opCallFar)
	case x86asm.LRET:
		return decodeRetFar(inst, out)
	case x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		out.Opcode = opIret
		return out, nil
	case x86asm.INT:
		return decodeInt(inst, out)
	default:
		if cc, ok := jccCond(inst.Op); ok {
			out.Opcode = opJcc + uint16(cc)
			target, err := relTarget(inst.Args[0], nextPC)
			if err != nil {
				return decoder.Instr{}, err
			}
			out.Operands = []decoder.Operand{target}
			return out, nil
		}
		return decoder.Instr{}, fmt.Errorf("no translation recipe for %v", inst.Op)
	}

	for _, a := range inst.Args {
		if a == nil {
			break
		}
		op, err := toOperand(a)
		if err != nil {
			return decoder.Instr{}, err
		}
		out.Operands = append(out.Operands, op)
	}
	return out, nil
}

func decodeMov(inst x86asm.Inst, out decoder.Instr, nextPC uint32) (decoder.Instr, error) {
	if cr, ok := inst.Args[0].(x86asm.Reg); ok && isCR(cr) {
		src, err := convertArg(inst.Args[1], inst.DataSize, nextPC)
		if err != nil {
			return decoder.Instr{}, err
		}
		out.Opcode = opMovToCR
		out.Operands = []decoder.Operand{{Kind: decoder.OperandReg, Reg: int(cr - x86asm.CR0)}, src}
		return out, nil
	}
	if cr, ok := inst.Args[1].(x86asm.Reg); ok && isCR(cr) {
		dst, err := convertArg(inst.Args[0], inst.DataSize, nextPC)
		if err != nil {
			return decoder.Instr{}, err
		}
		out.Opcode = opMovFromCR
		out.Operands = []decoder.Operand{dst, {Kind: decoder.OperandReg, Reg: int(cr - x86asm.CR0)}}
		return out, nil
	}
	if dr, ok := inst.Args[0].(x86asm.Reg); ok && isDR(dr) {
		src, err := convertArg(inst.Args[1], inst.DataSize, nextPC)
		if err != nil {
			return decoder.Instr{}, err
		}
		out.Opcode = opMovToDR
		out.Operands = []decoder.Operand{{Kind: decoder.OperandReg, Reg: int(dr - x86asm.DR0)}, src}
		return out, nil
	}
	if dr, ok := inst.Args[1].(x86asm.Reg); ok && isDR(dr) {
		dst, err := convertArg(inst.Args[0], inst.DataSize, nextPC)
		if err != nil {
			return decoder.Instr{}, err
		}
		out.Opcode = opMovFromDR
		out.Operands = []decoder.Operand{dst, {Kind: decoder.OperandReg, Reg: int(dr - x86asm.DR0)}}
		return out, nil
	}
	if seg, ok := inst.Args[0].(x86asm.Reg); ok && isSeg(seg) {
		src, err := convertArg(inst.Args[1], inst.DataSize, nextPC)
		if err != nil {
			return decoder.Instr{}, err
		}
		out.Opcode = opMovToSeg
		out.Operands = []decoder.Operand{{Kind: decoder.OperandReg, Reg: segIndex(seg)}, src}
		return out, nil
	}

	dst, err := convertArg(inst.Args[0], inst.DataSize, nextPC)
	if err != nil {
		return decoder.Instr{}, err
	}
	src, err := convertArg(inst.Args[1], inst.DataSize, nextPC)
	if err != nil {
		return decoder.Instr{}, err
	}
	out.Opcode = opMov
	out.Operands = []decoder.Operand{dst, src}
	return out, nil
}

func decodeCallJmp(inst x86asm.Inst, out decoder.Instr, nextPC uint32, isCall bool) (decoder.Instr, error) {
	switch a := inst.Args[0].(type) {
	case x86asm.Rel:
		target, err := relTarget(a, nextPC)
		if err != nil {
			return decoder.Instr{}, err
		}
		out.Operands = []decoder.Operand{target}
		if isCall {
			out.Opcode = opCallRel
		} else {
			out.Opcode = opJmpRel
		}
		return out, nil
	default:
		op, err := convertArg(inst.Args[0], inst.DataSize, nextPC)
		if err != nil {
			return decoder.Instr{}, err
		}
		out.Operands = []decoder.Operand{op}
		if isCall {
			out.Opcode = opCallIndirect
		} else {
			out.Opcode = opJmpIndirect
		}
		return out, nil
	}
}

func decodeRet(inst x86asm.Inst, out decoder.Instr) (decoder.Instr, error) {
	if inst.Args[0] == nil {
		out.Opcode = opRet
		return out, nil
	}
	imm, ok := inst.Args[0].(x86asm.Imm)
	if !ok {
		return decoder.Instr{}, fmt.Errorf("unsupported RET operand %v", inst.Args[0])
	}
	out.Opcode = opRetImm
	out.Operands = []decoder.Operand{{Kind: decoder.OperandImm, Imm: int64(imm), Size: 16}}
	return out, nil
}

// decodeFar handles LJMP/LCALL's direct ptr16:32 encoding (0xEA/0x9A):
// x86asm decodes both the selector and the offset as plain Imm args, the
// same way for the compile-time-known far transfer this tree's recipes
// support. The indirect form (FF /5, FF /3 through a memory operand)
// decodes to the same x86asm.Op with a Mem arg instead -- that's the
// task-gate/descriptor-table style far call this tree never approximates,
// so it falls through to an explicit error rather than being guessed at.
func decodeFar(inst x86asm.Inst, out decoder.Instr, opcode uint16) (decoder.Instr, error) {
	sel, ok := inst.Args[0].(x86asm.Imm)
	if !ok {
		return decoder.Instr{}, fmt.Errorf("indirect far transfer (%v) not supported", inst.Args[0])
	}
	off, ok := inst.Args[1].(x86asm.Imm)
	if !ok {
		return decoder.Instr{}, fmt.Errorf("unsupported far transfer offset %v", inst.Args[1])
	}
	out.Opcode = opcode
	out.Operands = []decoder.Operand{
		{Kind: decoder.OperandImm, Imm: int64(sel), Size: 16},
		{Kind: decoder.OperandImm, Imm: int64(off), Size: 32},
	}
	return out, nil
}

// decodeRetFar only covers the no-operand RETF (0xCB); the RETF imm16
// form (0xCA) has no translation recipe in this tree yet.
func decodeRetFar(inst x86asm.Inst, out decoder.Instr) (decoder.Instr, error) {
	if inst.Args[0] != nil {
		return decoder.Instr{}, fmt.Errorf("RETF imm16 not supported")
	}
	out.Opcode = opRetFar
	return out, nil
}

// decodeInt covers both INT imm8 (0xCD) and INT3 (0xCC): x86asm decodes
// both as Op==INT with the vector already normalized into Args[0] (Imm(3)
// for the one-byte INT3 form), distinguishable only by the encoded
// length, so that's what picks between package translator's two distinct
// recipe entries for them.
func decodeInt(inst x86asm.Inst, out decoder.Instr) (decoder.Instr, error) {
	imm, ok := inst.Args[0].(x86asm.Imm)
	if !ok {
		return decoder.Instr{}, fmt.Errorf("unsupported INT operand %v", inst.Args[0])
	}
	if inst.Len == 1 {
		out.Opcode = opInt3
		return out, nil
	}
	out.Opcode = opInt
	out.Operands = []decoder.Operand{{Kind: decoder.OperandImm, Imm: int64(imm), Size: 8}}
	return out, nil
}

// decodeIn swaps x86asm's (accumulator, port) Intel-syntax order into the
// (port, accumulator-width-only) order package translator's emitIn reads.
func decodeIn(inst x86asm.Inst, out decoder.Instr, nextPC uint32) (decoder.Instr, error) {
	acc, err := convertArg(inst.Args[0], inst.DataSize, nextPC)
	if err != nil {
		return decoder.Instr{}, err
	}
	port, err := convertArg(inst.Args[1], inst.DataSize, nextPC)
	if err != nil {
		return decoder.Instr{}, err
	}
	out.Opcode = opIn
	out.Operands = []decoder.Operand{port, acc}
	return out, nil
}

func jccCond(op x86asm.Op) (int, bool) {
	switch op {
	case x86asm.JO:
		return 0, true
	case x86asm.JNO:
		return 1, true
	case x86asm.JB:
		return 2, true
	case x86asm.JAE:
		return 3, true
	case x86asm.JE:
		return 4, true
	case x86asm.JNE:
		return 5, true
	case x86asm.JBE:
		return 6, true
	case x86asm.JA:
		return 7, true
	case x86asm.JS:
		return 8, true
	case x86asm.JNS:
		return 9, true
	case x86asm.JP:
		return 10, true
	case x86asm.JNP:
		return 11, true
	case x86asm.JL:
		return 12, true
	case x86asm.JGE:
		return 13, true
	case x86asm.JLE:
		return 14, true
	case x86asm.JG:
		return 15, true
	}
	return 0, false
}

func relTarget(a x86asm.Arg, nextPC uint32) (decoder.Operand, error) {
	rel, ok := a.(x86asm.Rel)
	if !ok {
		return decoder.Operand{}, fmt.Errorf("expected relative branch target, got %v", a)
	}
	return decoder.Operand{Kind: decoder.OperandRel, Imm: int64(int32(nextPC) + int32(rel))}, nil
}

func isCR(r x86asm.Reg) bool { return r >= x86asm.CR0 && r <= x86asm.CR15 }
func isDR(r x86asm.Reg) bool { return r >= x86asm.DR0 && r <= x86asm.DR15 }
func isSeg(r x86asm.Reg) bool { return r >= x86asm.ES && r <= x86asm.GS }

func segIndex(r x86asm.Reg) int {
	// cpuctx's SegES..SegGS constants are declared in exactly x86asm's
	// ES,CS,SS,DS,FS,GS enumeration order, so the raw offset works as the
	// index directly.
	return int(r - x86asm.ES)
}

// convertArg turns one decoded x86asm argument into a decoder.Operand.
// dataSize is the instruction's default operand width in bits (16 or 32);
// register/memory args each carry their own concrete width regardless.
func convertArg(a x86asm.Arg, dataSize int, nextPC uint32) (decoder.Operand, error) {
	switch v := a.(type) {
	case x86asm.Reg:
		idx, size, ok := gprIndex(v)
		if !ok {
			return decoder.Operand{}, fmt.Errorf("unsupported register operand %v", v)
		}
		return decoder.Operand{Kind: decoder.OperandReg, Reg: idx, Size: size}, nil
	case x86asm.Mem:
		if v.Base == 0 {
			return decoder.Operand{}, fmt.Errorf("base-less memory operand %v not supported", v)
		}
		baseIdx, _, ok := gprIndex(v.Base)
		if !ok {
			return decoder.Operand{}, fmt.Errorf("unsupported base register %v", v.Base)
		}
		op := decoder.Operand{
			Kind: decoder.OperandMem,
			Size: dataSize,
			Base: baseIdx,
			Disp: int32(v.Disp),
		}
		if v.Scale != 0 {
			idxIdx, _, ok := gprIndex(v.Index)
			if !ok {
				return decoder.Operand{}, fmt.Errorf("unsupported index register %v", v.Index)
			}
			op.Index = idxIdx
			op.Scale = int(v.Scale)
		}
		return op, nil
	case x86asm.Imm:
		return decoder.Operand{Kind: decoder.OperandImm, Imm: int64(v), Size: dataSize}, nil
	case x86asm.Rel:
		return relTarget(v, nextPC)
	default:
		return decoder.Operand{}, fmt.Errorf("unsupported operand %v (%T)", a, a)
	}
}

// gprIndex maps an x86asm general-purpose register to x86 ModRM encoding
// order (0..7) plus its width in bits. x86asm enumerates each width class
// (8-bit low, 8-bit high/REX, 16, 32, 64) as 8 (or 16) consecutive values
// starting at AL/AX/EAX/RAX, in the same EAX,ECX,EDX,EBX,ESP,EBP,ESI,EDI
// order ModRM itself uses, so the offset from the class's first register
// is the encoding index directly.
func gprIndex(r x86asm.Reg) (idx, size int, ok bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BH:
		return int(r - x86asm.AL), 8, true
	case r >= x86asm.AX && r <= x86asm.DI:
		return int(r - x86asm.AX), 16, true
	case r >= x86asm.EAX && r <= x86asm.EDI:
		return int(r - x86asm.EAX), 32, true
	}
	return 0, 0, false
}

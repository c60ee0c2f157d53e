package translator

import (
	"github.com/colorfulnotion/lib86cpu/asmx86"
	"github.com/colorfulnotion/lib86cpu/decoder"
)

// recipe is one opcode's emission rule: emit lays down the host code for a
// single guest instruction, and terminates tells the Translate loop the
// block must end here even though emit itself already handled its own
// exit sequence (set for anything that changes control flow or can change
// decode mode; arithmetic/data-movement recipes leave this false so the
// loop keeps fetching into the same block).
type recipe struct {
	terminates bool
	emit       func(b *builder, instr decoder.Instr, nextPC uint32)
}

func plain(fn func(b *builder, instr decoder.Instr, nextPC uint32)) recipe {
	return recipe{emit: fn}
}

// Opcode numbering: unambiguous mnemonics reuse their real one-byte x86
// opcode (so this table reads like an x86 opcode map, the same Decoder
// contract package decoder documents). Jcc folds its condition code into
// the low nibble the way the real 0x70-0x7F/0x0F80-0x0F8F ranges do.
// Mnemonics whose real encoding disambiguates only through a ModRM reg
// field (the CR/DR/Sreg move family, and CALL/JMP r/m) get a synthetic ID
// above 0x100 instead of one table entry per register number; which
// register is still carried in Operands, not in the opcode.
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
	opJcc     = 0x70 // + condition code nibble, 0x70..0x7F

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

	opJmpFar = 0xEA
	opCallFar = 0x9A
	opRetFar  = 0xCB
	opIret    = 0xCF
	opInt     = 0xCD
	opInt3    = 0xCC

	opCallIndirect = 0x100 // FF /2
	opJmpIndirect  = 0x101 // FF /4

	opMovFromCR = 0x120 // 0F 20
	opMovToCR   = 0x121 // 0F 22
	opMovFromDR = 0x122 // 0F 21
	opMovToDR   = 0x123 // 0F 23
	opMovToSeg  = 0x124 // 8E
)

// recipeTable is built once at package init. The CR/DR/Sreg families each
// get exactly one entry despite covering several real register numbers:
// emitMovFromCR/emitMovToCR/etc. read which CR/DR/segment register off the
// instruction's own synthetic operand (the Decoder's job, the same way it
// resolves IN/OUT's implicit accumulator width), not off the opcode.
var recipeTable map[uint16]recipe

func init() {
	recipeTable = map[uint16]recipe{
		opAdd:  plain(emitAdd),
		opOr:   plain(emitOr),
		opAnd:  plain(emitAnd),
		opSub:  plain(emitSub),
		opXor:  plain(emitXor),
		opCmp:  plain(emitCmp),
		opTest: plain(emitTest),
		opMov:  plain(emitMov),
		opLea:  plain(emitLea),
		opNot:  plain(emitNot),
		opNeg:  plain(emitNeg),
		opInc:  plain(emitInc),
		opDec:  plain(emitDec),
		opPush: plain(emitPushReg),
		opPop:  plain(emitPopReg),

		opCallRel:      {terminates: true, emit: emitCallRel},
		opJmpRel:       {terminates: true, emit: emitJmpRel},
		opCallIndirect: {terminates: true, emit: emitCallIndirect},
		opJmpIndirect:  {terminates: true, emit: emitJmpIndirect},
		opRet:          {terminates: true, emit: emitRet},
		opRetImm:       {terminates: true, emit: emitRetImm16},
		opLoop:         loopRecipe(false, false),
		opLoopE:        loopRecipe(true, true),
		opLoopNE:       loopRecipe(true, false),
		opJecxz:        {terminates: true, emit: emitJecxz},

		opIn:  plain(emitIn),
		opOut: plain(emitOut),
		opHlt: {terminates: true, emit: emitHlt},
		opCli: plain(emitCli),
		opSti: plain(emitSti),
		opCld: plain(emitCld),
		opStd: plain(emitStd),
		opClc: plain(emitClc),
		opStc: plain(emitStc),
		opNop: plain(emitNop),

		opJmpFar:  {terminates: true, emit: emitJmpFar},
		opCallFar: {terminates: true, emit: emitCallFar},
		opRetFar:  {terminates: true, emit: emitRetFar},
		opIret:    {terminates: true, emit: emitIret},
		opInt:     {terminates: true, emit: emitInt},
		opInt3:    {terminates: true, emit: emitInt3},

		opMovFromCR: plain(emitMovFromCR),
		opMovToCR:   {terminates: true, emit: emitMovToCR},
		opMovFromDR: plain(emitMovFromDR),
		opMovToDR:   plain(emitMovToDR),
		opMovToSeg:  plain(emitMovToSeg),
	}

	for cc := asmx86.CC(0); cc < 16; cc++ {
		recipeTable[uint16(opJcc)+uint16(cc)] = jccRecipe(cc)
	}
}

// lookupRecipe resolves a decoded opcode to its emission recipe.
func lookupRecipe(opcode uint16) (recipe, bool) {
	rec, ok := recipeTable[opcode]
	return rec, ok
}

package tci

import "fmt"

type Opcode uint8

const (
	OpInvalid Opcode = iota

	// Binary opcodes: R = X op Y.
	OpAdd
	OpSub
	OpMul
	OpDivu
	OpRemu
	OpDivs
	OpRems
	OpAnd
	OpIor
	OpXor
	OpAndc
	OpIorc
	OpXorc
	OpNand
	OpNior
	OpShl
	OpShr4
	OpSar4
	OpRol4
	OpRor4
	OpShr8
	OpSar8
	OpRol8
	OpRor8

	OpCmp4Eq
	OpCmp4Ne
	OpCmp4Lt
	OpCmp4Le
	OpCmp4Gt
	OpCmp4Ge
	OpCmp4Ltu
	OpCmp4Leu
	OpCmp4Gtu
	OpCmp4Geu

	OpCmp8Eq
	OpCmp8Ne
	OpCmp8Lt
	OpCmp8Le
	OpCmp8Gt
	OpCmp8Ge
	OpCmp8Ltu
	OpCmp8Leu
	OpCmp8Gtu
	OpCmp8Geu

	OpExtract
	OpSextract
	OpCtz
	OpClz
	OpMovc
	OpConcat4

	// Unary opcodes: R = op Y.
	OpCtpop
	OpBswap2
	OpBswap4
	OpBswap8

	// Control flow.
	OpB
	OpBc
	OpExit
	OpCall0
	OpCall4
	OpCall8
	OpGotoTB
	OpGotoPtr

	// Guest memory, routed through the software MMU.
	OpQst1
	OpQst2Le
	OpQst2Be
	OpQst4Le
	OpQst4Be
	OpQst8Le
	OpQst8Be

	OpQld1u
	OpQld1s
	OpQld2uLe
	OpQld2uBe
	OpQld2sLe
	OpQld2sBe
	OpQld4uLe
	OpQld4uBe
	OpQld4sLe
	OpQld4sBe
	OpQld8Le
	OpQld8Be

	// Host memory: [W + Y].
	OpSt1
	OpSt2
	OpSt4
	OpSt8

	OpLd1u
	OpLd1s
	OpLd2u
	OpLd2s
	OpLd4u
	OpLd4s
	OpLd8

	OpSetc
	OpMb

	// Double-word compares: W:R against X:Y.
	OpCmppEq
	OpCmppNe
	OpCmppLt
	OpCmppLe
	OpCmppGt
	OpCmppGe
	OpCmppLtu
	OpCmppLeu
	OpCmppGtu
	OpCmppGeu

	OpAdd2
	OpSub2
	OpMulu2
	OpMuls2

	OpDeposit

	NumOpcodes
)

const (
	LastBinary = OpConcat4
	LastUnary  = OpBswap8
)

var opcodeNames = [NumOpcodes]string{
	OpInvalid:  "invalid",
	OpAdd:      "add",
	OpSub:      "sub",
	OpMul:      "mul",
	OpDivu:     "divu",
	OpRemu:     "remu",
	OpDivs:     "divs",
	OpRems:     "rems",
	OpAnd:      "and",
	OpIor:      "ior",
	OpXor:      "xor",
	OpAndc:     "andc",
	OpIorc:     "iorc",
	OpXorc:     "xorc",
	OpNand:     "nand",
	OpNior:     "nior",
	OpShl:      "shl",
	OpShr4:     "shr4",
	OpSar4:     "sar4",
	OpRol4:     "rol4",
	OpRor4:     "ror4",
	OpShr8:     "shr8",
	OpSar8:     "sar8",
	OpRol8:     "rol8",
	OpRor8:     "ror8",
	OpCmp4Eq:   "cmp4eq",
	OpCmp4Ne:   "cmp4ne",
	OpCmp4Lt:   "cmp4lt",
	OpCmp4Le:   "cmp4le",
	OpCmp4Gt:   "cmp4gt",
	OpCmp4Ge:   "cmp4ge",
	OpCmp4Ltu:  "cmp4ltu",
	OpCmp4Leu:  "cmp4leu",
	OpCmp4Gtu:  "cmp4gtu",
	OpCmp4Geu:  "cmp4geu",
	OpCmp8Eq:   "cmp8eq",
	OpCmp8Ne:   "cmp8ne",
	OpCmp8Lt:   "cmp8lt",
	OpCmp8Le:   "cmp8le",
	OpCmp8Gt:   "cmp8gt",
	OpCmp8Ge:   "cmp8ge",
	OpCmp8Ltu:  "cmp8ltu",
	OpCmp8Leu:  "cmp8leu",
	OpCmp8Gtu:  "cmp8gtu",
	OpCmp8Geu:  "cmp8geu",
	OpExtract:  "extract",
	OpSextract: "sextract",
	OpCtz:      "ctz",
	OpClz:      "clz",
	OpMovc:     "movc",
	OpConcat4:  "concat4",
	OpCtpop:    "ctpop",
	OpBswap2:   "bswap2",
	OpBswap4:   "bswap4",
	OpBswap8:   "bswap8",
	OpB:        "b",
	OpBc:       "bc",
	OpExit:     "exit",
	OpCall0:    "call0",
	OpCall4:    "call4",
	OpCall8:    "call8",
	OpGotoTB:   "goto_tb",
	OpGotoPtr:  "goto_ptr",
	OpQst1:     "qst1",
	OpQst2Le:   "qst2_le",
	OpQst2Be:   "qst2_be",
	OpQst4Le:   "qst4_le",
	OpQst4Be:   "qst4_be",
	OpQst8Le:   "qst8_le",
	OpQst8Be:   "qst8_be",
	OpQld1u:    "qld1u",
	OpQld1s:    "qld1s",
	OpQld2uLe:  "qld2u_le",
	OpQld2uBe:  "qld2u_be",
	OpQld2sLe:  "qld2s_le",
	OpQld2sBe:  "qld2s_be",
	OpQld4uLe:  "qld4u_le",
	OpQld4uBe:  "qld4u_be",
	OpQld4sLe:  "qld4s_le",
	OpQld4sBe:  "qld4s_be",
	OpQld8Le:   "qld8_le",
	OpQld8Be:   "qld8_be",
	OpSt1:      "st1",
	OpSt2:      "st2",
	OpSt4:      "st4",
	OpSt8:      "st8",
	OpLd1u:     "ld1u",
	OpLd1s:     "ld1s",
	OpLd2u:     "ld2u",
	OpLd2s:     "ld2s",
	OpLd4u:     "ld4u",
	OpLd4s:     "ld4s",
	OpLd8:      "ld8",
	OpSetc:     "setc",
	OpMb:       "mb",
	OpCmppEq:   "cmppeq",
	OpCmppNe:   "cmppne",
	OpCmppLt:   "cmpplt",
	OpCmppLe:   "cmpple",
	OpCmppGt:   "cmppgt",
	OpCmppGe:   "cmppge",
	OpCmppLtu:  "cmppltu",
	OpCmppLeu:  "cmppleu",
	OpCmppGtu:  "cmppgtu",
	OpCmppGeu:  "cmppgeu",
	OpAdd2:     "add2",
	OpSub2:     "sub2",
	OpMulu2:    "mulu2",
	OpMuls2:    "muls2",
	OpDeposit:  "deposit",
}

func (o Opcode) String() string {
	if o < NumOpcodes {
		return opcodeNames[o]
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

func (o Opcode) Valid() bool {
	return o > OpInvalid && o < NumOpcodes
}

func (o Opcode) IsBinary() bool {
	return o > OpInvalid && o <= LastBinary
}

func (o Opcode) IsUnary() bool {
	return o > LastBinary && o <= LastUnary
}

func (o Opcode) IsCompare() bool {
	return (o >= OpCmp4Eq && o <= OpCmp8Geu) || (o >= OpCmppEq && o <= OpCmppGeu)
}

func (o Opcode) IsBranch() bool {
	return o == OpB || o == OpBc
}

// IsQemuLoad reports guest loads; IsQemuStore guest stores.
func (o Opcode) IsQemuLoad() bool {
	return o >= OpQld1u && o <= OpQld8Be
}

func (o Opcode) IsQemuStore() bool {
	return o >= OpQst1 && o <= OpQst8Be
}

// Cond is a comparison condition shared by the cmp4, cmp8 and cmpp groups.
type Cond uint8

const (
	CondEq Cond = iota
	CondNe
	CondLt
	CondLe
	CondGt
	CondGe
	CondLtu
	CondLeu
	CondGtu
	CondGeu
	NumConds
)

var condNames = [NumConds]string{"eq", "ne", "lt", "le", "gt", "ge", "ltu", "leu", "gtu", "geu"}

func (c Cond) String() string {
	if c < NumConds {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

func ParseCond(s string) (Cond, bool) {
	for i, n := range condNames {
		if n == s {
			return Cond(i), true
		}
	}
	return 0, false
}

// Cmp4 returns the 32-bit compare opcode for c.
func (c Cond) Cmp4() Opcode { return OpCmp4Eq + Opcode(c) }

// Cmp8 returns the 64-bit compare opcode for c.
func (c Cond) Cmp8() Opcode { return OpCmp8Eq + Opcode(c) }

// Cmpp returns the double-word compare opcode for c.
func (c Cond) Cmpp() Opcode { return OpCmppEq + Opcode(c) }

// Compare evaluates c on two values already reduced to the operand width.
// Signed conditions reinterpret a and b with the given sign bit position.
func (c Cond) Compare(a, b uint64, bits uint) bool {
	sa := int64(a<<(64-bits)) >> (64 - bits)
	sb := int64(b<<(64-bits)) >> (64 - bits)
	switch c {
	case CondEq:
		return a == b
	case CondNe:
		return a != b
	case CondLt:
		return sa < sb
	case CondLe:
		return sa <= sb
	case CondGt:
		return sa > sb
	case CondGe:
		return sa >= sb
	case CondLtu:
		return a < b
	case CondLeu:
		return a <= b
	case CondGtu:
		return a > b
	case CondGeu:
		return a >= b
	}
	return false
}

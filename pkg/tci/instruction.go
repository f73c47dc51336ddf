package tci

import (
	"fmt"

	"tci/pkg/errors"
	"tci/pkg/types"
)

// Word is one packed instruction word.
type Word uint32

// Pack assembles a word from already-encoded field codes.
func Pack(op Opcode, r, w, x, y uint32) Word {
	insn := FieldOp.Deposit(0, uint32(op))
	insn = FieldR.Deposit(insn, r)
	insn = FieldW.Deposit(insn, w)
	insn = FieldX.Deposit(insn, x)
	insn = FieldY.Deposit(insn, y)
	return Word(insn)
}

func (w Word) Op() Opcode { return Opcode(FieldOp.Extract(uint32(w))) }
func (w Word) R() uint32 { return FieldR.Extract(uint32(w)) }
func (w Word) W() uint32 { return FieldW.Extract(uint32(w)) }
func (w Word) X() uint32 { return FieldX.Extract(uint32(w)) }
func (w Word) Y() uint32 { return FieldY.Extract(uint32(w)) }

// ExtWords returns how many extension words follow this instruction.
func (w Word) ExtWords() int {
	n := 0
	if w.X() == EscapeCode {
		n++
	}
	if w.Y() == EscapeCode {
		n++
	}
	return n
}

type OperandKind uint8

const (
	OperandReg OperandKind = iota
	OperandImm
)

// Operand is the logical content of an X or Y field.
type Operand struct {
	Kind OperandKind
	Reg  uint8
	Imm  int32
}

func Reg(r uint8) Operand { return Operand{Kind: OperandReg, Reg: r} }
func Imm(v int32) Operand { return Operand{Kind: OperandImm, Imm: v} }
func (o Operand) IsReg() bool { return o.Kind == OperandReg }

func (o Operand) String() string {
	if o.Kind == OperandReg {
		return RegName(o.Reg)
	}
	return fmt.Sprintf("%d", o.Imm)
}

var regNames = [NumRegs]string{"a", "b", "c", "d", "e", "f", "vp", "sp"}

// RegName returns the ABI name of a register index.
func RegName(r uint8) string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("r%d", r)
}

// ParseReg accepts ABI names and the r0..r7 spelling.
func ParseReg(s string) (uint8, bool) {
	for i, n := range regNames {
		if n == s {
			return uint8(i), true
		}
	}
	if len(s) == 2 && s[0] == 'r' && s[1] >= '0' && s[1] < '0'+NumRegs {
		return s[1] - '0', true
	}
	return 0, false
}

// EncodeOperand returns the field code for o and, when the immediate does
// not fit inline, the extension word that carries it.
func (f Field) EncodeOperand(o Operand) (code uint32, ext uint32, hasExt bool, err error) {
	if o.Kind == OperandReg {
		if o.Reg >= NumRegs {
			return 0, 0, false, errors.InternalErrorf("register operand %d out of range", o.Reg)
		}
		return uint32(o.Reg), 0, false, nil
	}
	if f.Fits(int64(o.Imm)) {
		return f.BiasImm(o.Imm), 0, false, nil
	}
	return EscapeCode, uint32(o.Imm), true, nil
}

// DecodeOperand recovers an operand from its field code. next supplies the
// extension word when the code is the escape.
func (f Field) DecodeOperand(code uint32, next func() (uint32, bool)) (Operand, error) {
	switch {
	case code < NumRegs:
		return Reg(uint8(code)), nil
	case code == EscapeCode:
		v, ok := next()
		if !ok {
			return Operand{}, errors.InternalErrorf("missing extension word")
		}
		return Imm(int32(v)), nil
	default:
		return Imm(f.UnbiasImm(code)), nil
	}
}

// Instruction is the decoded form of one instruction and its extension words.
type Instruction struct {
	Op Opcode
	R  uint8
	W  uint8
	X  Operand
	Y  Operand
}

// Encode packs in into one word followed by the X then Y extension words.
func Encode(in Instruction) ([]uint32, error) {
	if uint(in.Op) >= uint(NumOpcodes) {
		return nil, errors.InternalErrorf("opcode %d out of range", in.Op)
	}
	if in.R >= NumRegs || in.W >= NumRegs {
		return nil, errors.InternalErrorf("%v: narrow register out of range (r=%d w=%d)", in.Op, in.R, in.W)
	}
	xc, xe, hasX, err := FieldX.EncodeOperand(in.X)
	if err != nil {
		return nil, errors.WrapInternalError(err, in.Op.String())
	}
	yc, ye, hasY, err := FieldY.EncodeOperand(in.Y)
	if err != nil {
		return nil, errors.WrapInternalError(err, in.Op.String())
	}
	out := make([]uint32, 1, 3)
	out[0] = uint32(Pack(in.Op, uint32(in.R), uint32(in.W), xc, yc))
	if hasX {
		out = append(out, xe)
	}
	if hasY {
		out = append(out, ye)
	}
	return out, nil
}

// Decode reads the instruction at words[pc] and reports how many words it spans.
func Decode(words []uint32, pc int) (Instruction, int, error) {
	if pc < 0 || pc >= len(words) {
		return Instruction{}, 0, errors.InternalErrorf("decode past end of stream at %d", pc)
	}
	w := Word(words[pc])
	pos := pc + 1
	next := func() (uint32, bool) {
		if pos >= len(words) {
			return 0, false
		}
		v := words[pos]
		pos++
		return v, true
	}
	x, err := FieldX.DecodeOperand(w.X(), next)
	if err != nil {
		return Instruction{}, 0, err
	}
	y, err := FieldY.DecodeOperand(w.Y(), next)
	if err != nil {
		return Instruction{}, 0, err
	}
	return Instruction{Op: w.Op(), R: uint8(w.R()), W: uint8(w.W()), X: x, Y: y}, pos - pc, nil
}

// Concat4 joins two 32-bit halves, x high and y low.
func Concat4(x, y uint64) uint64 {
	return uint64(uint32(x))<<32 | uint64(uint32(y))
}

// ConcatP rebuilds a pointer-width value split across X:Y. A 32-bit host
// carries the whole value in Y.
func ConcatP(width types.Width, x, y uint64) uint64 {
	if width == types.Width64 {
		return Concat4(x, y)
	}
	return uint64(uint32(y))
}

// SplitP is the inverse of ConcatP.
func SplitP(width types.Width, p uint64) (x, y int32) {
	if width == types.Width64 {
		return int32(p >> 32), int32(p)
	}
	return 0, int32(p)
}

package tci

import (
	"fmt"
)

// Field describes one bitfield of an instruction word. Operand fields carry
// a Bias; narrow register fields leave it zero.
type Field struct {
	Pos  uint
	Len  uint
	Bias int32
}

const (
	// NumRegs register indices occupy the low codes of every operand field.
	NumRegs = 8
	// EscapeCode marks an operand whose value is the next word of the stream.
	EscapeCode = 8
)

var (
	FieldY  = Field{Pos: 0, Len: 14, Bias: 1 << 13}
	FieldX  = Field{Pos: 14, Len: 5, Bias: 1 << 4}
	FieldW  = Field{Pos: 19, Len: 3}
	FieldR  = Field{Pos: 22, Len: 3}
	FieldOp = Field{Pos: 25, Len: 7}
)

const (
	MinX = EscapeCode + 1 - 1<<4
	MaxX = 1<<5 - 1 - 1<<4
	MinY = EscapeCode + 1 - 1<<13
	MaxY = 1<<14 - 1 - 1<<13
)

func init() {
	if FieldOp.Pos+FieldOp.Len != 32 {
		panic("tci: instruction fields do not tile 32 bits")
	}
	if NumOpcodes > 1<<FieldOp.Len {
		panic(fmt.Sprintf("tci: %d opcodes do not fit the opcode field", NumOpcodes))
	}
}

func (f Field) mask() uint32 {
	return (1<<f.Len - 1) << f.Pos
}

// Extract returns the unsigned contents of the field.
func (f Field) Extract(insn uint32) uint32 {
	return (insn >> f.Pos) & (1<<f.Len - 1)
}

// Deposit replaces the field in insn with v, leaving other bits untouched.
func (f Field) Deposit(insn, v uint32) uint32 {
	return insn&^f.mask() | (v<<f.Pos)&f.mask()
}

// Min is the smallest immediate the field holds inline.
func (f Field) Min() int32 {
	return EscapeCode + 1 - f.Bias
}

// Max is the largest immediate the field holds inline.
func (f Field) Max() int32 {
	return int32(1<<f.Len-1) - f.Bias
}

// Fits reports whether v can be stored inline as a biased immediate.
func (f Field) Fits(v int64) bool {
	return v >= int64(f.Min()) && v <= int64(f.Max())
}

// BiasImm applies the field bias to an inline immediate. The caller checks Fits.
func (f Field) BiasImm(v int32) uint32 {
	return uint32(v + f.Bias)
}

// UnbiasImm recovers an inline immediate from a field code >= 9.
func (f Field) UnbiasImm(code uint32) int32 {
	return int32(code) - f.Bias
}

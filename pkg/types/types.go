package types

import (
	"fmt"
)

// Register is one slot of the interpreter register file. The value is an
// opaque machine word; in 32-bit mode only the low half is meaningful.
type Register uint64

// CodeAddr is a word index into an instruction buffer. Zero is never a
// valid instruction address.
type CodeAddr uint32

// Width is the host word width the code was generated for.
type Width uint8

const (
	Width32 Width = 32
	Width64 Width = 64
)

func NewWidth(bits int) (Width, error) {
	switch bits {
	case 32:
		return Width32, nil
	case 64:
		return Width64, nil
	}
	return 0, fmt.Errorf("invalid word width %d: must be 32 or 64", bits)
}

func (w Width) Bits() uint {
	return uint(w)
}

func (w Width) Bytes() int {
	return int(w) / 8
}

// Mask returns the all-ones value of the word.
func (w Width) Mask() uint64 {
	if w == Width32 {
		return 0xffffffff
	}
	return ^uint64(0)
}

// Truncate reduces v to the word width.
func (w Width) Truncate(v uint64) uint64 {
	return v & w.Mask()
}

func (w Width) String() string {
	return fmt.Sprintf("%d-bit", uint8(w))
}

// MemOp describes a guest memory access: size, signedness and byte order.
type MemOp uint8

const (
	MO8  MemOp = 0
	MO16 MemOp = 1
	MO32 MemOp = 2
	MO64 MemOp = 3

	MOSize MemOp = 3
	MOSign MemOp = 4
	MOBE   MemOp = 8
)

const (
	MOUB   = MO8
	MOSB   = MO8 | MOSign
	MOLEUW = MO16
	MOLESW = MO16 | MOSign
	MOLEUL = MO32
	MOLESL = MO32 | MOSign
	MOLEQ  = MO64
	MOBEUW = MO16 | MOBE
	MOBESW = MO16 | MOSign | MOBE
	MOBEUL = MO32 | MOBE
	MOBESL = MO32 | MOSign | MOBE
	MOBEQ  = MO64 | MOBE
)

var memOpNames = map[MemOp]string{
	MOUB:   "ub",
	MOSB:   "sb",
	MOLEUW: "leuw",
	MOLESW: "lesw",
	MOLEUL: "leul",
	MOLESL: "lesl",
	MOLEQ:  "leq",
	MOBEUW: "beuw",
	MOBESW: "besw",
	MOBEUL: "beul",
	MOBESL: "besl",
	MOBEQ:  "beq",
}

// ParseMemOp looks up a MemOp by its short name ("leul", "sb", ...).
func ParseMemOp(name string) (MemOp, bool) {
	for op, n := range memOpNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

func (m MemOp) String() string {
	if n, ok := memOpNames[m]; ok {
		return n
	}
	return fmt.Sprintf("memop(%d)", uint8(m))
}

// Size returns the access size in bytes.
func (m MemOp) Size() int {
	return 1 << (m & MOSize)
}

func (m MemOp) Signed() bool {
	return m&MOSign != 0
}

func (m MemOp) BigEndian() bool {
	return m&MOBE != 0
}

// Extend applies the sign or zero extension of the access to a raw value.
func (m MemOp) Extend(v uint64) uint64 {
	switch m & (MOSize | MOSign) {
	case MO8:
		return uint64(uint8(v))
	case MO8 | MOSign:
		return uint64(int64(int8(v)))
	case MO16:
		return uint64(uint16(v))
	case MO16 | MOSign:
		return uint64(int64(int16(v)))
	case MO32:
		return uint64(uint32(v))
	case MO32 | MOSign:
		return uint64(int64(int32(v)))
	}
	return v
}

// AccessType distinguishes guest reads from guest writes.
type AccessType uint8

const (
	AccessRead AccessType = iota
	AccessWrite
)

func (a AccessType) String() string {
	if a == AccessWrite {
		return "write"
	}
	return "read"
}

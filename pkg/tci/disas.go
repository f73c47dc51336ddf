package tci

import (
	"fmt"
	"strings"

	"tci/pkg/types"
)

// Disassembler renders instruction words as text for debug logs.
type Disassembler struct {
	Width types.Width
	// Symbol optionally names a call handle.
	Symbol func(handle uint64) (string, bool)
}

func NewDisassembler(width types.Width) *Disassembler {
	return &Disassembler{Width: width}
}

func (d *Disassembler) ptr(xv, yv int32) string {
	p := ConcatP(d.Width, uint64(int64(xv)), uint64(int64(yv)))
	if d.Symbol != nil {
		if name, ok := d.Symbol(p); ok {
			return name
		}
	}
	return fmt.Sprintf("%#x", p)
}

// Insn disassembles the instruction at words[pc] and returns the text and
// the number of words it occupies.
func (d *Disassembler) Insn(words []uint32, pc int) (string, int) {
	if pc >= len(words) {
		return "<end of code>", 1
	}
	insn := Word(words[pc])
	addr := pc + 1

	opc := insn.Op()
	ri, wi, xi, yi := insn.R(), insn.W(), insn.X(), insn.Y()
	r := RegName(uint8(ri))
	w := RegName(uint8(wi))

	var x, y string
	var xv, yv int32
	if xi < NumRegs {
		x = RegName(uint8(xi))
	} else {
		if xi == EscapeCode {
			if addr < len(words) {
				xv = int32(words[addr])
			}
			addr++
		} else {
			xv = FieldX.UnbiasImm(xi)
		}
		x = fmt.Sprintf("%d", xv)
	}
	if yi < NumRegs {
		y = RegName(uint8(yi))
	} else {
		if yi == EscapeCode {
			if addr < len(words) {
				yv = int32(words[addr])
			}
			addr++
		} else {
			yv = FieldY.UnbiasImm(yi)
		}
		y = fmt.Sprintf("%d", yv)
	}
	n := addr - pc
	name := opc.String()
	is32 := d.Width == types.Width32

	switch {
	case opc >= OpCmp4Eq && opc <= OpCmp8Geu:
		return fmt.Sprintf("%-10s%s,%s", name, x, y), n

	case opc.IsQemuStore():
		if is32 && (opc == OpQst8Le || opc == OpQst8Be) {
			return fmt.Sprintf("%-10s[%s,%s]=%s:%s", name, w, y, r, x), n
		}
		return fmt.Sprintf("%-10s[%s,%s]=%s", name, w, y, x), n

	case opc.IsQemuLoad():
		if is32 && (opc == OpQld8Le || opc == OpQld8Be) {
			return fmt.Sprintf("%-10s%s:%s=[%s,%s]", name, w, r, x, y), n
		}
		return fmt.Sprintf("%-10s%s=[%s,%s]", name, r, x, y), n
	}

	switch opc {
	case OpDeposit:
		return fmt.Sprintf("%-10s%s=%s,%d,%d,%s", name, r, w, yv>>6, yv&0x3f, x), n
	case OpExtract, OpSextract:
		return fmt.Sprintf("%-10s%s=%s,%d,%d", name, r, x, yv>>6, yv&0x3f), n

	case OpConcat4:
		if xi >= EscapeCode && yi >= EscapeCode {
			return fmt.Sprintf("%-10s%s=0x%016x", "mov", r, Concat4(uint64(int64(xv)), uint64(int64(yv)))), n
		}
		return fmt.Sprintf("%-10s%s=%s:%s", name, r, x, y), n

	case OpIor:
		if xi == uint32(FieldX.Bias) {
			return fmt.Sprintf("%-10s%s=%s", "mov", r, y), n
		}
		return fmt.Sprintf("%-10s%s=%s,%s", name, r, x, y), n

	case OpAdd, OpSub, OpMul, OpDivu, OpRemu, OpDivs, OpRems,
		OpAnd, OpXor, OpAndc, OpIorc, OpXorc, OpNand, OpNior,
		OpShl, OpShr4, OpSar4, OpRol4, OpRor4, OpShr8, OpSar8, OpRol8, OpRor8,
		OpMovc, OpClz, OpCtz:
		return fmt.Sprintf("%-10s%s=%s,%s", name, r, x, y), n

	case OpCtpop, OpBswap2, OpBswap4, OpBswap8:
		return fmt.Sprintf("%-10s%s=%s", name, r, y), n

	case OpB, OpBc:
		return fmt.Sprintf("%-10s@%d", name, addr+int(yv)), n

	case OpExit, OpCall0:
		return fmt.Sprintf("%-10s%s", name, d.ptr(xv, yv)), n
	case OpCall8:
		if is32 {
			return fmt.Sprintf("%-10s%s:%s=%s", name, w, r, d.ptr(xv, yv)), n
		}
		return fmt.Sprintf("%-10s%s=%s", name, r, d.ptr(xv, yv)), n
	case OpCall4:
		return fmt.Sprintf("%-10s%s=%s", name, r, d.ptr(xv, yv)), n

	case OpGotoTB:
		return fmt.Sprintf("%-10s[%#x]", name, ConcatP(d.Width, uint64(int64(xv)), uint64(int64(yv)))), n
	case OpGotoPtr:
		return fmt.Sprintf("%-10s%s", name, y), n

	case OpSetc:
		return fmt.Sprintf("%-10s%s", name, r), n
	case OpMb:
		return fmt.Sprintf("%-10s", name), n

	case OpSt1, OpSt2, OpSt4, OpSt8:
		return fmt.Sprintf("%-10s[%s+%s]=%s", name, w, y, x), n
	case OpLd1u, OpLd1s, OpLd2u, OpLd2s, OpLd4u, OpLd4s, OpLd8:
		return fmt.Sprintf("%-10s%s=[%s+%s]", name, r, w, y), n

	case OpCmppEq, OpCmppNe, OpCmppLt, OpCmppLe, OpCmppGt,
		OpCmppGe, OpCmppLtu, OpCmppLeu, OpCmppGtu, OpCmppGeu:
		return fmt.Sprintf("%-10s%s:%s,%s:%s", name, w, r, x, y), n

	case OpMulu2, OpMuls2:
		return fmt.Sprintf("%-10s%s:%s=%s,%s", name, w, r, x, y), n

	case OpAdd2, OpSub2:
		return fmt.Sprintf("%-10s%s:%s=%s:%s,%s:%s", name, w, r, w, r, x, y), n
	}

	return fmt.Sprintf("illegal opcode %d", opc), n
}

// Listing disassembles words [start, end) of buf, one instruction per line.
func (d *Disassembler) Listing(buf *Buffer, start, end types.CodeAddr) string {
	var sb strings.Builder
	words := buf.Words()
	if int(end) > len(words) {
		end = types.CodeAddr(len(words))
	}
	for pc := int(start); pc < int(end); {
		text, n := d.Insn(words, pc)
		fmt.Fprintf(&sb, "%6d: %08x  %s\n", pc, words[pc], text)
		pc += n
	}
	return sb.String()
}

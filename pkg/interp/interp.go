package interp

import (
	"math/bits"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"tci/pkg/constants"
	"tci/pkg/errors"
	"tci/pkg/helper"
	"tci/pkg/softmmu"
	"tci/pkg/tci"
	"tci/pkg/types"
)

var log = commonlog.GetLogger("tci.interp")

var qemuMemOps = map[tci.Opcode]types.MemOp{
	tci.OpQst1:    types.MOUB,
	tci.OpQst2Le:  types.MOLEUW,
	tci.OpQst2Be:  types.MOBEUW,
	tci.OpQst4Le:  types.MOLEUL,
	tci.OpQst4Be:  types.MOBEUL,
	tci.OpQst8Le:  types.MOLEQ,
	tci.OpQst8Be:  types.MOBEQ,
	tci.OpQld1u:   types.MOUB,
	tci.OpQld1s:   types.MOSB,
	tci.OpQld2uLe: types.MOLEUW,
	tci.OpQld2uBe: types.MOBEUW,
	tci.OpQld2sLe: types.MOLESW,
	tci.OpQld2sBe: types.MOBESW,
	tci.OpQld4uLe: types.MOLEUL,
	tci.OpQld4uBe: types.MOBEUL,
	tci.OpQld4sLe: types.MOLESL,
	tci.OpQld4sBe: types.MOBESL,
	tci.OpQld8Le:  types.MOLEQ,
	tci.OpQld8Be:  types.MOBEQ,
}

// MemOpOf returns the access described by a guest load or store opcode.
func MemOpOf(op tci.Opcode) (types.MemOp, bool) {
	m, ok := qemuMemOps[op]
	return m, ok
}

// hostSizes holds the access size and signedness of the host ld/st opcodes.
var hostSizes = map[tci.Opcode]struct {
	size   int
	signed bool
}{
	tci.OpSt1:  {1, false},
	tci.OpSt2:  {2, false},
	tci.OpSt4:  {4, false},
	tci.OpSt8:  {8, false},
	tci.OpLd1u: {1, false},
	tci.OpLd1s: {1, true},
	tci.OpLd2u: {2, false},
	tci.OpLd2s: {2, true},
	tci.OpLd4u: {4, false},
	tci.OpLd4s: {4, true},
	tci.OpLd8:  {8, false},
}

// only64 lists the opcodes a 32-bit host never executes.
func only64(op tci.Opcode) bool {
	switch op {
	case tci.OpShr8, tci.OpSar8, tci.OpRol8, tci.OpRor8, tci.OpConcat4, tci.OpSt8, tci.OpLd8:
		return true
	}
	return op >= tci.OpCmp8Eq && op <= tci.OpCmp8Geu
}

var fence atomic.Uint32

type writeback uint8

const (
	writeNone writeback = iota
	writeR
	writeRW
)

func sext(v uint64, n uint) int64 {
	return int64(v<<(64-n)) >> (64 - n)
}

// Execute runs the code in buf starting at start until an exit instruction
// or a null goto_ptr, and returns the exit value. Guest faults come back as
// *softmmu.Fault, helper failures as whatever the helper returned, and
// malformed code as *errors.InternalError.
func Execute(cpu *CPU, buf *tci.Buffer, start types.CodeAddr) (uint64, error) {
	words := buf.Words()
	width := cpu.Width
	nbits := width.Bits()
	mask := width.Mask()
	is32 := width == types.Width32
	regs := &cpu.Regs

	pc := int(start)
	next := func() (uint32, bool) {
		if pc >= len(words) {
			return 0, false
		}
		v := words[pc]
		pc++
		return v, true
	}
	operand := func(f tci.Field, code uint32) (uint64, error) {
		switch {
		case code < tci.NumRegs:
			return uint64(regs[code]), nil
		case code == tci.EscapeCode:
			v, ok := next()
			if !ok {
				return 0, errors.InternalErrorf("missing extension word at %d", pc)
			}
			return uint64(int64(int32(v))) & mask, nil
		}
		return uint64(int64(f.UnbiasImm(code))) & mask, nil
	}

	for {
		if pc <= 0 || pc >= len(words) {
			return 0, errors.InternalErrorf("pc %d outside emitted code (len %d)", pc, len(words))
		}
		insnPC := types.CodeAddr(pc)
		insn := tci.Word(words[pc])
		pc++

		if cpu.MaxSteps != 0 && cpu.Steps >= cpu.MaxSteps {
			return 0, ErrStepLimit
		}
		cpu.Steps++
		if cpu.Tracer != nil {
			if err := cpu.Tracer.Step(insnPC, insn, cpu); err != nil {
				return 0, err
			}
		}

		opc := insn.Op()
		ri, wi := insn.R(), insn.W()
		if !opc.Valid() {
			return 0, errors.InternalErrorf("illegal opcode %d", uint8(opc)).At(insnPC)
		}
		if is32 && only64(opc) {
			return 0, errors.InternalErrorf("%v requires a 64-bit host", opc).At(insnPC)
		}
		if !is32 && opc >= tci.OpCmppEq && opc <= tci.OpCmppGeu {
			return 0, errors.InternalErrorf("%v requires a 32-bit host", opc).At(insnPC)
		}

		w := uint64(regs[wi])
		x, err := operand(tci.FieldX, insn.X())
		if err != nil {
			return 0, err
		}
		y, err := operand(tci.FieldY, insn.Y())
		if err != nil {
			return 0, err
		}

		var r uint64
		out := writeR

		switch opc {
		case tci.OpAdd:
			r = x + y
		case tci.OpSub:
			r = x - y
		case tci.OpMul:
			r = x * y
		case tci.OpDivu, tci.OpRemu, tci.OpDivs, tci.OpRems:
			if y == 0 {
				return 0, &softmmu.Fault{Kind: softmmu.FaultDivideByZero, RetAddr: insnPC}
			}
			switch opc {
			case tci.OpDivu:
				r = x / y
			case tci.OpRemu:
				r = x % y
			case tci.OpDivs:
				r = uint64(sext(x, nbits) / sext(y, nbits))
			default:
				r = uint64(sext(x, nbits) % sext(y, nbits))
			}
		case tci.OpAnd:
			r = x & y
		case tci.OpIor:
			r = x | y
		case tci.OpXor:
			r = x ^ y
		case tci.OpAndc:
			r = x &^ y
		case tci.OpIorc:
			r = x | ^y
		case tci.OpXorc:
			r = x ^ ^y
		case tci.OpNand:
			r = ^(x & y)
		case tci.OpNior:
			r = ^(x | y)
		case tci.OpShl:
			r = x << (y & uint64(nbits-1))
		case tci.OpShr4:
			r = uint64(uint32(x) >> (y & 31))
		case tci.OpSar4:
			r = uint64(int64(int32(x) >> (y & 31)))
		case tci.OpRol4:
			r = uint64(bits.RotateLeft32(uint32(x), int(y&31)))
		case tci.OpRor4:
			r = uint64(bits.RotateLeft32(uint32(x), -int(y&31)))
		case tci.OpShr8:
			r = x >> (y & 63)
		case tci.OpSar8:
			r = uint64(int64(x) >> (y & 63))
		case tci.OpRol8:
			r = bits.RotateLeft64(x, int(y&63))
		case tci.OpRor8:
			r = bits.RotateLeft64(x, -int(y&63))

		case tci.OpCmp4Eq, tci.OpCmp4Ne, tci.OpCmp4Lt, tci.OpCmp4Le, tci.OpCmp4Gt,
			tci.OpCmp4Ge, tci.OpCmp4Ltu, tci.OpCmp4Leu, tci.OpCmp4Gtu, tci.OpCmp4Geu:
			cpu.Cmp = tci.Cond(opc-tci.OpCmp4Eq).Compare(uint64(uint32(x)), uint64(uint32(y)), 32)
			out = writeNone
		case tci.OpCmp8Eq, tci.OpCmp8Ne, tci.OpCmp8Lt, tci.OpCmp8Le, tci.OpCmp8Gt,
			tci.OpCmp8Ge, tci.OpCmp8Ltu, tci.OpCmp8Leu, tci.OpCmp8Gtu, tci.OpCmp8Geu:
			cpu.Cmp = tci.Cond(opc-tci.OpCmp8Eq).Compare(x, y, 64)
			out = writeNone
		case tci.OpCmppEq, tci.OpCmppNe, tci.OpCmppLt, tci.OpCmppLe, tci.OpCmppGt,
			tci.OpCmppGe, tci.OpCmppLtu, tci.OpCmppLeu, tci.OpCmppGtu, tci.OpCmppGeu:
			lo := uint64(regs[ri])
			cpu.Cmp = tci.Cond(opc-tci.OpCmppEq).Compare(tci.Concat4(w, lo), tci.Concat4(x, y), 64)
			out = writeNone

		case tci.OpExtract, tci.OpSextract, tci.OpDeposit:
			pos, length := uint(y>>6), uint(y&63)
			if length == 0 || pos+length > nbits {
				return 0, errors.InternalErrorf("%v: bad field pos=%d len=%d", opc, pos, length).At(insnPC)
			}
			switch opc {
			case tci.OpExtract:
				r = (x >> pos) & (1<<length - 1)
			case tci.OpSextract:
				r = uint64(int64(x<<(64-pos-length)) >> (64 - length))
			default:
				fm := (uint64(1)<<length - 1) << pos
				r = w&^fm | (x<<pos)&fm
			}
		case tci.OpCtz:
			if x == 0 {
				r = y
			} else {
				r = uint64(bits.TrailingZeros64(x))
			}
		case tci.OpClz:
			if x == 0 {
				r = y
			} else {
				r = uint64(bits.LeadingZeros64(x) - (64 - int(nbits)))
			}
		case tci.OpMovc:
			if cpu.Cmp {
				r = x
			} else {
				r = y
			}
		case tci.OpConcat4:
			r = tci.Concat4(x, y)

		case tci.OpCtpop:
			r = uint64(bits.OnesCount64(y))
		case tci.OpBswap2:
			r = uint64(bits.ReverseBytes16(uint16(y)))
		case tci.OpBswap4:
			r = uint64(bits.ReverseBytes32(uint32(y)))
		case tci.OpBswap8:
			r = bits.ReverseBytes64(y)

		case tci.OpSetc:
			if cpu.Cmp {
				r = 1
			}
		case tci.OpMb:
			fence.Add(0)
			out = writeNone

		case tci.OpB, tci.OpBc:
			out = writeNone
			if opc == tci.OpBc && !cpu.Cmp {
				break
			}
			if cpu.takeInterrupt() {
				return 0, ErrInterrupted
			}
			pc += int(int32(y))
		case tci.OpGotoTB:
			out = writeNone
			slot := tci.ConcatP(width, x, y)
			target, ok := buf.JumpSlot(slot)
			if !ok {
				return 0, errors.InternalErrorf("goto_tb through unknown jump slot %d", slot).At(insnPC)
			}
			if cpu.takeInterrupt() {
				return 0, ErrInterrupted
			}
			if target != 0 {
				pc = int(target)
			}
		case tci.OpGotoPtr:
			out = writeNone
			if y == 0 {
				return 0, nil
			}
			if cpu.takeInterrupt() {
				return 0, ErrInterrupted
			}
			pc = int(y)
		case tci.OpExit:
			return tci.ConcatP(width, x, y), nil

		case tci.OpCall0, tci.OpCall4, tci.OpCall8:
			if cpu.Helpers == nil {
				return 0, errors.InternalErrorf("call with no helper table").At(insnPC)
			}
			cpu.TBPtr = insnPC
			h := helper.Handle(tci.ConcatP(width, x, y))
			ret, err := cpu.Helpers.Invoke(h, cpu.Stack, &helper.Frame{
				Env:     cpu.Env,
				Mem:     cpu.Mem,
				RetAddr: insnPC,
				Width:   width,
			})
			if err != nil {
				log.Debugf("helper %d failed at %d: %v", h, insnPC, err)
				return 0, err
			}
			switch opc {
			case tci.OpCall0:
				out = writeNone
			case tci.OpCall4:
				r = uint64(uint32(ret))
			default:
				r = ret
				if is32 {
					w = ret >> 32
					out = writeRW
				}
			}

		case tci.OpQst1, tci.OpQst2Le, tci.OpQst2Be, tci.OpQst4Le, tci.OpQst4Be, tci.OpQst8Le, tci.OpQst8Be:
			out = writeNone
			val := x
			if is32 && (opc == tci.OpQst8Le || opc == tci.OpQst8Be) {
				val = tci.Concat4(uint64(regs[ri]), x)
			}
			if cpu.Mem == nil {
				return 0, errors.InternalErrorf("%v with no guest memory", opc).At(insnPC)
			}
			if err := cpu.Mem.Store(w, val, qemuMemOps[opc], int(y), insnPC); err != nil {
				return 0, err
			}
		case tci.OpQld1u, tci.OpQld1s, tci.OpQld2uLe, tci.OpQld2uBe, tci.OpQld2sLe, tci.OpQld2sBe,
			tci.OpQld4uLe, tci.OpQld4uBe, tci.OpQld4sLe, tci.OpQld4sBe, tci.OpQld8Le, tci.OpQld8Be:
			if cpu.Mem == nil {
				return 0, errors.InternalErrorf("%v with no guest memory", opc).At(insnPC)
			}
			v, err := cpu.Mem.Load(x, qemuMemOps[opc], int(y), insnPC)
			if err != nil {
				return 0, err
			}
			r = v
			if is32 && (opc == tci.OpQld8Le || opc == tci.OpQld8Be) {
				w = v >> 32
				out = writeRW
			}

		case tci.OpSt1, tci.OpSt2, tci.OpSt4, tci.OpSt8:
			out = writeNone
			if err := cpu.hostStore((w+y)&mask, hostSizes[opc].size, x); err != nil {
				return 0, errors.WrapInternalError(err, opc.String()).At(insnPC)
			}
		case tci.OpLd1u, tci.OpLd1s, tci.OpLd2u, tci.OpLd2s, tci.OpLd4u, tci.OpLd4s, tci.OpLd8:
			hs := hostSizes[opc]
			v, err := cpu.hostLoad((w+y)&mask, hs.size)
			if err != nil {
				return 0, errors.WrapInternalError(err, opc.String()).At(insnPC)
			}
			if hs.signed {
				v = uint64(sext(v, uint(hs.size*8)))
			}
			r = v

		case tci.OpAdd2:
			lo := (uint64(regs[ri]) + y) & mask
			var carry uint64
			if lo < y {
				carry = 1
			}
			r, w = lo, w+x+carry
			out = writeRW
		case tci.OpSub2:
			lo := uint64(regs[ri])
			var borrow uint64
			if lo < y {
				borrow = 1
			}
			r, w = lo-y, w-x-borrow
			out = writeRW
		case tci.OpMulu2:
			if is32 {
				p := uint64(uint32(x)) * uint64(uint32(y))
				r, w = p, p>>32
			} else {
				w, r = bits.Mul64(x, y)
			}
			out = writeRW
		case tci.OpMuls2:
			if is32 {
				p := uint64(int64(int32(x)) * int64(int32(y)))
				r, w = p, p>>32
			} else {
				hi, lo := bits.Mul64(x, y)
				if int64(x) < 0 {
					hi -= y
				}
				if int64(y) < 0 {
					hi -= x
				}
				r, w = lo, hi
			}
			out = writeRW

		default:
			return 0, errors.InternalErrorf("illegal opcode %v", opc).At(insnPC)
		}

		if out == writeNone {
			continue
		}
		if ri >= constants.RegEnv || (out == writeRW && wi >= constants.RegEnv) {
			return 0, errors.InternalErrorf("%v writes a reserved register (r=%s w=%s)",
				opc, tci.RegName(uint8(ri)), tci.RegName(uint8(wi))).At(insnPC)
		}
		if out == writeRW {
			regs[wi] = types.Register(w & mask)
		}
		regs[ri] = types.Register(r & mask)
	}
}

package tcg

import (
	"strings"

	"tci/pkg/errors"
	"tci/pkg/tci"
	"tci/pkg/types"
)

var qemuLd = map[types.MemOp]tci.Opcode{
	types.MOUB:   tci.OpQld1u,
	types.MOSB:   tci.OpQld1s,
	types.MOLEUW: tci.OpQld2uLe,
	types.MOLESW: tci.OpQld2sLe,
	types.MOLEUL: tci.OpQld4uLe,
	types.MOLESL: tci.OpQld4sLe,
	types.MOLEQ:  tci.OpQld8Le,
	types.MOBEUW: tci.OpQld2uBe,
	types.MOBESW: tci.OpQld2sBe,
	types.MOBEUL: tci.OpQld4uBe,
	types.MOBESL: tci.OpQld4sBe,
	types.MOBEQ:  tci.OpQld8Be,
}

var qemuSt = map[types.MemOp]tci.Opcode{
	types.MOUB:   tci.OpQst1,
	types.MOLEUW: tci.OpQst2Le,
	types.MOLEUL: tci.OpQst4Le,
	types.MOLEQ:  tci.OpQst8Le,
	types.MOBEUW: tci.OpQst2Be,
	types.MOBEUL: tci.OpQst4Be,
	types.MOBEQ:  tci.OpQst8Be,
}

// Emit appends one IR operation. Operations are checked against their
// operand layout and constraints first; a violation is an internal error.
func (a *Assembler) Emit(opc Opc, args ...Arg) error {
	if a.err != nil {
		return a.err
	}
	d, args, err := a.check(opc, args)
	if err != nil {
		return a.fail(err)
	}
	a.ops++
	return a.lower(opc, d, args)
}

// check validates args and returns a copy with constants of 32-bit
// operations truncated to 32 bits.
func (a *Assembler) check(opc Opc, args []Arg) (OpDef, []Arg, error) {
	if !opc.Supported(a.width) {
		return OpDef{}, nil, errors.InternalErrorf("%v is not available on a %v host", opc, a.width)
	}
	d := opc.Def(a.width)
	n := d.Outs + d.Ins + d.Consts
	if len(args) != n {
		return d, nil, errors.InternalErrorf("%v takes %d arguments, got %d", opc, n, len(args))
	}
	out := make([]Arg, n)
	copy(out, args)
	trunc := !opc.Is64() || a.width == types.Width32

	for i := 0; i < d.Outs+d.Ins; i++ {
		arg, ct := out[i], d.Constraints[i]
		switch arg.Kind {
		case ArgReg:
			if arg.Reg >= tci.NumRegs {
				return d, nil, errors.InternalErrorf("%v: register %d out of range", opc, arg.Reg)
			}
			if i < d.Outs && ReservedRegs.Has(arg.Reg) {
				return d, nil, errors.InternalErrorf("%v: output to reserved register %s", opc, tci.RegName(arg.Reg))
			}
		case ArgConst:
			if i < d.Outs {
				return d, nil, errors.InternalErrorf("%v: output %d must be a register", opc, i)
			}
			if trunc {
				out[i].Val = int64(int32(arg.Val))
			}
			switch {
			case strings.Contains(ct, "i"):
			case strings.Contains(ct, "e"):
				if out[i].Val != int64(int32(out[i].Val)) {
					return d, nil, errors.InternalErrorf("%v: constant %#x does not fit operand %d", opc, arg.Val, i)
				}
			default:
				return d, nil, errors.InternalErrorf("%v: operand %d must be a register", opc, i)
			}
		default:
			return d, nil, errors.InternalErrorf("%v: operand %d cannot be %v", opc, i, arg)
		}
	}
	for i := d.Outs + d.Ins; i < n; i++ {
		want := ArgConst
		if d.Flags&FlagBranch != 0 && i == n-1 {
			want = ArgLabel
		}
		if out[i].Kind != want || (want == ArgLabel && out[i].Label == nil) {
			return d, nil, errors.InternalErrorf("%v: argument %d is %v", opc, i, out[i])
		}
	}
	return d, out, nil
}

func (a *Assembler) cmpOp(opc Opc, c Arg) (tci.Opcode, error) {
	if c.Val < 0 || c.Val >= int64(tci.NumConds) {
		return tci.OpInvalid, errors.InternalErrorf("%v: bad condition %d", opc, c.Val)
	}
	cond := tci.Cond(c.Val)
	switch opc {
	case OpBrcond2I32, OpSetcond2I32:
		return cond.Cmpp(), nil
	}
	if opc.Is64() {
		return cond.Cmp8(), nil
	}
	return cond.Cmp4(), nil
}

func bitField(opc Opc, pos, length int64) error {
	bits := int64(32)
	if opc.Is64() {
		bits = 64
	}
	if pos < 0 || length < 1 || pos+length > bits {
		return errors.InternalErrorf("%v: field pos=%d len=%d outside %d bits", opc, pos, length, bits)
	}
	return nil
}

func poslen(pos, length int64) Arg {
	return C(pos<<6 | length)
}

func (a *Assembler) memOp(opc Opc, oi Arg, store bool) (tci.Opcode, Arg, error) {
	mop, mmuIdx := SplitMemOpIdx(oi.Val)
	var op tci.Opcode
	var ok bool
	if store {
		op, ok = qemuSt[mop&^types.MOSign]
	} else {
		op, ok = qemuLd[mop]
	}
	if !ok {
		return tci.OpInvalid, Arg{}, errors.InternalErrorf("%v: unsupported memory operation %v", opc, mop)
	}
	if (opc == OpQemuLdI32 || opc == OpQemuStI32) && mop.Size() == 8 {
		return tci.OpInvalid, Arg{}, errors.InternalErrorf("%v: 8-byte access into a 32-bit value", opc)
	}
	return op, C(int64(mmuIdx)), nil
}

func (a *Assembler) lower(opc Opc, d OpDef, args []Arg) error {
	is32host := a.width == types.Width32

	switch opc {
	case OpBr:
		return a.br(tci.OpB, args[0].Label)

	case OpBrcondI32, OpBrcondI64:
		cmp, err := a.cmpOp(opc, args[2])
		if err != nil {
			return a.fail(err)
		}
		if err := a.xy(cmp, args[0], args[1]); err != nil {
			return err
		}
		return a.br(tci.OpBc, args[3].Label)

	case OpBrcond2I32:
		cmp, err := a.cmpOp(opc, args[4])
		if err != nil {
			return a.fail(err)
		}
		if err := a.rwxy(cmp, args[0].Reg, args[1].Reg, args[3], args[2]); err != nil {
			return err
		}
		return a.br(tci.OpBc, args[5].Label)

	case OpSetcondI32, OpSetcondI64:
		cmp, err := a.cmpOp(opc, args[3])
		if err != nil {
			return a.fail(err)
		}
		if err := a.xy(cmp, args[1], args[2]); err != nil {
			return err
		}
		return a.rxy(tci.OpSetc, args[0].Reg, C(0), C(0))

	case OpSetcond2I32:
		cmp, err := a.cmpOp(opc, args[5])
		if err != nil {
			return a.fail(err)
		}
		if err := a.rwxy(cmp, args[1].Reg, args[2].Reg, args[4], args[3]); err != nil {
			return err
		}
		return a.rxy(tci.OpSetc, args[0].Reg, C(0), C(0))

	case OpMovcondI32, OpMovcondI64:
		cmp, err := a.cmpOp(opc, args[5])
		if err != nil {
			return a.fail(err)
		}
		if err := a.xy(cmp, args[1], args[2]); err != nil {
			return err
		}
		return a.rxy(tci.OpMovc, args[0].Reg, args[3], args[4])

	case OpMovI32, OpMovI64:
		return a.Mov(args[0].Reg, args[1].Reg)
	case OpMoviI32, OpMoviI64:
		return a.Movi(opc == OpMoviI64, args[0].Reg, args[1].Val)

	case OpLd8uI32, OpLd8sI32, OpLd16uI32, OpLd16sI32, OpLdI32,
		OpLd8uI64, OpLd8sI64, OpLd16uI64, OpLd16sI64, OpLd32uI64, OpLd32sI64, OpLdI64:
		return a.rwxy(d.TCI, args[0].Reg, args[1].Reg, C(0), args[2])

	case OpSt8I32, OpSt16I32, OpStI32, OpSt8I64, OpSt16I64, OpSt32I64, OpStI64:
		return a.rwxy(d.TCI, 0, args[1].Reg, args[0], args[2])

	case OpDepositI32, OpDepositI64:
		pos, length := args[3].Val, args[4].Val
		if err := bitField(opc, pos, length); err != nil {
			return a.fail(err)
		}
		switch {
		case length == 64:
			if args[2].Kind == ArgConst {
				return a.Movi(true, args[0].Reg, args[2].Val)
			}
			return a.Mov(args[0].Reg, args[2].Reg)
		case pos == 32 && length == 32:
			return a.rxy(tci.OpConcat4, args[0].Reg, args[2], args[1])
		case args[2].Kind == ArgConst && args[2].Val == 0:
			if mask := ^((int64(1)<<length - 1) << pos); tci.FieldY.Fits(mask) {
				return a.rxy(tci.OpAnd, args[0].Reg, args[1], C(mask))
			}
		}
		return a.rwxy(tci.OpDeposit, args[0].Reg, args[1].Reg, args[2], poslen(pos, length))

	case OpExtractI32, OpExtractI64, OpSextractI32, OpSextractI64:
		pos, length := args[2].Val, args[3].Val
		if err := bitField(opc, pos, length); err != nil {
			return a.fail(err)
		}
		if length == 64 {
			return a.Mov(args[0].Reg, args[1].Reg)
		}
		if pos == 0 && d.TCI == tci.OpExtract {
			if mask := int64(1)<<length - 1; tci.FieldY.Fits(mask) {
				return a.rxy(tci.OpAnd, args[0].Reg, args[1], C(mask))
			}
		}
		return a.rxy(d.TCI, args[0].Reg, args[1], poslen(pos, length))

	case OpExt8uI32, OpExt8uI64:
		return a.rxy(tci.OpAnd, args[0].Reg, args[1], C(0xff))
	case OpExt16uI32, OpExt16uI64:
		return a.rxy(tci.OpExtract, args[0].Reg, args[1], poslen(0, 16))
	case OpExt32uI64, OpExtuI32I64:
		return a.rxy(tci.OpConcat4, args[0].Reg, C(0), args[1])
	case OpExt8sI32, OpExt8sI64:
		return a.rxy(tci.OpSextract, args[0].Reg, args[1], poslen(0, 8))
	case OpExt16sI32, OpExt16sI64:
		return a.rxy(tci.OpSextract, args[0].Reg, args[1], poslen(0, 16))
	case OpExt32sI64, OpExtI32I64:
		return a.rxy(tci.OpSextract, args[0].Reg, args[1], poslen(0, 32))

	case OpAdd2I32, OpSub2I32, OpAdd2I64, OpSub2I64:
		if args[2].Reg != args[0].Reg || args[3].Reg != args[1].Reg {
			return a.fail(errors.InternalErrorf("%v: inputs %v:%v must alias outputs %v:%v",
				opc, args[3], args[2], args[1], args[0]))
		}
		return a.rwxy(d.TCI, args[0].Reg, args[1].Reg, args[5], args[4])

	case OpMulu2I32, OpMuls2I32, OpMulu2I64, OpMuls2I64:
		return a.rwxy(d.TCI, args[0].Reg, args[1].Reg, args[2], args[3])

	case OpQemuLdI32:
		op, mmu, err := a.memOp(opc, args[2], false)
		if err != nil {
			return a.fail(err)
		}
		return a.rwxy(op, args[0].Reg, 0, args[1], mmu)
	case OpQemuLdI64:
		if is32host {
			op, mmu, err := a.memOp(opc, args[3], false)
			if err != nil {
				return a.fail(err)
			}
			return a.rwxy(op, args[0].Reg, args[1].Reg, args[2], mmu)
		}
		op, mmu, err := a.memOp(opc, args[2], false)
		if err != nil {
			return a.fail(err)
		}
		return a.rwxy(op, args[0].Reg, 0, args[1], mmu)

	case OpQemuStI32:
		op, mmu, err := a.memOp(opc, args[2], true)
		if err != nil {
			return a.fail(err)
		}
		return a.rwxy(op, 0, args[1].Reg, args[0], mmu)
	case OpQemuStI64:
		if is32host {
			op, mmu, err := a.memOp(opc, args[3], true)
			if err != nil {
				return a.fail(err)
			}
			return a.rwxy(op, args[1].Reg, args[2].Reg, args[0], mmu)
		}
		op, mmu, err := a.memOp(opc, args[2], true)
		if err != nil {
			return a.fail(err)
		}
		return a.rwxy(op, 0, args[1].Reg, args[0], mmu)

	case OpExitTB:
		return a.ptr(tci.OpExit, uint64(args[0].Val))
	case OpGotoTB:
		slot, err := a.jumpSlot(args[0].Val)
		if err != nil {
			return a.fail(err)
		}
		return a.ptr(tci.OpGotoTB, slot)
	case OpGotoPtr:
		return a.xy(tci.OpGotoPtr, C(0), args[0])
	case OpMb:
		return a.rxy(tci.OpMb, 0, C(0), C(0))
	}

	switch {
	case d.TCI.IsBinary():
		return a.rxy(d.TCI, args[0].Reg, args[1], args[2])
	case d.TCI.IsUnary():
		return a.rxy(d.TCI, args[0].Reg, C(0), args[1])
	}
	return a.fail(errors.InternalErrorf("no lowering for %v", opc))
}

package tcgtext

import (
	"fmt"

	"tci/pkg/errors"
	"tci/pkg/tcg"
)

// CallOp is the pseudo operation that calls a helper by name:
// call NAME, arg, ...
const CallOp = "call"

// Compile emits every statement of prog into a and finalizes the block.
// Errors from the assembler are returned with the source line attached,
// except tci.ErrBufferFull, which is returned as is so that callers can
// retry with more room.
func Compile(a *tcg.Assembler, prog *Program) (*tcg.TB, error) {
	labels := make(map[string]*tcg.Label)
	label := func(name string) *tcg.Label {
		l, ok := labels[name]
		if !ok {
			l = a.NewLabel()
			labels[name] = l
		}
		return l
	}
	at := func(st Stmt, err error) error {
		if tcg.IsBufferFull(err) {
			return err
		}
		return errors.WrapInternalError(err, fmt.Sprintf("%s:%d: %s", prog.Name, st.Line, st.Op))
	}

	for _, st := range prog.Stmts {
		for _, name := range st.Labels {
			if err := a.BindLabel(label(name)); err != nil {
				return nil, at(st, err)
			}
		}
		if st.Op == "" {
			continue
		}

		args := make([]tcg.Arg, 0, len(st.Args))
		callee := ""
		for i, o := range st.Args {
			switch o.Kind {
			case OperandReg:
				args = append(args, tcg.R(o.Reg))
			case OperandImm:
				args = append(args, tcg.C(o.Val))
			case OperandLabel:
				args = append(args, tcg.L(label(o.Name)))
			case OperandCond:
				args = append(args, tcg.Cond(o.Cond))
			case OperandMem:
				args = append(args, tcg.Mem(o.MemOp, o.MMUIdx))
			case OperandName:
				if st.Op != CallOp || i != 0 {
					return nil, at(st, errors.InternalErrorf("unexpected name %q", o.Name))
				}
				callee = o.Name
			}
		}

		var err error
		if st.Op == CallOp {
			if callee == "" {
				return nil, at(st, errors.InternalErrorf("call needs a helper name"))
			}
			err = a.CallHelper(callee, args...)
		} else {
			opc, ok := tcg.LookupOp(st.Op)
			if !ok {
				return nil, at(st, errors.InternalErrorf("unknown operation"))
			}
			err = a.Emit(opc, args...)
		}
		if err != nil {
			return nil, at(st, err)
		}
	}
	tb, err := a.Finalize()
	if err != nil {
		if tcg.IsBufferFull(err) {
			return nil, err
		}
		return nil, errors.WrapInternalError(err, prog.Name)
	}
	return tb, nil
}

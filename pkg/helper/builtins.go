package helper

import (
	"fmt"
	"io"
	"math/bits"

	"tci/pkg/types"
)

// Abort is returned by helpers that stop the execution unit on purpose.
type Abort struct {
	Helper  string
	Code    uint64
	RetAddr types.CodeAddr
}

func (a *Abort) Error() string {
	return fmt.Sprintf("%s: aborted with code %d at pc %d", a.Helper, a.Code, a.RetAddr)
}

// RegisterBuiltins installs the helpers every driver provides:
//
//	print_i64(i64)                           prints a decimal line to out
//	abort(i64)                               stops execution with *Abort
//	guest_memcpy(dst ptr, src ptr, n i64, mmu i32)
//	checked_add_i64(i64, i64) i64            aborts on signed overflow
//	mulhi_u64(i64, i64) i64                  high half of the unsigned product
func RegisterBuiltins(t *Table, out io.Writer) error {
	builtins := []struct {
		name string
		fn   Func
		sig  Signature
	}{
		{"print_i64", printI64(out), Signature{Args: []Kind{I64}, Ret: Void}},
		{"abort", abort, Signature{Args: []Kind{I64}, Ret: Void}},
		{"guest_memcpy", guestMemcpy, Signature{Args: []Kind{Ptr, Ptr, I64, I32}, Ret: Void}},
		{"checked_add_i64", checkedAdd, Signature{Args: []Kind{I64, I64}, Ret: I64}},
		{"mulhi_u64", mulhi, Signature{Args: []Kind{I64, I64}, Ret: I64}},
	}
	for _, b := range builtins {
		if _, err := t.Register(b.name, b.fn, b.sig); err != nil {
			return err
		}
	}
	return nil
}

func printI64(out io.Writer) Func {
	return func(f *Frame) (uint64, error) {
		_, err := fmt.Fprintf(out, "%d\n", int64(f.Args[0]))
		return 0, err
	}
}

func abort(f *Frame) (uint64, error) {
	return 0, &Abort{Helper: "abort", Code: f.Args[0], RetAddr: f.RetAddr}
}

// guestMemcpy copies bytes through the guest MMU so that faults are
// attributed to the calling instruction.
func guestMemcpy(f *Frame) (uint64, error) {
	dst, src, n, mmuIdx := f.Args[0], f.Args[1], f.Args[2], int(f.Args[3])
	if f.Mem == nil {
		return 0, fmt.Errorf("guest_memcpy: no guest memory")
	}
	for i := uint64(0); i < n; i++ {
		b, err := f.Mem.Load(src+i, types.MOUB, mmuIdx, f.RetAddr)
		if err != nil {
			return 0, err
		}
		if err := f.Mem.Store(dst+i, b, types.MOUB, mmuIdx, f.RetAddr); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func checkedAdd(f *Frame) (uint64, error) {
	a, b := int64(f.Args[0]), int64(f.Args[1])
	sum := a + b
	if (a >= 0) == (b >= 0) && (sum >= 0) != (a >= 0) {
		return 0, &Abort{Helper: "checked_add_i64", Code: 1, RetAddr: f.RetAddr}
	}
	return uint64(sum), nil
}

func mulhi(f *Frame) (uint64, error) {
	hi, _ := bits.Mul64(f.Args[0], f.Args[1])
	return hi, nil
}

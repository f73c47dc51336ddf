package helper

import (
	"bytes"
	"encoding/binary"
	stderrors "errors"
	"testing"

	"tci/pkg/constants"
	"tci/pkg/types"
)

func TestRegister(t *testing.T) {
	tbl := NewTable()
	noop := func(f *Frame) (uint64, error) { return 0, nil }

	h1, err := tbl.Register("one", noop, Signature{Ret: Void})
	if err != nil {
		t.Fatal(err)
	}
	if h1 == 0 {
		t.Fatal("handle must be nonzero")
	}
	if _, err := tbl.Register("one", noop, Signature{}); err == nil {
		t.Error("duplicate name accepted")
	}
	if _, err := tbl.Register("nil", nil, Signature{}); err == nil {
		t.Error("nil function accepted")
	}
	if _, err := tbl.Register("void-arg", noop, Signature{Args: []Kind{Void}}); err == nil {
		t.Error("void argument accepted")
	}
	many := make([]Kind, constants.MaxCallArgs+1)
	for i := range many {
		many[i] = I64
	}
	if _, err := tbl.Register("many", noop, Signature{Args: many}); err == nil {
		t.Error("too many arguments accepted")
	}

	if h, ok := tbl.ByName("one"); !ok || h != h1 {
		t.Errorf("ByName = %d, %v", h, ok)
	}
	if name, ok := tbl.Symbol(uint64(h1)); !ok || name != "one" {
		t.Errorf("Symbol = %q, %v", name, ok)
	}
	if _, ok := tbl.Lookup(0); ok {
		t.Error("handle 0 resolved")
	}
}

// TestInvokeSlots checks argument extraction from left-aligned slots and
// the placement of the result.
func TestInvokeSlots(t *testing.T) {
	tbl := NewTable()
	var seen []uint64
	h := tbl.MustRegister("mix", func(f *Frame) (uint64, error) {
		seen = f.Args
		return 0xaaaaaaaa_bbbbbbbb, nil
	}, Signature{Args: []Kind{I32, I64, Ptr}, Ret: I32})

	stack := make([]byte, constants.StackFrameSize)
	binary.LittleEndian.PutUint64(stack[0:], 0xffffffff_00000005) // upper half is junk for an i32
	binary.LittleEndian.PutUint64(stack[8:], 0x1122334455667788)
	binary.LittleEndian.PutUint64(stack[16:], 0xdead_0000_1000)

	ret, err := tbl.Invoke(h, stack, &Frame{Width: types.Width32})
	if err != nil {
		t.Fatal(err)
	}
	if seen[0] != 5 || seen[1] != 0x1122334455667788 || seen[2] != 0x1000 {
		t.Errorf("args = %#x", seen)
	}
	if ret != 0xbbbbbbbb {
		t.Errorf("ret = %#x, want 0xbbbbbbbb", ret)
	}
	if got := binary.LittleEndian.Uint32(stack); got != 0xbbbbbbbb {
		t.Errorf("slot 0 = %#x", got)
	}

	if _, err := tbl.Invoke(h+1, stack, &Frame{}); err == nil {
		t.Error("unregistered handle invoked")
	}
	if _, err := tbl.Invoke(h, stack[:8], &Frame{}); err == nil {
		t.Error("short stack accepted")
	}
}

func TestBuiltins(t *testing.T) {
	var out bytes.Buffer
	tbl := NewTable()
	if err := RegisterBuiltins(tbl, &out); err != nil {
		t.Fatal(err)
	}
	stack := make([]byte, constants.StackFrameSize)
	call := func(name string, args ...uint64) (uint64, error) {
		h, ok := tbl.ByName(name)
		if !ok {
			t.Fatalf("builtin %q missing", name)
		}
		for i, a := range args {
			binary.LittleEndian.PutUint64(stack[i*8:], a)
		}
		return tbl.Invoke(h, stack, &Frame{Width: types.Width64, RetAddr: 42})
	}

	neg := int64(-12)
	if _, err := call("print_i64", uint64(neg)); err != nil {
		t.Fatal(err)
	}
	if out.String() != "-12\n" {
		t.Errorf("print_i64 wrote %q", out.String())
	}

	_, err := call("abort", 3)
	var ab *Abort
	if !stderrors.As(err, &ab) || ab.Code != 3 || ab.RetAddr != 42 {
		t.Errorf("abort: err = %v", err)
	}

	if v, err := call("checked_add_i64", 2, 3); err != nil || v != 5 {
		t.Errorf("checked_add_i64(2, 3) = %d, %v", v, err)
	}
	if _, err := call("checked_add_i64", 1<<62, 1<<62); err == nil {
		t.Error("checked_add_i64 overflow not detected")
	}
	if v, _ := call("mulhi_u64", 1<<63, 4); v != 2 {
		t.Errorf("mulhi_u64 = %d, want 2", v)
	}
	if _, err := call("guest_memcpy", 0, 0, 1, 0); err == nil {
		t.Error("guest_memcpy without memory succeeded")
	}
}

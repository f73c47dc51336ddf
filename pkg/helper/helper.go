package helper

import (
	"encoding/binary"
	"fmt"
	"sync"

	"tci/pkg/constants"
	"tci/pkg/errors"
	"tci/pkg/softmmu"
	"tci/pkg/types"
)

// Kind is the type of one argument or return value of a helper.
type Kind uint8

const (
	Void Kind = iota
	I32
	I64
	Ptr
)

func (k Kind) String() string {
	switch k {
	case Void:
		return "void"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case Ptr:
		return "ptr"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Size returns the byte size of a value of kind k on a host of width w.
func (k Kind) Size(w types.Width) int {
	switch k {
	case I32:
		return 4
	case I64:
		return 8
	case Ptr:
		return w.Bytes()
	}
	return 0
}

// Signature is the calling-convention descriptor of a helper.
type Signature struct {
	Args []Kind
	Ret  Kind
}

func (s Signature) String() string {
	str := s.Ret.String() + "("
	for i, a := range s.Args {
		if i > 0 {
			str += ", "
		}
		str += a.String()
	}
	return str + ")"
}

// Frame is what a helper sees of the interpreter at the time of the call.
type Frame struct {
	Args    []uint64
	Env     []byte
	Mem     softmmu.Memory
	RetAddr types.CodeAddr
	Width   types.Width
}

// Func is a native helper. A returned error aborts the execution unit the
// same way a guest memory fault does.
type Func func(f *Frame) (uint64, error)

// Handle identifies a registered helper. Zero is never a valid handle.
type Handle uint64

type Info struct {
	Name string
	Fn   Func
	Sig  Signature
}

// Table holds registered helpers. Registration is expected before any
// translation; lookups are safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	infos  []*Info
	byName map[string]Handle
}

func NewTable() *Table {
	return &Table{byName: make(map[string]Handle)}
}

// Register adds a helper and returns its descriptor handle.
func (t *Table) Register(name string, fn Func, sig Signature) (Handle, error) {
	if fn == nil {
		return 0, fmt.Errorf("helper %q: nil function", name)
	}
	if len(sig.Args) > constants.MaxCallArgs {
		return 0, fmt.Errorf("helper %q: %d arguments exceed the limit of %d", name, len(sig.Args), constants.MaxCallArgs)
	}
	for _, a := range sig.Args {
		if a == Void || a > Ptr {
			return 0, fmt.Errorf("helper %q: invalid argument kind %v", name, a)
		}
	}
	if sig.Ret > Ptr {
		return 0, fmt.Errorf("helper %q: invalid return kind %v", name, sig.Ret)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byName[name]; exists {
		return 0, fmt.Errorf("helper %q already registered", name)
	}
	t.infos = append(t.infos, &Info{Name: name, Fn: fn, Sig: sig})
	h := Handle(len(t.infos))
	t.byName[name] = h
	return h, nil
}

// MustRegister is Register for static helper sets.
func (t *Table) MustRegister(name string, fn Func, sig Signature) Handle {
	h, err := t.Register(name, fn, sig)
	if err != nil {
		panic(err)
	}
	return h
}

func (t *Table) Lookup(h Handle) (*Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h == 0 || uint64(h) > uint64(len(t.infos)) {
		return nil, false
	}
	return t.infos[h-1], true
}

func (t *Table) ByName(name string) (Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.byName[name]
	return h, ok
}

// Symbol names a handle; it plugs into the disassembler.
func (t *Table) Symbol(h uint64) (string, bool) {
	info, ok := t.Lookup(Handle(h))
	if !ok {
		return "", false
	}
	return info.Name, true
}

// Invoke calls helper h with arguments read from the stack slots. Every
// argument is left-aligned in its 8-byte slot. The result is written back
// left-aligned into slot 0 and also returned.
func (t *Table) Invoke(h Handle, stack []byte, f *Frame) (uint64, error) {
	info, ok := t.Lookup(h)
	if !ok {
		return 0, errors.InternalErrorf("call to unregistered helper handle %d", h)
	}
	if len(stack) < constants.StaticCallArgsSize {
		return 0, errors.InternalErrorf("call stack area of %d bytes is smaller than %d", len(stack), constants.StaticCallArgsSize)
	}

	args := make([]uint64, len(info.Sig.Args))
	for i, k := range info.Sig.Args {
		slot := stack[i*constants.CallSlotSize:]
		switch k.Size(f.Width) {
		case 4:
			args[i] = uint64(binary.LittleEndian.Uint32(slot))
		default:
			args[i] = binary.LittleEndian.Uint64(slot)
		}
	}
	f.Args = args

	ret, err := info.Fn(f)
	if err != nil {
		return 0, err
	}
	switch info.Sig.Ret.Size(f.Width) {
	case 0:
		ret = 0
	case 4:
		ret = uint64(uint32(ret))
		binary.LittleEndian.PutUint32(stack, uint32(ret))
	default:
		binary.LittleEndian.PutUint64(stack, ret)
	}
	return ret, nil
}

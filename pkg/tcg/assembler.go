package tcg

import (
	stderrors "errors"
	"fmt"

	"github.com/tliron/commonlog"

	"tci/pkg/errors"
	"tci/pkg/helper"
	"tci/pkg/tci"
	"tci/pkg/types"
)

var log = commonlog.GetLogger("tci.tcg")

type ArgKind uint8

const (
	ArgReg ArgKind = iota
	ArgConst
	ArgLabel
)

// Arg is one operand of an IR operation.
type Arg struct {
	Kind  ArgKind
	Reg   uint8
	Val   int64
	Label *Label
}

func R(r uint8) Arg { return Arg{Kind: ArgReg, Reg: r} }
func C(v int64) Arg { return Arg{Kind: ArgConst, Val: v} }
func L(l *Label) Arg { return Arg{Kind: ArgLabel, Label: l} }
func Cond(c tci.Cond) Arg { return C(int64(c)) }

// Mem is the constant argument of a guest load or store.
func Mem(op types.MemOp, mmuIdx int) Arg { return C(MemOpIdx(op, mmuIdx)) }

func (a Arg) String() string {
	switch a.Kind {
	case ArgReg:
		return tci.RegName(a.Reg)
	case ArgLabel:
		if a.Label == nil {
			return "@nil"
		}
		return fmt.Sprintf("@L%d", a.Label.id)
	}
	return fmt.Sprintf("$%d", a.Val)
}

// Label is a branch target inside the block being assembled.
type Label struct {
	id    int
	bound bool
	addr  types.CodeAddr
}

func (l *Label) Bound() bool { return l.bound }

// Addr is the bound address; only meaningful once Bound reports true.
func (l *Label) Addr() types.CodeAddr { return l.addr }

// reloc is a branch displacement word waiting for its label.
type reloc struct {
	at    types.CodeAddr
	label *Label
}

// TB describes one finalized block of code.
type TB struct {
	Start, End types.CodeAddr
	// JumpSlots holds the slot handle of each goto_tb index used, or 0.
	JumpSlots [2]uint64
	Ops       int
}

// Assembler lowers IR operations into interpreter instructions appended to
// a buffer. One Assembler produces one block at a time; it is not safe for
// concurrent use.
type Assembler struct {
	buf     *tci.Buffer
	width   types.Width
	helpers *helper.Table

	start     types.CodeAddr
	labels    []*Label
	relocs    []reloc
	jumpSlots [2]uint64
	ops       int
	err       error
}

// NewAssembler starts a block at the current end of buf.
func NewAssembler(buf *tci.Buffer, width types.Width, helpers *helper.Table) *Assembler {
	a := &Assembler{buf: buf, width: width, helpers: helpers}
	a.Reset()
	return a
}

// Reset abandons the current block and starts a new one at the end of the
// buffer.
func (a *Assembler) Reset() {
	a.start = a.buf.Len()
	a.labels = a.labels[:0]
	a.relocs = a.relocs[:0]
	a.jumpSlots = [2]uint64{}
	a.ops = 0
	a.err = nil
}

func (a *Assembler) Width() types.Width { return a.width }

func (a *Assembler) Buffer() *tci.Buffer { return a.buf }

// Start is the address of the block's first instruction.
func (a *Assembler) Start() types.CodeAddr { return a.start }

// Err returns the first error recorded while assembling the block.
func (a *Assembler) Err() error { return a.err }

// fail records the first error. Later operations are refused with it, so
// callers may check only Finalize.
func (a *Assembler) fail(err error) error {
	if a.err == nil {
		a.err = err
	}
	return err
}

func (a *Assembler) NewLabel() *Label {
	l := &Label{id: len(a.labels)}
	a.labels = append(a.labels, l)
	return l
}

// BindLabel fixes l to the current position.
func (a *Assembler) BindLabel(l *Label) error {
	if a.err != nil {
		return a.err
	}
	if l.bound {
		return a.fail(errors.InternalErrorf("label L%d bound twice", l.id))
	}
	l.bound = true
	l.addr = a.buf.Len()
	return nil
}

// operand converts a register or constant argument into an instruction
// operand. Constants must fit in 32 signed bits.
func operand(arg Arg) (tci.Operand, error) {
	switch arg.Kind {
	case ArgReg:
		if arg.Reg >= tci.NumRegs {
			return tci.Operand{}, errors.InternalErrorf("register %d out of range", arg.Reg)
		}
		return tci.Reg(arg.Reg), nil
	case ArgConst:
		if arg.Val != int64(int32(arg.Val)) {
			return tci.Operand{}, errors.InternalErrorf("constant %#x does not fit in 32 bits", arg.Val)
		}
		return tci.Imm(int32(arg.Val)), nil
	}
	return tci.Operand{}, errors.InternalErrorf("%v cannot be an instruction operand", arg)
}

// rwxy emits one instruction with its extension words.
func (a *Assembler) rwxy(op tci.Opcode, r, w uint8, x, y Arg) error {
	if a.err != nil {
		return a.err
	}
	xo, err := operand(x)
	if err != nil {
		return a.fail(errors.WrapInternalError(err, op.String()))
	}
	yo, err := operand(y)
	if err != nil {
		return a.fail(errors.WrapInternalError(err, op.String()))
	}
	words, err := tci.Encode(tci.Instruction{Op: op, R: r, W: w, X: xo, Y: yo})
	if err != nil {
		return a.fail(err)
	}
	if err := a.buf.EmitAll(words); err != nil {
		return a.fail(err)
	}
	return nil
}

func (a *Assembler) rxy(op tci.Opcode, r uint8, x, y Arg) error {
	return a.rwxy(op, r, 0, x, y)
}

func (a *Assembler) xy(op tci.Opcode, x, y Arg) error {
	return a.rwxy(op, 0, 0, x, y)
}

// ptr emits an instruction whose X:Y pair carries a pointer-sized value.
// R and W name the call result registers. On a 32-bit host the value must
// fit in 32 bits, zero- or sign-extended.
func (a *Assembler) ptr(op tci.Opcode, p uint64) error {
	if a.width == types.Width32 && p>>32 != 0 && int64(p) != int64(int32(p)) {
		return a.fail(errors.InternalErrorf("%v: %#x does not fit a 32-bit pointer", op, p))
	}
	x, y := tci.SplitP(a.width, p)
	return a.rwxy(op, RegA, RegB, C(int64(x)), C(int64(y)))
}

// br emits a branch. The displacement always travels in an extension word,
// so a branch has the same shape whether or not its label is bound yet.
func (a *Assembler) br(op tci.Opcode, l *Label) error {
	if a.err != nil {
		return a.err
	}
	if l == nil {
		return a.fail(errors.InternalErrorf("%v to nil label", op))
	}
	at := a.buf.Len()
	insn := tci.Pack(op, 0, 0, tci.FieldX.BiasImm(0), tci.EscapeCode)
	if err := a.buf.EmitAll([]uint32{uint32(insn), 0}); err != nil {
		return a.fail(err)
	}
	a.relocs = append(a.relocs, reloc{at: at + 1, label: l})
	return nil
}

// Mov copies src to dst; nothing is emitted when they are the same.
func (a *Assembler) Mov(dst, src uint8) error {
	if dst == src {
		return nil
	}
	return a.rxy(tci.OpIor, dst, C(0), R(src))
}

// Movi loads a constant. i32 constants are truncated; i64 constants that
// do not fit in 32 signed bits are built with concat4.
func (a *Assembler) Movi(is64 bool, dst uint8, v int64) error {
	if !is64 || v == int64(int32(v)) {
		return a.rxy(tci.OpIor, dst, C(0), C(int64(int32(v))))
	}
	if a.width != types.Width64 {
		return a.fail(errors.InternalErrorf("64-bit constant %#x on a 32-bit host", v))
	}
	return a.rxy(tci.OpConcat4, dst, C(int64(int32(v>>32))), C(int64(int32(v))))
}

// Ld loads a word of the given type from base+ofs in host memory.
func (a *Assembler) Ld(is64 bool, ret, base uint8, ofs int32) error {
	op := tci.OpLd4u
	if is64 {
		op = tci.OpLd8
	}
	return a.rwxy(op, ret, base, C(0), C(int64(ofs)))
}

// St stores a register to base+ofs in host memory.
func (a *Assembler) St(is64 bool, val, base uint8, ofs int32) error {
	op := tci.OpSt4
	if is64 {
		op = tci.OpSt8
	}
	return a.rwxy(op, 0, base, R(val), C(int64(ofs)))
}

// Sti stores a constant to host memory. It reports false, emitting nothing,
// when a 64-bit constant does not fit the instruction.
func (a *Assembler) Sti(is64 bool, val int64, base uint8, ofs int32) (bool, error) {
	op := tci.OpSt4
	if is64 {
		op = tci.OpSt8
		if val != int64(int32(val)) {
			return false, nil
		}
	} else {
		val = int64(int32(val))
	}
	return true, a.rwxy(op, 0, base, C(val), C(int64(ofs)))
}

// Spill saves a register into spill slot n of the frame.
func (a *Assembler) Spill(r uint8, n int) error {
	off, ok := SpillOffset(a.width, n)
	if !ok {
		return a.fail(errors.InternalErrorf("spill slot %d outside the frame", n))
	}
	return a.St(a.width == types.Width64, r, RegSP, off)
}

// Reload restores a register from spill slot n.
func (a *Assembler) Reload(r uint8, n int) error {
	off, ok := SpillOffset(a.width, n)
	if !ok {
		return a.fail(errors.InternalErrorf("spill slot %d outside the frame", n))
	}
	return a.Ld(a.width == types.Width64, r, RegSP, off)
}

// Call emits a call to a registered helper. The opcode follows the size of
// the helper's result.
func (a *Assembler) Call(h helper.Handle) error {
	if a.err != nil {
		return a.err
	}
	if a.helpers == nil {
		return a.fail(errors.InternalErrorf("call without a helper table"))
	}
	info, ok := a.helpers.Lookup(h)
	if !ok {
		return a.fail(errors.InternalErrorf("call to unregistered helper %d", h))
	}
	var op tci.Opcode
	switch info.Sig.Ret.Size(a.width) {
	case 0:
		op = tci.OpCall0
	case 4:
		op = tci.OpCall4
	default:
		op = tci.OpCall8
	}
	a.ops++
	return a.ptr(op, uint64(h))
}

// CallHelper stores args into the call slots and calls the helper by name.
// Register arguments are stored at the width of the parameter's kind;
// constant arguments must fit in 32 signed bits.
func (a *Assembler) CallHelper(name string, args ...Arg) error {
	if a.err != nil {
		return a.err
	}
	if a.helpers == nil {
		return a.fail(errors.InternalErrorf("call to %q without a helper table", name))
	}
	h, ok := a.helpers.ByName(name)
	if !ok {
		return a.fail(errors.InternalErrorf("call to unknown helper %q", name))
	}
	info, _ := a.helpers.Lookup(h)
	if len(args) != len(info.Sig.Args) {
		return a.fail(errors.InternalErrorf("helper %s takes %d arguments, got %d", name, len(info.Sig.Args), len(args)))
	}
	for i, arg := range args {
		is64 := info.Sig.Args[i].Size(a.width) == 8
		if is64 && a.width == types.Width32 {
			return a.fail(errors.InternalErrorf("helper %s: 64-bit argument %d needs a register pair", name, i))
		}
		ofs := int32(CallArgOffset + i*8)
		switch arg.Kind {
		case ArgReg:
			if err := a.St(is64, arg.Reg, RegSP, ofs); err != nil {
				return err
			}
		case ArgConst:
			ok, err := a.Sti(is64, arg.Val, RegSP, ofs)
			if err != nil {
				return err
			}
			if !ok {
				return a.fail(errors.InternalErrorf("helper %s: constant argument %d does not fit", name, i))
			}
		default:
			return a.fail(errors.InternalErrorf("helper %s: bad argument %v", name, arg))
		}
	}
	return a.Call(h)
}

// jumpSlot returns the buffer jump slot for goto_tb index n, allocating it
// on first use.
func (a *Assembler) jumpSlot(n int64) (uint64, error) {
	if n < 0 || n >= int64(len(a.jumpSlots)) {
		return 0, errors.InternalErrorf("goto_tb index %d out of range", n)
	}
	if a.jumpSlots[n] == 0 {
		a.jumpSlots[n] = a.buf.AllocJumpSlot()
	}
	return a.jumpSlots[n], nil
}

// Finalize resolves every branch of the block. It fails with an internal
// error for unbound labels, or with tci.ErrBufferFull when the buffer ran
// out during assembly; in that case the caller retries the block in a fresh
// or larger buffer.
func (a *Assembler) Finalize() (*TB, error) {
	if a.err != nil {
		return nil, a.err
	}
	for _, r := range a.relocs {
		if !r.label.bound {
			return nil, a.fail(errors.InternalErrorf("branch at %d to unbound label L%d", r.at-1, r.label.id))
		}
		disp := int64(r.label.addr) - int64(r.at+1)
		if err := a.buf.Patch(r.at, uint32(int32(disp))); err != nil {
			return nil, a.fail(err)
		}
	}
	tb := &TB{Start: a.start, End: a.buf.Len(), JumpSlots: a.jumpSlots, Ops: a.ops}
	log.Debugf("finalized block [%d, %d): %d ops, %d relocations", tb.Start, tb.End, tb.Ops, len(a.relocs))
	return tb, nil
}

// IsBufferFull reports whether err means the block must be retried in a
// larger buffer.
func IsBufferFull(err error) bool {
	return stderrors.Is(err, tci.ErrBufferFull)
}

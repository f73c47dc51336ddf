package interp

import (
	stderrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"tci/pkg/errors"
	"tci/pkg/helper"
	"tci/pkg/softmmu"
	"tci/pkg/tci"
	"tci/pkg/types"
)

const (
	rA uint8 = iota
	rB
	rC
	rD
	rE
	rF
	rVP
	rSP
)

type prog struct {
	t   *testing.T
	buf *tci.Buffer
}

func newProg(t *testing.T) *prog {
	return &prog{t: t, buf: tci.NewBuffer(256)}
}

// op appends one instruction and returns its address.
func (p *prog) op(op tci.Opcode, r, w uint8, x, y tci.Operand) types.CodeAddr {
	p.t.Helper()
	at := p.buf.Len()
	words, err := tci.Encode(tci.Instruction{Op: op, R: r, W: w, X: x, Y: y})
	if err != nil {
		p.t.Fatalf("encode %v: %v", op, err)
	}
	if err := p.buf.EmitAll(words); err != nil {
		p.t.Fatalf("emit %v: %v", op, err)
	}
	return at
}

func (p *prog) movi(r uint8, v int32) {
	p.op(tci.OpIor, r, 0, tci.Imm(0), tci.Imm(v))
}

func (p *prog) exit(v int32) {
	p.op(tci.OpExit, 0, 0, tci.Imm(0), tci.Imm(v))
}

// recordingMem is a flat guest memory that counts accesses.
type recordingMem struct {
	data   map[uint64]byte
	loads  int
	stores []uint64
}

func newRecordingMem() *recordingMem {
	return &recordingMem{data: make(map[uint64]byte)}
}

func (m *recordingMem) Load(addr uint64, op types.MemOp, mmuIdx int, retaddr types.CodeAddr) (uint64, error) {
	m.loads++
	var v uint64
	n := op.Size()
	for i := 0; i < n; i++ {
		b := uint64(m.data[addr+uint64(i)])
		if op.BigEndian() {
			v = v<<8 | b
		} else {
			v |= b << (8 * i)
		}
	}
	return op.Extend(v), nil
}

func (m *recordingMem) Store(addr, val uint64, op types.MemOp, mmuIdx int, retaddr types.CodeAddr) error {
	m.stores = append(m.stores, val)
	n := op.Size()
	for i := 0; i < n; i++ {
		shift := 8 * i
		if op.BigEndian() {
			shift = 8 * (n - 1 - i)
		}
		m.data[addr+uint64(i)] = byte(val >> shift)
	}
	return nil
}

func TestAddExit(t *testing.T) {
	p := newProg(t)
	p.movi(rA, 3)
	p.op(tci.OpAdd, rA, 0, tci.Reg(rA), tci.Imm(4))
	p.op(tci.OpExit, 0, 0, tci.Imm(0), tci.Reg(rA))

	cpu := NewCPU(types.Width64, nil, nil)
	ret, err := Execute(cpu, p.buf, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ret != 7 {
		t.Errorf("exit value = %d, want 7", ret)
	}
	if cpu.Steps != 3 {
		t.Errorf("steps = %d, want 3", cpu.Steps)
	}
}

func TestBinaryOps64(t *testing.T) {
	neg := func(v int64) uint64 { return uint64(v) }
	cases := []struct {
		name string
		op   tci.Opcode
		x, y uint64
		want uint64
	}{
		{"add", tci.OpAdd, 3, 4, 7},
		{"sub wraps", tci.OpSub, 0, 1, ^uint64(0)},
		{"mul", tci.OpMul, 1 << 32, 1 << 32, 0},
		{"divu", tci.OpDivu, ^uint64(0), 2, 1<<63 - 1},
		{"remu", tci.OpRemu, 10, 4, 2},
		{"divs truncates", tci.OpDivs, neg(-7), 2, neg(-3)},
		{"rems sign", tci.OpRems, neg(-7), 2, neg(-1)},
		{"divs overflow", tci.OpDivs, 1 << 63, neg(-1), 1 << 63},
		{"and", tci.OpAnd, 0xf0f0, 0xff00, 0xf000},
		{"ior", tci.OpIor, 0xf0, 0x0f, 0xff},
		{"xor", tci.OpXor, 0xff, 0x0f, 0xf0},
		{"andc", tci.OpAndc, 0xff, 0x0f, 0xf0},
		{"iorc", tci.OpIorc, 0, ^uint64(0xff), 0xff},
		{"xorc", tci.OpXorc, 0xff, 0xff, ^uint64(0)},
		{"nand", tci.OpNand, ^uint64(0), ^uint64(0), 0},
		{"nior", tci.OpNior, 0, 0, ^uint64(0)},
		{"shl masks count", tci.OpShl, 1, 65, 2},
		{"shr4", tci.OpShr4, 0xffffffff_80000000, 4, 0x08000000},
		{"sar4", tci.OpSar4, 0x80000000, 4, 0xffffffff_f8000000},
		{"rol4", tci.OpRol4, 0x80000001, 1, 3},
		{"ror4", tci.OpRor4, 1, 1, 0x80000000},
		{"shr8", tci.OpShr8, 1 << 63, 63, 1},
		{"sar8", tci.OpSar8, 1 << 63, 63, ^uint64(0)},
		{"rol8", tci.OpRol8, 1 << 63, 1, 1},
		{"ror8", tci.OpRor8, 1, 1, 1 << 63},
		{"extract", tci.OpExtract, 0xabcd, 4<<6 | 8, 0xbc},
		{"sextract", tci.OpSextract, 0xf0, 4<<6 | 4, ^uint64(0)},
		{"ctz", tci.OpCtz, 8, 64, 3},
		{"ctz zero", tci.OpCtz, 0, 64, 64},
		{"clz", tci.OpClz, 1, 64, 63},
		{"clz zero", tci.OpClz, 0, 99, 99},
		{"concat4", tci.OpConcat4, 1, 0xffffffff_00000002, 0x1_00000002},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newProg(t)
			p.op(tc.op, rA, 0, tci.Reg(rB), tci.Reg(rC))
			p.exit(0)
			cpu := NewCPU(types.Width64, nil, nil)
			cpu.Regs[rB], cpu.Regs[rC] = types.Register(tc.x), types.Register(tc.y)
			if _, err := Execute(cpu, p.buf, 1); err != nil {
				t.Fatal(err)
			}
			if got := uint64(cpu.Regs[rA]); got != tc.want {
				t.Errorf("%v(%#x, %#x) = %#x, want %#x", tc.op, tc.x, tc.y, got, tc.want)
			}
		})
	}
}

func TestUnaryOps(t *testing.T) {
	cases := []struct {
		op   tci.Opcode
		y    uint64
		want uint64
	}{
		{tci.OpCtpop, 0xff00ff, 16},
		{tci.OpBswap2, 0xaabb, 0xbbaa},
		{tci.OpBswap4, 0x11223344, 0x44332211},
		{tci.OpBswap8, 0x0102030405060708, 0x0807060504030201},
	}
	for _, tc := range cases {
		p := newProg(t)
		p.op(tc.op, rA, 0, tci.Imm(0), tci.Reg(rC))
		p.exit(0)
		cpu := NewCPU(types.Width64, nil, nil)
		cpu.Regs[rC] = types.Register(tc.y)
		if _, err := Execute(cpu, p.buf, 1); err != nil {
			t.Fatal(err)
		}
		if got := uint64(cpu.Regs[rA]); got != tc.want {
			t.Errorf("%v(%#x) = %#x, want %#x", tc.op, tc.y, got, tc.want)
		}
	}
}

func TestDeposit(t *testing.T) {
	p := newProg(t)
	p.op(tci.OpDeposit, rA, rB, tci.Reg(rC), tci.Imm(8<<6|8))
	p.exit(0)
	cpu := NewCPU(types.Width64, nil, nil)
	cpu.Regs[rB] = 0x11223344
	cpu.Regs[rC] = 0xaabb
	if _, err := Execute(cpu, p.buf, 1); err != nil {
		t.Fatal(err)
	}
	if cpu.Regs[rA] != 0x1122bb44 {
		t.Errorf("deposit = %#x, want 0x1122bb44", cpu.Regs[rA])
	}
}

// TestCompareMovc checks that movc and setc observe the flag of the most
// recent compare.
func TestCompareMovc(t *testing.T) {
	cases := []struct {
		op   tci.Opcode
		x, y uint64
		want bool
	}{
		{tci.OpCmp8Lt, ^uint64(0), 0, true},
		{tci.OpCmp8Ltu, ^uint64(0), 0, false},
		{tci.OpCmp4Lt, 0x1_ffffffff, 0, true},
		{tci.OpCmp4Eq, 0x1_00000005, 5, true},
		{tci.OpCmp8Eq, 0x1_00000005, 5, false},
		{tci.OpCmp8Geu, 5, 5, true},
		{tci.OpCmp4Gt, 1, 0x80000000, true},
	}
	for _, tc := range cases {
		p := newProg(t)
		p.op(tc.op, 0, 0, tci.Reg(rB), tci.Reg(rC))
		p.op(tci.OpMovc, rA, 0, tci.Imm(11), tci.Imm(22))
		p.op(tci.OpSetc, rD, 0, tci.Imm(0), tci.Imm(0))
		p.exit(0)
		cpu := NewCPU(types.Width64, nil, nil)
		cpu.Regs[rB], cpu.Regs[rC] = types.Register(tc.x), types.Register(tc.y)
		if _, err := Execute(cpu, p.buf, 1); err != nil {
			t.Fatal(err)
		}
		want, wantSet := types.Register(22), types.Register(0)
		if tc.want {
			want, wantSet = 11, 1
		}
		if cpu.Cmp != tc.want || cpu.Regs[rA] != want || cpu.Regs[rD] != wantSet {
			t.Errorf("%v(%#x, %#x): cmp=%v movc=%d setc=%d", tc.op, tc.x, tc.y, cpu.Cmp, cpu.Regs[rA], cpu.Regs[rD])
		}
	}
}

func TestDoubleWord64(t *testing.T) {
	p := newProg(t)
	p.op(tci.OpAdd2, rA, rB, tci.Reg(rD), tci.Reg(rC))
	p.op(tci.OpMulu2, rE, rF, tci.Reg(rC), tci.Reg(rC))
	p.exit(0)
	cpu := NewCPU(types.Width64, nil, nil)
	cpu.Regs[rA] = types.Register(^uint64(0))
	cpu.Regs[rB] = 10
	cpu.Regs[rD] = 5
	cpu.Regs[rC] = types.Register(^uint64(0))
	if _, err := Execute(cpu, p.buf, 1); err != nil {
		t.Fatal(err)
	}
	// b:a + d:c with a carry out of the low half.
	if cpu.Regs[rA] != types.Register(^uint64(0)-1) || cpu.Regs[rB] != 16 {
		t.Errorf("add2 = %#x:%#x, want 16:fffffffffffffffe", cpu.Regs[rB], cpu.Regs[rA])
	}
	if cpu.Regs[rE] != 1 || cpu.Regs[rF] != types.Register(^uint64(0)-1) {
		t.Errorf("mulu2 = %#x:%#x", cpu.Regs[rF], cpu.Regs[rE])
	}
}

func TestMuls2(t *testing.T) {
	p := newProg(t)
	p.op(tci.OpMuls2, rA, rB, tci.Imm(-3), tci.Imm(5))
	p.exit(0)
	cpu := NewCPU(types.Width64, nil, nil)
	if _, err := Execute(cpu, p.buf, 1); err != nil {
		t.Fatal(err)
	}
	if int64(cpu.Regs[rA]) != -15 || cpu.Regs[rB] != types.Register(^uint64(0)) {
		t.Errorf("muls2 = %#x:%#x", cpu.Regs[rB], cpu.Regs[rA])
	}
}

func TestWidth32(t *testing.T) {
	p := newProg(t)
	p.op(tci.OpAdd, rA, 0, tci.Reg(rB), tci.Imm(1))
	p.op(tci.OpSub2, rC, rD, tci.Imm(0), tci.Imm(1))
	p.op(tci.OpCmppLt, rC, rD, tci.Imm(0), tci.Imm(0))
	p.op(tci.OpSetc, rE, 0, tci.Imm(0), tci.Imm(0))
	p.op(tci.OpMuls2, rF, rB, tci.Imm(-2), tci.Imm(3))
	p.exit(0)
	cpu := NewCPU(types.Width32, nil, nil)
	cpu.Regs[rB] = 0xffffffff
	if _, err := Execute(cpu, p.buf, 1); err != nil {
		t.Fatal(err)
	}
	want := [6]types.Register{
		rA: 0,
		rB: 0xffffffff,
		rC: 0xffffffff,
		rD: 0xffffffff,
		rE: 1,
		rF: 0xfffffffa,
	}
	var got [6]types.Register
	copy(got[:], cpu.Regs[:6])
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("registers mismatch (-want +got):\n%s", diff)
	}
}

func TestWidth32Rejects64BitOps(t *testing.T) {
	for _, op := range []tci.Opcode{tci.OpShr8, tci.OpConcat4, tci.OpCmp8Eq, tci.OpLd8} {
		p := newProg(t)
		p.op(op, rA, 0, tci.Imm(0), tci.Imm(0))
		p.exit(0)
		_, err := Execute(NewCPU(types.Width32, nil, nil), p.buf, 1)
		if !errors.IsInternalError(err) {
			t.Errorf("%v on a 32-bit host: err = %v", op, err)
		}
	}
	p := newProg(t)
	p.op(tci.OpCmppEq, rA, rB, tci.Imm(0), tci.Imm(0))
	p.exit(0)
	if _, err := Execute(NewCPU(types.Width64, nil, nil), p.buf, 1); !errors.IsInternalError(err) {
		t.Errorf("cmpp on a 64-bit host: err = %v", err)
	}
}

// TestCountdownLoop runs a five-iteration store loop and checks that the
// guest store happened exactly five times.
func TestCountdownLoop(t *testing.T) {
	p := newProg(t)
	p.movi(rA, 5)
	p.movi(rB, 0x100)
	top := p.op(tci.OpQst8Le, 0, rB, tci.Reg(rA), tci.Imm(0))
	p.op(tci.OpSub, rA, 0, tci.Reg(rA), tci.Imm(1))
	p.op(tci.OpCmp8Ne, 0, 0, tci.Reg(rA), tci.Imm(0))
	br := p.buf.Len()
	p.op(tci.OpBc, 0, 0, tci.Imm(0), tci.Imm(int32(top)-int32(br+1)))
	p.op(tci.OpExit, 0, 0, tci.Imm(0), tci.Reg(rA))

	mem := newRecordingMem()
	cpu := NewCPU(types.Width64, mem, nil)
	ret, err := Execute(cpu, p.buf, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ret != 0 {
		t.Errorf("exit value = %d", ret)
	}
	if diff := cmp.Diff([]uint64{5, 4, 3, 2, 1}, mem.stores); diff != "" {
		t.Errorf("stores mismatch (-want +got):\n%s", diff)
	}
	if mem.data[0x100] != 1 {
		t.Errorf("final memory byte = %d, want 1", mem.data[0x100])
	}
}

// The loop exits on a == 0 rather than looping on a != 0.
func TestCountdownLoopEqualityExit(t *testing.T) {
	p := newProg(t)
	p.movi(rA, 5)
	p.movi(rB, 0x100)
	top := p.op(tci.OpQst8Le, 0, rB, tci.Reg(rA), tci.Imm(0))
	p.op(tci.OpSub, rA, 0, tci.Reg(rA), tci.Imm(1))
	p.op(tci.OpCmp8Eq, 0, 0, tci.Reg(rA), tci.Imm(0))
	p.op(tci.OpBc, 0, 0, tci.Imm(0), tci.Imm(1))
	back := p.buf.Len()
	p.op(tci.OpB, 0, 0, tci.Imm(0), tci.Imm(int32(top)-int32(back+1)))
	p.op(tci.OpExit, 0, 0, tci.Imm(0), tci.Reg(rA))

	mem := newRecordingMem()
	cpu := NewCPU(types.Width64, mem, nil)
	ret, err := Execute(cpu, p.buf, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ret != 0 || cpu.Regs[rA] != 0 {
		t.Errorf("exit value = %d, a = %d; want 0, 0", ret, cpu.Regs[rA])
	}
	if diff := cmp.Diff([]uint64{5, 4, 3, 2, 1}, mem.stores); diff != "" {
		t.Errorf("stores mismatch (-want +got):\n%s", diff)
	}
}

func TestGuestLoadExtension(t *testing.T) {
	mem := newRecordingMem()
	mem.data[0x10] = 0xfe
	mem.data[0x11] = 0xff
	p := newProg(t)
	p.op(tci.OpQld2sLe, rA, 0, tci.Imm(0x10), tci.Imm(0))
	p.op(tci.OpQld2uBe, rB, 0, tci.Imm(0x10), tci.Imm(0))
	p.op(tci.OpQld1u, rC, 0, tci.Imm(0x10), tci.Imm(0))
	p.exit(0)
	cpu := NewCPU(types.Width64, mem, nil)
	if _, err := Execute(cpu, p.buf, 1); err != nil {
		t.Fatal(err)
	}
	if int64(cpu.Regs[rA]) != -2 || cpu.Regs[rB] != 0xfeff || cpu.Regs[rC] != 0xfe {
		t.Errorf("loads = %#x %#x %#x", cpu.Regs[rA], cpu.Regs[rB], cpu.Regs[rC])
	}
}

func TestGuestDoubleWord32(t *testing.T) {
	mem := newRecordingMem()
	p := newProg(t)
	p.movi(rA, 0x11)
	p.op(tci.OpQst8Le, rA, rB, tci.Reg(rC), tci.Imm(0))
	p.op(tci.OpQld8Le, rD, rE, tci.Reg(rB), tci.Imm(0))
	p.exit(0)
	cpu := NewCPU(types.Width32, mem, nil)
	cpu.Regs[rB] = 0x200
	cpu.Regs[rC] = 0x22
	if _, err := Execute(cpu, p.buf, 1); err != nil {
		t.Fatal(err)
	}
	if mem.stores[0] != 0x11_00000022 {
		t.Errorf("stored %#x, want hi from R and lo from X", mem.stores[0])
	}
	if cpu.Regs[rD] != 0x22 || cpu.Regs[rE] != 0x11 {
		t.Errorf("qld8 = %#x:%#x", cpu.Regs[rE], cpu.Regs[rD])
	}
}

func TestGuestFault(t *testing.T) {
	ram, err := softmmu.NewRAM(4 * softmmu.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer ram.Close()
	mmu, err := softmmu.NewMMU(ram, nil, softmmu.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	p := newProg(t)
	p.movi(rA, 0x1000)
	at := p.op(tci.OpQld4uLe, rB, 0, tci.Reg(rA), tci.Imm(0))
	p.exit(1)

	_, err = Execute(NewCPU(types.Width64, mmu, nil), p.buf, 1)
	var f *softmmu.Fault
	if !stderrors.As(err, &f) {
		t.Fatalf("err = %v, want a fault", err)
	}
	if f.Kind != softmmu.FaultUnmapped || f.Addr != 0x1000 || f.RetAddr != at {
		t.Errorf("fault = %+v", f)
	}
}

func TestDivideByZero(t *testing.T) {
	p := newProg(t)
	p.movi(rA, 1)
	at := p.op(tci.OpDivs, rB, 0, tci.Reg(rA), tci.Reg(rC))
	p.exit(0)
	_, err := Execute(NewCPU(types.Width64, nil, nil), p.buf, 1)
	var f *softmmu.Fault
	if !stderrors.As(err, &f) || f.Kind != softmmu.FaultDivideByZero || f.RetAddr != at {
		t.Errorf("err = %v", err)
	}
}

func TestHostLoadStore(t *testing.T) {
	p := newProg(t)
	p.movi(rA, -2)
	p.op(tci.OpSt4, 0, rVP, tci.Reg(rA), tci.Imm(16))
	p.op(tci.OpLd2s, rB, rVP, tci.Imm(0), tci.Imm(16))
	p.op(tci.OpLd4u, rC, rVP, tci.Imm(0), tci.Imm(16))
	p.op(tci.OpLd1u, rD, rSP, tci.Imm(0), tci.Imm(0))
	p.exit(0)
	cpu := NewCPU(types.Width64, nil, nil)
	cpu.Stack[0] = 0x7f
	if _, err := Execute(cpu, p.buf, 1); err != nil {
		t.Fatal(err)
	}
	if int64(cpu.Regs[rB]) != -2 || cpu.Regs[rC] != 0xfffffffe || cpu.Regs[rD] != 0x7f {
		t.Errorf("host loads = %#x %#x %#x", cpu.Regs[rB], cpu.Regs[rC], cpu.Regs[rD])
	}

	bad := newProg(t)
	bad.op(tci.OpLd4u, rB, rVP, tci.Imm(0), tci.Imm(2))
	bad.exit(0)
	if _, err := Execute(cpu, bad.buf, 1); !errors.IsInternalError(err) {
		t.Errorf("unaligned host load: err = %v", err)
	}
}

func TestHelperCall(t *testing.T) {
	tbl := helper.NewTable()
	h := tbl.MustRegister("sum3", func(f *helper.Frame) (uint64, error) {
		return f.Args[0] + f.Args[1] + f.Args[2], nil
	}, helper.Signature{Args: []helper.Kind{helper.I64, helper.I64, helper.I64}, Ret: helper.I64})

	p := newProg(t)
	p.movi(rA, 10)
	p.movi(rB, 20)
	p.movi(rC, 30)
	p.op(tci.OpSt8, 0, rSP, tci.Reg(rA), tci.Imm(0))
	p.op(tci.OpSt8, 0, rSP, tci.Reg(rB), tci.Imm(8))
	p.op(tci.OpSt8, 0, rSP, tci.Reg(rC), tci.Imm(16))
	call := p.op(tci.OpCall8, rA, 0, tci.Imm(0), tci.Imm(int32(h)))
	p.exit(0)

	cpu := NewCPU(types.Width64, nil, tbl)
	if _, err := Execute(cpu, p.buf, 1); err != nil {
		t.Fatal(err)
	}
	if cpu.Regs[rA] != 60 {
		t.Errorf("call8 result = %d, want 60", cpu.Regs[rA])
	}
	if cpu.TBPtr != call {
		t.Errorf("TBPtr = %d, want %d", cpu.TBPtr, call)
	}
}

func TestHelperErrorStopsExecution(t *testing.T) {
	tbl := helper.NewTable()
	if err := helper.RegisterBuiltins(tbl, nil); err != nil {
		t.Fatal(err)
	}
	h, _ := tbl.ByName("abort")
	p := newProg(t)
	p.op(tci.OpCall0, 0, 0, tci.Imm(0), tci.Imm(int32(h)))
	p.exit(1)
	_, err := Execute(NewCPU(types.Width64, nil, tbl), p.buf, 1)
	var ab *helper.Abort
	if !stderrors.As(err, &ab) {
		t.Errorf("err = %v, want abort", err)
	}
}

func TestGotoPtr(t *testing.T) {
	p := newProg(t)
	p.op(tci.OpGotoPtr, 0, 0, tci.Imm(0), tci.Reg(rA))
	target := p.buf.Len()
	p.exit(9)
	cpu := NewCPU(types.Width64, nil, nil)
	if ret, err := Execute(cpu, p.buf, 1); err != nil || ret != 0 {
		t.Errorf("null goto_ptr = %d, %v", ret, err)
	}
	cpu.Regs[rA] = types.Register(target)
	if ret, err := Execute(cpu, p.buf, 1); err != nil || ret != 9 {
		t.Errorf("goto_ptr = %d, %v", ret, err)
	}
}

func TestGotoTB(t *testing.T) {
	p := newProg(t)
	slot := p.buf.AllocJumpSlot()
	p.op(tci.OpGotoTB, 0, 0, tci.Imm(0), tci.Imm(int32(slot)))
	p.exit(1)
	linked := p.buf.Len()
	p.exit(2)

	cpu := NewCPU(types.Width64, nil, nil)
	if ret, _ := Execute(cpu, p.buf, 1); ret != 1 {
		t.Errorf("unlinked goto_tb exit = %d, want 1", ret)
	}
	if err := p.buf.SetJumpSlot(slot, linked); err != nil {
		t.Fatal(err)
	}
	if ret, _ := Execute(cpu, p.buf, 1); ret != 2 {
		t.Errorf("linked goto_tb exit = %d, want 2", ret)
	}
}

func TestReservedRegisterWrite(t *testing.T) {
	p := newProg(t)
	p.op(tci.OpAdd, rVP, 0, tci.Imm(0), tci.Imm(1))
	p.exit(0)
	cpu := NewCPU(types.Width64, nil, nil)
	_, err := Execute(cpu, p.buf, 1)
	if !errors.IsInternalError(err) {
		t.Fatalf("err = %v, want internal error", err)
	}
	if pc, ok := errors.PCOf(err); !ok || pc != 1 {
		t.Errorf("error located at %d (%v), want 1", pc, ok)
	}
}

func TestStepLimitAndInterrupt(t *testing.T) {
	p := newProg(t)
	p.op(tci.OpB, 0, 0, tci.Imm(0), tci.Imm(-1))

	cpu := NewCPU(types.Width64, nil, nil)
	cpu.MaxSteps = 100
	if _, err := Execute(cpu, p.buf, 1); err != ErrStepLimit {
		t.Errorf("err = %v, want step limit", err)
	}

	cpu.Reset()
	cpu.MaxSteps = 0
	cpu.Interrupt()
	if _, err := Execute(cpu, p.buf, 1); err != ErrInterrupted {
		t.Errorf("err = %v, want interrupted", err)
	}
}

type countingTracer struct {
	pcs []types.CodeAddr
}

func (c *countingTracer) Step(pc types.CodeAddr, insn tci.Word, cpu *CPU) error {
	c.pcs = append(c.pcs, pc)
	return nil
}

func TestTracerSeesExtensionWords(t *testing.T) {
	p := newProg(t)
	p.movi(rA, 1<<20)
	p.exit(0)
	tr := &countingTracer{}
	cpu := NewCPU(types.Width64, nil, nil)
	cpu.Tracer = tr
	if _, err := Execute(cpu, p.buf, 1); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]types.CodeAddr{1, 3}, tr.pcs); diff != "" {
		t.Errorf("traced pcs (-want +got):\n%s", diff)
	}
}

func TestRunOffEnd(t *testing.T) {
	p := newProg(t)
	p.movi(rA, 1)
	if _, err := Execute(NewCPU(types.Width64, nil, nil), p.buf, 1); !errors.IsInternalError(err) {
		t.Errorf("err = %v, want internal error", err)
	}
}

package softmmu

import (
	stderrors "errors"
	"testing"

	"tci/pkg/types"
)

func newTestMMU(t *testing.T, cfg Config) *MMU {
	t.Helper()
	ram, err := NewRAM(16 * PageSize)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	t.Cleanup(func() { ram.Close() })
	if err := ram.MutateAccessRange(0, 8*PageSize, ReadWrite); err != nil {
		t.Fatal(err)
	}
	if err := ram.MutateAccessRange(8*PageSize, 4*PageSize, ReadOnly); err != nil {
		t.Fatal(err)
	}
	m, err := NewMMU(ram, nil, cfg)
	if err != nil {
		t.Fatalf("NewMMU: %v", err)
	}
	return m
}

// TestFastSlowEquivalence loads every width through a cold TLB (slow path)
// and again through the primed entry (fast path).
func TestFastSlowEquivalence(t *testing.T) {
	m := newTestMMU(t, DefaultConfig())
	data := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa}
	if err := m.RAM().Write(0x1000, data); err != nil {
		t.Fatal(err)
	}

	ops := []types.MemOp{
		types.MOUB, types.MOSB, types.MOLEUW, types.MOBESW, types.MOLEUL,
		types.MOBEUL, types.MOLESL, types.MOLEQ, types.MOBEQ,
	}
	for _, op := range ops {
		m.Flush()
		before := m.Stats()
		slow, err := m.Load(0x1000, op, 0, 1)
		if err != nil {
			t.Fatalf("%v slow load: %v", op, err)
		}
		mid := m.Stats()
		if mid.Misses != before.Misses+1 {
			t.Fatalf("%v: expected a miss on cold TLB", op)
		}
		fast, err := m.Load(0x1000, op, 0, 2)
		if err != nil {
			t.Fatalf("%v fast load: %v", op, err)
		}
		if m.Stats().Hits != mid.Hits+1 {
			t.Fatalf("%v: expected a hit on primed TLB", op)
		}
		if slow != fast {
			t.Errorf("%v: slow %#x != fast %#x", op, slow, fast)
		}
	}
}

func TestEndianness(t *testing.T) {
	m := newTestMMU(t, DefaultConfig())
	if err := m.Store(0x2000, 0x0102030405060708, types.MOBEQ, 0, 1); err != nil {
		t.Fatal(err)
	}
	raw, err := m.RAM().Read(0x2000, 8)
	if err != nil {
		t.Fatal(err)
	}
	if raw[0] != 0x01 || raw[7] != 0x08 {
		t.Errorf("big-endian store wrote % x", raw)
	}
	le, _ := m.Load(0x2000, types.MOLEQ, 0, 1)
	if le != 0x0807060504030201 {
		t.Errorf("little-endian reload = %#x", le)
	}
	sw, _ := m.Load(0x2006, types.MOLESW, 0, 1)
	if sw != 0x0807 {
		t.Errorf("lesw = %#x, want 0x807", sw)
	}
	m.Store(0x2010, 0xff80, types.MOLEUW, 0, 1)
	sb, _ := m.Load(0x2010, types.MOSB, 0, 1)
	if int64(sb) != -128 {
		t.Errorf("sb = %d, want -128", int64(sb))
	}
}

func TestFaults(t *testing.T) {
	m := newTestMMU(t, DefaultConfig())

	_, err := m.Load(14*PageSize, types.MOLEUL, 0, 7)
	var f *Fault
	if !stderrors.As(err, &f) {
		t.Fatalf("load from inaccessible page: err = %v, want *Fault", err)
	}
	if f.Kind != FaultUnmapped || f.Access != types.AccessRead || f.RetAddr != 7 || f.Addr != 14*PageSize {
		t.Errorf("fault = %+v", f)
	}

	// Read-only pages load but refuse stores, even with a primed read entry.
	if _, err := m.Load(8*PageSize, types.MOLEUL, 0, 1); err != nil {
		t.Fatalf("load from read-only page: %v", err)
	}
	err = m.Store(8*PageSize, 1, types.MOLEUL, 0, 9)
	if !stderrors.As(err, &f) || f.Kind != FaultProtection || f.Access != types.AccessWrite {
		t.Errorf("store to read-only page: err = %v", err)
	}

	if _, err := m.Load(1<<40, types.MOUB, 0, 1); !stderrors.As(err, &f) {
		t.Errorf("load beyond ram: err = %v", err)
	}
	if _, err := m.Load(0, types.MOUB, 99, 1); !stderrors.As(err, &f) {
		t.Errorf("bad mmu index: err = %v", err)
	}
	if m.Stats().Faults == 0 {
		t.Error("fault counter not incremented")
	}
}

func TestFaultLeavesMemoryUntouched(t *testing.T) {
	m := newTestMMU(t, DefaultConfig())
	// Straddles the last writable page and the first read-only one.
	addr := uint64(8*PageSize - 2)
	if err := m.Store(addr, 0xffffffff, types.MOLEUL, 0, 1); err == nil {
		t.Fatal("expected protection fault")
	}
	raw, _ := m.RAM().Read(addr, 2)
	if raw[0] != 0 || raw[1] != 0 {
		t.Errorf("partial store leaked: % x", raw)
	}
}

func TestAlignment(t *testing.T) {
	relaxed := newTestMMU(t, DefaultConfig())
	if err := relaxed.Store(0x1001, 0xdeadbeef, types.MOLEUL, 0, 1); err != nil {
		t.Fatalf("relaxed unaligned store: %v", err)
	}
	// Unaligned accesses never take the fast path, even with a primed entry.
	before := relaxed.Stats()
	v, err := relaxed.Load(0x1001, types.MOLEUL, 0, 1)
	if err != nil || v != 0xdeadbeef {
		t.Fatalf("relaxed unaligned load = %#x, %v", v, err)
	}
	if relaxed.Stats().Hits != before.Hits {
		t.Error("unaligned access hit the fast path")
	}

	// Crossing a page boundary.
	cross := uint64(2*PageSize - 3)
	if err := relaxed.Store(cross, 0x1122334455667788, types.MOBEQ, 0, 1); err != nil {
		t.Fatal(err)
	}
	if v, _ := relaxed.Load(cross, types.MOBEQ, 0, 1); v != 0x1122334455667788 {
		t.Errorf("cross-page load = %#x", v)
	}

	cfg := DefaultConfig()
	cfg.Align = AlignStrict
	strict := newTestMMU(t, cfg)
	_, err = strict.Load(0x1002, types.MOLEUL, 0, 5)
	var f *Fault
	if !stderrors.As(err, &f) || f.Kind != FaultUnaligned || f.RetAddr != 5 {
		t.Errorf("strict unaligned load: err = %v", err)
	}
	if _, err := strict.Load(0x1004, types.MOLEUL, 0, 5); err != nil {
		t.Errorf("strict aligned load: %v", err)
	}
}

func TestProtectFlushesTLB(t *testing.T) {
	m := newTestMMU(t, DefaultConfig())
	if err := m.Store(0x3000, 1, types.MOLEQ, 0, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.Protect(0x3000, PageSize, ReadOnly); err != nil {
		t.Fatal(err)
	}
	if err := m.Store(0x3000, 2, types.MOLEQ, 0, 1); err == nil {
		t.Error("store through stale TLB entry succeeded after Protect")
	}
}

func TestPageTableTranslator(t *testing.T) {
	ram, err := NewRAM(4 * PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer ram.Close()

	pt := NewPageTable()
	// Two guest pages alias host page 1.
	if err := pt.Map(0x40000000, PageSize, PageSize, ReadWrite); err != nil {
		t.Fatal(err)
	}
	if err := pt.Map(0x50000000, PageSize, PageSize, ReadOnly); err != nil {
		t.Fatal(err)
	}
	pt.RestrictModes(0x40000000, 1)
	m, err := NewMMU(ram, pt, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Store(0x40000010, 0xabcd, types.MOLEUW, 0, 1); err != nil {
		t.Fatal(err)
	}
	if v, err := m.Load(0x50000010, types.MOLEUW, 0, 1); err != nil || v != 0xabcd {
		t.Errorf("alias load = %#x, %v", v, err)
	}
	if _, err := m.Load(0x40000010, types.MOLEUW, 2, 1); err == nil {
		t.Error("restricted page visible to mmu mode 2")
	}
	if err := m.Store(0x50000010, 1, types.MOLEUW, 0, 1); err == nil {
		t.Error("store to read-only alias succeeded")
	}

	pt.Unmap(0x40000000, PageSize)
	m.FlushPage(0x40000000)
	if _, err := m.Load(0x40000010, types.MOLEUW, 0, 1); err == nil {
		t.Error("load after unmap succeeded")
	}
	if err := pt.Map(0x1001, 0, PageSize, ReadWrite); err == nil {
		t.Error("unaligned map accepted")
	}
}

func TestTLB(t *testing.T) {
	if _, err := NewTLB(100); err == nil {
		t.Error("non power of two size accepted")
	}
	tlb, _ := NewTLB(4)
	tlb.Fill(0x5123, 0x2000, ReadOnly)
	e := tlb.Entry(0x5000)
	if e.AddrRead != 0x5000 || e.AddrWrite != InvalidTag || 0x5123+e.Addend != 0x2123 {
		t.Errorf("entry = %+v", *e)
	}
	tlb.FlushPage(0x9000) // same slot, different page: must not evict
	if tlb.Entry(0x5000).AddrRead != 0x5000 {
		t.Error("FlushPage evicted an unrelated page")
	}
	tlb.FlushPage(0x5fff)
	if tlb.Entry(0x5000).AddrRead != InvalidTag {
		t.Error("FlushPage kept the page")
	}
}

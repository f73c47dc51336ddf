package softmmu

import (
	"encoding/binary"
	"fmt"

	"github.com/tliron/commonlog"

	"tci/pkg/constants"
	"tci/pkg/types"
)

var log = commonlog.GetLogger("tci.softmmu")

// AlignPolicy selects what the slow path does with unaligned accesses.
// Either way they never hit the fast path.
type AlignPolicy uint8

const (
	AlignRelaxed AlignPolicy = iota
	AlignStrict
)

func ParseAlignPolicy(s string) (AlignPolicy, error) {
	switch s {
	case "", "relaxed":
		return AlignRelaxed, nil
	case "strict":
		return AlignStrict, nil
	}
	return 0, fmt.Errorf("unknown alignment policy %q", s)
}

func (p AlignPolicy) String() string {
	if p == AlignStrict {
		return "strict"
	}
	return "relaxed"
}

type Config struct {
	TLBSize  int
	NumModes int
	Align    AlignPolicy
}

func DefaultConfig() Config {
	return Config{
		TLBSize:  constants.DefaultTLBSize,
		NumModes: constants.NumMMUModes,
		Align:    AlignRelaxed,
	}
}

type Stats struct {
	Hits   uint64
	Misses uint64
	Fills  uint64
	Faults uint64
}

// MMU is the guest memory of one execution context. It is not safe for
// concurrent use; each CPU owns its own MMU.
type MMU struct {
	ram   *RAM
	tr    Translator
	tlbs  []*TLB
	align AlignPolicy
	stats Stats
}

// NewMMU builds an MMU over ram. A nil translator maps guest addresses
// one to one onto ram.
func NewMMU(ram *RAM, tr Translator, cfg Config) (*MMU, error) {
	if ram == nil {
		return nil, fmt.Errorf("mmu requires ram")
	}
	if cfg.NumModes <= 0 {
		return nil, fmt.Errorf("mmu needs at least one mode, got %d", cfg.NumModes)
	}
	if tr == nil {
		tr = ram
	}
	m := &MMU{ram: ram, tr: tr, align: cfg.Align}
	for i := 0; i < cfg.NumModes; i++ {
		tlb, err := NewTLB(cfg.TLBSize)
		if err != nil {
			return nil, err
		}
		m.tlbs = append(m.tlbs, tlb)
	}
	return m, nil
}

func (m *MMU) RAM() *RAM {
	return m.ram
}

func (m *MMU) Stats() Stats {
	return m.stats
}

// TLB returns the table for an MMU mode.
func (m *MMU) TLB(mmuIdx int) *TLB {
	return m.tlbs[mmuIdx]
}

// Flush invalidates every mode's TLB.
func (m *MMU) Flush() {
	for _, t := range m.tlbs {
		t.Flush()
	}
}

// FlushPage invalidates addr's page in every mode.
func (m *MMU) FlushPage(addr uint64) {
	for _, t := range m.tlbs {
		t.FlushPage(addr)
	}
}

func (m *MMU) tlb(mmuIdx int, addr uint64, t types.AccessType, retaddr types.CodeAddr) (*TLB, error) {
	if mmuIdx < 0 || mmuIdx >= len(m.tlbs) {
		return nil, &Fault{Addr: addr, Access: t, Kind: FaultUnmapped, MMUIdx: mmuIdx, RetAddr: retaddr}
	}
	return m.tlbs[mmuIdx], nil
}

// Load performs a guest load. The fast path compares the masked address
// against the cached read tag; everything else goes to the slow path.
func (m *MMU) Load(addr uint64, op types.MemOp, mmuIdx int, retaddr types.CodeAddr) (uint64, error) {
	tlb, err := m.tlb(mmuIdx, addr, types.AccessRead, retaddr)
	if err != nil {
		return 0, err
	}
	size := op.Size()
	mask := PageMask | uint64(size-1)
	e := tlb.Entry(addr)
	if addr&mask == e.AddrRead {
		m.stats.Hits++
		host := addr + e.Addend
		return op.Extend(readHost(m.ram.buffer[host:host+uint64(size)], op)), nil
	}
	m.stats.Misses++
	v, err := m.slowLoad(tlb, addr, op, mmuIdx, retaddr)
	if err != nil {
		return 0, err
	}
	return op.Extend(v), nil
}

// Store performs a guest store.
func (m *MMU) Store(addr, val uint64, op types.MemOp, mmuIdx int, retaddr types.CodeAddr) error {
	tlb, err := m.tlb(mmuIdx, addr, types.AccessWrite, retaddr)
	if err != nil {
		return err
	}
	size := op.Size()
	mask := PageMask | uint64(size-1)
	e := tlb.Entry(addr)
	if addr&mask == e.AddrWrite {
		m.stats.Hits++
		host := addr + e.Addend
		writeHost(m.ram.buffer[host:host+uint64(size)], op, val)
		return nil
	}
	m.stats.Misses++
	return m.slowStore(tlb, addr, val, op, mmuIdx, retaddr)
}

// fill translates addr's page and refills its TLB slot. It returns the host
// offset of addr.
func (m *MMU) fill(tlb *TLB, addr uint64, t types.AccessType, mmuIdx int, retaddr types.CodeAddr) (uint64, error) {
	hostPage, access, err := m.tr.Translate(addr, t, mmuIdx)
	if err != nil {
		m.stats.Faults++
		if f, ok := err.(*Fault); ok {
			f.RetAddr = retaddr
			f.MMUIdx = mmuIdx
			log.Debugf("fault: %v", f)
			return 0, f
		}
		return 0, err
	}
	if hostPage&(PageSize-1) != 0 || hostPage >= m.ram.Size() {
		return 0, fmt.Errorf("translator returned host page %#x outside ram", hostPage)
	}
	tlb.Fill(addr, hostPage, access)
	m.stats.Fills++
	log.Debugf("tlb fill: mmu %d page %#x -> host %#x (%v)", mmuIdx, addr&PageMask, hostPage, access)
	return hostPage + addr&(PageSize-1), nil
}

func (m *MMU) checkAlign(addr uint64, op types.MemOp, t types.AccessType, mmuIdx int, retaddr types.CodeAddr) (bool, error) {
	size := uint64(op.Size())
	if addr&(size-1) == 0 {
		return true, nil
	}
	if m.align == AlignStrict {
		m.stats.Faults++
		return false, &Fault{Addr: addr, Access: t, Kind: FaultUnaligned, MMUIdx: mmuIdx, RetAddr: retaddr}
	}
	return false, nil
}

func crossesPage(addr uint64, size int) bool {
	return (addr&(PageSize-1))+uint64(size) > PageSize
}

func (m *MMU) slowLoad(tlb *TLB, addr uint64, op types.MemOp, mmuIdx int, retaddr types.CodeAddr) (uint64, error) {
	aligned, err := m.checkAlign(addr, op, types.AccessRead, mmuIdx, retaddr)
	if err != nil {
		return 0, err
	}
	size := op.Size()
	if !aligned && crossesPage(addr, size) {
		var raw [8]byte
		for i := 0; i < size; i++ {
			host, err := m.fill(tlb, addr+uint64(i), types.AccessRead, mmuIdx, retaddr)
			if err != nil {
				return 0, err
			}
			raw[i] = m.ram.buffer[host]
		}
		return readHost(raw[:size], op), nil
	}
	host, err := m.fill(tlb, addr, types.AccessRead, mmuIdx, retaddr)
	if err != nil {
		return 0, err
	}
	return readHost(m.ram.buffer[host:host+uint64(size)], op), nil
}

func (m *MMU) slowStore(tlb *TLB, addr, val uint64, op types.MemOp, mmuIdx int, retaddr types.CodeAddr) error {
	aligned, err := m.checkAlign(addr, op, types.AccessWrite, mmuIdx, retaddr)
	if err != nil {
		return err
	}
	size := op.Size()
	if !aligned && crossesPage(addr, size) {
		// Translate every byte before writing any so a fault leaves memory untouched.
		var hosts [8]uint64
		for i := 0; i < size; i++ {
			host, err := m.fill(tlb, addr+uint64(i), types.AccessWrite, mmuIdx, retaddr)
			if err != nil {
				return err
			}
			hosts[i] = host
		}
		var raw [8]byte
		writeHost(raw[:size], op, val)
		for i := 0; i < size; i++ {
			m.ram.buffer[hosts[i]] = raw[i]
		}
		return nil
	}
	host, err := m.fill(tlb, addr, types.AccessWrite, mmuIdx, retaddr)
	if err != nil {
		return err
	}
	writeHost(m.ram.buffer[host:host+uint64(size)], op, val)
	return nil
}

func readHost(b []byte, op types.MemOp) uint64 {
	switch op.Size() {
	case 1:
		return uint64(b[0])
	case 2:
		if op.BigEndian() {
			return uint64(binary.BigEndian.Uint16(b))
		}
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		if op.BigEndian() {
			return uint64(binary.BigEndian.Uint32(b))
		}
		return uint64(binary.LittleEndian.Uint32(b))
	}
	if op.BigEndian() {
		return binary.BigEndian.Uint64(b)
	}
	return binary.LittleEndian.Uint64(b)
}

func writeHost(b []byte, op types.MemOp, v uint64) {
	switch op.Size() {
	case 1:
		b[0] = byte(v)
	case 2:
		if op.BigEndian() {
			binary.BigEndian.PutUint16(b, uint16(v))
		} else {
			binary.LittleEndian.PutUint16(b, uint16(v))
		}
	case 4:
		if op.BigEndian() {
			binary.BigEndian.PutUint32(b, uint32(v))
		} else {
			binary.LittleEndian.PutUint32(b, uint32(v))
		}
	default:
		if op.BigEndian() {
			binary.BigEndian.PutUint64(b, v)
		} else {
			binary.LittleEndian.PutUint64(b, v)
		}
	}
}

// Protect changes the permission of a RAM range and drops any cached
// translation for it. It only makes sense with the identity translator.
func (m *MMU) Protect(start, length uint64, access Access) error {
	if err := m.ram.MutateAccessRange(start, length, access); err != nil {
		return err
	}
	for page := start & PageMask; page < start+length; page += PageSize {
		m.FlushPage(page)
	}
	return nil
}

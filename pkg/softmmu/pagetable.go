package softmmu

import (
	"fmt"
	"sync"

	"tci/pkg/types"
)

type pte struct {
	hostPage uint64
	access   Access
}

// PageTable is a Translator with an explicit guest-to-host page mapping.
// The same host page may back several guest pages.
type PageTable struct {
	mu      sync.RWMutex
	entries map[uint64]pte
	// modeLimit restricts a page to MMU modes below the given limit; zero
	// means every mode may use it.
	modeLimit map[uint64]int
}

func NewPageTable() *PageTable {
	return &PageTable{
		entries:   make(map[uint64]pte),
		modeLimit: make(map[uint64]int),
	}
}

// Map installs length bytes of mappings starting at vaddr -> hostAddr. Both
// addresses must be page aligned.
func (p *PageTable) Map(vaddr, hostAddr, length uint64, access Access) error {
	if vaddr&(PageSize-1) != 0 || hostAddr&(PageSize-1) != 0 {
		return fmt.Errorf("map %#x -> %#x: addresses must be page aligned", vaddr, hostAddr)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for off := uint64(0); off < TotalSizeNeededPages(length); off += PageSize {
		p.entries[vaddr+off] = pte{hostPage: hostAddr + off, access: access}
	}
	return nil
}

// RestrictModes makes the page at vaddr visible only to MMU modes < limit.
func (p *PageTable) RestrictModes(vaddr uint64, limit int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modeLimit[vaddr&PageMask] = limit
}

// Unmap removes mappings. Callers must flush the TLB pages they cover.
func (p *PageTable) Unmap(vaddr, length uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for off := uint64(0); off < TotalSizeNeededPages(length); off += PageSize {
		delete(p.entries, (vaddr&PageMask)+off)
		delete(p.modeLimit, (vaddr&PageMask)+off)
	}
}

func (p *PageTable) Translate(vaddr uint64, t types.AccessType, mmuIdx int) (uint64, Access, error) {
	page := vaddr & PageMask
	p.mu.RLock()
	e, ok := p.entries[page]
	limit := p.modeLimit[page]
	p.mu.RUnlock()
	if !ok || e.access == Inaccessible || (limit > 0 && mmuIdx >= limit) {
		return 0, Inaccessible, &Fault{Addr: vaddr, Access: t, Kind: FaultUnmapped, MMUIdx: mmuIdx}
	}
	if !e.access.Allows(t) {
		return 0, e.access, &Fault{Addr: vaddr, Access: t, Kind: FaultProtection, MMUIdx: mmuIdx}
	}
	return e.hostPage, e.access, nil
}

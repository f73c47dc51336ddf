package softmmu

import (
	"fmt"
)

// InvalidTag never matches a masked address: its low bits are set.
const InvalidTag = ^uint64(0)

// TLBEntry caches one guest page. A tag of InvalidTag disables the
// corresponding access direction.
type TLBEntry struct {
	AddrRead  uint64
	AddrWrite uint64
	Addend    uint64
}

var invalidEntry = TLBEntry{AddrRead: InvalidTag, AddrWrite: InvalidTag}

// TLB is a direct-mapped software TLB for one MMU mode.
type TLB struct {
	entries []TLBEntry
}

func NewTLB(size int) (*TLB, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("tlb size %d must be a positive power of two", size)
	}
	t := &TLB{entries: make([]TLBEntry, size)}
	t.Flush()
	return t, nil
}

func (t *TLB) Size() int {
	return len(t.entries)
}

func (t *TLB) index(addr uint64) uint64 {
	return (addr >> PageBits) & uint64(len(t.entries)-1)
}

// Entry returns the slot addr maps to.
func (t *TLB) Entry(addr uint64) *TLBEntry {
	return &t.entries[t.index(addr)]
}

// Fill installs a mapping from the guest page of vaddr to hostPage.
func (t *TLB) Fill(vaddr, hostPage uint64, access Access) {
	page := vaddr & PageMask
	e := t.Entry(vaddr)
	*e = invalidEntry
	e.Addend = hostPage - page
	if access != Inaccessible {
		e.AddrRead = page
	}
	if access == ReadWrite {
		e.AddrWrite = page
	}
}

// Flush invalidates every entry.
func (t *TLB) Flush() {
	for i := range t.entries {
		t.entries[i] = invalidEntry
	}
}

// FlushPage invalidates the entry caching addr's page, if any.
func (t *TLB) FlushPage(addr uint64) {
	page := addr & PageMask
	e := t.Entry(addr)
	if e.AddrRead == page || e.AddrWrite == page {
		*e = invalidEntry
	}
}

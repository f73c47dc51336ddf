package softmmu

import (
	"fmt"

	"golang.org/x/sys/unix"

	"tci/pkg/constants"
	"tci/pkg/types"
)

const (
	PageSize = constants.PageSize
	PageBits = constants.PageBits
	PageMask = constants.PageMask
)

// Access is the permission of one guest page.
type Access uint8

const (
	Inaccessible Access = iota
	ReadOnly
	ReadWrite
)

func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "ro"
	case ReadWrite:
		return "rw"
	}
	return "none"
}

func (a Access) Allows(t types.AccessType) bool {
	if t == types.AccessWrite {
		return a == ReadWrite
	}
	return a != Inaccessible
}

// TotalSizeNeededPages rounds size up to whole pages.
func TotalSizeNeededPages(size uint64) uint64 {
	return PageSize * ((size + PageSize - 1) / PageSize)
}

// RAM is the host backing store for guest memory. The buffer is an anonymous
// mapping; permissions are tracked in software, one byte per page.
type RAM struct {
	buffer      []byte
	permissions []Access
}

// NewRAM maps size bytes (rounded up to pages). All pages start Inaccessible.
func NewRAM(size uint64) (*RAM, error) {
	size = TotalSizeNeededPages(size)
	if size == 0 {
		return nil, fmt.Errorf("ram size must be nonzero")
	}
	buffer, err := unix.Mmap(
		-1, 0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap RAM: %w", err)
	}
	return &RAM{
		buffer:      buffer,
		permissions: make([]Access, size/PageSize),
	}, nil
}

// Close unmaps the buffer. The RAM must not be used afterwards.
func (r *RAM) Close() error {
	if r.buffer == nil {
		return nil
	}
	err := unix.Munmap(r.buffer)
	r.buffer = nil
	r.permissions = nil
	return err
}

func (r *RAM) Size() uint64 {
	return uint64(len(r.buffer))
}

// Bytes returns the host view of the whole buffer.
func (r *RAM) Bytes() []byte {
	return r.buffer
}

// PageAccess returns the permission of the page containing addr.
func (r *RAM) PageAccess(addr uint64) Access {
	page := addr / PageSize
	if page >= uint64(len(r.permissions)) {
		return Inaccessible
	}
	return r.permissions[page]
}

// MutateAccessRange sets the permission of every page overlapping
// [start, start+length).
func (r *RAM) MutateAccessRange(start, length uint64, access Access) error {
	if length == 0 {
		return nil
	}
	if start >= r.Size() || r.Size()-start < length {
		return fmt.Errorf("access range [%#x, %#x) outside ram of size %#x", start, start+length, r.Size())
	}
	startPage := start / PageSize
	endPage := (start + length + PageSize - 1) / PageSize
	for page := startPage; page < endPage; page++ {
		r.permissions[page] = access
	}
	return nil
}

// checkPermission returns the first address in the range whose page does
// not allow the access.
func (r *RAM) checkPermission(start, length uint64, t types.AccessType) (uint64, bool) {
	if length == 0 {
		return 0, true
	}
	startPage := start / PageSize
	endPage := (start + length - 1) / PageSize
	for page := startPage; page <= endPage; page++ {
		if page >= uint64(len(r.permissions)) || !r.permissions[page].Allows(t) {
			pageStart := page * PageSize
			if pageStart > start {
				return pageStart, false
			}
			return start, false
		}
	}
	return 0, true
}

// Write copies data into RAM, ignoring page permissions. It is the loader
// path used to place code and data before execution.
func (r *RAM) Write(addr uint64, data []byte) error {
	if addr > r.Size() || r.Size()-addr < uint64(len(data)) {
		return fmt.Errorf("write [%#x, %#x) outside ram", addr, addr+uint64(len(data)))
	}
	copy(r.buffer[addr:], data)
	return nil
}

// Read returns a copy of length bytes at addr, checking read permission.
func (r *RAM) Read(addr, length uint64) ([]byte, error) {
	if faultAddr, ok := r.checkPermission(addr, length, types.AccessRead); !ok {
		return nil, &Fault{Addr: faultAddr, Access: types.AccessRead, Kind: FaultUnmapped}
	}
	out := make([]byte, length)
	copy(out, r.buffer[addr:addr+length])
	return out, nil
}

// Translate implements an identity Translator: guest page n is host page n.
func (r *RAM) Translate(vaddr uint64, t types.AccessType, mmuIdx int) (uint64, Access, error) {
	page := vaddr &^ (PageSize - 1)
	if page >= r.Size() {
		return 0, Inaccessible, &Fault{Addr: vaddr, Access: t, Kind: FaultUnmapped, MMUIdx: mmuIdx}
	}
	access := r.PageAccess(page)
	if access == Inaccessible {
		return 0, Inaccessible, &Fault{Addr: vaddr, Access: t, Kind: FaultUnmapped, MMUIdx: mmuIdx}
	}
	if !access.Allows(t) {
		return 0, access, &Fault{Addr: vaddr, Access: t, Kind: FaultProtection, MMUIdx: mmuIdx}
	}
	return page, access, nil
}

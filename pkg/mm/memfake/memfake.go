// Package memfake provides an in-memory mm.AddressSpace sufficient to
// drive the scheduler core's fork/exit page-refcount invariant under
// test, without a real page-table implementation.
package memfake

import (
	"fmt"
	"sync"

	"pastoral.dev/kernel/pkg/mm"
)

const pageSize = 4096

type page struct {
	data []byte
	refs *int
}

// AddressSpace is a toy address space backed by a Go map from page-aligned
// address to a shared page buffer with its own refcount.
type AddressSpace struct {
	mu    sync.Mutex
	pages map[uint64]*page
	next  uint64 // bump allocator for NewAnonRegion
}

// New returns an empty address space.
func New() *AddressSpace {
	return &AddressSpace{pages: make(map[uint64]*page), next: 0x1000}
}

var _ mm.AddressSpace = (*AddressSpace)(nil)

// Fork returns a child sharing every page in as, with each page's
// refcount incremented, matching copy-on-write semantics.
func (as *AddressSpace) Fork() (mm.AddressSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	child := &AddressSpace{pages: make(map[uint64]*page), next: as.next}
	for addr, p := range as.pages {
		*p.refs++
		child.pages[addr] = p
	}
	return child, nil
}

// NewAnonRegion allocates size bytes rounded up to whole pages and maps
// them into as, each with a fresh, unshared refcount of 1.
func (as *AddressSpace) NewAnonRegion(size uint64) (uint64, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if size == 0 {
		return 0, fmt.Errorf("memfake: zero-sized region")
	}
	base := as.next
	pages := (size + pageSize - 1) / pageSize
	for i := uint64(0); i < pages; i++ {
		refs := 1
		as.pages[base+i*pageSize] = &page{data: make([]byte, pageSize), refs: &refs}
	}
	as.next = base + pages*pageSize
	return base, nil
}

// MapFixed maps fresh pages covering [addr, addr+size) at exactly that
// address, leaving any page already present in the range in place. The
// bump allocator is advanced past the mapped range so a later
// NewAnonRegion never lands inside it.
func (as *AddressSpace) MapFixed(addr uint64, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	start := addr - addr%pageSize
	end := addr + size
	for a := start; a < end; a += pageSize {
		if _, ok := as.pages[a]; ok {
			continue
		}
		refs := 1
		as.pages[a] = &page{data: make([]byte, pageSize), refs: &refs}
	}
	if rounded := (end + pageSize - 1) / pageSize * pageSize; rounded > as.next {
		as.next = rounded
	}
	return nil
}

// Write copies data into the mapped pages starting at addr, which must
// already be backed by NewAnonRegion or MapFixed.
func (as *AddressSpace) Write(addr uint64, data []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for len(data) > 0 {
		pageAddr := addr - addr%pageSize
		p, ok := as.pages[pageAddr]
		if !ok {
			return fmt.Errorf("memfake: write to unmapped address %#x", addr)
		}
		off := addr % pageSize
		n := copy(p.data[off:], data)
		data = data[n:]
		addr += uint64(n)
	}
	return nil
}

// Read copies bytes out of the mapped pages starting at addr.
func (as *AddressSpace) Read(addr uint64, p []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for len(p) > 0 {
		pageAddr := addr - addr%pageSize
		pg, ok := as.pages[pageAddr]
		if !ok {
			return fmt.Errorf("memfake: read from unmapped address %#x", addr)
		}
		off := addr % pageSize
		n := copy(p, pg.data[off:])
		p = p[n:]
		addr += uint64(n)
	}
	return nil
}

// Unmap drops the pages covering [addr, addr+size), decrementing each
// page's refcount. Unmapping a hole is a no-op for the missing pages.
func (as *AddressSpace) Unmap(addr uint64, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	start := addr - addr%pageSize
	end := addr + size
	for a := start; a < end; a += pageSize {
		p, ok := as.pages[a]
		if !ok {
			continue
		}
		*p.refs--
		delete(as.pages, a)
	}
	return nil
}

// Release decrements every page's refcount and removes every page from
// as; a page shared with another space stays mapped there.
func (as *AddressSpace) Release() {
	as.mu.Lock()
	defer as.mu.Unlock()

	for addr, p := range as.pages {
		*p.refs--
		delete(as.pages, addr)
	}
}

// PageRefCount returns the refcount of the page containing addr, or 0.
func (as *AddressSpace) PageRefCount(addr uint64) int {
	as.mu.Lock()
	defer as.mu.Unlock()

	pageAddr := addr - addr%pageSize
	p, ok := as.pages[pageAddr]
	if !ok {
		return 0
	}
	return *p.refs
}

package vmm

import (
	"github.com/llenotre/maestro/kernel"
	"github.com/llenotre/maestro/kernel/mem/cache"
	"github.com/llenotre/maestro/kernel/mem/pmm"
)

const (
	// tableEntries is the number of entries per paging level.
	tableEntries = 1024

	// maxPage is the first page index past the addressable range covered
	// by a two-level directory.
	maxPage = Page(tableEntries * tableEntries)
)

var (
	// ErrInvalidMapping is returned when trying to look up a virtual
	// memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAddressOutOfRange is returned for pages past the addressable
	// range covered by the directory.
	ErrAddressOutOfRange = &kernel.Error{Module: "vmm", Message: "virtual address outside the addressable range"}

	errNilTableCache = &kernel.Error{Module: "vmm", Message: "page table cache not provided"}
)

// Table is a second-level page table. Tables are allocated from an object
// cache injected into New so that table exhaustion surfaces as an
// out-of-memory error from Map or Clone.
type Table struct {
	entries [tableEntries]Entry
}

// PageDirectoryTable describes the top-most table in the two-level paging
// scheme. The zero value is not usable; directories are created via New.
type PageDirectoryTable struct {
	tables     [tableEntries]*Table
	tableCache *cache.Cache[Table]
}

// New creates an empty page directory whose second-level tables will be
// allocated on demand from the supplied cache.
func New(tableCache *cache.Cache[Table]) (*PageDirectoryTable, *kernel.Error) {
	if tableCache == nil {
		return nil, errNilTableCache
	}
	return &PageDirectoryTable{tableCache: tableCache}, nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. A missing second-level table is allocated from the directory's table
// cache; allocation failures are propagated to the caller and leave the
// directory unchanged.
func (pdt *PageDirectoryTable) Map(page Page, frame pmm.Frame, flags EntryFlag) *kernel.Error {
	if page >= maxPage {
		return ErrAddressOutOfRange
	}

	table := pdt.tables[page>>10]
	if table == nil {
		var err *kernel.Error
		if table, err = pdt.tableCache.Alloc(); err != nil {
			return err
		}
		pdt.tables[page>>10] = table
	}

	pte := &table.entries[page&(tableEntries-1)]
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	return nil
}

// Resolve returns a pointer to the live page table entry for the given
// virtual address, or ErrInvalidMapping if the address is not mapped. The
// fault-resolution code mutates the returned entry in place.
func (pdt *PageDirectoryTable) Resolve(virtAddr uintptr) (*Entry, *kernel.Error) {
	page := PageFromAddress(virtAddr)
	if page >= maxPage {
		return nil, ErrAddressOutOfRange
	}

	table := pdt.tables[page>>10]
	if table == nil {
		return nil, ErrInvalidMapping
	}

	pte := &table.entries[page&(tableEntries-1)]
	if !pte.HasFlags(FlagPresent) {
		return nil, ErrInvalidMapping
	}
	return pte, nil
}

// Unmap removes a mapping previously installed by a call to Map.
func (pdt *PageDirectoryTable) Unmap(page Page) *kernel.Error {
	pte, err := pdt.Resolve(page.Address())
	if err != nil {
		return err
	}
	pte.ClearFlags(FlagPresent)
	return nil
}

// ProtectRange rewrites the flags of every present entry in the page range
// [start, start + pages*PageSize): set is applied and clear is removed.
// Entries that are not present are skipped.
func (pdt *PageDirectoryTable) ProtectRange(start uintptr, pages int, set, clear EntryFlag) {
	page := PageFromAddress(start)
	for i := 0; i < pages && page < maxPage; i, page = i+1, page+1 {
		table := pdt.tables[page>>10]
		if table == nil {
			continue
		}

		pte := &table.entries[page&(tableEntries-1)]
		if !pte.HasFlags(FlagPresent) {
			continue
		}
		pte.SetFlags(set)
		pte.ClearFlags(clear)
	}
}

// Clone produces a structural copy of the directory referencing the same
// physical frames. If a table allocation fails partway, the partial clone is
// destroyed and the error returned.
func (pdt *PageDirectoryTable) Clone() (*PageDirectoryTable, *kernel.Error) {
	clone, err := New(pdt.tableCache)
	if err != nil {
		return nil, err
	}

	for dirIndex, table := range pdt.tables {
		if table == nil {
			continue
		}

		cloneTable, err := pdt.tableCache.Alloc()
		if err != nil {
			clone.Destroy()
			return nil, err
		}
		cloneTable.entries = table.entries
		clone.tables[dirIndex] = cloneTable
	}
	return clone, nil
}

// Destroy returns every second-level table to the table cache. The directory
// must not be used afterwards.
func (pdt *PageDirectoryTable) Destroy() {
	for dirIndex, table := range pdt.tables {
		if table == nil {
			continue
		}
		pdt.tableCache.Free(table)
		pdt.tables[dirIndex] = nil
	}
}

// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package pagedvector implements the append-only, page-backed
// fixed-record sequence of spec.md §4.5: the building block for
// per-worker slice state (window aggregation hashmaps hang off a
// paged arena, and NLJ build stores rows in a paged vector directly).
package pagedvector

import "fmt"

// DefaultPageSize matches the teacher's VM page granularity
// (vm.PageSize), a convenient default for page-backed arenas.
const DefaultPageSize = 1 << 20

// Vector is an append-only container of entrySize-byte records,
// backed by a list of fixed-size pages. There is no synchronization:
// spec.md §4.5 requires exactly one writer per vector; reads are safe
// once the writer has published (i.e. the caller has established a
// happens-before edge, typically by handing the vector to a trigger
// task after the build side is done writing).
type Vector struct {
	entrySize     int
	pageSize      int
	entriesPerPage int
	pages         [][]byte
	totalEntries  int
}

// New creates an empty Vector of entrySize-byte records, using pages
// of pageSize bytes (rounded down to a whole number of entries).
func New(entrySize, pageSize int) *Vector {
	if entrySize <= 0 {
		panic("pagedvector: entrySize must be positive")
	}
	if pageSize < entrySize {
		pageSize = entrySize
	}
	return &Vector{
		entrySize:      entrySize,
		pageSize:       pageSize,
		entriesPerPage: pageSize / entrySize,
	}
}

// Len returns the total number of entries appended so far.
func (v *Vector) Len() int { return v.totalEntries }

// EntrySize returns the fixed record width.
func (v *Vector) EntrySize() int { return v.entrySize }

// Append copies record (which must be exactly EntrySize() bytes) into
// the vector, allocating a new page if the current one is full, and
// returns the stable slice it was copied into. The returned slice
// remains valid until the Vector itself is discarded (pages are never
// moved or resized).
func (v *Vector) Append(record []byte) []byte {
	if len(record) != v.entrySize {
		panic(fmt.Sprintf("pagedvector: record is %d bytes, want %d", len(record), v.entrySize))
	}
	pageIdx := v.totalEntries / v.entriesPerPage
	slotIdx := v.totalEntries % v.entriesPerPage
	if pageIdx == len(v.pages) {
		v.pages = append(v.pages, make([]byte, v.pageSize))
	}
	page := v.pages[pageIdx]
	off := slotIdx * v.entrySize
	dst := page[off : off+v.entrySize]
	copy(dst, record)
	v.totalEntries++
	return dst
}

// At returns the entry at index, panicking if index is out of bounds
// (spec.md §4.5: "panics on OOB").
func (v *Vector) At(index int) []byte {
	if index < 0 || index >= v.totalEntries {
		panic(fmt.Sprintf("pagedvector: index %d out of bounds (len %d)", index, v.totalEntries))
	}
	pageIdx := index / v.entriesPerPage
	slotIdx := index % v.entriesPerPage
	off := slotIdx * v.entrySize
	return v.pages[pageIdx][off : off+v.entrySize]
}

// Iterate calls fn once per entry, in insertion order, stopping early
// if fn returns false.
func (v *Vector) Iterate(fn func(entry []byte) bool) {
	remaining := v.totalEntries
	for _, page := range v.pages {
		n := v.entriesPerPage
		if remaining < n {
			n = remaining
		}
		for i := 0; i < n; i++ {
			off := i * v.entrySize
			if !fn(page[off : off+v.entrySize]) {
				return
			}
		}
		remaining -= n
	}
}

// CopyFrom appends all entries of other. When v is empty or its last
// page is exactly full, it splices other's page list onto v, which is
// O(pages) rather than O(entries): spec.md §4.5. Otherwise it copies
// other's entries one by one, O(entries). other must not be used
// afterward; this call may transfer ownership of its pages.
func (v *Vector) CopyFrom(other *Vector) {
	if other == nil || other.totalEntries == 0 {
		return
	}
	if other.entrySize != v.entrySize {
		panic("pagedvector: CopyFrom requires matching entry sizes")
	}
	if v.totalEntries%v.entriesPerPage == 0 {
		// v's last page (if any) is exactly full, or v is empty:
		// we can just append other's pages wholesale.
		v.pages = append(v.pages, other.pages...)
		v.totalEntries += other.totalEntries
		return
	}
	// v's tail page has room; entries must stay contiguous within a
	// page for At()'s O(1) indexing to hold, so fall back to a
	// per-entry copy in this case.
	other.Iterate(func(entry []byte) bool {
		v.Append(entry)
		return true
	})
}

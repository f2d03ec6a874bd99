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

package buffer

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

// arena is a fixed-capacity region divided into equal-size pages,
// handed out via an atomic bitmap (one CAS per allocation, same
// scheme as a bitmap page allocator: find a zero bit, CAS it set).
//
// The page memory itself comes from mmapRegion, which is mmap-backed
// on platforms where that is available (see arena_linux.go) and a
// plain heap allocation elsewhere (arena_generic.go).
type arena struct {
	mem      []byte
	pageSize int
	npages   int
	bits     []uint64 // one bit per page; 1 == in use
}

func newArena(pageSize, npages int) *arena {
	if pageSize <= 0 || npages <= 0 {
		panic("buffer: arena requires positive pageSize and npages")
	}
	a := &arena{
		mem:      mmapRegion(pageSize * npages),
		pageSize: pageSize,
		npages:   npages,
		bits:     make([]uint64, (npages+63)/64),
	}
	return a
}

// acquire returns a free page, or nil if the arena is exhausted.
func (a *arena) acquire() []byte {
	for i := range a.bits {
		addr := &a.bits[i]
		for {
			mask := atomic.LoadUint64(addr)
			avail := ^mask
			if avail == 0 {
				break
			}
			bit := bits.TrailingZeros64(avail)
			pfn := i*64 + bit
			if pfn >= a.npages {
				// high bits of the last word are out of range;
				// mark them permanently used so acquire never
				// picks them.
				atomic.CompareAndSwapUint64(addr, mask, mask|(uint64(1)<<bit))
				break
			}
			if atomic.CompareAndSwapUint64(addr, mask, mask|(uint64(1)<<bit)) {
				start := pfn * a.pageSize
				return a.mem[start : start+a.pageSize : start+a.pageSize]
			}
		}
	}
	return nil
}

// release returns a page obtained from acquire back to the arena.
func (a *arena) release(page []byte) {
	pfn := a.pageIndex(page)
	bit := uint64(1) << (pfn % 64)
	addr := &a.bits[pfn/64]
	for {
		mask := atomic.LoadUint64(addr)
		if mask&bit == 0 {
			panic("buffer: double release of arena page")
		}
		if atomic.CompareAndSwapUint64(addr, mask, mask&^bit) {
			return
		}
	}
}

func (a *arena) pageIndex(page []byte) int {
	off := ptrOffset(a.mem, page)
	if off < 0 || off%a.pageSize != 0 {
		panic(fmt.Sprintf("buffer: page %p does not belong to this arena", &page[0]))
	}
	return off / a.pageSize
}

func (a *arena) used() int {
	n := 0
	for i := range a.bits {
		n += bits.OnesCount64(atomic.LoadUint64(&a.bits[i]))
	}
	return n
}

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

//go:build linux

package buffer

import "golang.org/x/sys/unix"

// mmapRegion reserves an anonymous, zero-filled region for page
// arenas. Backed by mmap rather than make([]byte, ...) so that a
// region can be handed to adviseFree, the same tradeoff the teacher's
// VM memory manager makes for its own page arena (vm.Malloc/vm.Free).
// The pools in manager.go never release pages back to the kernel.
func mmapRegion(size int) []byte {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		panic("buffer: mmap failed: " + err.Error())
	}
	return mem
}

// adviseFree hints to the kernel that region can be reclaimed
// immediately, mirroring vm.Free's MADV_FREE call. Nothing in this
// module calls it.
func adviseFree(region []byte) {
	_ = unix.Madvise(region, unix.MADV_FREE)
}

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

import "unsafe"

// ptrOffset returns the byte offset of sub within base, or -1 if sub
// does not point into base. Mirrors the vmdispl() pointer-range check
// the teacher's VM memory manager uses to validate a buffer belongs to
// its reserved region.
func ptrOffset(base, sub []byte) int {
	if len(sub) == 0 || len(base) == 0 {
		return -1
	}
	bp := uintptr(unsafe.Pointer(&base[0]))
	sp := uintptr(unsafe.Pointer(&sub[0]))
	if sp < bp || sp >= bp+uintptr(len(base)) {
		return -1
	}
	return int(sp - bp)
}

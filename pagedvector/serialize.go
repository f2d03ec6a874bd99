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

package pagedvector

import (
	"encoding/binary"
	"fmt"
)

// Serialize encodes v as [entry_size u32][count u32]{entry}*count, the
// NestedLoopJoin operator-state payload a checkpoint.OperatorStateBlob
// wraps (kind 2), per spec.md §6.
func (v *Vector) Serialize() []byte {
	out := make([]byte, 8, 8+v.totalEntries*v.entrySize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(v.entrySize))
	binary.LittleEndian.PutUint32(out[4:8], uint32(v.totalEntries))
	v.Iterate(func(entry []byte) bool {
		out = append(out, entry...)
		return true
	})
	return out
}

// Deserialize rebuilds a Vector from the format written by Serialize.
func Deserialize(data []byte, pageSize int) (*Vector, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("pagedvector: short serialized state: %d bytes", len(data))
	}
	entrySize := int(binary.LittleEndian.Uint32(data[0:4]))
	count := int(binary.LittleEndian.Uint32(data[4:8]))
	want := 8 + count*entrySize
	if len(data) != want {
		return nil, fmt.Errorf("pagedvector: serialized state is %d bytes, want %d", len(data), want)
	}
	v := New(entrySize, pageSize)
	off := 8
	for i := 0; i < count; i++ {
		v.Append(data[off : off+entrySize])
		off += entrySize
	}
	return v, nil
}

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

package hashmap

import (
	"encoding/binary"
	"fmt"
)

// Serialize encodes every entry of m as
// [key_size u32][value_size u32][count u32]{[key][value]}*count,
// the operator-state payload a checkpoint.OperatorStateBlob wraps for
// kinds 0 (Aggregation) and 1 (HashJoin), per spec.md §6.
func (m *Map) Serialize() []byte {
	out := make([]byte, 12, 12+m.count*(m.keySize+m.valueSize))
	binary.LittleEndian.PutUint32(out[0:4], uint32(m.keySize))
	binary.LittleEndian.PutUint32(out[4:8], uint32(m.valueSize))
	binary.LittleEndian.PutUint32(out[8:12], uint32(m.count))
	m.Iterate(func(key, value []byte) bool {
		out = append(out, key...)
		out = append(out, value...)
		return true
	})
	return out
}

// Deserialize rebuilds a Map from the format written by Serialize.
// targetLoad governs the rebuilt map's bucket count the same way it
// does in New.
func Deserialize(data []byte, targetLoad float64) (*Map, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("hashmap: short serialized state: %d bytes", len(data))
	}
	keySize := int(binary.LittleEndian.Uint32(data[0:4]))
	valueSize := int(binary.LittleEndian.Uint32(data[4:8]))
	count := int(binary.LittleEndian.Uint32(data[8:12]))
	entrySize := keySize + valueSize
	want := 12 + count*entrySize
	if len(data) != want {
		return nil, fmt.Errorf("hashmap: serialized state is %d bytes, want %d", len(data), want)
	}
	m := New(keySize, valueSize, count, targetLoad)
	off := 12
	for i := 0; i < count; i++ {
		key := data[off : off+keySize]
		value := data[off+keySize : off+entrySize]
		off += entrySize
		h := Hash64(key)
		dst, _ := m.FindOrInsert(h, key, func(storedKey []byte) bool {
			return false // every key in a fresh rebuild is new; no two source entries share a key
		})
		copy(dst, value)
	}
	return m, nil
}

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

// Package hashmap implements the chained hashmap of spec.md §4.6:
// insert-or-find by hash with chained overflow, entries allocated from
// a paged arena so that returned pointers stay stable across further
// inserts. Used by keyed aggregation (Build) and hash-join.
package hashmap

import (
	"encoding/binary"
	"math/bits"

	"github.com/dchest/siphash"
	"github.com/streamrt/engine/pagedvector"
)

// entryHeaderSize is the fixed "| next_offset | hash |" prefix before
// key_bytes and value_bytes, per spec.md §4.6.
const entryHeaderSize = 16

// hashSeedK0/K1 key the siphash used by Hash64. Fixed, not
// configurable: this is an in-memory hashmap keyed hash, not a
// security boundary, so a fixed key is sufficient to get SipHash's
// avalanche behavior without per-instance setup.
var hashSeedK0, hashSeedK1 uint64 = 0x9ae16a3b2f90404f, 0xc949d7c7509e6557

// Hash64 hashes key bytes with SipHash-2-4, the keyed hash the
// teacher's row-hashing paths use (grounded in SPEC_FULL.md §4's
// dependency table).
func Hash64(key []byte) uint64 {
	return siphash.Hash(hashSeedK0, hashSeedK1, key)
}

// KeyEqFunc reports whether the stored key bytes equal the probe key.
type KeyEqFunc func(storedKey []byte) bool

// Map is a per-thread-local (no internal locking — spec.md §4.6 and
// §5: "Hashmaps used in Build are never shared across threads")
// chained hashmap. Bucket count is fixed at construction from a
// configured target load factor; there is no resize.
type Map struct {
	keySize, valueSize int
	buckets            []uint64 // 0 == empty chain; otherwise 1 + arena index
	arena              *pagedvector.Vector
	count              int
}

// New creates a Map sized for approximately capacityHint entries at
// the given target load factor (entries per bucket). numBuckets is
// rounded up to a power of two.
func New(keySize, valueSize int, capacityHint int, targetLoad float64) *Map {
	if targetLoad <= 0 {
		targetLoad = 1.0
	}
	nb := nextPow2(int(float64(capacityHint)/targetLoad) + 1)
	if nb < 1 {
		nb = 1
	}
	entrySize := entryHeaderSize + keySize + valueSize
	return &Map{
		keySize:   keySize,
		valueSize: valueSize,
		buckets:   make([]uint64, nb),
		arena:     pagedvector.New(entrySize, pagedvector.DefaultPageSize),
	}
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// Len returns the number of entries currently stored.
func (m *Map) Len() int { return m.count }

func (m *Map) bucketIndex(hash uint64) int {
	return int(hash & uint64(len(m.buckets)-1))
}

func (m *Map) entryAt(arenaIdx uint64) []byte {
	return m.arena.At(int(arenaIdx))
}

func entryNext(e []byte) uint64      { return binary.LittleEndian.Uint64(e[0:8]) }
func entryHash(e []byte) uint64      { return binary.LittleEndian.Uint64(e[8:16]) }
func entryKey(e []byte, keySize int) []byte { return e[entryHeaderSize : entryHeaderSize+keySize] }
func entryValue(e []byte, keySize int) []byte {
	return e[entryHeaderSize+keySize:]
}

// FindOrInsert resolves the entry for hash/key: if a matching entry
// already exists (keyEq returns true for it), returns its value bytes
// and wasNew=false. Otherwise allocates a new entry, copies key into
// it, zero-initializes its value bytes, links it at the head of its
// bucket's chain, and returns the new value bytes with wasNew=true.
// The returned slice is stable for the lifetime of the Map (spec.md
// §4.6: "pointers are stable").
func (m *Map) FindOrInsert(hash uint64, key []byte, keyEq KeyEqFunc) (value []byte, wasNew bool) {
	if len(key) != m.keySize {
		panic("hashmap: key size mismatch")
	}
	idx := m.bucketIndex(hash)
	chain := m.buckets[idx]
	for chain != 0 {
		e := m.entryAt(chain - 1)
		if entryHash(e) == hash && keyEq(entryKey(e, m.keySize)) {
			return entryValue(e, m.keySize), false
		}
		chain = entryNext(e)
	}
	// miss: allocate new entry at the head of the chain.
	buf := make([]byte, entryHeaderSize+m.keySize+m.valueSize)
	binary.LittleEndian.PutUint64(buf[0:8], m.buckets[idx])
	binary.LittleEndian.PutUint64(buf[8:16], hash)
	copy(buf[entryHeaderSize:entryHeaderSize+m.keySize], key)
	stored := m.arena.Append(buf)
	m.buckets[idx] = uint64(m.arena.Len()-1) + 1
	m.count++
	return entryValue(stored, m.keySize), true
}

// Iterate calls fn once per entry, in arena (not chain) order, which
// is unspecified per spec.md §4.6 ("chain order undefined for
// iteration").
func (m *Map) Iterate(fn func(key, value []byte) bool) {
	m.arena.Iterate(func(e []byte) bool {
		return fn(entryKey(e, m.keySize), entryValue(e, m.keySize))
	})
}

// MergeInto re-inserts every entry of m into dst by calling
// dst.FindOrInsert and combine on hit, implementing the "combine
// per-thread hashmaps into one by iterating entries and re-inserting"
// step of spec.md §4.9 Aggregation Probe. keyEqual compares two raw
// key byte slices for equality.
func (m *Map) MergeInto(dst *Map, keyEqual func(a, b []byte) bool, combine func(dstValue, srcValue []byte)) {
	m.Iterate(func(key, value []byte) bool {
		h := Hash64(key)
		dstValue, _ := dst.FindOrInsert(h, key, func(storedKey []byte) bool { return keyEqual(storedKey, key) })
		combine(dstValue, value)
		return true
	})
}

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

// SequenceData uniquely identifies an ordered item within one origin:
// the triple (sequence_number, chunk_number, last_chunk) from spec.md
// §3. Total order is lexicographic on (SequenceNumber, ChunkNumber),
// with LastChunk=true closing a chunk family.
type SequenceData struct {
	SequenceNumber uint64
	ChunkNumber    uint32
	LastChunk      bool
}

// Less reports whether sd sorts strictly before other in the total
// order spec.md §3 defines over SequenceData.
func (sd SequenceData) Less(other SequenceData) bool {
	if sd.SequenceNumber != other.SequenceNumber {
		return sd.SequenceNumber < other.SequenceNumber
	}
	return sd.ChunkNumber < other.ChunkNumber
}

// Equal reports whether sd and other identify the same ordered item.
func (sd SequenceData) Equal(other SequenceData) bool {
	return sd.SequenceNumber == other.SequenceNumber && sd.ChunkNumber == other.ChunkNumber
}

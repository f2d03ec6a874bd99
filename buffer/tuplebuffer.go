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
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// WireHeaderSize is the fixed portion of the tuple buffer wire layout
// from spec.md §6, before the variable-length child buffer descriptor
// list.
const WireHeaderSize = 56

// ChildDescriptor is a (size, offset) pair describing one child buffer
// referenced from a TupleBuffer's payload, per spec.md §6.
type ChildDescriptor struct {
	Size   uint64
	Offset uint64
}

// TupleBuffer is a fixed-size, reference-counted region carrying a
// batch of rows plus owned references to variable-sized child
// buffers. See spec.md §3 for the invariants this type must uphold:
//
//   - NumberOfTuples * tupleSize <= capacity of Payload
//   - every child-buffer pointer stored in the payload also appears
//     in Children, so lifetime tracking is complete
//   - WatermarkTS is monotonically non-decreasing for a given
//     (OriginID, SequenceNumber) stream (enforced by callers; this
//     type only stores the value)
type TupleBuffer struct {
	NumberOfTuples uint64
	WatermarkTS    uint64
	SequenceNumber uint64
	ChunkNumber    uint32
	LastChunk      bool
	OriginID       uint64
	CreationTS     uint64

	// Payload is the raw byte region backing this buffer's rows. For
	// pooled buffers this is a page (or several) owned by a Manager;
	// for unpooled buffers it is a plain heap allocation.
	Payload []byte

	// Children lists the child TupleBuffers this buffer's payload
	// references (variable-sized fields). Children are retained while
	// referenced here and released when this buffer's refcount drops
	// to zero.
	Children []*TupleBuffer

	mgr      *Manager
	page     []byte // underlying pool page, nil for unpooled buffers
	owner    *pool  // pool the page must be returned to
	unpooled bool
	refcount int32
}

// Sequence returns the SequenceData identifying this buffer's place
// in its origin's stream.
func (tb *TupleBuffer) Sequence() SequenceData {
	return SequenceData{
		SequenceNumber: tb.SequenceNumber,
		ChunkNumber:    tb.ChunkNumber,
		LastChunk:      tb.LastChunk,
	}
}

// Retain increments the buffer's reference count. Callers that hand a
// TupleBuffer to another goroutine or store it beyond the scope that
// produced it must Retain it first and Release it when done.
func (tb *TupleBuffer) Retain() {
	atomic.AddInt32(&tb.refcount, 1)
}

// Release decrements the reference count. At zero, the buffer's child
// references are released (recursively) and, for pooled buffers, the
// backing page is returned to its owning Manager.
func (tb *TupleBuffer) Release() {
	n := atomic.AddInt32(&tb.refcount, -1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("buffer: TupleBuffer released more times than retained")
	}
	for _, c := range tb.Children {
		c.Release()
	}
	tb.Children = nil
	if tb.unpooled || tb.mgr == nil {
		tb.Payload = nil
		return
	}
	tb.mgr.put(tb)
}

// AddChild appends a child buffer reference and retains it on tb's
// behalf, per the invariant that every stored child pointer keeps its
// buffer alive for at least as long as the parent.
func (tb *TupleBuffer) AddChild(child *TupleBuffer) {
	child.Retain()
	tb.Children = append(tb.Children, child)
}

// Encode writes tb's bit-exact wire representation (spec.md §6) to
// dst, which must have at least tb.WireSize() bytes.
func (tb *TupleBuffer) Encode(dst []byte) int {
	n := tb.WireSize()
	if len(dst) < n {
		panic("buffer: Encode destination too small")
	}
	binary.LittleEndian.PutUint64(dst[0:], tb.NumberOfTuples)
	binary.LittleEndian.PutUint64(dst[8:], tb.WatermarkTS)
	binary.LittleEndian.PutUint64(dst[16:], tb.SequenceNumber)
	binary.LittleEndian.PutUint32(dst[24:], tb.ChunkNumber)
	if tb.LastChunk {
		dst[28] = 1
	} else {
		dst[28] = 0
	}
	dst[29], dst[30], dst[31] = 0, 0, 0
	binary.LittleEndian.PutUint64(dst[32:], tb.OriginID)
	binary.LittleEndian.PutUint64(dst[40:], tb.CreationTS)
	binary.LittleEndian.PutUint64(dst[48:], uint64(len(tb.Children)))
	off := WireHeaderSize
	for _, c := range tb.Children {
		binary.LittleEndian.PutUint64(dst[off:], uint64(len(c.Payload)))
		binary.LittleEndian.PutUint64(dst[off+8:], 0) // offset resolved by the reader's own child table
		off += 16
	}
	off += copy(dst[off:], tb.Payload)
	return off
}

// WireSize returns the number of bytes tb.Encode will write.
func (tb *TupleBuffer) WireSize() int {
	return WireHeaderSize + 16*len(tb.Children) + len(tb.Payload)
}

// DecodeHeader parses the fixed portion of the wire layout and
// returns the header fields plus the number of child descriptors, so
// the caller can read the rest (child descriptors and payload).
func DecodeHeader(src []byte) (tb TupleBuffer, childCount int, err error) {
	if len(src) < WireHeaderSize {
		return TupleBuffer{}, 0, fmt.Errorf("buffer: short header: %d bytes", len(src))
	}
	tb.NumberOfTuples = binary.LittleEndian.Uint64(src[0:])
	tb.WatermarkTS = binary.LittleEndian.Uint64(src[8:])
	tb.SequenceNumber = binary.LittleEndian.Uint64(src[16:])
	tb.ChunkNumber = binary.LittleEndian.Uint32(src[24:])
	tb.LastChunk = src[28] != 0
	tb.OriginID = binary.LittleEndian.Uint64(src[32:])
	tb.CreationTS = binary.LittleEndian.Uint64(src[40:])
	childCount = int(binary.LittleEndian.Uint64(src[48:]))
	return tb, childCount, nil
}

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

// Package window implements the event-time state engine of spec.md
// §4.7-§4.9: the Slice Store, the Watermark Processor, and the
// Aggregation/Join Build and Probe operators built on top of
// buffer/hashmap/pagedvector.
package window

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/streamrt/engine/buffer"
)

// pendingItem is one not-yet-cursor-advancing observation queued for
// an origin: a SequenceData paired with the timestamp it carries.
// Items are kept sorted by SequenceData until every predecessor of
// the lowest pending item has arrived, at which point the cursor
// advances past it (and any other now-contiguous items).
type pendingItem struct {
	sd buffer.SequenceData
	ts uint64
}

// originState tracks one origin's monotonic sequence cursor. seenChunks
// records, for the sequence number the cursor is currently sitting in
// the middle of, which chunk numbers have arrived — spec.md §4.8's
// serialization format carries this same (seq, lastChunk, seenChunks,
// ts) tuple so a chunk family only advances the cursor once every
// chunk up to lastChunk has been seen.
//
// The exact cross-file semantics of chunking within one sequence
// number are called out in spec.md §9 as an open question to be
// recovered from the control-plane owner; this implementation takes
// the conservative, locally-consistent reading: a sequence number's
// watermark only advances once all of its chunks (0..lastChunk) have
// been observed, and all chunks of one sequence share that sequence's
// timestamp (the highest ts reported for any of its chunks).
type originState struct {
	mu         sync.Mutex
	cursorTs   uint64
	curSeq     uint64
	seenChunks map[uint32]bool
	lastChunk  uint32
	haveLast   bool
	maxSeenTs  uint64
	pending    []pendingItem
}

func newOriginState() *originState {
	return &originState{seenChunks: make(map[uint32]bool)}
}

// update folds in one observation, advancing cursorTs as far as
// contiguous chunk/sequence data allows, and returns the resulting
// cursor (unchanged if the observation did not close a gap).
func (o *originState) update(sd buffer.SequenceData, ts uint64) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	if sd.SequenceNumber < o.curSeq {
		// Stale observation for an already-retired sequence: ignore
		// for cursor purposes, it cannot move the watermark backward.
		return o.cursorTs
	}
	if sd.SequenceNumber > o.curSeq {
		o.pending = append(o.pending, pendingItem{sd: sd, ts: ts})
		o.drainPending()
		return o.cursorTs
	}

	o.observeChunk(sd, ts)
	o.drainPending()
	return o.cursorTs
}

func (o *originState) observeChunk(sd buffer.SequenceData, ts uint64) {
	o.seenChunks[sd.ChunkNumber] = true
	if sd.LastChunk {
		o.lastChunk = sd.ChunkNumber
		o.haveLast = true
	}
	if ts > o.maxSeenTs {
		o.maxSeenTs = ts
	}
	if o.haveLast && o.allChunksSeen() {
		o.cursorTs = o.maxSeenTs
		o.curSeq++
		o.seenChunks = make(map[uint32]bool)
		o.haveLast = false
		o.maxSeenTs = 0
	}
}

func (o *originState) allChunksSeen() bool {
	for c := uint32(0); c <= o.lastChunk; c++ {
		if !o.seenChunks[c] {
			return false
		}
	}
	return true
}

// drainPending applies any buffered observations that have become
// the current sequence number after a cursor advance.
func (o *originState) drainPending() {
	for {
		advanced := false
		remaining := o.pending[:0]
		for _, p := range o.pending {
			if p.sd.SequenceNumber == o.curSeq {
				o.observeChunk(p.sd, p.ts)
				advanced = true
			} else {
				remaining = append(remaining, p)
			}
		}
		o.pending = remaining
		if !advanced {
			return
		}
	}
}

// OriginStats reports per-origin bookkeeping, surfaced for observability
// (spec.md's out-of-scope metrics export may consume this).
type OriginStats struct {
	Origin   uint64
	Cursor   uint64
	GapCount int // number of pending (out-of-order) observations not yet folded into the cursor
}

// Processor is the Watermark Processor of spec.md §4.8: per origin, a
// non-blocking monotonic sequence queue coalescing SequenceData into a
// single ts cursor; the global watermark is the minimum across all
// registered origins.
type Processor struct {
	mu      sync.Mutex
	origins map[uint64]*originState
	order   []uint64 // stable origin iteration order, for Stats
}

// NewProcessor creates an empty Watermark Processor; origins register
// implicitly on first Update.
func NewProcessor() *Processor {
	return &Processor{origins: make(map[uint64]*originState)}
}

// Update folds in one observation for origin and returns the new
// global watermark (min cursor across all registered origins).
func (p *Processor) Update(origin uint64, sd buffer.SequenceData, ts uint64) uint64 {
	p.mu.Lock()
	o, ok := p.origins[origin]
	if !ok {
		o = newOriginState()
		p.origins[origin] = o
		p.order = append(p.order, origin)
	}
	p.mu.Unlock()

	o.update(sd, ts)
	return p.GlobalWatermark()
}

// GlobalWatermark returns the minimum cursor across all registered
// origins, or 0 if none are registered yet.
func (p *Processor) GlobalWatermark() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.origins) == 0 {
		return 0
	}
	min := ^uint64(0)
	for _, o := range p.origins {
		o.mu.Lock()
		c := o.cursorTs
		o.mu.Unlock()
		if c < min {
			min = c
		}
	}
	return min
}

// Stats returns a snapshot of every registered origin's cursor and
// pending-gap count, sorted by origin id.
func (p *Processor) Stats() []OriginStats {
	p.mu.Lock()
	origins := append([]uint64(nil), p.order...)
	p.mu.Unlock()

	out := make([]OriginStats, 0, len(origins))
	for _, id := range origins {
		p.mu.Lock()
		o := p.origins[id]
		p.mu.Unlock()

		o.mu.Lock()
		out = append(out, OriginStats{Origin: id, Cursor: o.cursorTs, GapCount: len(o.pending)})
		o.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}

// AdvanceToMax forces every registered origin's cursor to its maximum
// possible value, so that every pending window can trigger. No other
// code in this module calls it; query.Manager.Stop does not.
func (p *Processor) AdvanceToMax() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.origins {
		o.mu.Lock()
		o.cursorTs = ^uint64(0)
		o.mu.Unlock()
	}
	return ^uint64(0)
}

// Serialize encodes the Watermark Processor's full state per spec.md
// §4.8/§6: for each origin, the (seq, last_chunk, seen_chunks, ts)
// tuple the cursor is currently sitting on, plus any queued
// out-of-order pending observations, so that Restore reproduces both
// the current cursor and the exact gaps P5 (checkpoint round-trip)
// requires.
//
//	[n_origins u32]
//	  [origin_id u64][cur_seq u64][cursor_ts u64]
//	  [have_last u8][last_chunk u32][max_seen_ts u64]
//	  [n_seen u32]{chunk u32}*n_seen
//	  [n_pending u32]{seq u64, chunk u32, last_chunk u8, ts u64}*n_pending
func (p *Processor) Serialize() []byte {
	p.mu.Lock()
	origins := append([]uint64(nil), p.order...)
	p.mu.Unlock()

	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(len(origins)))
	for _, id := range origins {
		p.mu.Lock()
		o := p.origins[id]
		p.mu.Unlock()

		o.mu.Lock()
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, id)
		out = append(out, buf...)
		out = appendU64(out, o.curSeq)
		out = appendU64(out, o.cursorTs)
		if o.haveLast {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
		out = appendU32(out, o.lastChunk)
		out = appendU64(out, o.maxSeenTs)
		out = appendU32(out, uint32(len(o.seenChunks)))
		for c := range o.seenChunks {
			out = appendU32(out, c)
		}
		out = appendU32(out, uint32(len(o.pending)))
		for _, pi := range o.pending {
			out = appendU64(out, pi.sd.SequenceNumber)
			out = appendU32(out, pi.sd.ChunkNumber)
			if pi.sd.LastChunk {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
			out = appendU64(out, pi.ts)
		}
		o.mu.Unlock()
	}
	return out
}

func appendU64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// Restore rebuilds a Processor from the format written by Serialize.
func Restore(data []byte) (*Processor, error) {
	r := byteReader{data: data}
	nOrigins, err := r.u32()
	if err != nil {
		return nil, err
	}
	p := NewProcessor()
	for i := uint32(0); i < nOrigins; i++ {
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		o := newOriginState()
		if o.curSeq, err = r.u64(); err != nil {
			return nil, err
		}
		if o.cursorTs, err = r.u64(); err != nil {
			return nil, err
		}
		haveLast, err := r.u8()
		if err != nil {
			return nil, err
		}
		o.haveLast = haveLast != 0
		if o.lastChunk, err = r.u32(); err != nil {
			return nil, err
		}
		if o.maxSeenTs, err = r.u64(); err != nil {
			return nil, err
		}
		nSeen, err := r.u32()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < nSeen; j++ {
			c, err := r.u32()
			if err != nil {
				return nil, err
			}
			o.seenChunks[c] = true
		}
		nPending, err := r.u32()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < nPending; j++ {
			seq, err := r.u64()
			if err != nil {
				return nil, err
			}
			chunk, err := r.u32()
			if err != nil {
				return nil, err
			}
			last, err := r.u8()
			if err != nil {
				return nil, err
			}
			ts, err := r.u64()
			if err != nil {
				return nil, err
			}
			o.pending = append(o.pending, pendingItem{
				sd: buffer.SequenceData{SequenceNumber: seq, ChunkNumber: chunk, LastChunk: last != 0},
				ts: ts,
			})
		}
		p.origins[id] = o
		p.order = append(p.order, id)
	}
	return p, nil
}

// byteReader is a tiny bounds-checked little-endian cursor, used only
// by Restore so each field read reports a short-buffer error instead
// of panicking on corrupt checkpoint data.
type byteReader struct {
	data []byte
	off  int
}

func (r *byteReader) need(n int) error {
	if r.off+n > len(r.data) {
		return fmt.Errorf("window: truncated watermark checkpoint (need %d more bytes at offset %d)", n, r.off)
	}
	return nil
}

func (r *byteReader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

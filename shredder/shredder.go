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

// Package shredder implements the Sequence Shredder of spec.md §4.3:
// lock-free reassembly of tuples spanning raw input buffers, without
// blocking the worker threads that feed it and while preserving
// source order.
//
// The design mirrors the teacher's VM memory manager (vm.Malloc/vm.Free):
// a fixed-size arena (here, a ring of entries instead of pages)
// mutated exclusively through single-word atomic CAS on a packed
// state word, with the non-atomic entry payload written once by its
// owning goroutine *before* the publishing CAS/Store — the Go memory
// model guarantees that write is visible to any goroutine that
// observes the new state value, so no mutex is needed to protect it.
package shredder

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// status values packed into the low bits of ringEntry.state.
const (
	statusFree uint64 = iota
	statusWithDelimiter
	statusWithoutDelimiter
)

const (
	bitUsedLeading  = 1 << 3
	bitUsedTrailing = 1 << 4
	bitClaimed      = 1 << 5
	bitAbandoned    = 1 << 6 // trailing span deliberately left incomplete at Close
	statusMask      = 0x7
	iterShift       = 8
)

func packState(iter uint32, status uint64, flags uint64) uint64 {
	return uint64(iter)<<iterShift | status | flags
}

func stIter(v uint64) uint32   { return uint32(v >> iterShift) }
func stStatus(v uint64) uint64 { return v & statusMask }
func stFlags(v uint64) uint64  { return v &^ (statusMask | (uint64(^uint32(0)) << iterShift)) }
func stClaimed(v uint64) bool     { return v&bitClaimed != 0 }
func stUsedLeading(v uint64) bool { return v&bitUsedLeading != 0 }
func stUsedTrailing(v uint64) bool {
	return v&bitUsedTrailing != 0 || v&bitAbandoned != 0
}

// ringEntry holds one ring slot. Every field other than state is
// written exactly once, by the single goroutine publishing that slot,
// strictly before the atomic Store/CAS that makes the slot visible to
// other goroutines (safe publication, no lock required).
type ringEntry struct {
	state atomic.Uint64

	sequence uint64
	leading  []byte // bytes before the first delimiter (WithDelimiter only)
	trailing []byte // bytes after the last delimiter (WithDelimiter only)
	full     []byte // entire buffer (WithoutDelimiter only)
}

// Tuple is one reassembled spanning tuple.
type Tuple struct {
	// StartSequence is the sequence number of the buffer in which the
	// tuple began; callers reorder emitted Tuples by this field to
	// recover source order (spec.md §4.3 guarantee ii).
	StartSequence uint64
	Data          []byte
}

// Shredder reassembles tuples that straddle raw buffer boundaries.
// A single Shredder instance is shared by all worker goroutines
// processing one origin's raw buffer stream.
type Shredder struct {
	ring      []ringEntry
	delimiter byte
	size      uint64
	closed    atomic.Bool
}

// New creates a Shredder with a ring of the given size (must be large
// enough to cover the in-flight window of sequence numbers, or
// producers will busy-wait for entries to retire — spec.md §4.3
// Failure). delimiter is the byte that separates tuples (e.g. '\n').
func New(ringSize int, delimiter byte) *Shredder {
	if ringSize <= 0 {
		panic("shredder: ringSize must be positive")
	}
	return &Shredder{
		ring:      make([]ringEntry, ringSize),
		delimiter: delimiter,
		size:      uint64(ringSize),
	}
}

func (s *Shredder) slot(seq uint64) *ringEntry { return &s.ring[seq%s.size] }
func (s *Shredder) iter(seq uint64) uint32     { return uint32(seq / s.size) }

// awaitRetirement busy-waits until the slot for seq has been fully
// consumed by the previous ring cycle (or was never used), then
// returns. This is the caller-visible backpressure spec.md §4.3
// Failure describes: a ring sized smaller than the in-flight sequence
// window forces producers to wait here.
func (s *Shredder) awaitRetirement(seq uint64) {
	e := s.slot(seq)
	iter := s.iter(seq)
	if iter == 0 {
		return // first use of this slot, nothing to retire
	}
	for {
		st := e.state.Load()
		if stIter(st) == iter-1 && retired(st) {
			return
		}
		if stIter(st) >= iter {
			return // another goroutine already retired and republished it for us (shouldn't happen: one writer per seq, but safe to bail)
		}
		if s.closed.Load() {
			return
		}
		runtime.Gosched()
	}
}

// Close marks the Shredder as shutting down: any in-progress forward
// walk (spanning-tuple claim) blocked on a not-yet-arrived buffer
// stops waiting instead of spinning forever. Intended for the
// Graceful/HardStop termination paths of spec.md §5, where no further
// Submit calls for higher sequence numbers will arrive. Any tuple
// still pending completion at Close is simply never emitted (its
// trailing bytes are incomplete); Validate counts such abandoned
// entries as retired and does not report them.
func (s *Shredder) Close() { s.closed.Store(true) }

func retired(st uint64) bool {
	switch stStatus(st) {
	case statusWithDelimiter:
		return stUsedLeading(st) && stUsedTrailing(st) && stClaimed(st)
	case statusWithoutDelimiter:
		return stUsedLeading(st) && stUsedTrailing(st)
	default:
		return true
	}
}

// findDelimiters returns the offsets of the first and last occurrence
// of the delimiter byte in buf, or (-1, -1) if none is present.
func findDelimiters(buf []byte, delim byte) (first, last int) {
	first, last = -1, -1
	for i, b := range buf {
		if b == delim {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	return
}

// Submit processes the raw buffer for sequence seq and calls emit at
// most once: for a buffer with a delimiter, with the spanning tuple
// that starts after its last delimiter, once the forward walk over
// later buffers claims the next delimited one. A buffer without a
// delimiter emits nothing here. emit runs on the calling goroutine.
func (s *Shredder) Submit(seq uint64, buf []byte, emit func(Tuple)) {
	s.awaitRetirement(seq)

	e := s.slot(seq)
	iter := s.iter(seq)
	first, last := findDelimiters(buf, s.delimiter)
	e.sequence = seq

	if first < 0 {
		e.full = buf
		e.leading, e.trailing = nil, nil
		e.state.Store(packState(iter, statusWithoutDelimiter, 0))
		return
	}

	e.leading = buf[:first]
	e.trailing = buf[last+1:]
	e.full = nil
	e.state.Store(packState(iter, statusWithDelimiter, 0))

	s.walkAndClaim(seq, e, iter, seq+1, append([]byte(nil), e.trailing...), emit)
}

// Begin kicks off the walk that completes the very first tuple of the
// stream: there is no preceding delimited buffer to supply a
// "trailing" fragment, so the walk starts with an empty accumulator
// at firstSeq itself (the sequence number of the first raw buffer the
// source will ever produce). Call this once per Shredder, typically
// from its own goroutine since it blocks until the first tuple's
// closing delimiter arrives (or the Shredder is Closed).
func (s *Shredder) Begin(firstSeq uint64, emit func(Tuple)) {
	s.walkAndClaim(firstSeq, nil, 0, firstSeq, nil, emit)
}

// walkAndClaim implements spec.md §4.3 step 3: starting at sequence
// cur, walk forward over WithoutDelimiter entries until an entry with
// a delimiter is found, then attempt to win that entry's
// has_claimed_spanning_tuple CAS. The winner emits the complete
// spanning tuple exactly once. start (nil for the stream's very first
// span) is the delimited entry whose trailing bytes seeded initialAcc;
// it is marked "trailing consumed" on success, or "abandoned" if the
// walk is aborted by Close before it completes.
func (s *Shredder) walkAndClaim(startSeq uint64, start *ringEntry, startIter uint32, cur uint64, initialAcc []byte, emit func(Tuple)) {
	acc := initialAcc
	for {
		e := s.slot(cur)
		iter := s.iter(cur)
		st, ok := s.awaitPublish(e, iter)
		if !ok {
			s.markAbandoned(start, startIter)
			return // closed while waiting for the next buffer in the span
		}

		switch stStatus(st) {
		case statusWithoutDelimiter:
			if !s.markFullyUsed(e, iter) {
				// already consumed by a stale retry; nothing more we
				// can contribute to this span.
				return
			}
			acc = append(acc, e.full...)
			cur++
		case statusWithDelimiter:
			if !s.claim(e, iter) {
				return
			}
			acc = append(acc, e.leading...)
			s.markUsedTrailing(start, startIter)
			emit(Tuple{StartSequence: startSeq, Data: acc})
			return
		default:
			panic(fmt.Sprintf("shredder: unexpected status %d at sequence %d", stStatus(st), cur))
		}
	}
}

// awaitPublish busy-waits until the slot for seq (at the given
// iteration) has been published by Submit, or returns ok=false if the
// Shredder is closed first (see Close).
func (s *Shredder) awaitPublish(e *ringEntry, iter uint32) (st uint64, ok bool) {
	for {
		st = e.state.Load()
		if stIter(st) == iter && stStatus(st) != statusFree {
			return st, true
		}
		if s.closed.Load() {
			return 0, false
		}
		runtime.Gosched()
	}
}

// claim attempts to win the spanning-tuple claim for a WithDelimiter
// entry; returns false if another goroutine already won it (or the
// slot has since been recycled for a newer iteration, in which case
// our view is stale and we must not act on it).
func (s *Shredder) claim(e *ringEntry, iter uint32) bool {
	for {
		old := e.state.Load()
		if stIter(old) != iter {
			return false
		}
		if stClaimed(old) {
			return false
		}
		next := old | bitClaimed | bitUsedLeading
		if e.state.CompareAndSwap(old, next) {
			return true
		}
	}
}

// markFullyUsed marks a WithoutDelimiter entry as consumed (both
// leading and trailing, since its entire content join one span).
func (s *Shredder) markFullyUsed(e *ringEntry, iter uint32) bool {
	for {
		old := e.state.Load()
		if stIter(old) != iter {
			return false
		}
		if stUsedLeading(old) {
			return false // already consumed by another walk (should not happen)
		}
		next := old | bitUsedLeading | bitUsedTrailing
		if e.state.CompareAndSwap(old, next) {
			return true
		}
	}
}

// markUsedTrailing marks a WithDelimiter entry's trailing bytes as
// consumed by its own forward walk. A nil entry means "the stream's
// virtual start", which has no ring slot to mark.
func (s *Shredder) markUsedTrailing(e *ringEntry, iter uint32) {
	if e == nil {
		return
	}
	for {
		old := e.state.Load()
		if stIter(old) != iter {
			return
		}
		next := old | bitUsedTrailing
		if e.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// markAbandoned records that e's trailing span was deliberately left
// incomplete because Close fired before the next buffer in the span
// arrived (spec.md §5 Graceful/HardStop). A nil entry is a no-op.
func (s *Shredder) markAbandoned(e *ringEntry, iter uint32) {
	if e == nil {
		return
	}
	for {
		old := e.state.Load()
		if stIter(old) != iter {
			return
		}
		next := old | bitAbandoned
		if e.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// ValidationError describes one ring entry that failed final-state
// validation at teardown (spec.md §4.3 "Final state validation").
type ValidationError struct {
	Sequence uint64
	State    uint64
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("shredder: sequence %d left in inconsistent state %#x at teardown", v.Sequence, v.State)
}

// Validate checks, for the highest iteration observed in each slot,
// that every WithDelimiter entry has been claimed and had both ends
// consumed, and every WithoutDelimiter entry has been fully consumed.
// Intended for use in tests and at graceful query shutdown.
func (s *Shredder) Validate() []ValidationError {
	var errs []ValidationError
	for i := range s.ring {
		e := &s.ring[i]
		st := e.state.Load()
		if stStatus(st) == statusFree {
			continue
		}
		if !retired(st) {
			errs = append(errs, ValidationError{Sequence: e.sequence, State: st})
		}
	}
	return errs
}

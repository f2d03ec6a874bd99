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

package format

import (
	"github.com/streamrt/engine/heap"
	"github.com/streamrt/engine/shredder"
)

// Reorder buffers shredder.Tuple values emitted (possibly out of
// order, across the shredder's worker goroutines) from one origin and
// releases them to a formatter in ascending StartSequence order, per
// spec.md §4.4's requirement that the Input Formatter Task Pipeline
// consume spanning tuples in source order.
//
// The buffering strategy is grounded on heap.OrderSlice/PushSlice/
// PopSlice (heap/heap.go): a plain min-heap keyed on StartSequence,
// since the shredder already guarantees every tuple is emitted
// exactly once (spec.md P4) — Reorder only needs to re-sequence
// arrivals, not deduplicate or detect gaps.
type Reorder struct {
	pending []shredder.Tuple
	next    uint64
}

// NewReorder creates a Reorder expecting its first release to be the
// tuple whose StartSequence equals firstSequence.
func NewReorder(firstSequence uint64) *Reorder {
	return &Reorder{next: firstSequence}
}

func tupleLess(a, b shredder.Tuple) bool { return a.StartSequence < b.StartSequence }

// Push admits one newly emitted tuple into the reorder buffer.
func (r *Reorder) Push(t shredder.Tuple) {
	heap.PushSlice(&r.pending, t, tupleLess)
}

// Drain pops every buffered tuple whose StartSequence is already the
// expected next one (or earlier, which should not happen under P4 but
// is tolerated rather than panicking), advancing the expectation by
// one per tuple released, and calls emit for each in order.
func (r *Reorder) Drain(emit func(shredder.Tuple)) {
	for len(r.pending) > 0 && r.pending[0].StartSequence <= r.next {
		t := heap.PopSlice(&r.pending, tupleLess)
		emit(t)
		if t.StartSequence >= r.next {
			r.next = t.StartSequence + 1
		}
	}
}

// Pending returns the number of tuples buffered awaiting their turn
// (i.e. a gap still exists ahead of the expected sequence).
func (r *Reorder) Pending() int { return len(r.pending) }

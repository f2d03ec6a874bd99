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

package window

import (
	"github.com/streamrt/engine/hashmap"
	"github.com/streamrt/engine/pagedvector"
)

// Side names which input of a binary join a record belongs to.
type Side int

const (
	Left Side = iota
	Right
)

// nljWorkerState is what Slice.WorkerState stores for a nested-loop
// join Build operator: one paged vector per side, per thread.
type nljWorkerState struct {
	left, right *pagedvector.Vector
}

// NLJBuild implements spec.md §4.9 Join Build (NLJ): per record,
// resolve the record's slice and append its raw bytes to the
// per-thread paged vector for its side.
type NLJBuild struct {
	Store     *SliceStore
	Worker    int
	RowSize   int
	PageBytes int
}

func NewNLJBuild(store *SliceStore, worker, rowSize int) *NLJBuild {
	return &NLJBuild{Store: store, Worker: worker, RowSize: rowSize, PageBytes: pagedvector.DefaultPageSize}
}

// Process appends row (exactly RowSize bytes) to the slice containing
// ts, on the given side. Returns false if ts was dropped as late.
func (b *NLJBuild) Process(ts uint64, side Side, row []byte) bool {
	slice, accepted := b.Store.GetOrCreate(ts)
	if !accepted {
		return false
	}
	ws := slice.WorkerState(b.Worker, func() any {
		return &nljWorkerState{
			left:  pagedvector.New(b.RowSize, b.PageBytes),
			right: pagedvector.New(b.RowSize, b.PageBytes),
		}
	}).(*nljWorkerState)

	switch side {
	case Left:
		ws.left.Append(row)
	case Right:
		ws.right.Append(row)
	}
	return true
}

// NLJWindowTrigger mirrors spec.md §4.9's
// EmittedNLJWindowTrigger control buffer: rather than a pipeline
// control message, it is the combined per-side paged vectors a probe
// pass reads row pairs from directly.
type NLJWindowTrigger struct {
	WindowStart, WindowEnd uint64
	Left, Right            *pagedvector.Vector
}

// NLJProbe implements spec.md §4.9 Join Probe (NLJ): combine every
// slice's per-thread paged vectors into one per side (O(pages) via
// CopyFrom), then evaluate cond for every (l, r) pair.
type NLJProbe struct {
	RowSize int
}

func NewNLJProbe(rowSize int) *NLJProbe { return &NLJProbe{RowSize: rowSize} }

// Combine produces the single left/right paged vectors a trigger task
// should be probed against.
func (p *NLJProbe) Combine(task TriggerTask) NLJWindowTrigger {
	left := pagedvector.New(p.RowSize, pagedvector.DefaultPageSize)
	right := pagedvector.New(p.RowSize, pagedvector.DefaultPageSize)
	for _, slice := range task.Slices {
		for _, raw := range slice.PerWorker() {
			ws := raw.(*nljWorkerState)
			left.CopyFrom(ws.left)
			right.CopyFrom(ws.right)
		}
	}
	return NLJWindowTrigger{WindowStart: task.WindowStart, WindowEnd: task.WindowEnd, Left: left, Right: right}
}

// Emit evaluates cond(l, r) for the full cross product of the
// combined sides, calling emit for every matching pair with the
// window bounds appended (spec.md §4.9 scenario 3).
func (p *NLJProbe) Emit(trig NLJWindowTrigger, cond func(l, r []byte) bool, emit func(l, r []byte, windowStart, windowEnd uint64)) {
	for i := 0; i < trig.Left.Len(); i++ {
		l := trig.Left.At(i)
		for j := 0; j < trig.Right.Len(); j++ {
			r := trig.Right.At(j)
			if cond(l, r) {
				emit(l, r, trig.WindowStart, trig.WindowEnd)
			}
		}
	}
}

// hashJoinWorkerState is what Slice.WorkerState stores for a
// HashJoinBuild operator: a thread-local keyed hashmap on the build
// side plus a paged vector of probe-side rows awaiting the
// combined table at trigger time.
type hashJoinWorkerState struct {
	buildSide *hashmap.Map
	probeSide *pagedvector.Vector
}

// HashJoinBuild implements spec.md §4.9 Hash Join: "same shape as NLJ
// except Build uses a hashmap keyed by the join key". One side (the
// smaller, conventionally) is hashed; the other is buffered in a
// paged vector and probed at trigger time.
type HashJoinBuild struct {
	Store           *SliceStore
	Worker          int
	KeySize, RowSize int
	keyEqual        func(a, b []byte) bool
}

func NewHashJoinBuild(store *SliceStore, worker, keySize, rowSize int) *HashJoinBuild {
	return &HashJoinBuild{
		Store: store, Worker: worker, KeySize: keySize, RowSize: rowSize,
		keyEqual: func(a, b []byte) bool { return string(a) == string(b) },
	}
}

func (b *HashJoinBuild) stateFor(slice *Slice) *hashJoinWorkerState {
	return slice.WorkerState(b.Worker, func() any {
		return &hashJoinWorkerState{
			buildSide: hashmap.New(b.KeySize, b.RowSize, 64, 2.0),
			probeSide: pagedvector.New(b.RowSize, pagedvector.DefaultPageSize),
		}
	}).(*hashJoinWorkerState)
}

// BuildRow inserts row (RowSize bytes) keyed by key into the resolved
// slice's hashmap. The build side holds one row per key: a later row
// with the same key overwrites the earlier one, so only the most
// recent row for a key takes part in the join (single-match).
func (b *HashJoinBuild) BuildRow(ts uint64, key, row []byte) bool {
	slice, accepted := b.Store.GetOrCreate(ts)
	if !accepted {
		return false
	}
	ws := b.stateFor(slice)
	h := hashmap.Hash64(key)
	value, _ := ws.buildSide.FindOrInsert(h, key, func(storedKey []byte) bool { return b.keyEqual(storedKey, key) })
	copy(value, row)
	return true
}

// ProbeRow buffers a probe-side row for later matching at trigger
// time.
func (b *HashJoinBuild) ProbeRow(ts uint64, row []byte) bool {
	slice, accepted := b.Store.GetOrCreate(ts)
	if !accepted {
		return false
	}
	ws := b.stateFor(slice)
	ws.probeSide.Append(row)
	return true
}

// HashJoinProbe combines every slice's per-thread build-side hashmaps
// and probe-side paged vectors, then looks up each probe row's key in
// the combined table.
type HashJoinProbe struct {
	KeySize, RowSize int
	keyEqual         func(a, b []byte) bool
}

func NewHashJoinProbe(keySize, rowSize int) *HashJoinProbe {
	return &HashJoinProbe{KeySize: keySize, RowSize: rowSize, keyEqual: func(a, b []byte) bool { return string(a) == string(b) }}
}

// Emit calls emit once per matching (buildRow, probeRow) pair found
// across the combined table, with the window bounds appended.
func (p *HashJoinProbe) Emit(task TriggerTask, extractProbeKey func(probeRow []byte) []byte, emit func(buildRow, probeRow []byte, windowStart, windowEnd uint64)) {
	combinedBuild := hashmap.New(p.KeySize, p.RowSize, 64, 2.0)
	var probeRows *pagedvector.Vector
	for _, slice := range task.Slices {
		for _, raw := range slice.PerWorker() {
			ws := raw.(*hashJoinWorkerState)
			ws.buildSide.MergeInto(combinedBuild, p.keyEqual, func(dst, src []byte) { copy(dst, src) })
			if probeRows == nil {
				probeRows = pagedvector.New(p.RowSize, pagedvector.DefaultPageSize)
			}
			probeRows.CopyFrom(ws.probeSide)
		}
	}
	if probeRows == nil {
		return
	}
	for i := 0; i < probeRows.Len(); i++ {
		probeRow := probeRows.At(i)
		key := extractProbeKey(probeRow)
		h := hashmap.Hash64(key)
		// FindOrInsert is insert-or-find (spec.md §4.6 has no plain
		// lookup); wasNew==true means the key was absent from the
		// build side, so the freshly inserted (zeroed) entry is just
		// never read again.
		buildRow, wasNew := combinedBuild.FindOrInsert(h, key, func(storedKey []byte) bool { return p.keyEqual(storedKey, key) })
		if wasNew {
			continue
		}
		emit(buildRow, probeRow, task.WindowStart, task.WindowEnd)
	}
}

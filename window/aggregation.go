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
	"encoding/binary"

	"github.com/streamrt/engine/hashmap"
)

// AggRecord is the key/value view of one input record presented to a
// Build operator: KeyBytes groups rows (hashed+compared as raw
// bytes), and the AggState callbacks below fold it into the group's
// value bytes in place.
type AggRecord struct {
	KeyBytes []byte
	Ts       uint64
}

// AggState is per-group accumulator state, opaque to the Build/Probe
// machinery: Init zero-initializes newly allocated value bytes,
// Combine folds one input record's contribution in, Merge folds
// another thread-local accumulator's bytes in (used when combining
// per-thread hashmaps at Probe time). There is no lowering step:
// AggregationProbe emits the raw value bytes in AggResult.Value and
// does not build an output Record.
type AggState interface {
	ValueSize() int
	Init(value []byte)
	Combine(value []byte, rec AggRecord)
	Merge(dstValue, srcValue []byte)
}

// SumInt64 implements AggState for a single running int64 sum, the
// aggregation spec.md's end-to-end scenarios 1 and 2 exercise.
type SumInt64 struct {
	Extract func(rec AggRecord) int64
}

func (SumInt64) ValueSize() int { return 8 }

func (SumInt64) Init(value []byte) { binary.LittleEndian.PutUint64(value, 0) }

func (s SumInt64) Combine(value []byte, rec AggRecord) {
	cur := int64(binary.LittleEndian.Uint64(value))
	binary.LittleEndian.PutUint64(value, uint64(cur+s.Extract(rec)))
}

func (SumInt64) Merge(dst, src []byte) {
	d := int64(binary.LittleEndian.Uint64(dst))
	sv := int64(binary.LittleEndian.Uint64(src))
	binary.LittleEndian.PutUint64(dst, uint64(d+sv))
}

// AggResult is one emitted group from Probe: the window bounds, the
// raw key bytes that produced it, and the final aggregate value
// bytes (as left by AggState, for the caller to decode per its own
// schema).
type AggResult struct {
	WindowStart, WindowEnd uint64
	Key                    []byte
	Value                  []byte
}

// aggWorkerState is what Slice.WorkerState stores for an Aggregation
// Build operator: a thread-local chained hashmap, never shared across
// threads during Build (spec.md §5).
type aggWorkerState struct {
	m *hashmap.Map
}

// AggregationBuild implements spec.md §4.9 Aggregation Build: per
// record, resolve the record's slice, then find-or-insert its key
// into that slice's thread-local hashmap and fold the record into the
// resulting aggregate state.
type AggregationBuild struct {
	Store     *SliceStore
	Worker    int
	KeySize   int
	State     AggState
	keyEqual  func(a, b []byte) bool
	targetLoad float64
}

// NewAggregationBuild creates a Build operator instance bound to one
// worker thread and one shared SliceStore (Store may be shared by
// every worker's Build instance; per-worker state never is).
func NewAggregationBuild(store *SliceStore, worker, keySize int, state AggState) *AggregationBuild {
	return &AggregationBuild{
		Store:      store,
		Worker:     worker,
		KeySize:    keySize,
		State:      state,
		keyEqual:   func(a, b []byte) bool { return string(a) == string(b) },
		targetLoad: 2.0,
	}
}

// Process folds one record in, returning false if the record's ts was
// dropped as late (see SliceStore.GetOrCreate).
func (b *AggregationBuild) Process(rec AggRecord) bool {
	slice, accepted := b.Store.GetOrCreate(rec.Ts)
	if !accepted {
		return false
	}
	ws := slice.WorkerState(b.Worker, func() any {
		return &aggWorkerState{m: hashmap.New(b.KeySize, b.State.ValueSize(), 64, b.targetLoad)}
	}).(*aggWorkerState)

	h := hashmap.Hash64(rec.KeyBytes)
	value, wasNew := ws.m.FindOrInsert(h, rec.KeyBytes, func(storedKey []byte) bool {
		return b.keyEqual(storedKey, rec.KeyBytes)
	})
	if wasNew {
		b.State.Init(value)
	}
	b.State.Combine(value, rec)
	return true
}

// AggregationProbe implements spec.md §4.9 Aggregation Probe: on a
// TriggerTask, combine every slice's per-thread hashmaps into one (by
// iterating entries and re-inserting, per spec.md §4.6/§4.9), then
// emit one AggResult per combined group.
type AggregationProbe struct {
	KeySize  int
	State    AggState
	keyEqual func(a, b []byte) bool
}

func NewAggregationProbe(keySize int, state AggState) *AggregationProbe {
	return &AggregationProbe{
		KeySize:  keySize,
		State:    state,
		keyEqual: func(a, b []byte) bool { return string(a) == string(b) },
	}
}

// Emit combines every slice named in task and calls emit once per
// distinct key, in unspecified order (spec.md §4.6 "chain order
// undefined for iteration").
func (p *AggregationProbe) Emit(task TriggerTask, emit func(AggResult)) {
	combined := hashmap.New(p.KeySize, p.State.ValueSize(), 64, 2.0)
	for _, slice := range task.Slices {
		for _, raw := range slice.PerWorker() {
			ws := raw.(*aggWorkerState)
			ws.m.MergeInto(combined, p.keyEqual, p.State.Merge)
		}
	}
	combined.Iterate(func(key, value []byte) bool {
		emit(AggResult{
			WindowStart: task.WindowStart,
			WindowEnd:   task.WindowEnd,
			Key:         append([]byte(nil), key...),
			Value:       append([]byte(nil), value...),
		})
		return true
	})
}

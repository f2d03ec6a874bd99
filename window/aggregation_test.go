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
	"sort"
	"testing"
)

func keyOf(k uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, k)
	return b
}

// TestTumblingAggregationScenario reproduces spec.md scenario 1
// end-to-end: schema {ts,key,val}, window size=10 slide=10, two
// workers' Build instances (fed in turn on one goroutine) sharing the
// same SliceStore, one probe pass per triggered window.
func TestTumblingAggregationScenario(t *testing.T) {
	store := NewSliceStore(WindowSpec{Size: 10, Slide: 10}, 2, nil)

	state := sumState{values: map[uint64]int64{
		1: 5, 2: 3, 3: 7, 11: 1, 12: 4,
	}}
	b0 := NewAggregationBuild(store, 0, 8, state)
	b1 := NewAggregationBuild(store, 1, 8, state)

	type input struct {
		ts, key uint64
		worker  int
	}
	inputs := []input{
		{1, 1, 0}, {2, 1, 1}, {3, 2, 0}, {11, 1, 1}, {12, 2, 0},
	}
	for _, in := range inputs {
		b := b0
		if in.worker == 1 {
			b = b1
		}
		b.Process(AggRecord{KeyBytes: keyOf(in.key), Ts: in.ts})
	}

	tasks := store.AdvanceWatermark(20)
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}

	probe := NewAggregationProbe(8, state)
	var results []AggResult
	for _, task := range tasks {
		probe.Emit(task, func(r AggResult) { results = append(results, r) })
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].WindowStart != results[j].WindowStart {
			return results[i].WindowStart < results[j].WindowStart
		}
		return binary.LittleEndian.Uint64(results[i].Key) < binary.LittleEndian.Uint64(results[j].Key)
	})

	want := []struct {
		ws, we, key uint64
		sum         int64
	}{
		{0, 10, 1, 8},
		{0, 10, 2, 7},
		{10, 20, 1, 1},
		{10, 20, 2, 4},
	}
	if len(results) != len(want) {
		t.Fatalf("got %d results, want %d: %+v", len(results), len(want), results)
	}
	for i, w := range want {
		r := results[i]
		gotKey := binary.LittleEndian.Uint64(r.Key)
		gotSum := int64(binary.LittleEndian.Uint64(r.Value))
		if r.WindowStart != w.ws || r.WindowEnd != w.we || gotKey != w.key || gotSum != w.sum {
			t.Fatalf("result %d = {ws=%d we=%d key=%d sum=%d}, want {ws=%d we=%d key=%d sum=%d}",
				i, r.WindowStart, r.WindowEnd, gotKey, gotSum, w.ws, w.we, w.key, w.sum)
		}
	}
}

// sumState sums a fixed per-ts value looked up by the record's
// timestamp, standing in for a "val" column the test input carries
// out of band (AggRecord only carries key bytes + ts, so the value is
// threaded through this closure-free lookup table instead).
type sumState struct {
	values map[uint64]int64
}

func (sumState) ValueSize() int { return 8 }

func (sumState) Init(value []byte) { binary.LittleEndian.PutUint64(value, 0) }

func (s sumState) Combine(value []byte, rec AggRecord) {
	cur := int64(binary.LittleEndian.Uint64(value))
	binary.LittleEndian.PutUint64(value, uint64(cur+s.values[rec.Ts]))
}

func (sumState) Merge(dst, src []byte) {
	d := int64(binary.LittleEndian.Uint64(dst))
	sv := int64(binary.LittleEndian.Uint64(src))
	binary.LittleEndian.PutUint64(dst, uint64(d+sv))
}

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
	"testing"
)

// row packs {key uint64, payload byte} into an 9-byte fixed row.
func row(key uint64, payload byte) []byte {
	b := make([]byte, 9)
	binary.LittleEndian.PutUint64(b[0:8], key)
	b[8] = payload
	return b
}

func rowKey(r []byte) uint64    { return binary.LittleEndian.Uint64(r[0:8]) }
func rowPayload(r []byte) byte  { return r[8] }

// TestNLJScenario reproduces spec.md scenario 3: left {(1,1,'a')
// (2,2,'b')}, right {(1,1,'x') (3,2,'y')}, tumbling window size 10,
// join on l.k == r.k.
func TestNLJScenario(t *testing.T) {
	store := NewSliceStore(WindowSpec{Size: 10, Slide: 10}, 1, nil)
	build := NewNLJBuild(store, 0, 9)

	build.Process(1, Left, row(1, 'a'))
	build.Process(2, Left, row(2, 'b'))
	build.Process(1, Right, row(1, 'x'))
	build.Process(3, Right, row(2, 'y'))

	tasks := store.AdvanceWatermark(10)
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}

	probe := NewNLJProbe(9)
	trig := probe.Combine(tasks[0])

	type match struct {
		key              uint64
		lPayload, rPayload byte
	}
	var got []match
	probe.Emit(trig, func(l, r []byte) bool { return rowKey(l) == rowKey(r) }, func(l, r []byte, ws, we uint64) {
		if ws != 0 || we != 10 {
			t.Fatalf("window bounds = [%d,%d), want [0,10)", ws, we)
		}
		got = append(got, match{rowKey(l), rowPayload(l), rowPayload(r)})
	})

	want := []match{{1, 'a', 'x'}, {2, 'b', 'y'}}
	if len(got) != len(want) {
		t.Fatalf("got %d matches, want %d: %+v", len(got), len(want), got)
	}
	byKey := map[uint64]match{}
	for _, m := range got {
		byKey[m.key] = m
	}
	for _, w := range want {
		g, ok := byKey[w.key]
		if !ok || g.lPayload != w.lPayload || g.rPayload != w.rPayload {
			t.Fatalf("key %d = %+v, want %+v", w.key, g, w)
		}
	}
}

// TestHashJoinScenario reproduces the same join as TestNLJScenario
// but through the hash-join Build/Probe path instead of NLJ.
func TestHashJoinScenario(t *testing.T) {
	store := NewSliceStore(WindowSpec{Size: 10, Slide: 10}, 1, nil)
	build := NewHashJoinBuild(store, 0, 8, 9)

	keyOf := func(k uint64) []byte {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, k)
		return b
	}

	build.BuildRow(1, keyOf(1), row(1, 'a'))
	build.BuildRow(2, keyOf(2), row(2, 'b'))
	build.ProbeRow(1, row(1, 'x'))
	build.ProbeRow(3, row(2, 'y'))

	tasks := store.AdvanceWatermark(10)
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}

	probe := NewHashJoinProbe(8, 9)
	type match struct {
		key                uint64
		buildPay, probePay byte
	}
	var got []match
	probe.Emit(tasks[0], func(probeRow []byte) []byte { return probeRow[0:8] }, func(buildRow, probeRow []byte, ws, we uint64) {
		got = append(got, match{rowKey(probeRow), rowPayload(buildRow), rowPayload(probeRow)})
	})

	if len(got) != 2 {
		t.Fatalf("got %d matches, want 2: %+v", len(got), got)
	}
	byKey := map[uint64]match{}
	for _, m := range got {
		byKey[m.key] = m
	}
	if m := byKey[1]; m.buildPay != 'a' || m.probePay != 'x' {
		t.Fatalf("key 1 = %+v, want build='a' probe='x'", m)
	}
	if m := byKey[2]; m.buildPay != 'b' || m.probePay != 'y' {
		t.Fatalf("key 2 = %+v, want build='b' probe='y'", m)
	}
}

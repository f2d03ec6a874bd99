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

import "testing"

// TestTumblingTriggerScenario reproduces spec.md scenario 1's slice
// shape: window size=10, slide=10 (tumbling). Ingesting ts 1,2,3,11,12
// then advancing the watermark to 20 must trigger exactly windows
// [0,10) and [10,20), each once.
func TestTumblingTriggerScenario(t *testing.T) {
	s := NewSliceStore(WindowSpec{Size: 10, Slide: 10}, 1, nil)
	for _, ts := range []uint64{1, 2, 3, 11, 12} {
		if _, ok := s.GetOrCreate(ts); !ok {
			t.Fatalf("ts %d should be accepted", ts)
		}
	}
	tasks := s.AdvanceWatermark(20)
	if len(tasks) != 2 {
		t.Fatalf("got %d trigger tasks, want 2: %+v", len(tasks), tasks)
	}
	if tasks[0].WindowStart != 0 || tasks[0].WindowEnd != 10 {
		t.Fatalf("task 0 = %+v, want [0,10)", tasks[0])
	}
	if tasks[1].WindowStart != 10 || tasks[1].WindowEnd != 20 {
		t.Fatalf("task 1 = %+v, want [10,20)", tasks[1])
	}

	// Triggering again at a higher watermark must not re-trigger.
	if more := s.AdvanceWatermark(30); len(more) != 0 {
		t.Fatalf("re-advancing watermark re-triggered: %+v", more)
	}
}

// TestSlidingWindowMembership reproduces spec.md scenario 2's slice
// shape: size=10, slide=5. Slice width is gcd(10,5)=5, and each slice
// should belong to at most 2 overlapping windows, except at the
// stream's leading edge.
func TestSlidingWindowMembership(t *testing.T) {
	s := NewSliceStore(WindowSpec{Size: 10, Slide: 5}, 1, nil)
	if s.width != 5 {
		t.Fatalf("slice width = %d, want 5", s.width)
	}
	for _, ts := range []uint64{1, 6, 11, 16} {
		s.GetOrCreate(ts)
	}
	tasks := s.AdvanceWatermark(20)
	wantStarts := map[uint64]uint64{0: 10, 5: 15, 10: 20}
	if len(tasks) != len(wantStarts) {
		t.Fatalf("got %d trigger tasks, want %d: %+v", len(tasks), len(wantStarts), tasks)
	}
	for _, task := range tasks {
		we, ok := wantStarts[task.WindowStart]
		if !ok || task.WindowEnd != we {
			t.Fatalf("unexpected task %+v", task)
		}
	}
}

// TestLateTupleDropAndAllowedLateness reproduces spec.md scenario 5:
// with AllowedLateness=0 a tuple below the watermark is dropped and
// counted; with lateness configured it is instead accepted.
func TestLateTupleDropAndAllowedLateness(t *testing.T) {
	s := NewSliceStore(WindowSpec{Size: 10, Slide: 10}, 1, nil)
	s.GetOrCreate(5)
	s.AdvanceWatermark(25) // triggers [0,10), watermark now 25

	if _, ok := s.GetOrCreate(7); ok {
		t.Fatal("ts=7 arriving after watermark=25 with lateness=0 should be dropped")
	}
	if got := s.Stats().LateDropped; got != 1 {
		t.Fatalf("LateDropped = %d, want 1", got)
	}

	lenient := NewSliceStore(WindowSpec{Size: 10, Slide: 10}, 1, nil)
	lenient.AllowedLateness = 30
	lenient.GetOrCreate(5)
	lenient.AdvanceWatermark(25)
	if _, ok := lenient.GetOrCreate(7); !ok {
		t.Fatal("ts=7 should be accepted under AllowedLateness=30")
	}
	if got := lenient.Stats().LateAccepted; got != 1 {
		t.Fatalf("LateAccepted = %d, want 1", got)
	}
}

// TestReleaseIfAdmittedWatermarkRetention confirms the default policy
// only releases a slice once every window containing it has
// triggered.
func TestReleaseIfAdmittedWatermarkRetention(t *testing.T) {
	s := NewSliceStore(WindowSpec{Size: 10, Slide: 10}, 1, WatermarkRetention{})
	s.GetOrCreate(5)
	tasks := s.AdvanceWatermark(10)
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
	sl := tasks[0].Slices[0]
	released, err := s.ReleaseIfAdmitted(sl)
	if err != nil {
		t.Fatal(err)
	}
	if !released {
		t.Fatal("expected slice to be released: tumbling slice belongs to exactly one window")
	}
}

// TestUnsupportedRetentionPolicyFailsFast confirms selecting one of
// the undocumented experimental policies surfaces ErrUnsupportedPolicy
// instead of silently behaving like WatermarkRetention.
func TestUnsupportedRetentionPolicyFailsFast(t *testing.T) {
	s := NewSliceStore(WindowSpec{Size: 10, Slide: 10}, 1, LRURetention)
	s.GetOrCreate(5)
	tasks := s.AdvanceWatermark(10)
	_, err := s.ReleaseIfAdmitted(tasks[0].Slices[0])
	if err != ErrUnsupportedPolicy {
		t.Fatalf("err = %v, want ErrUnsupportedPolicy", err)
	}
}

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
	"testing"

	"github.com/streamrt/engine/shredder"
)

func TestReorderReleasesInSequenceOrder(t *testing.T) {
	r := NewReorder(0)
	var released []uint64

	r.Push(shredder.Tuple{StartSequence: 2, Data: []byte("c")})
	r.Drain(func(t shredder.Tuple) { released = append(released, t.StartSequence) })
	if len(released) != 0 {
		t.Fatalf("expected nothing released while seq 0/1 are missing, got %v", released)
	}

	r.Push(shredder.Tuple{StartSequence: 0, Data: []byte("a")})
	r.Drain(func(t shredder.Tuple) { released = append(released, t.StartSequence) })
	if len(released) != 1 || released[0] != 0 {
		t.Fatalf("released = %v, want [0]", released)
	}

	r.Push(shredder.Tuple{StartSequence: 1, Data: []byte("b")})
	r.Drain(func(t shredder.Tuple) { released = append(released, t.StartSequence) })
	if len(released) != 3 || released[1] != 1 || released[2] != 2 {
		t.Fatalf("released = %v, want [0 1 2]", released)
	}
	if r.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", r.Pending())
	}
}

func TestReorderOutOfOrderBurst(t *testing.T) {
	r := NewReorder(0)
	order := []uint64{4, 2, 0, 3, 1}
	for _, seq := range order {
		r.Push(shredder.Tuple{StartSequence: seq})
	}
	var released []uint64
	r.Drain(func(t shredder.Tuple) { released = append(released, t.StartSequence) })
	if len(released) != 5 {
		t.Fatalf("released = %v, want 5 tuples", released)
	}
	for i, seq := range released {
		if seq != uint64(i) {
			t.Fatalf("released[%d] = %d, want %d", i, seq, i)
		}
	}
}

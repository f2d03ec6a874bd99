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

package pagedvector

import (
	"encoding/binary"
	"testing"
)

func entry(i int) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(i))
	return b
}

func entryVal(b []byte) int { return int(binary.LittleEndian.Uint64(b)) }

func TestAppendAtInsertionOrder(t *testing.T) {
	v := New(8, 64) // 8 entries per page
	for i := 0; i < 20; i++ {
		v.Append(entry(i))
	}
	if v.Len() != 20 {
		t.Fatalf("Len() = %d, want 20", v.Len())
	}
	for i := 0; i < 20; i++ {
		if got := entryVal(v.At(i)); got != i {
			t.Fatalf("At(%d) = %d, want %d", i, got, i)
		}
	}
}

func TestAtOutOfBoundsPanics(t *testing.T) {
	v := New(8, 64)
	v.Append(entry(1))
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on OOB At()")
		}
	}()
	v.At(5)
}

func TestIterateOrder(t *testing.T) {
	v := New(8, 32) // 4 per page
	for i := 0; i < 10; i++ {
		v.Append(entry(i))
	}
	var got []int
	v.Iterate(func(e []byte) bool {
		got = append(got, entryVal(e))
		return true
	})
	if len(got) != 10 {
		t.Fatalf("iterated %d entries, want 10", len(got))
	}
	for i, g := range got {
		if g != i {
			t.Fatalf("position %d = %d, want %d", i, g, i)
		}
	}
}

func TestCopyFromSplicesPages(t *testing.T) {
	a := New(8, 32)
	b := New(8, 32)
	for i := 0; i < 4; i++ {
		a.Append(entry(i))
	}
	for i := 4; i < 8; i++ {
		b.Append(entry(i))
	}
	a.CopyFrom(b)
	if a.Len() != 8 {
		t.Fatalf("Len() = %d, want 8", a.Len())
	}
	for i := 0; i < 8; i++ {
		if got := entryVal(a.At(i)); got != i {
			t.Fatalf("At(%d) = %d, want %d", i, got, i)
		}
	}
}

func TestCopyFromUnalignedTail(t *testing.T) {
	a := New(8, 24) // 3 per page
	b := New(8, 24)
	a.Append(entry(100)) // leaves a's first page with room for 2 more
	for i := 0; i < 5; i++ {
		b.Append(entry(i))
	}
	a.CopyFrom(b)
	if a.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", a.Len())
	}
	want := []int{100, 0, 1, 2, 3, 4}
	for i, w := range want {
		if got := entryVal(a.At(i)); got != w {
			t.Fatalf("At(%d) = %d, want %d", i, got, w)
		}
	}
}

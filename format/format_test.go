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
	"errors"
	"testing"

	"github.com/streamrt/engine/buffer"
	"github.com/streamrt/engine/layout"
	"github.com/streamrt/engine/runtimeerr"
)

func testSchema() *layout.Schema {
	return layout.NewSchema([]layout.Field{
		{Name: "id", Type: layout.I64},
		{Name: "ts", Type: layout.I64},
		{Name: "value", Type: layout.F64},
	})
}

func testBuffers() *buffer.Manager {
	return buffer.NewManager(buffer.Config{BufferSize: 4096, GlobalPoolSize: 4, LocalPoolSize: 2, Workers: 1})
}

func TestCSVRoundTrip(t *testing.T) {
	schema := testSchema()
	raw := []byte("1,100,1.5\n2,200,2.5\n3,300,3.5\n")
	accessors := []FieldAccessor{
		{SourceIndex: 0, Type: layout.I64},
		{SourceIndex: 1, Type: layout.I64},
		{SourceIndex: 2, Type: layout.F64},
	}
	src := NewCSVSource(raw, accessors)

	f := &Formatter{Schema: schema, Buffers: testBuffers(), Worker: 0}
	results, err := f.FormatAll(src, 100, 1, 7, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	r := results[0]
	if r.RowCount != 3 {
		t.Fatalf("RowCount = %d, want 3", r.RowCount)
	}
	if r.WatermarkTs != 300 {
		t.Fatalf("WatermarkTs = %d, want 300", r.WatermarkTs)
	}
	for i, wantID := range []int64{1, 2, 3} {
		if got := r.View.Read(i, 0).Int64(); got != wantID {
			t.Fatalf("row %d id = %d, want %d", i, got, wantID)
		}
	}
	r.Buffer.Release()
}

func TestCSVMalformedRowRaisesFormattingError(t *testing.T) {
	schema := testSchema()
	raw := []byte("1,100,1.5\nnot-a-number,200,2.5\n")
	accessors := []FieldAccessor{
		{SourceIndex: 0, Type: layout.I64},
		{SourceIndex: 1, Type: layout.I64},
		{SourceIndex: 2, Type: layout.F64},
	}
	src := NewCSVSource(raw, accessors)

	f := &Formatter{Schema: schema, Buffers: testBuffers(), Worker: 0}
	_, err := f.FormatAll(src, 100, 1, 7, 42)
	if err == nil {
		t.Fatal("expected a FormattingError")
	}
	var fe *runtimeerr.FormattingError
	if !errors.As(err, &fe) {
		t.Fatalf("error %v is not a *FormattingError", err)
	}
	if fe.Origin != 7 || fe.Sequence != 42 {
		t.Fatalf("fe.Origin/Sequence = %d/%d, want 7/42", fe.Origin, fe.Sequence)
	}
	if !errors.Is(err, runtimeerr.ErrFormatting) {
		t.Fatal("errors.Is(err, ErrFormatting) should hold")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	schema := testSchema()
	raw := []byte(`{"id":1,"ts":100,"value":1.5}
{"id":2,"ts":200,"value":2.5}
`)
	accessors := []FieldAccessor{
		{SourceKey: "id", Type: layout.I64},
		{SourceKey: "ts", Type: layout.I64},
		{SourceKey: "value", Type: layout.F64},
	}
	src := NewJSONSource(raw, accessors)

	f := &Formatter{Schema: schema, Buffers: testBuffers(), Worker: 0}
	results, err := f.FormatAll(src, 100, 1, 3, 9)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].RowCount != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].WatermarkTs != 200 {
		t.Fatalf("WatermarkTs = %d, want 200", results[0].WatermarkTs)
	}
	results[0].Buffer.Release()
}

func TestFormatAllSplitsAcrossMultipleBuffers(t *testing.T) {
	schema := testSchema()
	raw := []byte("1,10,1\n2,20,2\n3,30,3\n4,40,4\n5,50,5\n")
	accessors := []FieldAccessor{
		{SourceIndex: 0, Type: layout.I64},
		{SourceIndex: 1, Type: layout.I64},
		{SourceIndex: 2, Type: layout.F64},
	}
	src := NewCSVSource(raw, accessors)

	f := &Formatter{Schema: schema, Buffers: testBuffers(), Worker: 0}
	results, err := f.FormatAll(src, 2, 1, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, r := range results {
		total += r.RowCount
		if r.RowCount > 2 {
			t.Fatalf("buffer has %d rows, want <= 2", r.RowCount)
		}
		r.Buffer.Release()
	}
	if total != 5 {
		t.Fatalf("total rows = %d, want 5", total)
	}
}

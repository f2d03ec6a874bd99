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

// Package format implements the Input Formatter Task Pipeline of
// spec.md §4.4: turning a raw source buffer (after the Sequence
// Shredder has resolved spanning tuples) into one or more tuple
// buffers of a target Schema.
//
// Record chopping follows the teacher's xsv.CsvChopper
// (xsv/csv_chopper.go): a thin wrapper over encoding/csv rather than
// a hand-rolled scanner. JSON record splitting follows the shape of
// jsonrl's Splitter (jsonrl/singlestream.go): newline-delimited
// records handed one at a time to a per-record decoder.
package format

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/streamrt/engine/buffer"
	"github.com/streamrt/engine/layout"
	"github.com/streamrt/engine/runtimeerr"
)

// RecordSource yields one record's raw fields at a time; CSV and JSON
// indexers both implement it so Formatter does not need to know which
// one is in play.
type RecordSource interface {
	// Next returns the next record's field values (already indexed to
	// schema field order by the indexer), or io.EOF when exhausted.
	Next() ([]layout.VarVal, error)
}

// FieldAccessor names, for one schema field, the source column/key it
// reads from and how to decode the text into a VarVal.
type FieldAccessor struct {
	SourceIndex int // CSV column index (ignored for JSON, which resolves by key)
	SourceKey   string // JSON object key (ignored for CSV, which resolves by index)
	Type        layout.PhysicalType
}

// csvSource adapts an encoding/csv.Reader (wrapped the way
// xsv.CsvChopper wraps it) into a RecordSource for a fixed Schema.
type csvSource struct {
	cr        *csv.Reader
	accessors []FieldAccessor
}

// NewCSVSource creates a RecordSource over raw CSV bytes, mapping
// columns to schema fields positionally via accessors (SourceIndex).
func NewCSVSource(raw []byte, accessors []FieldAccessor) RecordSource {
	cr := csv.NewReader(bytes.NewReader(raw))
	cr.ReuseRecord = true
	return &csvSource{cr: cr, accessors: accessors}
}

func (c *csvSource) Next() ([]layout.VarVal, error) {
	fields, err := c.cr.Read()
	if err != nil {
		return nil, err
	}
	out := make([]layout.VarVal, len(c.accessors))
	for i, acc := range c.accessors {
		if acc.SourceIndex >= len(fields) {
			return nil, fmt.Errorf("column %d missing (record has %d columns)", acc.SourceIndex, len(fields))
		}
		v, err := parseText(fields[acc.SourceIndex], acc.Type)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", acc.SourceIndex, err)
		}
		out[i] = v
	}
	return out, nil
}

// jsonSource adapts newline-delimited JSON objects (ndjson) into a
// RecordSource, mirroring jsonrl.Splitter's one-record-at-a-time
// shape without sneller's SIMD ion backend.
type jsonSource struct {
	scanner   *bufio.Scanner
	accessors []FieldAccessor
}

// NewJSONSource creates a RecordSource over raw newline-delimited
// JSON bytes, mapping JSON object keys to schema fields (SourceKey).
func NewJSONSource(raw []byte, accessors []FieldAccessor) RecordSource {
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &jsonSource{scanner: sc, accessors: accessors}
}

func (j *jsonSource) Next() ([]layout.VarVal, error) {
	for j.scanner.Scan() {
		line := bytes.TrimSpace(j.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(line, &obj); err != nil {
			return nil, err
		}
		out := make([]layout.VarVal, len(j.accessors))
		for i, acc := range j.accessors {
			raw, ok := obj[acc.SourceKey]
			if !ok {
				return nil, fmt.Errorf("key %q missing", acc.SourceKey)
			}
			v, err := parseJSONValue(raw, acc.Type)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", acc.SourceKey, err)
			}
			out[i] = v
		}
		return out, nil
	}
	if err := j.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func parseText(text string, t layout.PhysicalType) (layout.VarVal, error) {
	switch t {
	case layout.Bool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return layout.VarVal{}, err
		}
		return layout.BoolVal(b), nil
	case layout.F32, layout.F64:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return layout.VarVal{}, err
		}
		return layout.FloatVal(t, f), nil
	default:
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return layout.VarVal{}, err
		}
		return layout.IntVal(t, i), nil
	}
}

func parseJSONValue(raw json.RawMessage, t layout.PhysicalType) (layout.VarVal, error) {
	switch t {
	case layout.Bool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return layout.VarVal{}, err
		}
		return layout.BoolVal(b), nil
	case layout.F32, layout.F64:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return layout.VarVal{}, err
		}
		return layout.FloatVal(t, f), nil
	default:
		var i int64
		if err := json.Unmarshal(raw, &i); err != nil {
			return layout.VarVal{}, err
		}
		return layout.IntVal(t, i), nil
	}
}

// Formatter turns a resolved raw buffer (one spanning tuple's worth
// of bytes, already ordered by the Sequence Shredder) into a tuple
// buffer of schema, using the buffer manager to acquire storage.
type Formatter struct {
	Schema  *layout.Schema
	Buffers *buffer.Manager
	Worker  int
}

// FormatResult is one tuple buffer produced from a raw record batch,
// with the watermark timestamp the Probe side should use (spec.md
// §4.4 Contract: "watermark_ts derived from the last tuple's
// event-time field").
type FormatResult struct {
	Buffer       *buffer.TupleBuffer
	View         *layout.RowView
	RowCount     int
	WatermarkTs  uint64
}

// FormatAll drains src into tuple buffers of Schema, at most
// maxRowsPerBuffer rows each. eventTimeField names the field whose
// value becomes each buffer's watermark_ts (the value in that buffer's
// last row). origin/sequence identify the raw buffer for
// FormattingError coordinates on parse failure (spec.md §4.4
// Failure).
func (f *Formatter) FormatAll(src RecordSource, maxRowsPerBuffer int, eventTimeField int, origin, sequence uint64) ([]FormatResult, error) {
	var results []FormatResult
	var cur *FormatResult

	flush := func() {
		if cur != nil && cur.RowCount > 0 {
			cur.Buffer.NumberOfTuples = uint64(cur.RowCount)
			cur.Buffer.WatermarkTS = cur.WatermarkTs
			results = append(results, *cur)
		} else if cur != nil {
			cur.Buffer.Release()
		}
		cur = nil
	}

	row := 0
	for {
		fields, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			flush()
			for _, r := range results {
				r.Buffer.Release()
			}
			return nil, &runtimeerr.FormattingError{Origin: origin, Sequence: sequence, Cause: err}
		}

		if cur == nil {
			tb := f.Buffers.GetBuffer(f.Worker)
			tb.Payload = tb.Payload[:cap(tb.Payload)]
			view := layout.NewRowView(f.Schema, tb.Payload)
			cur = &FormatResult{Buffer: tb, View: view}
			row = 0
		}

		for field, v := range fields {
			cur.View.Write(row, field, v)
		}
		if eventTimeField >= 0 && eventTimeField < len(fields) {
			cur.WatermarkTs = uint64(fields[eventTimeField].Int64())
		}
		cur.RowCount++
		row++

		if cur.RowCount >= maxRowsPerBuffer || row >= cur.View.Capacity() {
			flush()
		}
	}
	flush()
	return results, nil
}

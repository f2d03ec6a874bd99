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

package layout

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RowView is a row-major typed view over a buffer: tuples are packed
// as [f0,f1,...] with stride Schema.SizeInBytes, per spec.md §3/§4.2.
type RowView struct {
	schema *Schema
	buf    []byte
}

// NewRowView wraps buf (a TupleBuffer's Payload, typically) as a
// row-major view with capacity = len(buf) / schema.SizeInBytes.
func NewRowView(schema *Schema, buf []byte) *RowView {
	return &RowView{schema: schema, buf: buf}
}

// Capacity returns the maximum number of rows buf can hold.
func (r *RowView) Capacity() int {
	if r.schema.SizeInBytes == 0 {
		return 0
	}
	return len(r.buf) / r.schema.SizeInBytes
}

func (r *RowView) checkRow(row int) {
	if row < 0 || row >= r.Capacity() {
		panic(fmt.Sprintf("layout: row %d out of bounds (capacity %d)", row, r.Capacity()))
	}
}

func (r *RowView) fieldOffset(row, field int) int {
	return row*r.schema.SizeInBytes + r.schema.rowOffset(field)
}

// Write stores v at (row, field). The caller must pass a VarVal whose
// Type matches the schema's declared type for field.
func (r *RowView) Write(row, field int, v VarVal) {
	r.checkRow(row)
	off := r.fieldOffset(row, field)
	t := r.schema.Fields[field].Type
	b := r.buf[off : off+t.byteSize()]
	writeFixed(b, t, v)
}

// Read loads the value at (row, field).
func (r *RowView) Read(row, field int) VarVal {
	r.checkRow(row)
	off := r.fieldOffset(row, field)
	t := r.schema.Fields[field].Type
	b := r.buf[off : off+t.byteSize()]
	return readFixed(b, t)
}

func writeFixed(b []byte, t PhysicalType, v VarVal) {
	switch t {
	case I8, U8, Bool:
		b[0] = byte(v.I)
	case Char:
		b[0] = byte(v.I)
	case I16, U16:
		binary.LittleEndian.PutUint16(b, uint16(v.I))
	case I32, U32:
		binary.LittleEndian.PutUint32(b, uint32(v.I))
	case I64, U64:
		binary.LittleEndian.PutUint64(b, uint64(v.I))
	case F32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v.F)))
	case F64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v.F))
	case VariableSized:
		binary.LittleEndian.PutUint32(b[0:4], uint32(v.Var.ChildIndex))
		binary.LittleEndian.PutUint32(b[4:8], v.Var.Offset)
		binary.LittleEndian.PutUint32(b[8:12], v.Var.Length)
	default:
		panic(fmt.Sprintf("layout: write: unknown type %d", t))
	}
}

func readFixed(b []byte, t PhysicalType) VarVal {
	switch t {
	case I8:
		return IntVal(t, int64(int8(b[0])))
	case U8:
		return IntVal(t, int64(b[0]))
	case Bool:
		return BoolVal(b[0] != 0)
	case Char:
		return IntVal(t, int64(b[0]))
	case I16:
		return IntVal(t, int64(int16(binary.LittleEndian.Uint16(b))))
	case U16:
		return IntVal(t, int64(binary.LittleEndian.Uint16(b)))
	case I32:
		return IntVal(t, int64(int32(binary.LittleEndian.Uint32(b))))
	case U32:
		return IntVal(t, int64(binary.LittleEndian.Uint32(b)))
	case I64:
		return IntVal(t, int64(binary.LittleEndian.Uint64(b)))
	case U64:
		return IntVal(t, int64(binary.LittleEndian.Uint64(b)))
	case F32:
		return FloatVal(t, float64(math.Float32frombits(binary.LittleEndian.Uint32(b))))
	case F64:
		return FloatVal(t, math.Float64frombits(binary.LittleEndian.Uint64(b)))
	case VariableSized:
		return VarSizedVal(
			int(binary.LittleEndian.Uint32(b[0:4])),
			binary.LittleEndian.Uint32(b[4:8]),
			binary.LittleEndian.Uint32(b[8:12]),
		)
	default:
		panic(fmt.Sprintf("layout: read: unknown type %d", t))
	}
}

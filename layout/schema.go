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

// Package layout implements typed row/column views over a
// buffer.TupleBuffer, per spec.md §4.2 and §3.
package layout

import "fmt"

// PhysicalType tags the fixed-width primitives and the one
// variable-sized kind a field may hold (spec.md §3 VarVal).
type PhysicalType uint8

const (
	I8 PhysicalType = iota
	I16
	I32
	I64
	U8
	U16
	U32
	U64
	F32
	F64
	Bool
	Char
	VariableSized
)

// byteSize returns the fixed on-buffer width of t; for VariableSized
// that is the width of its fixed-size 12-byte reference.
func (t PhysicalType) byteSize() int {
	switch t {
	case I8, U8, Bool, Char:
		return 1
	case I16, U16:
		return 2
	case I32, U32, F32:
		return 4
	case I64, U64, F64:
		return 8
	case VariableSized:
		return 12 // stored as (child index uint32, offset uint32, length uint32)
	default:
		panic(fmt.Sprintf("layout: unknown physical type %d", t))
	}
}

// Field is one (name, type) entry in a Schema.
type Field struct {
	Name string
	Type PhysicalType
}

// Schema is an ordered sequence of fields with a computed byte size,
// per spec.md §3.
type Schema struct {
	Fields       []Field
	SizeInBytes  int
	offsets      []int // row-layout byte offset of each field
	index        map[string]int
}

// NewSchema computes field offsets (row layout order) and the total
// row stride.
func NewSchema(fields []Field) *Schema {
	s := &Schema{
		Fields:  append([]Field(nil), fields...),
		offsets: make([]int, len(fields)),
		index:   make(map[string]int, len(fields)),
	}
	off := 0
	for i, f := range s.Fields {
		s.offsets[i] = off
		s.index[f.Name] = i
		off += f.Type.byteSize()
	}
	s.SizeInBytes = off
	return s
}

// FieldIndex returns the position of name in the schema, or (-1,
// false) if it is not present.
func (s *Schema) FieldIndex(name string) (int, bool) {
	i, ok := s.index[name]
	if !ok {
		return -1, false
	}
	return i, ok
}

// rowOffset returns the row-layout byte offset of field i within one
// tuple's row.
func (s *Schema) rowOffset(i int) int { return s.offsets[i] }

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

// VariableSizedData is a pointer+length reference into a child
// buffer, per spec.md §3.
type VariableSizedData struct {
	ChildIndex int // index into the owning TupleBuffer.Children
	Offset     uint32
	Length     uint32
}

// VarVal is a tagged sum over the fixed-width primitives plus
// VariableSizedData, exactly the universe spec.md §3 defines for
// Record field values. Only one of the fields is meaningful,
// selected by Type.
type VarVal struct {
	Type PhysicalType
	I    int64   // holds I8/I16/I32/I64/U8/U16/U32/U64/Bool(0 or 1)/Char(rune as int64)
	F    float64 // holds F32/F64
	Var  VariableSizedData
}

// Int64 returns v as a signed integer, regardless of the specific
// fixed-width integer type tag.
func (v VarVal) Int64() int64 { return v.I }

// Uint64 returns v as an unsigned integer.
func (v VarVal) Uint64() uint64 { return uint64(v.I) }

// Float64 returns v as a float64, converting up from float32 storage
// if necessary.
func (v VarVal) Float64() float64 {
	if v.Type == F32 {
		return v.F
	}
	return v.F
}

// Bool returns v as a boolean.
func (v VarVal) Bool() bool { return v.I != 0 }

func IntVal(t PhysicalType, i int64) VarVal    { return VarVal{Type: t, I: i} }
func FloatVal(t PhysicalType, f float64) VarVal { return VarVal{Type: t, F: f} }
func BoolVal(b bool) VarVal {
	if b {
		return VarVal{Type: Bool, I: 1}
	}
	return VarVal{Type: Bool, I: 0}
}
func VarSizedVal(childIndex int, offset, length uint32) VarVal {
	return VarVal{Type: VariableSized, Var: VariableSizedData{ChildIndex: childIndex, Offset: offset, Length: length}}
}

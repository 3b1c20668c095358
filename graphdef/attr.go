// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

package graphdef

import (
	"fmt"

	"github.com/accelfuse/accelfuse/graphdef/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// AttrValue is the variant-typed value of a node attribute. Exactly one field
// is meaningful, selected by Kind.
type AttrValue struct {
	Kind AttrKind

	I     int64
	F     float64
	B     bool
	S     string
	Bytes []byte
	Ints  []int64
	Shape shapes.Shape
	DType dtypes.DType
}

// AttrKind discriminates the active field of an AttrValue.
type AttrKind int

const (
	AttrKindInvalid AttrKind = iota
	AttrKindInt
	AttrKindFloat
	AttrKindBool
	AttrKindString
	AttrKindBytes
	AttrKindInts
	AttrKindShape
	AttrKindDType
)

// String implements fmt.Stringer for AttrKind.
func (k AttrKind) String() string {
	switch k {
	case AttrKindInt:
		return "int"
	case AttrKindFloat:
		return "float"
	case AttrKindBool:
		return "bool"
	case AttrKindString:
		return "string"
	case AttrKindBytes:
		return "bytes"
	case AttrKindInts:
		return "ints"
	case AttrKindShape:
		return "shape"
	case AttrKindDType:
		return "dtype"
	}
	return "invalid"
}

// Constructors for the various attribute kinds.

func IntAttr(v int64) *AttrValue     { return &AttrValue{Kind: AttrKindInt, I: v} }
func FloatAttr(v float64) *AttrValue { return &AttrValue{Kind: AttrKindFloat, F: v} }
func BoolAttr(v bool) *AttrValue     { return &AttrValue{Kind: AttrKindBool, B: v} }
func StringAttr(v string) *AttrValue { return &AttrValue{Kind: AttrKindString, S: v} }
func BytesAttr(v []byte) *AttrValue  { return &AttrValue{Kind: AttrKindBytes, Bytes: v} }
func IntsAttr(v ...int64) *AttrValue { return &AttrValue{Kind: AttrKindInts, Ints: v} }
func ShapeAttr(s shapes.Shape) *AttrValue {
	return &AttrValue{Kind: AttrKindShape, Shape: s}
}
func DTypeAttr(d dtypes.DType) *AttrValue {
	return &AttrValue{Kind: AttrKindDType, DType: d}
}

// Clone returns a deep copy of the attribute value.
func (a *AttrValue) Clone() *AttrValue {
	if a == nil {
		return nil
	}
	a2 := *a
	if a.Bytes != nil {
		a2.Bytes = append([]byte(nil), a.Bytes...)
	}
	if a.Ints != nil {
		a2.Ints = append([]int64(nil), a.Ints...)
	}
	a2.Shape = a.Shape.Clone()
	return &a2
}

// String implements fmt.Stringer, used by NodeDef.String.
func (a *AttrValue) String() string {
	if a == nil {
		return "<nil>"
	}
	switch a.Kind {
	case AttrKindInt:
		return fmt.Sprintf("%d", a.I)
	case AttrKindFloat:
		return fmt.Sprintf("%g", a.F)
	case AttrKindBool:
		return fmt.Sprintf("%t", a.B)
	case AttrKindString:
		return fmt.Sprintf("%q", a.S)
	case AttrKindBytes:
		return fmt.Sprintf("<%d bytes>", len(a.Bytes))
	case AttrKindInts:
		return fmt.Sprintf("%v", a.Ints)
	case AttrKindShape:
		return a.Shape.String()
	case AttrKindDType:
		return a.DType.String()
	}
	return "<invalid>"
}

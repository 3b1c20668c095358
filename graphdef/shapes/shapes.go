// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines the Shape of the tensors flowing through a dataflow
// graph descriptor.
//
// A Shape carries a DType (see github.com/gomlx/gopjrt/dtypes) and the dimension
// of each axis. Differently from the shape of a concrete tensor, a descriptor
// shape may carry UnknownDim (-1) on any axis: feeds of a graph under
// optimization are commonly batch-polymorphic, with the leading (batch) axis
// unknown until execution time.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. Axis 0 of a feed is conventionally the
//     batch axis.
//   - Dimension: the size of a tensor in one of its axes, or UnknownDim.
//   - Scalar: a shape with no axes, only a single value of the associated DType.
package shapes

import (
	"encoding/gob"
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// UnknownDim marks an axis whose dimension is not statically known, typically
// the batch axis of a feed.
const UnknownDim = -1

// Shape represents the shape of a tensor reference in a graph descriptor.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape filled with the values given. Dimensions must be
// positive or UnknownDim, otherwise it panics: an invalid dimension is a bug in
// the caller, not a runtime condition.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 && dim != UnknownDim {
			exceptions.Panicf("shapes.Make(%s): dimensions must be positive or UnknownDim (-1)", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape. Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar: rank 0.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axis counts from the
// end, so Dim(-1) is the last axis. It panics for an out-of-bounds axis.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjusted]
}

// IsFullyDefined reports whether no axis is UnknownDim.
func (s Shape) IsFullyDefined() bool {
	return s.Ok() && !slices.Contains(s.Dimensions, UnknownDim)
}

// Size returns the number of elements of DType needed for this shape: the
// product of all dimensions. Returns UnknownDim if any axis is unknown.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		if dim == UnknownDim {
			return UnknownDim
		}
		size *= dim
	}
	return size
}

// Memory returns an estimate of the bytes needed to hold a tensor of this
// shape, or UnknownDim if the size is unknown.
func (s Shape) Memory() int {
	size := s.Size()
	if size == UnknownDim {
		return UnknownDim
	}
	return size * s.DType.Size()
}

// WithBatch returns a copy of the shape with axis 0 set to the given dimension.
// If the shape is a scalar, it is returned unchanged.
func (s Shape) WithBatch(batch int) Shape {
	if s.IsScalar() {
		return s
	}
	s2 := s.Clone()
	s2.Dimensions[0] = batch
	return s2
}

// Equal compares DType and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer, pretty-prints the shape.
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid)"
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, 0, s.Rank())
	for _, dim := range s.Dimensions {
		if dim == UnknownDim {
			parts = append(parts, "?")
		} else {
			parts = append(parts, fmt.Sprintf("%d", dim))
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

func init() {
	gob.Register(Shape{})
}

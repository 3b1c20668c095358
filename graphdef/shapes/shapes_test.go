// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, UnknownDim, 4)
	assert.True(t, s.Ok())
	assert.Equal(t, 2, s.Rank())
	assert.False(t, s.IsFullyDefined())
	assert.Equal(t, UnknownDim, s.Size())
	assert.Equal(t, UnknownDim, s.Memory())
	assert.Equal(t, 4, s.Dim(-1))

	require.Panics(t, func() { Make(dtypes.Float32, 0) })
	require.Panics(t, func() { Make(dtypes.Float32, -2) })
}

func TestScalarAndInvalid(t *testing.T) {
	s := Scalar(dtypes.Int32)
	assert.True(t, s.IsScalar())
	assert.Equal(t, 1, s.Size())
	assert.False(t, Invalid().Ok())
	assert.False(t, Shape{}.Ok())
}

func TestWithBatch(t *testing.T) {
	s := Make(dtypes.Float32, UnknownDim, 4)
	s2 := s.WithBatch(8)
	assert.Equal(t, 8, s2.Dim(0))
	assert.Equal(t, UnknownDim, s.Dim(0)) // original untouched
	assert.Equal(t, 8*4*4, s2.Memory())
}

func TestString(t *testing.T) {
	assert.Equal(t, "(Float32)[? 4]", Make(dtypes.Float32, UnknownDim, 4).String())
	assert.Equal(t, "(Int8)", Scalar(dtypes.Int8).String())
}

func TestEqualAndClone(t *testing.T) {
	a := Make(dtypes.Float32, 2, 3)
	b := a.Clone()
	assert.True(t, a.Equal(b))
	b.Dimensions[0] = 5
	assert.False(t, a.Equal(b))
	assert.Equal(t, 2, a.Dim(0))
}

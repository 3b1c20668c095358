// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

package shapeinfer

import (
	"testing"

	"github.com/accelfuse/accelfuse/graphdef"
	"github.com/accelfuse/accelfuse/graphdef/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Aliases
var (
	F32 = dtypes.Float32
	I32 = dtypes.Int32

	MS = shapes.Make
)

func TestBroadcastShapes(t *testing.T) {
	out, err := BroadcastShapes(MS(F32, 2, 3), MS(F32, 2, 3))
	require.NoError(t, err)
	assert.True(t, MS(F32, 2, 3).Equal(out))

	// Scalar with matrix, both directions.
	out, err = BroadcastShapes(shapes.Scalar(F32), MS(F32, 2, 3))
	require.NoError(t, err)
	assert.True(t, MS(F32, 2, 3).Equal(out))
	out, err = BroadcastShapes(MS(F32, 2, 3), shapes.Scalar(F32))
	require.NoError(t, err)
	assert.True(t, MS(F32, 2, 3).Equal(out))

	// Stretching on both sides.
	out, err = BroadcastShapes(MS(F32, 2, 1, 3), MS(F32, 1, 4, 3))
	require.NoError(t, err)
	assert.True(t, MS(F32, 2, 4, 3).Equal(out))

	// Unknown batch dimension carries through.
	out, err = BroadcastShapes(MS(F32, shapes.UnknownDim, 3), MS(F32, 1, 3))
	require.NoError(t, err)
	assert.Equal(t, shapes.UnknownDim, out.Dim(0))

	// Mismatches.
	_, err = BroadcastShapes(MS(F32, 2, 3), MS(F32, 3, 2))
	require.Error(t, err)
	_, err = BroadcastShapes(MS(F32, 2), MS(I32, 2))
	require.ErrorContains(t, err, "dtype mismatch")
}

func buildGraph() *graphdef.Graph {
	g := graphdef.New()
	g.AddNode(&graphdef.NodeDef{Name: "x", Op: "Placeholder"})
	g.AddNode(&graphdef.NodeDef{Name: "w", Op: "Const",
		Attrs: map[string]*graphdef.AttrValue{"shape": graphdef.ShapeAttr(MS(F32, 4, 2))}})
	g.AddNode(&graphdef.NodeDef{Name: "b", Op: "Const",
		Attrs: map[string]*graphdef.AttrValue{"shape": graphdef.ShapeAttr(MS(F32, 2))}})
	g.AddNode(&graphdef.NodeDef{Name: "mm", Op: "MatMul", Inputs: []string{"x", "w"}})
	g.AddNode(&graphdef.NodeDef{Name: "biased", Op: "BiasAdd", Inputs: []string{"mm", "b"}})
	g.AddNode(&graphdef.NodeDef{Name: "act", Op: "Relu", Inputs: []string{"biased"}})
	return g
}

func TestInfer(t *testing.T) {
	g := buildGraph()
	feeds := map[string]shapes.Shape{"x": MS(F32, 8, 4)}
	props, err := Infer(g, feeds, NewRuleSet())
	require.NoError(t, err)

	shape, found := props.OutputShape(graphdef.TensorRef{Node: "act"})
	require.True(t, found)
	assert.True(t, MS(F32, 8, 2).Equal(shape))

	shape, found = props.OutputShape(graphdef.TensorRef{Node: "mm"})
	require.True(t, found)
	assert.True(t, MS(F32, 8, 2).Equal(shape))
}

func TestInferBatchPolymorphic(t *testing.T) {
	g := buildGraph()
	feeds := map[string]shapes.Shape{"x": MS(F32, shapes.UnknownDim, 4)}
	props, err := Infer(g, feeds, NewRuleSet())
	require.NoError(t, err)
	shape, found := props.OutputShape(graphdef.TensorRef{Node: "act"})
	require.True(t, found)
	assert.Equal(t, shapes.UnknownDim, shape.Dim(0))
	assert.Equal(t, 2, shape.Dim(1))
}

func TestInferIsAllOrNothing(t *testing.T) {
	g := buildGraph()
	g.AddNode(&graphdef.NodeDef{Name: "exotic", Op: "MyCustomOp", Inputs: []string{"act"}})
	feeds := map[string]shapes.Shape{"x": MS(F32, 8, 4)}
	_, err := Infer(g, feeds, NewRuleSet())
	require.ErrorContains(t, err, "no shape-inference rule")

	// Registering the missing rule makes the same graph inferable.
	rs := NewRuleSet()
	rs.Register("MyCustomOp", func(_ *graphdef.NodeDef, inputs []shapes.Shape) ([]shapes.Shape, error) {
		return []shapes.Shape{inputs[0]}, nil
	})
	_, err = Infer(g, feeds, rs)
	require.NoError(t, err)
}

func TestInferFailsOnMissingFeed(t *testing.T) {
	g := buildGraph()
	// Placeholder without a feed and without a shape attribute.
	_, err := Infer(g, nil, NewRuleSet())
	require.Error(t, err)
}

func TestInferMatMulMismatch(t *testing.T) {
	g := graphdef.New()
	g.AddNode(&graphdef.NodeDef{Name: "a", Op: "Const",
		Attrs: map[string]*graphdef.AttrValue{"shape": graphdef.ShapeAttr(MS(F32, 2, 3))}})
	g.AddNode(&graphdef.NodeDef{Name: "b", Op: "Const",
		Attrs: map[string]*graphdef.AttrValue{"shape": graphdef.ShapeAttr(MS(F32, 4, 5))}})
	g.AddNode(&graphdef.NodeDef{Name: "mm", Op: "MatMul", Inputs: []string{"a", "b"}})
	_, err := Infer(g, nil, NewRuleSet())
	require.ErrorContains(t, err, "contracting dimensions mismatch")
}

func TestInferConcat(t *testing.T) {
	g := graphdef.New()
	g.AddNode(&graphdef.NodeDef{Name: "a", Op: "Const",
		Attrs: map[string]*graphdef.AttrValue{"shape": graphdef.ShapeAttr(MS(F32, 2, 3))}})
	g.AddNode(&graphdef.NodeDef{Name: "b", Op: "Const",
		Attrs: map[string]*graphdef.AttrValue{"shape": graphdef.ShapeAttr(MS(F32, 2, 5))}})
	g.AddNode(&graphdef.NodeDef{Name: "cat", Op: "Concat", Inputs: []string{"a", "b"},
		Attrs: map[string]*graphdef.AttrValue{"axis": graphdef.IntAttr(1)}})
	props, err := Infer(g, nil, NewRuleSet())
	require.NoError(t, err)
	shape, found := props.OutputShape(graphdef.TensorRef{Node: "cat"})
	require.True(t, found)
	assert.True(t, MS(F32, 2, 8).Equal(shape))
}

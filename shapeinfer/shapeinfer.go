// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinfer calculates the static shape of every tensor of a graph
// descriptor, given the shapes of its feeds.
//
// Inference is all-or-nothing: the optimization pass only accepts a graph whose
// every node could be inferred, because segment acceptance and engine building
// depend on the result. A graph with a node not covered by the RuleSet, or
// whose inputs are inconsistent, fails inference as a whole.
//
// The built-in RuleSet covers the common elementwise, matmul and structural
// operations; hosts register additional rules for their own operation types
// with RuleSet.Register.
package shapeinfer

import (
	"github.com/accelfuse/accelfuse/graphdef"
	"github.com/accelfuse/accelfuse/graphdef/shapes"
	"github.com/accelfuse/accelfuse/types"
	"github.com/pkg/errors"
)

var (
	// UnaryOperations preserve the shape and dtype of their single input.
	UnaryOperations = types.SetWith(
		"Identity",
		"Relu",
		"Relu6",
		"Logistic",
		"Sigmoid",
		"Tanh",
		"Exp",
		"Log",
		"Sqrt",
		"Rsqrt",
		"Neg",
		"Abs",
		"Softmax",
	)

	// BinaryOperations follow the standard broadcasting rules over two inputs.
	BinaryOperations = types.SetWith(
		"Add",
		"Sub",
		"Mul",
		"Div",
		"Pow",
		"Maximum",
		"Minimum",
	)

	// SourceOperations produce a tensor without consuming any input. Their
	// shape comes from a feed (Placeholder) or from a "shape" attribute.
	SourceOperations = types.SetWith(
		"Const",
		"Placeholder",
		"VariableV2",
	)
)

// InferenceFn derives the output shapes of one node from the shapes of its
// inputs, one shape per input reference, in order.
type InferenceFn func(node *graphdef.NodeDef, inputs []shapes.Shape) ([]shapes.Shape, error)

// RuleSet maps operation types to their shape-inference functions.
type RuleSet struct {
	rules map[string]InferenceFn
}

// NewRuleSet returns a RuleSet pre-populated with the built-in rules.
func NewRuleSet() *RuleSet {
	rs := &RuleSet{rules: make(map[string]InferenceFn)}
	for op := range UnaryOperations {
		rs.Register(op, inferUnary)
	}
	for op := range BinaryOperations {
		rs.Register(op, inferBinary)
	}
	for op := range SourceOperations {
		rs.Register(op, inferSource)
	}
	rs.Register("MatMul", inferMatMul)
	rs.Register("BiasAdd", inferBiasAdd)
	rs.Register("Reshape", inferReshape)
	rs.Register("Concat", inferConcat)
	return rs
}

// Register adds (or replaces) the rule for an operation type.
func (rs *RuleSet) Register(op string, fn InferenceFn) {
	rs.rules[op] = fn
}

// Lookup returns the rule for an operation type, or nil.
func (rs *RuleSet) Lookup(op string) InferenceFn {
	return rs.rules[op]
}

// Properties holds the inferred shape of every tensor of a graph. It is the
// shape/type context consulted by segmentation and conversion.
type Properties struct {
	byRef map[graphdef.TensorRef]shapes.Shape
}

// OutputShape returns the inferred shape of one tensor reference.
func (p *Properties) OutputShape(ref graphdef.TensorRef) (shapes.Shape, bool) {
	s, found := p.byRef[ref]
	return s, found
}

// NodeOutputShapes returns all inferred output shapes of a node, in port order.
func (p *Properties) NodeOutputShapes(name string) []shapes.Shape {
	var out []shapes.Shape
	for port := 0; ; port++ {
		s, found := p.byRef[graphdef.TensorRef{Node: name, Port: port}]
		if !found {
			break
		}
		out = append(out, s)
	}
	return out
}

func (p *Properties) set(ref graphdef.TensorRef, s shapes.Shape) {
	p.byRef[ref] = s
}

// Infer runs static shape inference over the whole graph. The feeds map gives
// the shape of each graph input by node name; it takes precedence over any
// "shape" attribute a source node may carry.
//
// It returns an error if any node cannot be inferred.
func Infer(g *graphdef.Graph, feeds map[string]shapes.Shape, rs *RuleSet) (*Properties, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	props := &Properties{byRef: make(map[graphdef.TensorRef]shapes.Shape, len(g.Nodes))}
	for _, n := range order {
		if feedShape, found := feeds[n.Name]; found && len(n.Inputs) == 0 {
			props.set(graphdef.TensorRef{Node: n.Name}, feedShape)
			continue
		}
		fn := rs.Lookup(n.Op)
		if fn == nil {
			return nil, errors.Errorf("no shape-inference rule for op %q (node %q)", n.Op, n.Name)
		}
		inputs := make([]shapes.Shape, 0, len(n.Inputs))
		for _, ref := range n.InputRefs() {
			s, found := props.OutputShape(ref)
			if !found {
				return nil, errors.Errorf("node %q input %s has no inferred shape", n.Name, ref)
			}
			inputs = append(inputs, s)
		}
		outputs, err := fn(n, inputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "inferring shape of node %q (op %q)", n.Name, n.Op)
		}
		if len(outputs) == 0 {
			return nil, errors.Errorf("rule for op %q returned no output shapes (node %q)", n.Op, n.Name)
		}
		for port, s := range outputs {
			if !s.Ok() {
				return nil, errors.Errorf("rule for op %q returned an invalid shape for node %q port %d", n.Op, n.Name, port)
			}
			props.set(graphdef.TensorRef{Node: n.Name, Port: port}, s)
		}
	}
	return props, nil
}

func inferUnary(n *graphdef.NodeDef, inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("unary op takes 1 input, got %d", len(inputs))
	}
	return []shapes.Shape{inputs[0]}, nil
}

func inferBinary(n *graphdef.NodeDef, inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("binary op takes 2 inputs, got %d", len(inputs))
	}
	out, err := BroadcastShapes(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return []shapes.Shape{out}, nil
}

func inferSource(n *graphdef.NodeDef, inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 0 {
		return nil, errors.Errorf("source op takes no inputs, got %d", len(inputs))
	}
	attr := n.Attr("shape")
	if attr == nil || attr.Kind != graphdef.AttrKindShape {
		return nil, errors.Errorf("source op without a feed requires a \"shape\" attribute")
	}
	return []shapes.Shape{attr.Shape}, nil
}

func inferMatMul(n *graphdef.NodeDef, inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("MatMul takes 2 inputs, got %d", len(inputs))
	}
	lhs, rhs := inputs[0], inputs[1]
	if lhs.Rank() != 2 || rhs.Rank() != 2 {
		return nil, errors.Errorf("MatMul requires rank-2 inputs, got %s x %s", lhs, rhs)
	}
	if lhs.DType != rhs.DType {
		return nil, errors.Errorf("MatMul dtype mismatch: %s x %s", lhs, rhs)
	}
	contractLHS, contractRHS := lhs.Dim(1), rhs.Dim(0)
	if contractLHS != contractRHS &&
		contractLHS != shapes.UnknownDim && contractRHS != shapes.UnknownDim {
		return nil, errors.Errorf("MatMul contracting dimensions mismatch: %s x %s", lhs, rhs)
	}
	return []shapes.Shape{shapes.Make(lhs.DType, lhs.Dim(0), rhs.Dim(1))}, nil
}

func inferBiasAdd(n *graphdef.NodeDef, inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("BiasAdd takes 2 inputs, got %d", len(inputs))
	}
	value, bias := inputs[0], inputs[1]
	if bias.Rank() != 1 {
		return nil, errors.Errorf("BiasAdd bias must be rank-1, got %s", bias)
	}
	if value.Rank() < 1 {
		return nil, errors.Errorf("BiasAdd value must have rank >= 1, got %s", value)
	}
	last := value.Dim(-1)
	if last != bias.Dim(0) && last != shapes.UnknownDim && bias.Dim(0) != shapes.UnknownDim {
		return nil, errors.Errorf("BiasAdd channels mismatch: %s + %s", value, bias)
	}
	return []shapes.Shape{value}, nil
}

func inferReshape(n *graphdef.NodeDef, inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("Reshape takes 1 input, got %d", len(inputs))
	}
	attr := n.Attr("shape")
	if attr == nil || attr.Kind != graphdef.AttrKindShape {
		return nil, errors.Errorf("Reshape requires a \"shape\" attribute")
	}
	target := attr.Shape
	if target.DType != inputs[0].DType {
		return nil, errors.Errorf("Reshape cannot change dtype: %s -> %s", inputs[0], target)
	}
	if target.IsFullyDefined() && inputs[0].IsFullyDefined() && target.Size() != inputs[0].Size() {
		return nil, errors.Errorf("Reshape size mismatch: %s -> %s", inputs[0], target)
	}
	return []shapes.Shape{target}, nil
}

func inferConcat(n *graphdef.NodeDef, inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) < 1 {
		return nil, errors.Errorf("Concat takes at least 1 input")
	}
	attr := n.Attr("axis")
	if attr == nil || attr.Kind != graphdef.AttrKindInt {
		return nil, errors.Errorf("Concat requires an \"axis\" int attribute")
	}
	axis := int(attr.I)
	first := inputs[0]
	if axis < 0 {
		axis += first.Rank()
	}
	if axis < 0 || axis >= first.Rank() {
		return nil, errors.Errorf("Concat axis %d out of range for %s", attr.I, first)
	}
	out := first.Clone()
	for _, s := range inputs[1:] {
		if s.Rank() != first.Rank() || s.DType != first.DType {
			return nil, errors.Errorf("Concat inputs disagree: %s vs %s", first, s)
		}
		for axis2 := 0; axis2 < first.Rank(); axis2++ {
			if axis2 == axis {
				continue
			}
			a, b := out.Dim(axis2), s.Dim(axis2)
			if a != b && a != shapes.UnknownDim && b != shapes.UnknownDim {
				return nil, errors.Errorf("Concat inputs disagree on axis %d: %s vs %s", axis2, first, s)
			}
		}
		if out.Dim(axis) == shapes.UnknownDim || s.Dim(axis) == shapes.UnknownDim {
			out.Dimensions[axis] = shapes.UnknownDim
		} else {
			out.Dimensions[axis] += s.Dim(axis)
		}
	}
	return []shapes.Shape{out}, nil
}

// BroadcastShapes applies the standard broadcasting rules to two shapes:
// dimensions of size 1 stretch, missing leading axes are implied as 1, and an
// UnknownDim stays unknown in the output.
func BroadcastShapes(lhs, rhs shapes.Shape) (shapes.Shape, error) {
	if lhs.DType != rhs.DType {
		return shapes.Invalid(), errors.Errorf("dtype mismatch broadcasting %s with %s", lhs, rhs)
	}
	if lhs.Rank() < rhs.Rank() {
		lhs, rhs = rhs, lhs
	}
	out := lhs.Clone()
	offset := lhs.Rank() - rhs.Rank()
	for axis := 0; axis < rhs.Rank(); axis++ {
		a, b := lhs.Dim(offset+axis), rhs.Dim(axis)
		switch {
		case a == b:
			// Includes both unknown.
		case a == 1:
			out.Dimensions[offset+axis] = b
		case b == 1:
			// Keep a.
		case a == shapes.UnknownDim || b == shapes.UnknownDim:
			out.Dimensions[offset+axis] = shapes.UnknownDim
		default:
			return shapes.Invalid(), errors.Errorf("cannot broadcast %s with %s on axis %d", lhs, rhs, axis)
		}
	}
	return out, nil
}

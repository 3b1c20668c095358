// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

// Package graphdef defines the dataflow-graph descriptor that the accelfuse
// optimization pass rewrites.
//
// A Graph is an ordered collection of NodeDef, each with a name unique within
// the graph, an operation type, typed attributes and ordered input references,
// plus a library of named FunctionDef (subgraphs callable by name).
//
// The descriptor is pure data: it carries no execution semantics. Execution and
// engine compilation belong to the host framework and to the engine-compiler
// collaborator (see package engines).
package graphdef

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"

	"github.com/accelfuse/accelfuse/graphdef/shapes"
	"github.com/accelfuse/accelfuse/types"
	"github.com/pkg/errors"
)

// NodeDef is one node of a Graph.
type NodeDef struct {
	// Name must be unique within the Graph.
	Name string

	// Op is the operation type, e.g. "Add", "MatMul", "Const".
	Op string

	// Device is the placement hint, e.g. "/device:ACCEL:0". May be empty.
	Device string

	// Inputs are ordered references to the outputs of other nodes, in
	// "name" or "name:port" form (see ParseTensorRef).
	Inputs []string

	// Attrs are the typed attributes of the node.
	Attrs map[string]*AttrValue
}

// Attr returns the named attribute or nil.
func (n *NodeDef) Attr(name string) *AttrValue {
	if n.Attrs == nil {
		return nil
	}
	return n.Attrs[name]
}

// SetAttr sets an attribute, allocating the map if needed.
func (n *NodeDef) SetAttr(name string, value *AttrValue) {
	if n.Attrs == nil {
		n.Attrs = make(map[string]*AttrValue)
	}
	n.Attrs[name] = value
}

// InputRefs returns the parsed input references of the node.
func (n *NodeDef) InputRefs() []TensorRef {
	refs := make([]TensorRef, len(n.Inputs))
	for i, in := range n.Inputs {
		refs[i] = ParseTensorRef(in)
	}
	return refs
}

// Clone returns a deep copy of the node.
func (n *NodeDef) Clone() *NodeDef {
	n2 := &NodeDef{
		Name:   n.Name,
		Op:     n.Op,
		Device: n.Device,
		Inputs: append([]string(nil), n.Inputs...),
	}
	if n.Attrs != nil {
		n2.Attrs = make(map[string]*AttrValue, len(n.Attrs))
		for k, v := range n.Attrs {
			n2.Attrs[k] = v.Clone()
		}
	}
	return n2
}

// String renders the node in a one-line "name = Op(inputs) {attrs}" form.
func (n *NodeDef) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s = %s(%s)", n.Name, n.Op, strings.Join(n.Inputs, ", "))
	if len(n.Attrs) > 0 {
		keys := types.MakeSet[string](len(n.Attrs))
		for k := range n.Attrs {
			keys.Insert(k)
		}
		parts := make([]string, 0, len(n.Attrs))
		for _, k := range types.SortedStrings(keys) {
			parts = append(parts, fmt.Sprintf("%s=%s", k, n.Attrs[k]))
		}
		fmt.Fprintf(&sb, " {%s}", strings.Join(parts, ", "))
	}
	return sb.String()
}

// ArgDef is a named, shaped argument of a FunctionDef.
type ArgDef struct {
	Name  string
	Shape shapes.Shape
}

// FunctionDef is a named subgraph stored in a Graph's library, callable by
// name. Its body nodes may reference the function arguments by name, as if
// they were nodes.
type FunctionDef struct {
	Name string
	Args []ArgDef
	Body []*NodeDef

	// Rets are the tensor references (into Body or Args) returned by the
	// function, in order.
	Rets []string
}

// Clone returns a deep copy of the function.
func (f *FunctionDef) Clone() *FunctionDef {
	f2 := &FunctionDef{
		Name: f.Name,
		Args: append([]ArgDef(nil), f.Args...),
		Rets: append([]string(nil), f.Rets...),
	}
	f2.Body = make([]*NodeDef, len(f.Body))
	for i, n := range f.Body {
		f2.Body[i] = n.Clone()
	}
	return f2
}

// Graph is an ordered collection of nodes plus a function-definition library.
type Graph struct {
	Nodes   []*NodeDef
	Library map[string]*FunctionDef
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{}
}

// AddNode appends a node to the graph. It does not validate: call Validate
// after building.
func (g *Graph) AddNode(n *NodeDef) *NodeDef {
	g.Nodes = append(g.Nodes, n)
	return n
}

// AddFunction registers a function in the graph's library, replacing any
// previous function of the same name.
func (g *Graph) AddFunction(f *FunctionDef) {
	if g.Library == nil {
		g.Library = make(map[string]*FunctionDef)
	}
	g.Library[f.Name] = f
}

// Function returns the named library function, or nil.
func (g *Graph) Function(name string) *FunctionDef {
	return g.Library[name]
}

// NodeByName returns the named node, or nil.
func (g *Graph) NodeByName(name string) *NodeDef {
	for _, n := range g.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// NumNodes returns the number of nodes in the graph (excluding library
// function bodies).
func (g *Graph) NumNodes() int { return len(g.Nodes) }

// Validate checks the structural invariants of the graph: node names are
// unique, and every input reference resolves to an existing node. Function
// bodies are checked the same way, with the function arguments as extra
// resolvable names.
func (g *Graph) Validate() error {
	seen := types.MakeSet[string](len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Name == "" {
			return errors.Errorf("graph contains a node with an empty name (op=%q)", n.Op)
		}
		if seen.Has(n.Name) {
			return errors.Errorf("duplicate node name %q in graph", n.Name)
		}
		seen.Insert(n.Name)
	}
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			ref := ParseTensorRef(in)
			if !seen.Has(ref.Node) {
				return errors.Errorf("node %q input %q does not resolve to any node", n.Name, in)
			}
		}
	}
	for name, f := range g.Library {
		if name != f.Name {
			return errors.Errorf("library function registered under %q but named %q", name, f.Name)
		}
		if err := validateFunction(f); err != nil {
			return errors.WithMessagef(err, "library function %q", name)
		}
	}
	return nil
}

func validateFunction(f *FunctionDef) error {
	resolvable := types.MakeSet[string](len(f.Args) + len(f.Body))
	for _, arg := range f.Args {
		resolvable.Insert(arg.Name)
	}
	for _, n := range f.Body {
		if resolvable.Has(n.Name) {
			return errors.Errorf("duplicate name %q in function body", n.Name)
		}
		resolvable.Insert(n.Name)
	}
	for _, n := range f.Body {
		for _, in := range n.Inputs {
			if !resolvable.Has(ParseTensorRef(in).Node) {
				return errors.Errorf("node %q input %q does not resolve to a body node or argument", n.Name, in)
			}
		}
	}
	for _, ret := range f.Rets {
		if !resolvable.Has(ParseTensorRef(ret).Node) {
			return errors.Errorf("return %q does not resolve to a body node or argument", ret)
		}
	}
	return nil
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	g2 := &Graph{Nodes: make([]*NodeDef, len(g.Nodes))}
	for i, n := range g.Nodes {
		g2.Nodes[i] = n.Clone()
	}
	if g.Library != nil {
		g2.Library = make(map[string]*FunctionDef, len(g.Library))
		for k, f := range g.Library {
			g2.Library[k] = f.Clone()
		}
	}
	return g2
}

// Consumers returns, for every node name, the list of nodes consuming at least
// one of its outputs, in graph order.
func (g *Graph) Consumers() map[string][]*NodeDef {
	consumers := make(map[string][]*NodeDef, len(g.Nodes))
	for _, n := range g.Nodes {
		seen := types.MakeSet[string]()
		for _, in := range n.Inputs {
			producer := ParseTensorRef(in).Node
			if seen.Has(producer) {
				continue
			}
			seen.Insert(producer)
			consumers[producer] = append(consumers[producer], n)
		}
	}
	return consumers
}

// TopologicalOrder returns the nodes sorted so that every node appears after
// all of its inputs. It fails if the graph contains a cycle or dangling
// references.
func (g *Graph) TopologicalOrder() ([]*NodeDef, error) {
	byName := make(map[string]*NodeDef, len(g.Nodes))
	pending := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		byName[n.Name] = n
	}
	for _, n := range g.Nodes {
		deps := types.MakeSet[string]()
		for _, in := range n.Inputs {
			deps.Insert(ParseTensorRef(in).Node)
		}
		for dep := range deps {
			if _, found := byName[dep]; !found {
				return nil, errors.Errorf("node %q depends on unknown node %q", n.Name, dep)
			}
		}
		pending[n.Name] = len(deps)
	}
	consumers := g.Consumers()
	var order []*NodeDef
	// Ready nodes are visited in graph order, which keeps the result
	// deterministic.
	var ready []*NodeDef
	for _, n := range g.Nodes {
		if pending[n.Name] == 0 {
			ready = append(ready, n)
		}
	}
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, consumer := range consumers[n.Name] {
			pending[consumer.Name]--
			if pending[consumer.Name] == 0 {
				ready = append(ready, consumer)
			}
		}
	}
	if len(order) != len(g.Nodes) {
		return nil, errors.Errorf("graph contains a cycle: only %d of %d nodes orderable", len(order), len(g.Nodes))
	}
	return order, nil
}

// Serialize encodes the graph with gob.
func (g *Graph) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(g); err != nil {
		return nil, errors.Wrap(err, "failed to serialize graph")
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a graph previously encoded with Serialize.
func Deserialize(data []byte) (*Graph, error) {
	g := &Graph{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(g); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize graph")
	}
	return g, nil
}

// String converts the Graph to a multi-line listing.
func (g *Graph) String() string {
	parts := []string{fmt.Sprintf("Graph: %d nodes, %d library functions", len(g.Nodes), len(g.Library))}
	for i, n := range g.Nodes {
		parts = append(parts, fmt.Sprintf("#%d\t%s", i, n))
	}
	for _, name := range types.SortedStrings(libraryNames(g)) {
		f := g.Library[name]
		parts = append(parts, fmt.Sprintf("func %s: %d args, %d nodes, %d returns",
			name, len(f.Args), len(f.Body), len(f.Rets)))
	}
	return strings.Join(parts, "\n")
}

func libraryNames(g *Graph) types.Set[string] {
	names := types.MakeSet[string](len(g.Library))
	for name := range g.Library {
		names.Insert(name)
	}
	return names
}

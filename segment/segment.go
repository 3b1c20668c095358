// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

// Package segment partitions the eligible nodes of a graph descriptor into
// maximal connected subgraphs ("segments") that can each be replaced by a
// single fused accelerator-engine node.
//
// Eligibility is not decided here: the acceptance predicate is a capability of
// the engine-compiler collaborator and is injected through Options.IsAcceptable.
// This package only enforces the structural rules: connectivity, the
// minimum-size threshold, preserve-set visibility and cycle safety of the
// contracted graph.
package segment

import (
	"github.com/accelfuse/accelfuse/graphdef"
	"github.com/accelfuse/accelfuse/shapeinfer"
	"github.com/accelfuse/accelfuse/types"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AcceptanceFn decides whether a single node may be placed inside a segment.
// It is supplied by the engine compiler (see engines.Compiler.IsNodeSupported):
// typically it checks device placement, operation-type support and shape/type
// constraints.
type AcceptanceFn func(node *graphdef.NodeDef, props *shapeinfer.Properties) bool

// Options configures a segmentation run.
type Options struct {
	// MinimumSegmentSize is the smallest number of nodes worth fusing.
	// Segments below it are discarded and their nodes left untouched.
	// Must be >= 1.
	MinimumSegmentSize int

	// IsAcceptable is the injected per-node acceptance predicate.
	IsAcceptable AcceptanceFn

	// PreserveSet lists node names that must remain externally visible after
	// rewriting. A preserved node may terminate a segment's boundary, but its
	// output tensors are always exported from the segment, never hidden.
	PreserveSet types.Set[string]
}

// Segment is a maximal connected subset of graph nodes accepted for fusion.
type Segment struct {
	// Nodes are the member node names, in graph order.
	Nodes []string

	// Inputs are the external tensors consumed by member nodes, in order of
	// first use.
	Inputs []graphdef.TensorRef

	// Outputs are the member tensors visible outside the segment: tensors
	// consumed by non-member nodes plus all tensors of preserved members.
	Outputs []graphdef.TensorRef
}

// Size returns the number of member nodes.
func (s *Segment) Size() int { return len(s.Nodes) }

// FindSegments partitions the accepted nodes of the graph into disjoint
// candidate segments. Segments are returned in discovery order: ordered by the
// graph position of their first member node.
func FindSegments(g *graphdef.Graph, props *shapeinfer.Properties, opts Options) ([]*Segment, error) {
	if opts.MinimumSegmentSize < 1 {
		return nil, errors.Errorf("MinimumSegmentSize must be >= 1, got %d", opts.MinimumSegmentSize)
	}
	if opts.IsAcceptable == nil {
		return nil, errors.Errorf("Options.IsAcceptable predicate is required")
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		index[n.Name] = i
	}
	accepted := types.MakeSet[string]()
	for _, n := range g.Nodes {
		if opts.IsAcceptable(n, props) {
			accepted.Insert(n.Name)
		} else {
			klog.V(2).Infof("segmenter: node %q (op %q) rejected by acceptance predicate", n.Name, n.Op)
		}
	}

	// Contract edges between accepted nodes, in topological order, refusing
	// any contraction that would create a cycle in the contracted graph.
	uf := newUnionFind(len(g.Nodes))
	consumers := g.Consumers()
	for _, n := range order {
		if !accepted.Has(n.Name) {
			continue
		}
		for _, consumer := range consumers[n.Name] {
			if !accepted.Has(consumer.Name) {
				continue
			}
			u, v := index[n.Name], index[consumer.Name]
			if uf.find(u) == uf.find(v) {
				continue
			}
			if createsCycle(g, consumers, index, uf, u, v) {
				klog.V(2).Infof("segmenter: not merging %q -> %q, contraction would create a cycle",
					n.Name, consumer.Name)
				continue
			}
			uf.union(u, v)
		}
	}

	// Group members by cluster root, keeping graph order within each cluster.
	clusters := make(map[int][]string)
	var roots []int
	for i, n := range g.Nodes {
		if !accepted.Has(n.Name) {
			continue
		}
		root := uf.find(i)
		if _, found := clusters[root]; !found {
			roots = append(roots, root)
		}
		clusters[root] = append(clusters[root], n.Name)
	}

	var segments []*Segment
	for _, root := range roots {
		members := clusters[root]
		if len(members) < opts.MinimumSegmentSize {
			klog.V(1).Infof("segmenter: dropping segment of %d node(s) below minimum size %d: %v",
				len(members), opts.MinimumSegmentSize, members)
			continue
		}
		seg := buildSegment(g, props, members, opts.PreserveSet)
		segments = append(segments, seg)
	}
	klog.V(1).Infof("segmenter: found %d candidate segment(s)", len(segments))
	return segments, nil
}

// createsCycle reports whether contracting clusters of u and v would create a
// cycle: a path from u's cluster to v's cluster that passes through at least
// one node outside both clusters.
func createsCycle(g *graphdef.Graph, consumers map[string][]*graphdef.NodeDef,
	index map[string]int, uf *unionFind, u, v int) bool {
	rootU, rootV := uf.find(u), uf.find(v)
	inU := func(i int) bool { return uf.find(i) == rootU }
	inV := func(i int) bool { return uf.find(i) == rootV }

	// DFS from every edge leaving cluster U into an outside node.
	visited := make([]bool, len(g.Nodes))
	var stack []int
	for i, n := range g.Nodes {
		if !inU(i) {
			continue
		}
		for _, consumer := range consumers[n.Name] {
			j := index[consumer.Name]
			if inU(j) || inV(j) || visited[j] {
				continue
			}
			visited[j] = true
			stack = append(stack, j)
		}
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, consumer := range consumers[g.Nodes[i].Name] {
			j := index[consumer.Name]
			if inV(j) {
				return true
			}
			if inU(j) || visited[j] {
				continue
			}
			visited[j] = true
			stack = append(stack, j)
		}
	}
	return false
}

// buildSegment computes the boundary tensor references of a member set.
func buildSegment(g *graphdef.Graph, props *shapeinfer.Properties,
	members []string, preserve types.Set[string]) *Segment {
	memberSet := types.SetWith(members...)
	seg := &Segment{Nodes: members}

	seenIn := types.MakeSet[string]()
	seenOut := types.MakeSet[string]()
	addOutput := func(ref graphdef.TensorRef) {
		if seenOut.Has(ref.String()) {
			return
		}
		seenOut.Insert(ref.String())
		seg.Outputs = append(seg.Outputs, ref)
	}

	for _, name := range members {
		node := g.NodeByName(name)
		for _, ref := range node.InputRefs() {
			if memberSet.Has(ref.Node) || seenIn.Has(ref.String()) {
				continue
			}
			seenIn.Insert(ref.String())
			seg.Inputs = append(seg.Inputs, ref)
		}
	}

	consumers := g.Consumers()
	for _, name := range members {
		// Tensors consumed outside the segment are boundary outputs.
		ports := types.MakeSet[int]()
		for _, consumer := range consumers[name] {
			if memberSet.Has(consumer.Name) {
				continue
			}
			for _, ref := range consumer.InputRefs() {
				if ref.Node == name {
					ports.Insert(ref.Port)
				}
			}
		}
		for port := range ports {
			addOutput(graphdef.TensorRef{Node: name, Port: port})
		}
		// Preserved members keep every output externally visible.
		if preserve.Has(name) {
			numPorts := 1
			if props != nil {
				if inferred := props.NodeOutputShapes(name); len(inferred) > 0 {
					numPorts = len(inferred)
				}
			}
			for port := 0; port < numPorts; port++ {
				addOutput(graphdef.TensorRef{Node: name, Port: port})
			}
		}
	}
	// Keep output order deterministic: by member order, then port.
	orderOutputs(seg, members)
	return seg
}

func orderOutputs(seg *Segment, members []string) {
	memberPos := make(map[string]int, len(members))
	for i, name := range members {
		memberPos[name] = i
	}
	outputs := seg.Outputs
	for i := 1; i < len(outputs); i++ {
		for j := i; j > 0; j-- {
			a, b := outputs[j-1], outputs[j]
			if memberPos[a.Node] < memberPos[b.Node] ||
				(a.Node == b.Node && a.Port <= b.Port) {
				break
			}
			outputs[j-1], outputs[j] = b, a
		}
	}
}

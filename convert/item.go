// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

package convert

import (
	"github.com/accelfuse/accelfuse/graphdef"
	"github.com/accelfuse/accelfuse/graphdef/shapes"
	"github.com/accelfuse/accelfuse/types"
)

// TopLevelGraphID tags the Item of the main computation graph. The host
// optimizer framework also invokes passes on function bodies; this pass must
// not rewrite those and skips any Item with a different ID.
const TopLevelGraphID = "main_graph"

// Feed is one named graph input with its (possibly batch-polymorphic) shape.
type Feed struct {
	Name  string
	Shape shapes.Shape
}

// Item is the computation-graph descriptor handed to the pass by the host
// optimizer framework.
type Item struct {
	// ID distinguishes the top-level graph (TopLevelGraphID) from function
	// bodies.
	ID string

	// Graph being optimized.
	Graph *graphdef.Graph

	// Feeds are the named input tensors, with shapes.
	Feeds []Feed

	// Fetches are the output tensor references the caller will fetch, in
	// "name" or "name:port" form.
	Fetches []string

	// InitOps and KeepOps are auxiliary node names that must survive
	// rewriting.
	InitOps []string
	KeepOps []string
}

// NodesToPreserve returns the set of node names that must remain resolvable
// after rewriting: feeds, fetches, init and keep nodes. References are
// stripped of their port suffix with the TensorRef parsing rule: a trailing
// colon-separated token that is not an integer is part of the name.
func (it *Item) NodesToPreserve() types.Set[string] {
	preserve := types.MakeSet[string](len(it.Feeds) + len(it.Fetches) + len(it.InitOps) + len(it.KeepOps))
	for _, feed := range it.Feeds {
		preserve.Insert(graphdef.ParseTensorRef(feed.Name).Node)
	}
	for _, refs := range [][]string{it.Fetches, it.InitOps, it.KeepOps} {
		for _, ref := range refs {
			preserve.Insert(graphdef.ParseTensorRef(ref).Node)
		}
	}
	return preserve
}

// FeedShapes returns the feed shapes as a map keyed by node name, as consumed
// by shape inference.
func (it *Item) FeedShapes() map[string]shapes.Shape {
	feeds := make(map[string]shapes.Shape, len(it.Feeds))
	for _, feed := range it.Feeds {
		feeds[graphdef.ParseTensorRef(feed.Name).Node] = feed.Shape
	}
	return feeds
}

// Device is one entry of the compute-cluster inventory.
type Device struct {
	Name        string
	Type        string
	MemoryBytes int64
}

// Cluster describes the compute cluster the optimized graph will run on.
// Consumed read-only, for diagnostics and segment acceptance.
type Cluster struct {
	Devices []Device
}

// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

package convert

import (
	"fmt"

	"github.com/accelfuse/accelfuse/enginecache"
	"github.com/accelfuse/accelfuse/engines"
	"github.com/accelfuse/accelfuse/graphdef"
	"github.com/accelfuse/accelfuse/graphdef/shapes"
	"github.com/accelfuse/accelfuse/segment"
	"github.com/accelfuse/accelfuse/shapeinfer"
	"github.com/accelfuse/accelfuse/types"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FusedEngineOp is the operation type marking a replacement node: a single
// node standing in for a converted segment, carrying (or lazily building) the
// accelerator engine.
const FusedEngineOp = "_FusedEngine"

// Replacement-node attribute names.
const (
	// AttrStaticEngine distinguishes precompiled engines (true) from
	// fallback-only dynamic nodes (false, built lazily at execution time).
	AttrStaticEngine = "static_engine"

	// AttrSerializedEngine carries the precompiled engine artifact.
	// Present only when static_engine is true.
	AttrSerializedEngine = "serialized_engine"

	// AttrSerializedSegment carries the serialized original segment used for
	// on-demand building and fallback execution. Present only when
	// static_engine is false.
	AttrSerializedSegment = "serialized_segment"

	// AttrSegmentFuncName references the library function holding the native
	// fallback implementation. Present only when static_engine is true.
	AttrSegmentFuncName = "segment_func_name"

	AttrMaxBatchSize        = "max_batch_size"
	AttrPrecisionMode       = "precision_mode"
	AttrWorkspaceBytes      = "workspace_size_bytes"
	AttrMaxCachedEngines    = "max_cached_engines"
	AttrCachedEngineBatches = "cached_engine_batches"
)

// SegmentStatus reports the conversion outcome of one candidate segment.
type SegmentStatus struct {
	// Nodes are the segment's member names.
	Nodes []string

	// EngineNode is the replacement node's name, set when Converted.
	EngineNode string

	// Converted reports whether the segment was replaced. When false, Err
	// holds the build failure and the segment's nodes were copied unchanged.
	Converted bool
	Err       error
}

// converter rewrites one graph under one resolved policy. Single use.
type converter struct {
	cfg      Config
	compiler engines.Compiler
	caches   *enginecache.Registry

	graph    *graphdef.Graph
	props    *shapeinfer.Properties
	preserve types.Set[string]
	segments []*segment.Segment
	maxBatch int
}

// segmentPlan is the per-segment conversion state.
type segmentPlan struct {
	seg        *segment.Segment
	engineName string
	converted  bool

	// outputIndex maps each boundary output to its port on the engine node.
	outputIndex map[graphdef.TensorRef]int

	node *graphdef.NodeDef
}

func (cv *converter) run() (*graphdef.Graph, []SegmentStatus, []string, error) {
	plans := make([]*segmentPlan, len(cv.segments))
	statuses := make([]SegmentStatus, len(cv.segments))
	memberPlan := make(map[string]*segmentPlan)

	budget := cv.cfg.MaxWorkspaceBytes
	if !cv.cfg.PerEngineWorkspace && len(cv.segments) > 0 {
		budget /= int64(len(cv.segments))
	}

	for i, seg := range cv.segments {
		plan := &segmentPlan{
			seg:         seg,
			engineName:  fmt.Sprintf("fused_engine_%d", i),
			outputIndex: make(map[graphdef.TensorRef]int, len(seg.Outputs)),
		}
		for k, ref := range seg.Outputs {
			plan.outputIndex[ref] = k
		}
		plans[i] = plan
		statuses[i] = SegmentStatus{Nodes: seg.Nodes}

		var err error
		if cv.cfg.DynamicOp {
			err = cv.convertDynamic(plan, budget)
		} else {
			err = cv.convertStatic(plan, budget)
		}
		if err != nil {
			// Local recovery: this segment stays unconverted, the pass goes on.
			klog.Warningf("segment %v not converted: %v", seg.Nodes, err)
			statuses[i].Err = err
			continue
		}
		plan.converted = true
		statuses[i].Converted = true
		statuses[i].EngineNode = plan.engineName
		for _, name := range seg.Nodes {
			memberPlan[name] = plan
		}
	}

	out, err := cv.rewrite(plans, memberPlan)
	if err != nil {
		return nil, nil, nil, err
	}
	var engineNames []string
	for _, plan := range plans {
		if plan.converted {
			engineNames = append(engineNames, plan.engineName)
		}
	}
	return out, statuses, engineNames, nil
}

// convertStatic eagerly builds the engine for the resolved maximum batch size,
// pre-builds the configured cache batch sizes up to the cache limit, and
// prepares the replacement node plus its native fallback function.
func (cv *converter) convertStatic(plan *segmentPlan, budget int64) error {
	opts := engines.BuildOptions{
		MaxBatchSize:      cv.maxBatch,
		MaxWorkspaceBytes: budget,
		Precision:         cv.cfg.Precision,
	}
	engine, err := cv.compiler.Build(plan.seg, cv.graph, cv.props, opts)
	if err != nil {
		return err
	}

	cache := cv.caches.ForNode(plan.engineName, cv.cfg.MaxCachedEngines)
	cache.Add(engine.BatchSize, engine)
	for _, batch := range cv.cfg.CachedEngineBatches {
		if batch == cv.maxBatch || batch < 1 {
			continue
		}
		if cache.Len() >= cache.Limit() {
			// Bounded by the cache limit: extra seeds are skipped, not
			// built and immediately evicted.
			klog.V(1).Infof("%s: cache full, skipping pre-seeded batch sizes beyond %d engines",
				plan.engineName, cache.Limit())
			break
		}
		seedOpts := opts
		seedOpts.MaxBatchSize = batch
		seeded, err := cv.compiler.Build(plan.seg, cv.graph, cv.props, seedOpts)
		if err != nil {
			klog.Warningf("%s: failed to pre-build engine for batch size %d: %v",
				plan.engineName, batch, err)
			continue
		}
		cache.Seed(batch, seeded)
	}

	funcName := plan.engineName + "_native_segment"
	node := &graphdef.NodeDef{
		Name: plan.engineName,
		Op:   FusedEngineOp,
	}
	node.SetAttr(AttrStaticEngine, graphdef.BoolAttr(true))
	node.SetAttr(AttrSerializedEngine, graphdef.BytesAttr(engine.Data))
	node.SetAttr(AttrSegmentFuncName, graphdef.StringAttr(funcName))
	cv.setCommonAttrs(node, budget)
	plan.node = node
	return nil
}

// convertDynamic prepares a replacement node that carries the serialized
// segment and builds nothing eagerly: engines are built at first execution,
// keyed by the batch size observed then, under the same cache policy.
func (cv *converter) convertDynamic(plan *segmentPlan, budget int64) error {
	sub := &graphdef.Graph{}
	for _, name := range plan.seg.Nodes {
		node := cv.graph.NodeByName(name)
		if node == nil {
			return errors.Errorf("segment member %q not found in graph", name)
		}
		sub.AddNode(node.Clone())
	}
	data, err := sub.Serialize()
	if err != nil {
		return err
	}
	node := &graphdef.NodeDef{
		Name: plan.engineName,
		Op:   FusedEngineOp,
	}
	node.SetAttr(AttrStaticEngine, graphdef.BoolAttr(false))
	node.SetAttr(AttrSerializedSegment, graphdef.BytesAttr(data))
	cv.setCommonAttrs(node, budget)
	plan.node = node
	return nil
}

func (cv *converter) setCommonAttrs(node *graphdef.NodeDef, budget int64) {
	node.SetAttr(AttrMaxBatchSize, graphdef.IntAttr(int64(cv.maxBatch)))
	node.SetAttr(AttrPrecisionMode, graphdef.StringAttr(cv.cfg.Precision.String()))
	node.SetAttr(AttrWorkspaceBytes, graphdef.IntAttr(budget))
	node.SetAttr(AttrMaxCachedEngines, graphdef.IntAttr(int64(cv.cfg.MaxCachedEngines)))
	if len(cv.cfg.CachedEngineBatches) > 0 {
		batches := make([]int64, len(cv.cfg.CachedEngineBatches))
		for i, b := range cv.cfg.CachedEngineBatches {
			batches[i] = int64(b)
		}
		node.SetAttr(AttrCachedEngineBatches, graphdef.IntsAttr(batches...))
	}
}

// rewrite assembles the output graph: members of converted segments are
// replaced by their engine node (inserted at the first member's position),
// preserved boundary tensors get a forwarding Identity node keeping the
// original name resolvable, and every other node is copied with its inputs
// redirected to the engine outputs.
func (cv *converter) rewrite(plans []*segmentPlan, memberPlan map[string]*segmentPlan) (*graphdef.Graph, error) {
	rewireRef := func(in string) string {
		ref := graphdef.ParseTensorRef(in)
		plan, isMember := memberPlan[ref.Node]
		if !isMember {
			return in
		}
		if cv.preserve.Has(ref.Node) && ref.Port == 0 {
			// The name survives via its forwarding Identity node.
			return in
		}
		port, found := plan.outputIndex[ref]
		if !found {
			// Cannot happen for externally visible tensors, by construction
			// of Segment.Outputs. Leave the reference for Validate to catch.
			return in
		}
		return graphdef.TensorRef{Node: plan.engineName, Port: port}.String()
	}
	rewireInputs := func(inputs []string) []string {
		out := make([]string, len(inputs))
		for i, in := range inputs {
			out[i] = rewireRef(in)
		}
		return out
	}

	out := &graphdef.Graph{}
	if cv.graph.Library != nil {
		out.Library = make(map[string]*graphdef.FunctionDef, len(cv.graph.Library))
		for name, f := range cv.graph.Library {
			out.Library[name] = f.Clone()
		}
	}

	emitted := types.MakeSet[string]()
	for _, node := range cv.graph.Nodes {
		plan, isMember := memberPlan[node.Name]
		if !isMember {
			n2 := node.Clone()
			n2.Inputs = rewireInputs(n2.Inputs)
			out.AddNode(n2)
			continue
		}
		if emitted.Has(plan.engineName) {
			continue
		}
		emitted.Insert(plan.engineName)

		engineNode := plan.node
		engineNode.Inputs = make([]string, len(plan.seg.Inputs))
		for i, ref := range plan.seg.Inputs {
			engineNode.Inputs[i] = rewireRef(ref.String())
		}
		out.AddNode(engineNode)

		if attr := engineNode.Attr(AttrSegmentFuncName); attr != nil {
			out.AddFunction(cv.nativeFunction(plan.seg, attr.S))
		}

		// Preserved boundary tensors keep their original name alive.
		for _, ref := range plan.seg.Outputs {
			if !cv.preserve.Has(ref.Node) {
				continue
			}
			if ref.Port != 0 {
				klog.Warningf("preserved node %q has multi-port outputs, only port 0 keeps its name", ref.Node)
				continue
			}
			out.AddNode(&graphdef.NodeDef{
				Name:   ref.Node,
				Op:     "Identity",
				Inputs: []string{graphdef.TensorRef{Node: plan.engineName, Port: plan.outputIndex[ref]}.String()},
			})
		}
	}

	if err := out.Validate(); err != nil {
		return nil, errors.WithMessage(err, "rewritten graph failed validation")
	}
	return out, nil
}

// nativeFunction packages the segment as a library function implementing the
// native fallback: arguments are the segment's boundary inputs, returns its
// boundary outputs.
func (cv *converter) nativeFunction(seg *segment.Segment, name string) *graphdef.FunctionDef {
	f := &graphdef.FunctionDef{Name: name}
	seen := types.MakeSet[string]()
	for _, ref := range seg.Inputs {
		if seen.Has(ref.Node) {
			continue
		}
		seen.Insert(ref.Node)
		shape := shapes.Invalid()
		if s, found := cv.props.OutputShape(graphdef.TensorRef{Node: ref.Node}); found {
			shape = s
		}
		f.Args = append(f.Args, graphdef.ArgDef{Name: ref.Node, Shape: shape})
	}
	for _, memberName := range seg.Nodes {
		f.Body = append(f.Body, cv.graph.NodeByName(memberName).Clone())
	}
	for _, ref := range seg.Outputs {
		f.Rets = append(f.Rets, ref.String())
	}
	return f
}

// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

// Package convert implements the accelerator-fusion optimization pass: it
// partitions a dataflow graph into segments eligible for replacement by a
// single fused, accelerator-executable node, converts them, and performs the
// policy bookkeeping (batch size, precision, engine caching) that makes the
// replacement safe.
//
// The host optimizer framework constructs a Pass through NewPass (there is no
// global registration) and calls Optimize once per item. The engine-compiler
// collaborator is injected as an engines.Compiler.
package convert

import (
	"fmt"
	"os"

	"github.com/accelfuse/accelfuse/enginecache"
	"github.com/accelfuse/accelfuse/engines"
	"github.com/accelfuse/accelfuse/graphdef"
	"github.com/accelfuse/accelfuse/segment"
	"github.com/accelfuse/accelfuse/shapeinfer"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FallbackBatchSize is used when the maximum batch size is neither configured
// nor deducible from the input feeds.
const FallbackBatchSize = 128

// SavedGraphExtension is appended to diagnostic graph dumps.
const SavedGraphExtension = ".bin"

// Outcome summarizes one invocation of the pass.
type Outcome int

const (
	// OutcomeOptimized: the pass ran end to end; the Result carries the
	// rewritten graph (possibly identical to the input).
	OutcomeOptimized Outcome = iota

	// OutcomeSkipped: the item was not the top-level graph; the input was
	// returned unchanged and no segmentation was attempted.
	OutcomeSkipped
)

// Result is the per-run report of the pass.
type Result struct {
	// OutputGraph is the rewritten graph. On a fatal error, Optimize returns
	// the original graph here instead, unmodified.
	OutputGraph *graphdef.Graph

	Outcome Outcome

	// MaxBatchSize actually used for this invocation, after resolution
	// against the input feeds.
	MaxBatchSize int

	// EngineNodes lists the replacement nodes created, in creation order.
	EngineNodes []string

	// Segments reports the per-segment conversion statuses.
	Segments []SegmentStatus

	// Warnings collects the non-fatal diagnostics of the run.
	Warnings []string
}

// Pass is the optimization-pass driver. One Pass may be invoked many times;
// invocations are expected to be sequential, not concurrent.
type Pass struct {
	cfg      Config
	compiler engines.Compiler
	rules    *shapeinfer.RuleSet
	caches   *enginecache.Registry

	// runCounter disambiguates diagnostic dump file names across repeated
	// invocations of this Pass.
	runCounter int
}

// NewPass constructs the pass with a validated configuration and the injected
// engine compiler. It fails with an *InvalidConfigurationError before any
// graph is touched if the configuration is malformed.
func NewPass(cfg Config, compiler engines.Compiler) (*Pass, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if compiler == nil {
		return nil, errors.Errorf("NewPass requires an engine compiler")
	}
	return &Pass{
		cfg:      cfg,
		compiler: compiler,
		rules:    shapeinfer.NewRuleSet(),
		caches:   enginecache.NewRegistry(),
	}, nil
}

// Rules returns the shape-inference rule set used by this pass. Hosts register
// rules for their own operation types before the first Optimize call.
func (p *Pass) Rules() *shapeinfer.RuleSet { return p.rules }

// CacheRegistry returns the process-wide engine-cache registry, keyed by
// replacement-node identity. Shared with the execution-time collaborator for
// dynamic engines.
func (p *Pass) CacheRegistry() *enginecache.Registry { return p.caches }

// Config returns a copy of the pass configuration.
func (p *Pass) Config() Config { return p.cfg }

// Optimize runs one end-to-end invocation: applicability check, batch-size
// resolution, shape inference, segmentation, conversion and reporting.
//
// On success the Result carries a structurally valid rewritten graph. On a
// fatal condition (shape inference) the original graph is returned in the
// Result alongside a non-nil error; per-segment build failures are recovered
// locally and never fail the invocation.
func (p *Pass) Optimize(cluster *Cluster, item *Item) (*Result, error) {
	klog.V(1).Infof("accelfuse pass invoked on item %q (run %d)", item.ID, p.runCounter)
	result := &Result{OutputGraph: item.Graph}

	// The host framework also hands function bodies to optimization passes;
	// rewriting those would corrupt generated functions.
	if item.ID != TopLevelGraphID {
		warning := fmt.Sprintf("pass invoked on %q, which is not the top-level graph; returning it unchanged", item.ID)
		klog.Warning(warning)
		result.Outcome = OutcomeSkipped
		result.Warnings = append(result.Warnings, warning)
		return result, nil
	}
	if klog.V(1).Enabled() {
		p.printDebugInfo(cluster, item)
	}
	if err := item.Graph.Validate(); err != nil {
		return result, errors.WithMessage(err, "input graph is not structurally valid")
	}

	result.MaxBatchSize = p.resolveBatchSize(item, result)

	if p.cfg.SaveInputGraph {
		p.saveGraph(item.Graph, p.cfg.SavedInputGraphPrefix, result)
	}
	if p.cfg.PrintInputGraph {
		klog.Infof("input graph:\n%s", item.Graph)
	}

	props, err := shapeinfer.Infer(item.Graph, item.FeedShapes(), p.rules)
	if err != nil {
		// Fatal: segment acceptance needs complete shape information.
		return result, &ShapeInferenceError{Cause: err}
	}

	preserve := item.NodesToPreserve()
	segments, err := segment.FindSegments(item.Graph, props, segment.Options{
		MinimumSegmentSize: p.cfg.MinimumSegmentSize,
		IsAcceptable:       p.compiler.IsNodeSupported,
		PreserveSet:        preserve,
	})
	if err != nil {
		return result, err
	}

	cv := &converter{
		cfg:      p.cfg,
		compiler: p.compiler,
		caches:   p.caches,
		graph:    item.Graph,
		props:    props,
		preserve: preserve,
		segments: segments,
		maxBatch: result.MaxBatchSize,
	}
	output, statuses, engineNames, err := cv.run()
	if err != nil {
		return result, err
	}
	result.OutputGraph = output
	result.Segments = statuses
	result.EngineNodes = engineNames

	p.report(result)
	if p.cfg.SaveOutputGraph {
		p.saveGraph(result.OutputGraph, p.cfg.SavedOutputGraphPrefix, result)
	}
	if p.cfg.PrintOutputGraph {
		klog.Infof("output graph:\n%s", result.OutputGraph)
	}
	p.runCounter++
	klog.V(1).Infof("accelfuse pass done: %d engine node(s) created", len(result.EngineNodes))
	return result, nil
}

// resolveBatchSize derives the effective maximum batch size for this
// invocation from the configuration and the leading dimension of the feeds.
//
// The configured value always wins, even when smaller than the observed feed
// batch: the inconsistency is reported, not silently corrected.
func (p *Pass) resolveBatchSize(item *Item, result *Result) int {
	observed := -1
	for _, feed := range item.Feeds {
		if feed.Shape.Rank() > 0 && feed.Shape.Dim(0) > observed {
			observed = feed.Shape.Dim(0)
		}
	}
	if p.cfg.MaxBatchSize < 0 {
		if observed > 0 {
			klog.V(1).Infof("setting maximum batch size to %d, deduced from input feeds", observed)
			return observed
		}
		warning := fmt.Sprintf("maximum batch size is not configured and cannot be deduced from the inputs, "+
			"falling back to %d; consider setting max_batch_size", FallbackBatchSize)
		klog.Warning(warning)
		result.Warnings = append(result.Warnings, warning)
		return FallbackBatchSize
	}
	if observed > p.cfg.MaxBatchSize {
		warning := fmt.Sprintf("configured maximum batch size %d is smaller than the observed input batch size %d; "+
			"engines will be built for the configured value", p.cfg.MaxBatchSize, observed)
		klog.Warning(warning)
		result.Warnings = append(result.Warnings, warning)
	}
	return p.cfg.MaxBatchSize
}

// report logs the created engines per the diagnostic toggles and records the
// conspicuous zero-engines warning.
func (p *Pass) report(result *Result) {
	if len(result.EngineNodes) == 0 {
		const warning = "no fused engines created: the pass had no effect on this graph"
		klog.Warning(warning)
		result.Warnings = append(result.Warnings, warning)
		return
	}
	klog.Infof("created %d fused engine op(s): %v", len(result.EngineNodes), result.EngineNodes)
	if !p.cfg.PrintEngines {
		return
	}
	for _, name := range result.EngineNodes {
		node := result.OutputGraph.NodeByName(name)
		if node == nil {
			continue
		}
		klog.Infof("%s", node)
		if p.cfg.PrintSubgraphs {
			p.printSubgraph(result.OutputGraph, node)
		}
	}
}

// printSubgraph prints the segment behind a replacement node: the serialized
// segment for dynamic nodes, the native fallback function for static ones.
func (p *Pass) printSubgraph(g *graphdef.Graph, node *graphdef.NodeDef) {
	if attr := node.Attr(AttrStaticEngine); attr != nil && !attr.B {
		data := node.Attr(AttrSerializedSegment)
		if data == nil {
			return
		}
		sub, err := graphdef.Deserialize(data.Bytes)
		if err != nil {
			klog.Warningf("cannot decode serialized segment of %q: %v", node.Name, err)
			return
		}
		klog.Infof("segment of %s:\n%s", node.Name, sub)
		return
	}
	funcAttr := node.Attr(AttrSegmentFuncName)
	if funcAttr == nil {
		return
	}
	if f := g.Function(funcAttr.S); f != nil {
		klog.Infof("native segment of %s (%s): %d args, %d nodes, %d returns",
			node.Name, f.Name, len(f.Args), len(f.Body), len(f.Rets))
	}
}

// saveGraph serializes a graph to "<prefix>_<runCounter>.bin". Failures are
// diagnostics, never fatal.
func (p *Pass) saveGraph(g *graphdef.Graph, prefix string, result *Result) {
	fname := fmt.Sprintf("%s_%d%s", prefix, p.runCounter, SavedGraphExtension)
	data, err := g.Serialize()
	if err == nil {
		err = os.WriteFile(fname, data, 0644)
	}
	if err != nil {
		warning := fmt.Sprintf("failed to save graph to %q: %v", fname, err)
		klog.Warning(warning)
		result.Warnings = append(result.Warnings, warning)
		return
	}
	klog.V(1).Infof("saved graph to %q (%s)", fname, humanize.IBytes(uint64(len(data))))
}

// printDebugInfo dumps the cluster inventory and the item's feeds and fetches.
func (p *Pass) printDebugInfo(cluster *Cluster, item *Item) {
	if cluster != nil {
		klog.V(1).Infof("cluster: %d device(s)", len(cluster.Devices))
		for _, dev := range cluster.Devices {
			klog.V(1).Infof("  %s type=%s memory=%s", dev.Name, dev.Type, humanize.IBytes(uint64(dev.MemoryBytes)))
		}
	}
	klog.V(1).Infof("item %q: %d node(s)", item.ID, item.Graph.NumNodes())
	if len(item.Feeds) > 0 {
		for _, feed := range item.Feeds {
			klog.V(1).Infof("  feed %s shaped %s", feed.Name, feed.Shape)
		}
	} else {
		klog.V(1).Info("  no feeds")
	}
	if len(item.Fetches) > 0 {
		klog.V(1).Infof("  fetches: %v", item.Fetches)
	} else {
		klog.V(1).Info("  no fetches")
	}
	if len(item.InitOps) > 0 {
		klog.V(1).Infof("  init ops: %v", item.InitOps)
	}
	if len(item.KeepOps) > 0 {
		klog.V(1).Infof("  keep ops: %v", item.KeepOps)
	}
}

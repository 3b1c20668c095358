// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

package convert

import (
	"testing"

	"github.com/accelfuse/accelfuse/engines"
	"github.com/accelfuse/accelfuse/engines/simplego"
	"github.com/accelfuse/accelfuse/graphdef"
	"github.com/accelfuse/accelfuse/graphdef/shapes"
	"github.com/accelfuse/accelfuse/segment"
	"github.com/accelfuse/accelfuse/shapeinfer"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Aliases
var (
	F32 = dtypes.Float32

	MS = shapes.Make
)

// mlpGraph is the workhorse test graph: a feed followed by a dense layer.
// The Placeholder is not compilable, everything downstream of it is.
func mlpGraph() *graphdef.Graph {
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

func mlpItem(batch int) *Item {
	return &Item{
		ID:      TopLevelGraphID,
		Graph:   mlpGraph(),
		Feeds:   []Feed{{Name: "x", Shape: MS(F32, batch, 4)}},
		Fetches: []string{"act"},
	}
}

func newTestPass(t *testing.T, mutate func(*Config)) *Pass {
	cfg := DefaultConfig()
	cfg.MinimumSegmentSize = 2
	if mutate != nil {
		mutate(&cfg)
	}
	pass, err := NewPass(cfg, simplego.New())
	require.NoError(t, err)
	return pass
}

func TestOptimizeStatic(t *testing.T) {
	pass := newTestPass(t, nil)
	result, err := pass.Optimize(nil, mlpItem(8))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOptimized, result.Outcome)
	assert.Equal(t, 8, result.MaxBatchSize, "batch size deduced from the feed")
	require.Equal(t, []string{"fused_engine_0"}, result.EngineNodes)
	require.Len(t, result.Segments, 1)
	assert.True(t, result.Segments[0].Converted)
	assert.ElementsMatch(t, []string{"w", "b", "mm", "biased", "act"}, result.Segments[0].Nodes)

	out := result.OutputGraph
	require.NoError(t, out.Validate())

	// The feed survives untouched, the converted members are gone.
	require.NotNil(t, out.NodeByName("x"))
	assert.Equal(t, "Placeholder", out.NodeByName("x").Op)
	assert.Nil(t, out.NodeByName("mm"))
	assert.Nil(t, out.NodeByName("biased"))

	engine := out.NodeByName("fused_engine_0")
	require.NotNil(t, engine)
	assert.Equal(t, FusedEngineOp, engine.Op)
	assert.Equal(t, []string{"x"}, engine.Inputs)
	assert.True(t, engine.Attr(AttrStaticEngine).B)
	assert.NotEmpty(t, engine.Attr(AttrSerializedEngine).Bytes)
	assert.Nil(t, engine.Attr(AttrSerializedSegment))
	assert.Equal(t, int64(8), engine.Attr(AttrMaxBatchSize).I)
	assert.Equal(t, "FP32", engine.Attr(AttrPrecisionMode).S)

	// Static conversion registers the native fallback function.
	funcName := engine.Attr(AttrSegmentFuncName).S
	native := out.Function(funcName)
	require.NotNil(t, native)
	require.Len(t, native.Args, 1)
	assert.Equal(t, "x", native.Args[0].Name)
	assert.Len(t, native.Body, 5)
	assert.Equal(t, []string{"act"}, native.Rets)

	// The fetched tensor keeps its name via a forwarding Identity node.
	act := out.NodeByName("act")
	require.NotNil(t, act)
	assert.Equal(t, "Identity", act.Op)
	assert.Equal(t, []string{"fused_engine_0:0"}, act.Inputs)

	// The built engine landed in the per-node cache.
	cache := pass.CacheRegistry().ForNode("fused_engine_0", 1)
	engineArtifact, found := cache.Lookup(8)
	require.True(t, found)
	assert.Equal(t, 8, engineArtifact.BatchSize)
}

func TestOptimizeDynamic(t *testing.T) {
	pass := newTestPass(t, func(cfg *Config) {
		cfg.DynamicOp = true
		cfg.MaxBatchSize = 16
	})
	result, err := pass.Optimize(nil, mlpItem(8))
	require.NoError(t, err)
	require.Equal(t, []string{"fused_engine_0"}, result.EngineNodes)

	engine := result.OutputGraph.NodeByName("fused_engine_0")
	require.NotNil(t, engine)
	assert.False(t, engine.Attr(AttrStaticEngine).B)
	assert.Nil(t, engine.Attr(AttrSerializedEngine))
	assert.Nil(t, engine.Attr(AttrSegmentFuncName))
	assert.Equal(t, int64(16), engine.Attr(AttrMaxBatchSize).I)

	// The serialized segment round-trips to the member nodes.
	sub, err := graphdef.Deserialize(engine.Attr(AttrSerializedSegment).Bytes)
	require.NoError(t, err)
	assert.Len(t, sub.Nodes, 5)

	// Nothing was built eagerly.
	cache := pass.CacheRegistry().ForNode("fused_engine_0", 1)
	assert.Equal(t, 0, cache.Len())
}

func TestFallbackBatchSize(t *testing.T) {
	pass := newTestPass(t, nil)
	item := mlpItem(8)
	item.Feeds[0].Shape = MS(F32, shapes.UnknownDim, 4)
	result, err := pass.Optimize(nil, item)
	require.NoError(t, err)
	assert.Equal(t, FallbackBatchSize, result.MaxBatchSize)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "max_batch_size")
}

func TestConfiguredBatchSizeWins(t *testing.T) {
	pass := newTestPass(t, func(cfg *Config) { cfg.MaxBatchSize = 4 })
	result, err := pass.Optimize(nil, mlpItem(8))
	require.NoError(t, err)

	// The configured value is used even though the feeds carry a larger
	// batch; the inconsistency is reported, not silently corrected.
	assert.Equal(t, 4, result.MaxBatchSize)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "smaller than the observed")
	engine := result.OutputGraph.NodeByName("fused_engine_0")
	require.NotNil(t, engine)
	assert.Equal(t, int64(4), engine.Attr(AttrMaxBatchSize).I)
}

func TestSkipsNonTopLevelItems(t *testing.T) {
	pass := newTestPass(t, nil)
	item := mlpItem(8)
	item.ID = "some_generated_function"
	result, err := pass.Optimize(nil, item)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Same(t, item.Graph, result.OutputGraph)
	assert.Empty(t, result.EngineNodes)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "not the top-level graph")
}

func TestMinimumSegmentSizeLeavesSmallSegmentsAlone(t *testing.T) {
	g := graphdef.New()
	g.AddNode(&graphdef.NodeDef{Name: "x", Op: "Placeholder"})
	g.AddNode(&graphdef.NodeDef{Name: "act", Op: "Relu", Inputs: []string{"x"}})
	pass := newTestPass(t, nil) // MinimumSegmentSize: 2
	result, err := pass.Optimize(nil, &Item{
		ID:      TopLevelGraphID,
		Graph:   g,
		Feeds:   []Feed{{Name: "x", Shape: MS(F32, 8, 4)}},
		Fetches: []string{"act"},
	})
	require.NoError(t, err)
	assert.Empty(t, result.EngineNodes)
	assert.Empty(t, result.Segments)
	require.NotNil(t, result.OutputGraph.NodeByName("act"))
	assert.Equal(t, "Relu", result.OutputGraph.NodeByName("act").Op)
	assert.Contains(t, result.Warnings, "no fused engines created: the pass had no effect on this graph")
}

// The canonical preserve example: for A -> B -> C with C preserved, the whole
// chain may be fused but C's name must remain resolvable in the output.
func TestPreservedFetchStaysResolvable(t *testing.T) {
	g := graphdef.New()
	g.AddNode(&graphdef.NodeDef{Name: "A", Op: "Const",
		Attrs: map[string]*graphdef.AttrValue{"shape": graphdef.ShapeAttr(MS(F32, 2, 2))}})
	g.AddNode(&graphdef.NodeDef{Name: "B", Op: "Relu", Inputs: []string{"A"}})
	g.AddNode(&graphdef.NodeDef{Name: "C", Op: "Relu", Inputs: []string{"B"}})
	pass := newTestPass(t, func(cfg *Config) { cfg.MaxBatchSize = 8 })
	result, err := pass.Optimize(nil, &Item{
		ID:      TopLevelGraphID,
		Graph:   g,
		Fetches: []string{"C"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"fused_engine_0"}, result.EngineNodes)

	out := result.OutputGraph
	assert.Nil(t, out.NodeByName("A"))
	assert.Nil(t, out.NodeByName("B"))
	c := out.NodeByName("C")
	require.NotNil(t, c)
	assert.Equal(t, "Identity", c.Op)
	assert.Equal(t, []string{"fused_engine_0:0"}, c.Inputs)
}

// Non-member consumers of a converted segment's outputs must be rewired to the
// engine node's ports. Sqrt is shape-inferable but not compilable, so the two
// Sqrt nodes stay outside the segment and consume its boundary outputs.
func TestExternalConsumersAreRewiredToEnginePorts(t *testing.T) {
	g := graphdef.New()
	g.AddNode(&graphdef.NodeDef{Name: "w", Op: "Const",
		Attrs: map[string]*graphdef.AttrValue{"shape": graphdef.ShapeAttr(MS(F32, 2, 2))}})
	g.AddNode(&graphdef.NodeDef{Name: "a", Op: "Relu", Inputs: []string{"w"}})
	g.AddNode(&graphdef.NodeDef{Name: "b", Op: "Relu", Inputs: []string{"a"}})
	g.AddNode(&graphdef.NodeDef{Name: "s1", Op: "Sqrt", Inputs: []string{"a"}})
	g.AddNode(&graphdef.NodeDef{Name: "s2", Op: "Sqrt", Inputs: []string{"b"}})
	pass := newTestPass(t, func(cfg *Config) { cfg.MaxBatchSize = 4 })
	result, err := pass.Optimize(nil, &Item{
		ID:      TopLevelGraphID,
		Graph:   g,
		Fetches: []string{"s1", "s2"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"fused_engine_0"}, result.EngineNodes)
	require.Len(t, result.Segments, 1)
	assert.Equal(t, []string{"w", "a", "b"}, result.Segments[0].Nodes)

	out := result.OutputGraph
	require.NoError(t, out.Validate())
	assert.Nil(t, out.NodeByName("a"))
	assert.Nil(t, out.NodeByName("b"))

	// The segment exports a and b in member order, so the consumers are
	// redirected to ports 0 and 1 of the engine node.
	s1 := out.NodeByName("s1")
	require.NotNil(t, s1)
	assert.Equal(t, "Sqrt", s1.Op)
	assert.Equal(t, []string{"fused_engine_0"}, s1.Inputs)
	s2 := out.NodeByName("s2")
	require.NotNil(t, s2)
	assert.Equal(t, []string{"fused_engine_0:1"}, s2.Inputs)
}

func TestCachedEngineBatchesSeedTheCache(t *testing.T) {
	pass := newTestPass(t, func(cfg *Config) {
		cfg.CachedEngineBatches = []int{4, 2}
		cfg.MaxCachedEngines = 3
	})
	result, err := pass.Optimize(nil, mlpItem(8))
	require.NoError(t, err)
	require.Equal(t, []string{"fused_engine_0"}, result.EngineNodes)

	cache := pass.CacheRegistry().ForNode("fused_engine_0", 3)
	assert.Equal(t, []int{8, 4, 2}, cache.Batches())

	engine := result.OutputGraph.NodeByName("fused_engine_0")
	assert.Equal(t, []int64{4, 2}, engine.Attr(AttrCachedEngineBatches).Ints)
	assert.Equal(t, int64(3), engine.Attr(AttrMaxCachedEngines).I)
}

func TestCachedEngineBatchesBoundedByLimit(t *testing.T) {
	pass := newTestPass(t, func(cfg *Config) {
		cfg.CachedEngineBatches = []int{4, 2}
		cfg.MaxCachedEngines = 2
	})
	_, err := pass.Optimize(nil, mlpItem(8))
	require.NoError(t, err)

	// Room for one seed only: batch 2 is skipped, never built-then-evicted.
	cache := pass.CacheRegistry().ForNode("fused_engine_0", 2)
	assert.Equal(t, []int{8, 4}, cache.Batches())
}

func TestShapeInferenceFailureIsFatal(t *testing.T) {
	item := mlpItem(8)
	item.Graph.AddNode(&graphdef.NodeDef{Name: "odd", Op: "MysteryOp", Inputs: []string{"act"}})
	pass := newTestPass(t, nil)
	result, err := pass.Optimize(nil, item)
	require.Error(t, err)
	var inferErr *ShapeInferenceError
	require.ErrorAs(t, err, &inferErr)

	// The original graph comes back unmodified.
	assert.Same(t, item.Graph, result.OutputGraph)
	assert.Empty(t, result.EngineNodes)
}

// failingCompiler accepts what simplego accepts but refuses to build anything.
type failingCompiler struct {
	*simplego.Compiler
}

func (c *failingCompiler) Build(*segment.Segment, *graphdef.Graph, *shapeinfer.Properties,
	engines.BuildOptions) (*engines.Engine, error) {
	return nil, errors.New("injected build failure")
}

func TestBuildFailureRecoversPerSegment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinimumSegmentSize = 2
	pass, err := NewPass(cfg, &failingCompiler{Compiler: simplego.New()})
	require.NoError(t, err)

	item := mlpItem(8)
	result, err := pass.Optimize(nil, item)
	require.NoError(t, err, "a per-segment build failure must not fail the invocation")
	assert.Empty(t, result.EngineNodes)
	require.Len(t, result.Segments, 1)
	assert.False(t, result.Segments[0].Converted)
	require.ErrorContains(t, result.Segments[0].Err, "injected build failure")

	// The segment's nodes came through unconverted.
	for _, name := range []string{"x", "w", "b", "mm", "biased", "act"} {
		require.NotNil(t, result.OutputGraph.NodeByName(name), "node %q missing from output", name)
	}
}

func TestOptimizeIsIdempotent(t *testing.T) {
	pass := newTestPass(t, nil)
	item := mlpItem(8)
	first, err := pass.Optimize(nil, item)
	require.NoError(t, err)
	require.Len(t, first.EngineNodes, 1)

	// A host running the pass again registers a shape rule for the
	// replacement operation; the already-fused graph gains nothing.
	pass.Rules().Register(FusedEngineOp, func(_ *graphdef.NodeDef, _ []shapes.Shape) ([]shapes.Shape, error) {
		return []shapes.Shape{MS(F32, 8, 2)}, nil
	})
	second, err := pass.Optimize(nil, &Item{
		ID:      TopLevelGraphID,
		Graph:   first.OutputGraph,
		Feeds:   []Feed{{Name: "x", Shape: MS(F32, 8, 4)}},
		Fetches: []string{"act"},
	})
	require.NoError(t, err)
	assert.Empty(t, second.EngineNodes)
	assert.Contains(t, second.Warnings, "no fused engines created: the pass had no effect on this graph")
	require.NoError(t, second.OutputGraph.Validate())
	require.NotNil(t, second.OutputGraph.NodeByName("fused_engine_0"))
}

func TestNewPassValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinimumSegmentSize = 0
	_, err := NewPass(cfg, simplego.New())
	var invalid *InvalidConfigurationError
	require.ErrorAs(t, err, &invalid)

	_, err = NewPass(DefaultConfig(), nil)
	require.ErrorContains(t, err, "compiler")
}

func TestPerSegmentWorkspaceBudgetSplit(t *testing.T) {
	// Two independent fusable chains share the budget unless
	// PerEngineWorkspace grants the full budget to each.
	g := graphdef.New()
	g.AddNode(&graphdef.NodeDef{Name: "c1", Op: "Const",
		Attrs: map[string]*graphdef.AttrValue{"shape": graphdef.ShapeAttr(MS(F32, 64))}})
	g.AddNode(&graphdef.NodeDef{Name: "r1", Op: "Relu", Inputs: []string{"c1"}})
	g.AddNode(&graphdef.NodeDef{Name: "c2", Op: "Const",
		Attrs: map[string]*graphdef.AttrValue{"shape": graphdef.ShapeAttr(MS(F32, 64))}})
	g.AddNode(&graphdef.NodeDef{Name: "r2", Op: "Relu", Inputs: []string{"c2"}})
	item := func() *Item {
		return &Item{ID: TopLevelGraphID, Graph: g.Clone(), Fetches: []string{"r1", "r2"}}
	}

	// Each chain needs 2*64*4 = 512 bytes of workspace. A 1600-byte budget
	// split across two segments (800 each) fits; 900 split (450 each) fails.
	pass := newTestPass(t, func(cfg *Config) {
		cfg.MaxBatchSize = 1
		cfg.MaxWorkspaceBytes = 1600
	})
	result, err := pass.Optimize(nil, item())
	require.NoError(t, err)
	assert.Len(t, result.EngineNodes, 2)

	pass = newTestPass(t, func(cfg *Config) {
		cfg.MaxBatchSize = 1
		cfg.MaxWorkspaceBytes = 900
	})
	result, err = pass.Optimize(nil, item())
	require.NoError(t, err)
	assert.Empty(t, result.EngineNodes)

	pass = newTestPass(t, func(cfg *Config) {
		cfg.MaxBatchSize = 1
		cfg.MaxWorkspaceBytes = 900
		cfg.PerEngineWorkspace = true
	})
	result, err = pass.Optimize(nil, item())
	require.NoError(t, err)
	assert.Len(t, result.EngineNodes, 2)
}

// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, pure Go engine compiler for accelfuse.
//
// It is not a real accelerator backend: its "engines" are gob-serialized
// snapshots of the segment, with constants lowered to the requested precision.
// It exists as the reference implementation of the engines.Compiler contract
// and as the compiler used by the accelfuse tests.
package simplego

import (
	"bytes"
	"encoding/gob"
	"strings"

	"github.com/accelfuse/accelfuse/engines"
	"github.com/accelfuse/accelfuse/graphdef"
	"github.com/accelfuse/accelfuse/graphdef/shapes"
	"github.com/accelfuse/accelfuse/segment"
	"github.com/accelfuse/accelfuse/shapeinfer"
	"github.com/accelfuse/accelfuse/types"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// CompilerName identifies this compiler in diagnostics.
const CompilerName = "simplego"

// SupportedOperations this compiler can place inside a fused engine.
// If not listed, a node is rejected by IsNodeSupported.
var SupportedOperations = types.SetWith(
	"Const",
	"Identity",
	"Relu",
	"Relu6",
	"Sigmoid",
	"Logistic",
	"Tanh",
	"Exp",
	"Neg",
	"Abs",
	"Softmax",

	"Add",
	"Sub",
	"Mul",
	"Div",
	"Maximum",
	"Minimum",

	"MatMul",
	"BiasAdd",
	"Concat",
)

// SupportedDTypes this compiler can handle inside a fused engine.
var SupportedDTypes = types.SetWith(
	dtypes.Float32,
	dtypes.Float16,
	dtypes.Int8,
	dtypes.Int32,
)

// Compiler implements engines.Compiler.
type Compiler struct{}

// Compile-time check that simplego.Compiler implements engines.Compiler.
var _ engines.Compiler = &Compiler{}

// New constructs a new simplego Compiler.
func New() *Compiler {
	return &Compiler{}
}

// Name of the compiler.
func (c *Compiler) Name() string { return CompilerName }

// IsNodeSupported is the acceptance capability: whether the node can live
// inside a fused segment. It checks device placement, operation-type support
// and that the inferred output dtype is supported.
func (c *Compiler) IsNodeSupported(node *graphdef.NodeDef, props *shapeinfer.Properties) bool {
	if node.Device != "" && !strings.Contains(node.Device, "ACCEL") {
		return false
	}
	if !SupportedOperations.Has(node.Op) {
		return false
	}
	shape, found := props.OutputShape(graphdef.TensorRef{Node: node.Name})
	if !found {
		return false
	}
	return SupportedDTypes.Has(shape.DType)
}

// enginePayload is the serialized form of a simplego engine.
type enginePayload struct {
	Compiler  string
	BatchSize int
	Precision engines.PrecisionMode
	Nodes     []*graphdef.NodeDef
	Inputs    []graphdef.TensorRef
	Outputs   []graphdef.TensorRef

	// HalfConsts maps "node.attr" to float16 bits for float attributes
	// lowered under FP16 precision.
	HalfConsts map[string]uint16
}

// Build compiles one segment into a simplego engine.
func (c *Compiler) Build(seg *segment.Segment, g *graphdef.Graph,
	props *shapeinfer.Properties, opts engines.BuildOptions) (*engines.Engine, error) {
	if opts.MaxBatchSize < 1 {
		return nil, errors.Errorf("cannot build engine for batch size %d", opts.MaxBatchSize)
	}
	if opts.Precision == engines.INT8 {
		// Quantization needs calibration data, which this compiler has no
		// source for.
		return nil, errors.Errorf("%s does not support INT8 engines: no calibration source", CompilerName)
	}

	workspace, err := estimateWorkspace(seg, props, opts.MaxBatchSize)
	if err != nil {
		return nil, err
	}
	if opts.MaxWorkspaceBytes > 0 && workspace > opts.MaxWorkspaceBytes {
		return nil, errors.Errorf("segment needs %s of workspace, over the %s budget",
			humanize.IBytes(uint64(workspace)), humanize.IBytes(uint64(opts.MaxWorkspaceBytes)))
	}

	payload := enginePayload{
		Compiler:  CompilerName,
		BatchSize: opts.MaxBatchSize,
		Precision: opts.Precision,
		Inputs:    seg.Inputs,
		Outputs:   seg.Outputs,
	}
	for _, name := range seg.Nodes {
		node := g.NodeByName(name)
		if node == nil {
			return nil, errors.Errorf("segment member %q not found in graph", name)
		}
		payload.Nodes = append(payload.Nodes, node.Clone())
	}
	if opts.Precision == engines.FP16 {
		payload.HalfConsts = lowerFloatAttrs(payload.Nodes)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, errors.Wrap(err, "failed to serialize engine")
	}

	var inputShapes []shapes.Shape
	for _, ref := range seg.Inputs {
		if s, found := props.OutputShape(ref); found {
			if s.Rank() > 0 && s.Dim(0) == shapes.UnknownDim {
				s = s.WithBatch(opts.MaxBatchSize)
			}
			inputShapes = append(inputShapes, s)
		} else {
			inputShapes = append(inputShapes, shapes.Invalid())
		}
	}

	engine := &engines.Engine{
		ID:             uuid.New(),
		BatchSize:      opts.MaxBatchSize,
		Precision:      opts.Precision,
		Data:           buf.Bytes(),
		WorkspaceBytes: workspace,
		InputShapes:    inputShapes,
	}
	klog.V(1).Infof("%s: built %s engine %s for batch %d: %s serialized, %s workspace",
		CompilerName, opts.Precision, engine.ID, opts.MaxBatchSize,
		humanize.IBytes(uint64(len(engine.Data))), humanize.IBytes(uint64(workspace)))
	return engine, nil
}

// lowerFloatAttrs converts scalar float attributes of the engine nodes to
// float16, recording the lowered bits. The nodes keep their full-precision
// attributes so the native fallback stays exact.
func lowerFloatAttrs(nodes []*graphdef.NodeDef) map[string]uint16 {
	half := make(map[string]uint16)
	for _, node := range nodes {
		for name, attr := range node.Attrs {
			if attr.Kind != graphdef.AttrKindFloat {
				continue
			}
			half[node.Name+"."+name] = float16.Fromfloat32(float32(attr.F)).Bits()
		}
	}
	return half
}

// estimateWorkspace sums the output tensor sizes of the segment members at the
// target batch size. Tensors with unknown non-batch dimensions contribute
// nothing: the budget check is best effort.
func estimateWorkspace(seg *segment.Segment, props *shapeinfer.Properties, batch int) (int64, error) {
	var total int64
	for _, name := range seg.Nodes {
		for _, shape := range props.NodeOutputShapes(name) {
			if shape.Rank() > 0 && shape.Dim(0) == shapes.UnknownDim {
				shape = shape.WithBatch(batch)
			}
			mem := shape.Memory()
			if mem == shapes.UnknownDim {
				continue
			}
			total += int64(mem)
		}
	}
	return total, nil
}

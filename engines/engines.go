// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

// Package engines defines the interface the engine-compiler collaborator needs
// to implement to be used by the accelfuse optimization pass.
//
// The compiler is external to the pass: it owns both the per-node acceptance
// capability consulted during segmentation and the construction of executable
// engine artifacts from accepted segments. The pass never interprets an
// Engine's Data, it only stores and caches it.
//
// There is no global registration: the host's composition root constructs a
// Compiler and hands it to convert.NewPass.
package engines

import (
	"github.com/accelfuse/accelfuse/graphdef"
	"github.com/accelfuse/accelfuse/graphdef/shapes"
	"github.com/accelfuse/accelfuse/segment"
	"github.com/accelfuse/accelfuse/shapeinfer"
	"github.com/google/uuid"
)

// PrecisionMode selects the numeric precision an engine is built for.
type PrecisionMode int

const (
	// FP32 builds engines in full 32-bit float precision. The default.
	FP32 PrecisionMode = iota

	// FP16 allows the compiler to lower computations to 16-bit floats.
	FP16

	// INT8 builds quantized engines; requires calibration by the compiler.
	INT8
)

// String implements fmt.Stringer.
func (p PrecisionMode) String() string {
	switch p {
	case FP32:
		return "FP32"
	case FP16:
		return "FP16"
	case INT8:
		return "INT8"
	}
	return "PrecisionMode(invalid)"
}

// BuildOptions carries the policy under which one engine is built.
type BuildOptions struct {
	// MaxBatchSize the engine must support on the leading axis.
	MaxBatchSize int

	// MaxWorkspaceBytes bounds the scratch memory the compiler may plan for.
	MaxWorkspaceBytes int64

	// Precision selects the numeric precision.
	Precision PrecisionMode
}

// Engine is an opaque, executable artifact compiled from one segment.
type Engine struct {
	// ID uniquely identifies this artifact.
	ID uuid.UUID

	// BatchSize the engine was built for.
	BatchSize int

	// Precision the engine was built with.
	Precision PrecisionMode

	// Data is the serialized engine, opaque to the pass.
	Data []byte

	// WorkspaceBytes is the scratch memory the engine requires at run time.
	WorkspaceBytes int64

	// InputShapes of the engine, in segment boundary-input order.
	InputShapes []shapes.Shape
}

// Compiler is the engine-compiler collaborator.
type Compiler interface {
	// Name of the compiler, for diagnostics.
	Name() string

	// IsNodeSupported is the acceptance capability injected into the
	// segmenter: whether this node can be placed inside a fused segment,
	// given the inferred shape/type context.
	IsNodeSupported(node *graphdef.NodeDef, props *shapeinfer.Properties) bool

	// Build compiles one segment of the graph into an executable engine
	// under the given options. A failed build only rejects this segment:
	// the pass recovers by leaving the segment's nodes unconverted.
	Build(seg *segment.Segment, g *graphdef.Graph, props *shapeinfer.Properties,
		opts BuildOptions) (*Engine, error)
}

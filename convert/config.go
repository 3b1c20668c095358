// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

package convert

import (
	"fmt"
	"slices"
	"strings"

	"github.com/accelfuse/accelfuse/engines"
)

// Default configuration values, documented on the corresponding Config fields.
const (
	DefaultMinimumSegmentSize = 3
	DefaultMaxCachedEngines   = 1
	DefaultMaxWorkspaceBytes  = int64(1) << 30

	// DefaultSavedInputGraphPrefix and DefaultSavedOutputGraphPrefix name the
	// files diagnostic graph dumps are written to, suffixed with the run
	// counter.
	DefaultSavedInputGraphPrefix  = "OptimizerInput"
	DefaultSavedOutputGraphPrefix = "OptimizerOutput"
)

// Config holds the tunable policy parameters of the optimization pass.
// Immutable after initialization: the pass never writes back to it, and
// per-invocation decisions (like the resolved batch size) live in the Result.
type Config struct {
	// MinimumSegmentSize is the smallest segment worth converting; smaller
	// segments are discarded and their nodes left untouched. >= 1.
	MinimumSegmentSize int

	// MaxBatchSize the engines are built for. -1 means "derive from the
	// input feeds" (see Pass.Optimize for the resolution policy).
	MaxBatchSize int

	// DynamicOp defers engine building to first execution, keyed by the
	// batch size observed then, instead of building eagerly.
	DynamicOp bool

	// CachedEngineBatches pre-seeds the per-node engine cache with these
	// batch sizes at static-conversion time, bounded by MaxCachedEngines.
	CachedEngineBatches []int

	// MaxCachedEngines bounds how many batch-size-keyed engine variants a
	// replacement node retains; least-recently-used variants are evicted.
	// >= 1.
	MaxCachedEngines int

	// MaxWorkspaceBytes bounds the scratch memory the compiler may plan for.
	MaxWorkspaceBytes int64

	// PerEngineWorkspace grants MaxWorkspaceBytes to every engine instead of
	// splitting the budget across the segments of one invocation.
	PerEngineWorkspace bool

	// Precision selects the numeric precision engines are built with.
	Precision engines.PrecisionMode

	// Diagnostic toggles.
	PrintInputGraph  bool
	PrintOutputGraph bool
	PrintEngines     bool
	PrintSubgraphs   bool
	SaveInputGraph   bool
	SaveOutputGraph  bool

	// File-name prefixes for saved diagnostic graphs; the run counter and the
	// ".bin" extension are appended.
	SavedInputGraphPrefix  string
	SavedOutputGraphPrefix string
}

// DefaultConfig returns the documented defaults: automatic batch size, static
// conversion, FP32, one cached engine per node, diagnostics off.
func DefaultConfig() Config {
	return Config{
		MinimumSegmentSize:     DefaultMinimumSegmentSize,
		MaxBatchSize:           -1,
		MaxCachedEngines:       DefaultMaxCachedEngines,
		MaxWorkspaceBytes:      DefaultMaxWorkspaceBytes,
		Precision:              engines.FP32,
		SavedInputGraphPrefix:  DefaultSavedInputGraphPrefix,
		SavedOutputGraphPrefix: DefaultSavedOutputGraphPrefix,
	}
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.MinimumSegmentSize < 1 {
		return &InvalidConfigurationError{Param: "minimum_segment_size",
			Reason: fmt.Sprintf("must be >= 1, got %d", c.MinimumSegmentSize)}
	}
	if c.MaxCachedEngines < 1 {
		return &InvalidConfigurationError{Param: "maximum_cached_engines",
			Reason: fmt.Sprintf("must be >= 1, got %d", c.MaxCachedEngines)}
	}
	switch c.Precision {
	case engines.FP32, engines.FP16, engines.INT8:
	default:
		return &InvalidConfigurationError{Param: "precision_mode",
			Reason: fmt.Sprintf("unknown precision mode %d", c.Precision)}
	}
	return nil
}

// ParsePrecisionMode matches a precision-mode string case-insensitively
// against FP32, FP16 and INT8.
func ParsePrecisionMode(s string) (engines.PrecisionMode, error) {
	switch strings.ToUpper(s) {
	case "FP32":
		return engines.FP32, nil
	case "FP16":
		return engines.FP16, nil
	case "INT8":
		return engines.INT8, nil
	}
	return engines.FP32, &InvalidConfigurationError{Param: "precision_mode",
		Reason: fmt.Sprintf("%q is not one of FP32, FP16, INT8", s)}
}

// ParseParams populates a Config from the heterogeneous parameter map handed
// over by the host optimizer framework. Unspecified parameters keep their
// defaults; unknown keys and wrongly-typed values fail with an
// *InvalidConfigurationError.
//
// Setting "print_subgraphs" implicitly forces "print_engines" on: subgraph
// printing is an extension of engine printing, not independently usable.
func ParseParams(params map[string]any) (Config, error) {
	cfg := DefaultConfig()
	for key, value := range params {
		var err error
		switch key {
		case "minimum_segment_size":
			cfg.MinimumSegmentSize, err = intParam(key, value)
		case "max_batch_size":
			cfg.MaxBatchSize, err = intParam(key, value)
		case "is_dynamic_op":
			cfg.DynamicOp, err = boolParam(key, value)
		case "cached_engine_batches":
			cfg.CachedEngineBatches, err = intsParam(key, value)
		case "maximum_cached_engines":
			cfg.MaxCachedEngines, err = intParam(key, value)
		case "max_workspace_size_bytes":
			var v int
			v, err = intParam(key, value)
			cfg.MaxWorkspaceBytes = int64(v)
		case "per_engine_workspace_size":
			cfg.PerEngineWorkspace, err = boolParam(key, value)
		case "precision_mode":
			var s string
			s, err = stringParam(key, value)
			if err == nil {
				cfg.Precision, err = ParsePrecisionMode(s)
			}
		case "print_input_graph":
			cfg.PrintInputGraph, err = boolParam(key, value)
		case "print_output_graph":
			cfg.PrintOutputGraph, err = boolParam(key, value)
		case "print_engines":
			cfg.PrintEngines, err = boolParam(key, value)
		case "print_subgraphs":
			cfg.PrintSubgraphs, err = boolParam(key, value)
		case "save_input_graph":
			cfg.SaveInputGraph, err = boolParam(key, value)
		case "save_output_graph":
			cfg.SaveOutputGraph, err = boolParam(key, value)
		case "saved_input_graph_prefix":
			cfg.SavedInputGraphPrefix, err = stringParam(key, value)
		case "saved_output_graph_prefix":
			cfg.SavedOutputGraphPrefix, err = stringParam(key, value)
		default:
			err = &InvalidConfigurationError{Param: key, Reason: "unknown parameter"}
		}
		if err != nil {
			return Config{}, err
		}
	}
	if cfg.PrintSubgraphs {
		cfg.PrintEngines = true
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func intParam(key string, value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	}
	return 0, &InvalidConfigurationError{Param: key,
		Reason: fmt.Sprintf("expected an integer, got %T", value)}
}

func boolParam(key string, value any) (bool, error) {
	if v, ok := value.(bool); ok {
		return v, nil
	}
	return false, &InvalidConfigurationError{Param: key,
		Reason: fmt.Sprintf("expected a boolean, got %T", value)}
}

func stringParam(key string, value any) (string, error) {
	if v, ok := value.(string); ok {
		return v, nil
	}
	return "", &InvalidConfigurationError{Param: key,
		Reason: fmt.Sprintf("expected a string, got %T", value)}
}

func intsParam(key string, value any) ([]int, error) {
	switch v := value.(type) {
	case []int:
		return slices.Clone(v), nil
	case []int64:
		out := make([]int, len(v))
		for i, x := range v {
			out[i] = int(x)
		}
		return out, nil
	}
	return nil, &InvalidConfigurationError{Param: key,
		Reason: fmt.Sprintf("expected a list of integers, got %T", value)}
}

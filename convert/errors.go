// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

package convert

import "fmt"

// InvalidConfigurationError reports a malformed configuration parameter. It is
// fatal at initialization: the pass refuses to construct, before any graph is
// touched.
type InvalidConfigurationError struct {
	Param  string
	Reason string
}

// Error implements the error interface.
func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration parameter %q: %s", e.Param, e.Reason)
}

// ShapeInferenceError reports that static shape inference over the input graph
// failed. It is fatal for the whole invocation: segment acceptance depends on
// complete shape information, so partial inference is not accepted.
type ShapeInferenceError struct {
	Cause error
}

// Error implements the error interface.
func (e *ShapeInferenceError) Error() string {
	return fmt.Sprintf("static shape inference failed: %v", e.Cause)
}

// Unwrap supports errors.Is/As chains.
func (e *ShapeInferenceError) Unwrap() error { return e.Cause }

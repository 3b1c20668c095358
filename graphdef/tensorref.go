// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

package graphdef

import (
	"fmt"
	"strconv"
	"strings"
)

// TensorRef identifies one output tensor of a node: the node name plus the
// output port.
type TensorRef struct {
	Node string
	Port int
}

// String renders the reference in the canonical "name:port" form. Port 0
// renders as just the name.
func (r TensorRef) String() string {
	if r.Port == 0 {
		return r.Node
	}
	return fmt.Sprintf("%s:%d", r.Node, r.Port)
}

// ParseTensorRef parses a "name", "name:port" or "name:with:colons:port"
// reference. Node names may themselves contain colons: only a trailing
// colon-separated token that parses as an integer is taken as the port;
// otherwise the whole string is the node name and the port is 0.
//
// So "scope/add:1" refers to port 1 of "scope/add", while "weird:name" refers
// to port 0 of the node literally named "weird:name". Ports are output indices
// and never negative, so a trailing negative integer ("a:-1") is also part of
// the name.
func ParseTensorRef(s string) TensorRef {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return TensorRef{Node: s}
	}
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil || port < 0 {
		// Trailing token is not a port number, it is part of the name.
		return TensorRef{Node: s}
	}
	return TensorRef{Node: s[:idx], Port: port}
}

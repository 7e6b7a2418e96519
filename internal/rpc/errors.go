// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

package rpc

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when an operation is attempted on a
// connection that has no live transport. In correct supervisor flow
// this is a sequencing bug, not a runtime condition.
var ErrNotConnected = errors.New("rpc: not connected")

// ErrClosed is returned to pending callers when the connection is
// closed locally before their reply arrives.
var ErrClosed = errors.New("rpc: connection closed")

// TransportError wraps a socket-level failure. The supervisor treats it
// as the signal to tear down the connection epoch and reconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ServerError is a JSON-RPC error object returned by Moonraker in place
// of a result. It is a protocol-level failure, not a transport failure,
// and does not end the connection.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("rpc: server error %d: %s", e.Code, e.Message)
}

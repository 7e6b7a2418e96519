// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

package rpc

import (
	"github.com/goccy/go-json"
)

// request is the JSON-RPC 2.0 request envelope sent to Moonraker.
type request struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      uint64      `json:"id"`
}

// frame is one inbound JSON-RPC envelope. A frame with an ID is a reply
// to a pending request; a frame without one is an unsolicited
// notification. Both arrive interleaved on the same stream.
type frame struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      *uint64         `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *ServerError    `json:"error"`
}

// isReply reports whether the frame correlates to a pending request.
func (f *frame) isReply() bool { return f.ID != nil }

// Notification is an unsolicited server-push frame, such as
// notify_gcode_response. Params is left raw; consumers decode the
// shapes they care about.
type Notification struct {
	Method string
	Params json.RawMessage
}

// GcodeResponseLine decodes the console line carried by a
// notify_gcode_response notification. Moonraker sends params as a
// one-element array holding the line. ok is false for any other shape
// or method.
func (n Notification) GcodeResponseLine() (string, bool) {
	if n.Method != "notify_gcode_response" {
		return "", false
	}
	var lines []string
	if err := json.Unmarshal(n.Params, &lines); err != nil || len(lines) == 0 {
		return "", false
	}
	return lines[0], true
}

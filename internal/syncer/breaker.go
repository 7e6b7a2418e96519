// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

package syncer

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/bedsync/internal/logging"
	"github.com/tomtom215/bedsync/internal/metrics"
)

// Caller issues a JSON-RPC call and awaits its matched reply.
// *rpc.Conn satisfies it; tests supply fakes.
type Caller interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// BreakerCaller wraps a Caller with a sony/gobreaker circuit breaker so
// a Moonraker that answers the socket but fails every request does not
// get hammered by back-to-back refreshes.
//
// The breaker uses real time for its recovery window; unit tests should
// exercise the wrapped Caller directly.
type BreakerCaller struct {
	inner Caller
	cb    *gobreaker.CircuitBreaker[json.RawMessage]
}

// NewBreakerCaller wraps inner. The circuit opens after a 60% failure
// rate over at least 5 requests and probes again after 30 seconds.
func NewBreakerCaller(inner Caller) *BreakerCaller {
	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "moonraker-rpc",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})

	return &BreakerCaller{inner: inner, cb: cb}
}

// Call implements Caller with breaker protection and call metrics.
func (b *BreakerCaller) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	start := time.Now()
	result, err := b.cb.Execute(func() (json.RawMessage, error) {
		return b.inner.Call(ctx, method, params)
	})
	metrics.ObserveRPCCall(method, start, err)
	return result, err
}

// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

package supervisor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tomtom215/bedsync/internal/config"
	"github.com/tomtom215/bedsync/internal/logging"
	"github.com/tomtom215/bedsync/internal/metrics"
	"github.com/tomtom215/bedsync/internal/rpc"
	"github.com/tomtom215/bedsync/internal/syncer"
)

// TriggerMarker is the console line fragment Klipper emits when a mesh
// leveling run finishes. Its appearance in a notify_gcode_response
// notification drives an event-triggered refresh.
const TriggerMarker = "Mesh Bed Leveling Complete"

// ConnectionService owns one Moonraker connection epoch at a time.
//
// Serve walks the connection state machine: dial, initial refresh, then
// the notification listener and the periodic ticker run concurrently
// against the shared connection. Either task failing ends the epoch;
// Serve waits the configured retry delay and returns the error so the
// supervision tree restarts it from a fresh dial. Context cancellation
// is the only clean exit.
type ConnectionService struct {
	cfg    *config.Config
	stores syncer.Stores
	obs    syncer.Observer
}

// NewConnectionService creates the service. obs may be nil for the
// default logging observer.
func NewConnectionService(cfg *config.Config, stores syncer.Stores, obs syncer.Observer) *ConnectionService {
	return &ConnectionService{cfg: cfg, stores: stores, obs: obs}
}

// String names the service in suture's event log.
func (s *ConnectionService) String() string { return "moonraker-connection" }

// Serve implements suture.Service.
func (s *ConnectionService) Serve(ctx context.Context) error {
	err := s.runEpoch(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}

	logging.Warn().
		Err(err).
		Dur("retry_delay", s.cfg.RetryDelay()).
		Msg("Connection epoch failed, waiting before reconnect")

	select {
	case <-time.After(s.cfg.RetryDelay()):
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// runEpoch runs a single connection epoch to completion.
func (s *ConnectionService) runEpoch(ctx context.Context) error {
	conn, err := rpc.Dial(ctx, s.cfg.Moonraker.Host, s.cfg.Moonraker.Port)
	if err != nil {
		return err
	}
	defer conn.Close()

	metrics.Reconnects.Inc()
	metrics.Connected.Set(1)
	defer metrics.Connected.Set(0)

	engine := syncer.New(syncer.NewBreakerCaller(conn), s.stores, s.obs)

	logging.Info().Str("epoch", conn.Epoch()).Msg("Performing initial sync")
	if err := engine.Refresh(ctx); err != nil {
		return err
	}

	// Both tasks share the connection; the first failure wins and ends
	// the epoch for both.
	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- s.listen(epochCtx, conn, engine) }()
	go func() { errCh <- s.tick(epochCtx, engine) }()

	err = <-errCh
	cancel()
	conn.Close()
	<-errCh

	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// listen consumes every notification from the connection and runs a
// full refresh after each mesh-leveling trigger, once the settle delay
// has given Moonraker time to finish writing mesh data.
func (s *ConnectionService) listen(ctx context.Context, conn *rpc.Conn, engine *syncer.Engine) error {
	logging.Info().Str("marker", TriggerMarker).Msg("Listening for mesh trigger")

	for {
		select {
		case <-ctx.Done():
			return nil
		case notif, ok := <-conn.Notifications():
			if !ok {
				if err := conn.Err(); err != nil && !errors.Is(err, rpc.ErrClosed) {
					return err
				}
				return nil
			}
			metrics.NotificationsSeen.Inc()

			line, ok := notif.GcodeResponseLine()
			if !ok || !strings.Contains(line, TriggerMarker) {
				continue
			}

			metrics.TriggersDetected.Inc()
			logging.Info().
				Str("line", strings.TrimSpace(line)).
				Dur("settle_delay", s.cfg.SettleDelay()).
				Msg("Mesh trigger detected, waiting for data to settle")

			select {
			case <-time.After(s.cfg.SettleDelay()):
			case <-ctx.Done():
				return nil
			}

			if err := engine.Refresh(ctx); err != nil {
				return err
			}
			logging.Info().Msg("Trigger refresh complete, resuming listening")
		}
	}
}

// tick runs the periodic fallback refresh.
func (s *ConnectionService) tick(ctx context.Context, engine *syncer.Engine) error {
	interval := s.cfg.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			logging.Info().Dur("interval", interval).Msg("Periodic sync waking up")
			if err := engine.Refresh(ctx); err != nil {
				return err
			}
		}
	}
}

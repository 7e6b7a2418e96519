// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

// Package rpc implements the JSON-RPC-over-WebSocket channel to
// Moonraker and the demultiplexing of its single inbound stream.
//
// Replies and notifications arrive interleaved on one socket, so there
// is exactly one physical reader per connection: the read loop routes
// frames carrying a request id to the one-shot slot registered by the
// matching Call, and fans every id-less frame out to the notification
// channel. A caller awaiting reply N therefore never swallows a
// notification that happens to arrive first, and the notification
// listener never steals another caller's reply.
package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/bedsync/internal/logging"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = 90 * time.Second

	// notifyBuffer absorbs notification bursts while the listener is
	// busy running a refresh. Overflow is dropped with a warning, never
	// silently.
	notifyBuffer = 256
)

// reply is the outcome delivered to the one-shot slot of a pending request.
type reply struct {
	result json.RawMessage
	err    error
}

// Conn is a single connection epoch to Moonraker. Request ids are
// strictly increasing for the lifetime of the Conn and reset when the
// supervisor dials a fresh one.
//
// All methods are safe for concurrent use; sends interleave freely
// since each carries its own id, while the read loop is the sole
// consumer of the socket.
type Conn struct {
	ws    *websocket.Conn
	epoch string

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan reply
	closed  bool

	notifs chan Notification
	done   chan struct{}
	err    error
}

// Dial opens a WebSocket connection to Moonraker's /websocket endpoint
// and starts the read loop. The returned Conn is live until Close or a
// transport failure.
func Dial(ctx context.Context, host string, port int) (*Conn, error) {
	wsURL := fmt.Sprintf("ws://%s:%d/websocket", host, port)

	dialer := websocket.Dialer{
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: true,
	}

	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &TransportError{Op: "dial", Err: fmt.Errorf("HTTP %d: %w", resp.StatusCode, err)}
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}

	c := &Conn{
		ws:      ws,
		epoch:   uuid.NewString(),
		pending: make(map[uint64]chan reply),
		notifs:  make(chan Notification, notifyBuffer),
		done:    make(chan struct{}),
	}

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	logging.Info().
		Str("epoch", c.epoch).
		Str("url", wsURL).
		Msg("Connected to Moonraker")

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Epoch returns the correlation id of this connection epoch.
func (c *Conn) Epoch() string { return c.epoch }

// Call sends a JSON-RPC request and blocks until its matching reply is
// routed back, the context is canceled, or the connection dies.
// params may be nil for methods without parameters.
func (c *Conn) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if params == nil {
		params = struct{}{}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.terminalErr()
	}
	c.nextID++
	id := c.nextID
	slot := make(chan reply, 1)
	c.pending[id] = slot
	c.mu.Unlock()

	payload, err := json.Marshal(request{Jsonrpc: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		c.discard(id)
		return nil, fmt.Errorf("rpc: marshal %s: %w", method, err)
	}

	if err := c.write(payload); err != nil {
		c.discard(id)
		return nil, err
	}

	logging.Debug().
		Str("epoch", c.epoch).
		Str("method", method).
		Uint64("id", id).
		Msg("RPC request sent")

	select {
	case r := <-slot:
		return r.result, r.err
	case <-ctx.Done():
		c.discard(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.terminalErr()
	}
}

// Notifications returns the channel carrying every unsolicited frame
// the server pushes. The channel is closed when the connection ends.
func (c *Conn) Notifications() <-chan Notification {
	return c.notifs
}

// Done is closed when the connection has ended, locally or remotely.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the terminal error after Done is closed. It is ErrClosed
// for a local Close and a TransportError for a socket failure.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down cleanly. Pending callers are failed
// with ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return c.ws.Close()
}

// write sends one frame under the write lock; gorilla/websocket allows
// only a single concurrent writer.
func (c *Conn) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// discard removes a pending slot whose caller gave up.
func (c *Conn) discard(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// terminalErr must not be called while holding mu.
func (c *Conn) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

// readLoop is the single physical reader of the socket. It routes
// replies to their registered one-shot slots and notifications to the
// subscriber channel, then tears everything down on the first error.
func (c *Conn) readLoop() {
	defer c.teardown()

	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.fail(&TransportError{Op: "read", Err: err})
		return
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.fail(ErrClosed)
			} else {
				c.fail(&TransportError{Op: "read", Err: err})
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			// A malformed frame is a server bug; skip it rather than
			// killing the connection.
			logging.Warn().
				Str("epoch", c.epoch).
				Err(err).
				Msg("Dropping unparseable frame")
			continue
		}

		if f.isReply() {
			c.routeReply(&f)
			continue
		}

		select {
		case c.notifs <- Notification{Method: f.Method, Params: f.Params}:
		default:
			logging.Warn().
				Str("epoch", c.epoch).
				Str("method", f.Method).
				Msg("Notification buffer full, dropping frame")
		}
	}
}

// routeReply delivers a reply frame to whoever registered interest in
// its id. A reply with no pending slot belongs to a caller that already
// gave up; it is logged and dropped.
func (c *Conn) routeReply(f *frame) {
	c.mu.Lock()
	slot, ok := c.pending[*f.ID]
	delete(c.pending, *f.ID)
	c.mu.Unlock()

	if !ok {
		logging.Debug().
			Str("epoch", c.epoch).
			Uint64("id", *f.ID).
			Msg("Reply for abandoned request")
		return
	}

	if f.Error != nil {
		slot <- reply{err: f.Error}
		return
	}
	slot <- reply{result: f.Result}
}

// pingLoop keeps the connection alive across the long idle stretches
// between periodic syncs.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				logging.Debug().Str("epoch", c.epoch).Err(err).Msg("Ping failed")
				_ = c.ws.Close()
				return
			}
		}
	}
}

// fail records the terminal error, once.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// teardown fails every pending caller, closes the notification channel
// and marks the connection done.
func (c *Conn) teardown() {
	c.mu.Lock()
	c.closed = true
	err := c.err
	if err == nil {
		err = ErrClosed
		c.err = err
	}
	pending := c.pending
	c.pending = make(map[uint64]chan reply)
	c.mu.Unlock()

	for _, slot := range pending {
		slot <- reply{err: err}
	}
	close(c.notifs)
	close(c.done)

	_ = c.ws.Close()

	logging.Info().
		Str("epoch", c.epoch).
		Err(err).
		Msg("Connection ended")
}

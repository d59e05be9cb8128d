// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package feed streams projection results to websocket subscribers.
//
// A Hub fans out messages to every connected client. Each client has a
// bounded queue; a client that falls behind loses messages instead of
// slowing the projection session down.
package feed

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/projection"
)

// ErrClosed is returned when publishing to a closed hub.
var ErrClosed = errors.New("feed: hub closed")

// Message types.
const (
	TypeHello  = "hello"
	TypeBatch  = "batch"
	TypeResult = "result"
)

// Message is one JSON frame sent to subscribers.
type Message struct {
	Type        string    `json:"type"`
	ClientID    string    `json:"client_id,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	Projections []uint64  `json:"projections,omitempty"`
	Delivered   int       `json:"delivered,omitempty"`
	Suppressed  int       `json:"suppressed,omitempty"`
	Failed      int       `json:"failed,omitempty"`
	Cancelled   bool      `json:"cancelled,omitempty"`
	Time        time.Time `json:"time"`
}

// Options configures a Hub.
type Options struct {
	// QueueSize bounds each client's pending messages. Default: 64.
	QueueSize int

	// WriteTimeout bounds one frame write. Default: 5s.
	WriteTimeout time.Duration

	// Logger receives connection diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

type client struct {
	id    string
	conn  *websocket.Conn
	queue chan Message
}

// Hub broadcasts messages to websocket clients.
//
// Thread Safety: Safe for concurrent use.
type Hub struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	dropped int
	wg      sync.WaitGroup
}

// NewHub creates a hub with no clients.
func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the client until it
// disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:    uuid.NewString(),
		conn:  conn,
		queue: make(chan Message, h.opts.QueueSize),
	}
	if !h.register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	h.logger.Info("feed client connected", slog.String("client_id", c.id))
	go h.writeLoop(c)

	// Clients only listen; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(c)
	h.logger.Info("feed client disconnected", slog.String("client_id", c.id))
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	c.queue <- Message{Type: TypeHello, ClientID: c.id, Time: time.Now().UTC()}
	h.wg.Add(1)
	return true
}

// unregister removes c and closes its queue, which ends its write loop.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.queue)
}

func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	defer c.conn.Close()

	for msg := range c.queue {
		_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			h.logger.Warn("feed write failed",
				slog.String("client_id", c.id),
				slog.String("error", err.Error()),
			)
			h.unregister(c)
			return
		}
	}
}

// Publish queues msg for every client. Full client queues drop the
// message.
func (h *Hub) Publish(msg Message) error {
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	for c := range h.clients {
		select {
		case c.queue <- msg:
		default:
			h.dropped++
		}
	}
	return nil
}

// PublishBatch publishes one batch of projection ids as it leaves the
// engine. The request id is not known yet and is carried by the result.
func (h *Hub) PublishBatch(batch []coverage.ProjectionID) error {
	ids := make([]uint64, len(batch))
	for i, id := range batch {
		ids[i] = id.Uint64()
	}
	return h.Publish(Message{Type: TypeBatch, Projections: ids})
}

// PublishResult publishes the summary of a finished session.
func (h *Hub) PublishResult(r *projection.Result) error {
	if r == nil {
		return nil
	}
	return h.Publish(Message{
		Type:       TypeResult,
		RequestID:  r.RequestID,
		Delivered:  r.Delivered,
		Suppressed: r.Suppressed,
		Failed:     r.BlocksFailed,
		Cancelled:  r.Cancelled,
	})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many per-client messages were discarded.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close disconnects every client after its queued messages are written.
// Later calls are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.queue)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package feed

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/projection"
)

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_StreamsBatchesAndResults(t *testing.T) {
	h := NewHub(Options{})
	t.Cleanup(h.Close)
	conn := dial(t, h)

	hello := read(t, conn)
	assert.Equal(t, TypeHello, hello.Type)
	assert.NotEmpty(t, hello.ClientID)
	assert.Equal(t, 1, h.Clients())

	require.NoError(t, h.PublishBatch([]coverage.ProjectionID{
		coverage.NewProjectionID(100), coverage.NewProjectionID(101),
	}))
	batch := read(t, conn)
	assert.Equal(t, TypeBatch, batch.Type)
	assert.Equal(t, []uint64{100, 101}, batch.Projections)
	assert.False(t, batch.Time.IsZero())

	require.NoError(t, h.PublishResult(&projection.Result{
		RequestID:  "req-1",
		Delivered:  2,
		Suppressed: 1,
		Cancelled:  true,
	}))
	result := read(t, conn)
	assert.Equal(t, TypeResult, result.Type)
	assert.Equal(t, "req-1", result.RequestID)
	assert.Equal(t, 2, result.Delivered)
	assert.Equal(t, 1, result.Suppressed)
	assert.True(t, result.Cancelled)

	assert.NoError(t, h.PublishResult(nil))
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	h := NewHub(Options{})
	conn := dial(t, h)
	read(t, conn)

	h.Close()
	h.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, h.Clients())
	assert.ErrorIs(t, h.Publish(Message{Type: TypeBatch}), ErrClosed)
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	h := NewHub(Options{})
	t.Cleanup(h.Close)
	conn := dial(t, h)
	read(t, conn)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.Clients() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHub_FullQueueDrops(t *testing.T) {
	h := NewHub(Options{QueueSize: 1})
	c := &client{id: "slow", queue: make(chan Message, 1)}
	h.clients[c] = struct{}{}

	require.NoError(t, h.Publish(Message{Type: TypeBatch}))
	require.NoError(t, h.Publish(Message{Type: TypeBatch}))
	require.NoError(t, h.Publish(Message{Type: TypeBatch}))

	assert.Equal(t, 2, h.Dropped())
	assert.Len(t, c.queue, 1)
}

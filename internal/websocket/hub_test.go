package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/payment-gateway/internal/events"
)

func TestHub_PublishReachesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var welcome Message
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "connected", welcome.Event)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, events.Event{Type: events.TypeTransaction, Event: events.PaymentConfirmed, Data: map[string]string{"transaction_id": "tx-1"}}))

	var raw json.RawMessage
	require.NoError(t, conn.ReadJSON(&raw))
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, events.TypeTransaction, msg.Type)
	assert.Equal(t, events.PaymentConfirmed, msg.Event)
	assert.Contains(t, string(raw), "tx-1")

	stats := hub.GetStats()
	assert.Equal(t, 1, stats["client_count"])
}

package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub() *Hub {
	return NewHub(logging.Discard())
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func TestClientMatches(t *testing.T) {
	refundFailed := &Event{Type: "refund.failed", Data: map[string]any{"refundId": "ref_1"}}
	payoutPaid := &Event{Type: "payout.paid", Data: map[string]any{"payeeId": "payee_1"}}
	otherPayee := &Event{Type: "payout.paid", Data: map[string]any{"payeeId": "payee_2"}}

	tests := []struct {
		name  string
		sub   Subscription
		event *Event
		want  bool
	}{
		{"empty matches all", Subscription{}, refundFailed, true},
		{"type match", Subscription{EventTypes: []string{"refund.failed"}}, refundFailed, true},
		{"type mismatch", Subscription{EventTypes: []string{"refund.failed"}}, payoutPaid, false},
		{"payee match", Subscription{PayeeIDs: []string{"payee_1"}}, payoutPaid, true},
		{"payee mismatch", Subscription{PayeeIDs: []string{"payee_1"}}, otherPayee, false},
		{"payee filter without payee in data", Subscription{PayeeIDs: []string{"payee_1"}}, refundFailed, false},
		{"both filters", Subscription{EventTypes: []string{"payout.paid"}, PayeeIDs: []string{"payee_1"}}, payoutPaid, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{sub: tt.sub}
			assert.Equal(t, tt.want, c.matches(tt.event))
		})
	}
}

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}

func TestHub_RegisterBroadcastUnregister(t *testing.T) {
	h := runHub(t)

	client := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{EventTypes: []string{"payout.failed"}}}
	h.register <- client

	h.BroadcastEvent("payout.paid", map[string]any{"scheduleId": "sch_1"})
	h.BroadcastEvent("payout.failed", map[string]any{"scheduleId": "sch_2"})

	select {
	case msg := <-client.send:
		var e Event
		require.NoError(t, json.Unmarshal(msg, &e))
		assert.Equal(t, "payout.failed", e.Type)
		assert.Equal(t, "sch_2", e.Data["scheduleId"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}

	assert.Eventually(t, func() bool { return h.Stats()["totalEvents"].(int64) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])

	h.unregister <- client
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])
}

func TestHub_SlowClientDropped(t *testing.T) {
	h := runHub(t)

	client := &Client{hub: h, send: make(chan []byte)} // unbuffered, never read
	h.register <- client

	h.BroadcastEvent("refund.failed", map[string]any{})
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}

func TestHandleWebSocket_FeedWithSubscription(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Subscription{PayeeIDs: []string{"payee_1"}}))
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 }, time.Second, 10*time.Millisecond)

	// Give readPump a moment to apply the filter before broadcasting.
	time.Sleep(50 * time.Millisecond)
	h.BroadcastEvent("payout.paid", map[string]any{"payeeId": "payee_2"})
	h.BroadcastEvent("payout.paid", map[string]any{"payeeId": "payee_1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, "payee_1", e.Data["payeeId"])
}

func TestHub_ReplayHistory(t *testing.T) {
	h := runHub(t)

	h.BroadcastEvent("refund.failed", map[string]any{"refundId": "rfd_1"})
	h.BroadcastEvent("payout.paid", map[string]any{"scheduleId": "sch_1"})
	require.Eventually(t, func() bool { return h.Stats()["history"].(int) == 2 }, time.Second, 10*time.Millisecond)

	client := &Client{hub: h, send: make(chan []byte, 8)}
	h.register <- client
	h.replay <- replayRequest{client: client, sub: Subscription{EventTypes: []string{"refund.failed"}, Replay: true}}

	select {
	case msg := <-client.send:
		var e Event
		require.NoError(t, json.Unmarshal(msg, &e))
		assert.Equal(t, "refund.failed", e.Type)
		assert.Equal(t, "rfd_1", e.Data["refundId"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for replay")
	}
	assert.Never(t, func() bool { return len(client.send) > 0 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestHub_HistoryIsBounded(t *testing.T) {
	h := testHub()
	for i := 0; i < HistorySize+10; i++ {
		h.publish(&Event{Type: "payout.paid", Data: map[string]any{}})
	}
	assert.Len(t, h.history, HistorySize)
	assert.Equal(t, int64(HistorySize+10), h.Stats()["totalEvents"])
}

func TestHandleWebSocket_RejectsAfterStop(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/v1/admin/feed", nil))
	assert.Equal(t, 503, w.Code)
}


package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/rcl/internal/amount"
	"github.com/mbd888/rcl/internal/decisions"
	"github.com/mbd888/rcl/internal/rules"
)

func testHub() *Hub {
	return NewHub(slog.Default(), "https://ops.example.com")
}

func decision(tenant string, v rules.Verdict, amt int64) *decisions.Decision {
	return &decisions.Decision{
		ID:       "d-" + tenant,
		EventID:  "e-1",
		Tenant:   tenant,
		Scenario: "payouts",
		EntityID: "acct-1",
		Amount:   amount.FromUnits(amt),
		Verdict:  v,
	}
}

// ---------------------------------------------------------------------------
// Subscription tests
// ---------------------------------------------------------------------------

func TestSubscription_EmptyMatchesAll(t *testing.T) {
	e := &Event{Type: EventDecision, Decision: decision("acme", rules.Allow, 1)}
	if !(Subscription{}).matches(e) {
		t.Error("empty subscription should match every decision")
	}
}

func TestSubscription_Filters(t *testing.T) {
	sub := Subscription{
		Tenants:   []string{"acme"},
		Verdicts:  []rules.Verdict{rules.Block, rules.HoldForReview},
		MinAmount: amount.FromUnits(100),
	}

	tests := []struct {
		name string
		d    *decisions.Decision
		want bool
	}{
		{"match", decision("acme", rules.Block, 500), true},
		{"other tenant", decision("globex", rules.Block, 500), false},
		{"allow filtered", decision("acme", rules.Allow, 500), false},
		{"below min amount", decision("acme", rules.HoldForReview, 99), false},
		{"at min amount", decision("acme", rules.HoldForReview, 100), true},
	}
	for _, tc := range tests {
		if got := sub.matches(&Event{Type: EventDecision, Decision: tc.d}); got != tc.want {
			t.Errorf("%s: matches = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSubscriptionFromQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/stream?tenant=acme,%20globex&verdict=block&min_amount=2.5&scenario=", nil)
	sub := subscriptionFromQuery(r)

	if len(sub.Tenants) != 2 || sub.Tenants[1] != "globex" {
		t.Errorf("tenants = %v", sub.Tenants)
	}
	if len(sub.Verdicts) != 1 || sub.Verdicts[0] != rules.Block {
		t.Errorf("verdicts = %v", sub.Verdicts)
	}
	if sub.Scenarios != nil {
		t.Errorf("scenarios = %v, want none", sub.Scenarios)
	}
	if sub.MinAmount != 2_500_000 {
		t.Errorf("min amount = %d", sub.MinAmount)
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256)}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connected_clients"].(int) != 1 {
		t.Errorf("expected 1 connected client, got %v", stats["connected_clients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connected_clients"].(int) != 0 {
		t.Errorf("expected 0 connected clients, got %v", stats["connected_clients"])
	}
	if stats["peak_clients"].(int64) != 1 {
		t.Errorf("expected peak 1, got %v", stats["peak_clients"])
	}
}

func TestHub_FilteredPublish(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{Tenants: []string{"acme"}}}
	h.register <- client

	h.PublishDecision(decision("globex", rules.Block, 1))
	h.PublishDecision(decision("acme", rules.Block, 1))

	select {
	case msg := <-client.send:
		var e Event
		if err := json.Unmarshal(msg, &e); err != nil {
			t.Fatal(err)
		}
		if e.Type != EventDecision || e.Decision.Tenant != "acme" {
			t.Errorf("unexpected event %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for decision")
	}

	select {
	case msg := <-client.send:
		t.Errorf("unexpected second event %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
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

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/v1/stream", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("upgrade after stop = %d, want 503", w.Code)
	}
}

// ---------------------------------------------------------------------------
// WebSocket tests
// ---------------------------------------------------------------------------

func TestHub_WebSocketStream(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?verdict=block"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connected_clients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h.PublishDecision(decision("acme", rules.Allow, 1))
	h.PublishDecision(decision("acme", rules.Block, 1))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.Decision == nil || e.Decision.Verdict != rules.Block {
		t.Errorf("expected the block decision, got %+v", e)
	}
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example.com"}})
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://ops.example.com"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = conn.Close()
}

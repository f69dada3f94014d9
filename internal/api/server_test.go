package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ensemble-trader/internal/config"
	"ensemble-trader/pkg/types"
)

type stubProvider struct{}

func (stubProvider) Status() types.Status {
	return types.Status{
		Running:           true,
		Symbol:            "BTCUSDT",
		DryRun:            true,
		HeartbeatInterval: 60,
	}
}

func (stubProvider) ModelStatuses() []types.ModelStatus {
	return []types.ModelStatus{{Name: "lstm", Key: "localhost:8001", Enabled: true, Weight: 1.0}}
}

func (stubProvider) RiskMetrics() types.RiskMetrics {
	return types.RiskMetrics{DailyPnL: -42.5, DailyTrades: 3}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(config.DashboardConfig{Host: "127.0.0.1", Port: 0}, stubProvider{}, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go s.hub.Run(ctx)
	t.Cleanup(cancel)

	ts := httptest.NewServer(s.http.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var st types.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Running || st.Symbol != "BTCUSDT" {
		t.Errorf("status = %+v", st)
	}
}

func TestModelsEndpoint(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/api/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Models []types.ModelStatus `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Models) != 1 || body.Models[0].Name != "lstm" {
		t.Errorf("models = %+v", body.Models)
	}
}

func TestRiskEndpoint(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/api/risk")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var m types.RiskMetrics
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m.DailyPnL != -42.5 || m.DailyTrades != 3 {
		t.Errorf("risk = %+v", m)
	}
}

func TestHubTurnsAwayClientsAfterShutdown(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	ts := httptest.NewServer(http.HandlerFunc(h.serveWS))
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.SubscriberCount() != 1 {
		t.Fatalf("subscribers = %d, want 1", h.SubscriberCount())
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for h.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.SubscriberCount() != 0 {
		t.Fatalf("subscribers = %d after shutdown, want 0", h.SubscriberCount())
	}

	// A client arriving after Run has returned must be closed promptly
	// instead of blocking serveWS on the register channel.
	late, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return
	}
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := late.ReadMessage(); err == nil {
		t.Fatal("late client stayed connected after hub shutdown")
	}
	if h.SubscriberCount() != 0 {
		t.Errorf("late client registered: subscribers = %d", h.SubscriberCount())
	}
}

func TestWebsocketBroadcast(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration races the broadcast; wait for the hub to see the client.
	deadline := time.Now().Add(2 * time.Second)
	for s.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.SubscriberCount() != 1 {
		t.Fatalf("subscribers = %d, want 1", s.SubscriberCount())
	}

	s.Broadcast(types.BroadcastDecision, map[string]string{"action": "long"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg types.BroadcastMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != types.BroadcastDecision {
		t.Errorf("type = %q, want decision", msg.Type)
	}
	if msg.Timestamp.IsZero() {
		t.Error("broadcast missing timestamp")
	}
}

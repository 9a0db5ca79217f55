package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgewan/agentcore/pkg/config"
	"github.com/edgewan/agentcore/pkg/model"
)

// TestConfigMissingEntersPermanentErrorState pins spec.md §7's ConfigMissing:
// a Node built from an invalid config starts in ERROR and Tick is forever a
// no-op afterward.
func TestConfigMissingEntersPermanentErrorState(t *testing.T) {
	var errs []string
	n := New(config.Config{}, Callbacks{OnError: func(msg string) { errs = append(errs, msg) }})

	if n.State() != model.StateError {
		t.Fatalf("expected StateError, got %s", n.State())
	}
	if len(errs) != 1 {
		t.Fatalf("expected exactly one OnError call, got %d", len(errs))
	}

	n.Tick(context.Background())
	n.Tick(context.Background())
	if n.State() != model.StateError {
		t.Fatalf("state drifted out of ERROR after Tick: %s", n.State())
	}
	if len(errs) != 1 {
		t.Fatalf("Tick on a dead node must not invoke OnError again, got %d calls", len(errs))
	}
}

// TestStateChangeFiresExactlyOncePerDistinctChange pins testable property 2.
func TestStateChangeFiresExactlyOncePerDistinctChange(t *testing.T) {
	calls := 0
	n := &Node{state: model.StateBoot, cb: Callbacks{OnStateChange: func(old, next model.NodeState) { calls++ }}}

	n.setState(model.StateBoot) // same state, must not fire
	if calls != 0 {
		t.Fatalf("setState to the same state must not invoke the callback, got %d calls", calls)
	}

	n.setState(model.StateHello)
	if calls != 1 {
		t.Fatalf("expected exactly one callback invocation, got %d", calls)
	}

	n.setState(model.StateHello) // repeat, must not fire again
	if calls != 1 {
		t.Fatalf("repeating the same state must not re-fire, got %d", calls)
	}
}

// newFakeHub wires hello/session/heartbeat HTTP endpoints and the tunnel
// websocket upgrade behind a single httptest.Server.
func newFakeHub(t *testing.T) *httptest.Server {
	return newFakeHubWithHello(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "PENDING", "retry_after_ms": 20})
	})
}

// fakeHubOpts lets individual tests override the pair/approve legs on top
// of the always-present hello/session/heartbeat/ws-tunnel routes.
type fakeHubOpts struct {
	hello   http.HandlerFunc
	pair    http.HandlerFunc
	approve http.HandlerFunc
}

func newFakeHubWithHello(t *testing.T, helloHandler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return newFakeHubWithOpts(t, fakeHubOpts{hello: helloHandler})
}

func newFakeHubWithOpts(t *testing.T, opts fakeHubOpts) *httptest.Server {
	t.Helper()
	pollCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/device/hello", opts.hello)
	mux.HandleFunc("/api/device/session", func(w http.ResponseWriter, r *http.Request) {
		pollCalls++
		if pollCalls < 2 {
			json.NewEncoder(w).Encode(map[string]any{"status": "PENDING", "retry_after_ms": 20})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "GRANTED", "session_token": "TOK", "ttl_seconds": 60})
	})
	mux.HandleFunc("/api/device/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ttl_seconds": 60})
	})
	if opts.pair != nil {
		mux.HandleFunc("/api/device/pair", opts.pair)
	}
	if opts.approve != nil {
		mux.HandleFunc("/api/device/approve", opts.approve)
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux.HandleFunc("/ws/tunnel", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var frame model.RegisterFrame
				if json.Unmarshal(data, &frame) == nil && frame.Action == "register" {
					conn.WriteJSON(model.RegisterAck{Type: "register_ack", Status: "ok"})
				}
			}
		}()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestNodeDrivesBootThroughTunnelConnected is an integration-style test of
// the scheduler against a fake hub: BOOT -> HELLO -> PENDING_POLL -> ACTIVE
// -> TUNNEL_CONNECTING -> TUNNEL_CONNECTED.
func TestNodeDrivesBootThroughTunnelConnected(t *testing.T) {
	srv := newFakeHub(t)

	var states []model.NodeState
	cfg := config.Config{
		HubBaseURL:          srv.URL,
		SlotID:              "slot-1",
		FirmwareVersion:     "1.0.0",
		Platform:            "linux",
		AgentVersion:        "dev",
		HeartbeatIntervalMS: 60000,
		WSTunnelPath:        "/ws/tunnel",
		EnableTunnel:        true,
		TickInterval:        20,
	}
	n := New(cfg, Callbacks{OnStateChange: func(old, next model.NodeState) { states = append(states, next) }})

	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n.Tick(ctx)
		if n.State() == model.StateTunnelConnected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n.State() != model.StateTunnelConnected {
		t.Fatalf("expected StateTunnelConnected, got %s (history: %v, lastError: %s)", n.State(), states, n.LastError())
	}

	wantSeq := []model.NodeState{
		model.StateHello,
		model.StatePendingPoll,
		model.StateActive,
		model.StateTunnelConnecting,
		model.StateTunnelConnected,
	}
	if len(states) < len(wantSeq) {
		t.Fatalf("expected at least %d transitions, got %v", len(wantSeq), states)
	}
	for i, want := range wantSeq {
		if states[i] != want {
			t.Fatalf("transition %d: expected %s, got %s (full history: %v)", i, want, states[i], states)
		}
	}
}

// TestNodeSelfApproveSkipsPair pins EnableSelfApprove's wiring: HELLO's
// PENDING response still carries a pairing code, but PAIR_SUBMIT must call
// the approve endpoint instead of /api/device/pair and reach ACTIVE directly.
func TestNodeSelfApproveSkipsPair(t *testing.T) {
	var pairCalls, approveCalls int
	srv := newFakeHubWithOpts(t, fakeHubOpts{
		hello: func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"status":             "PENDING",
				"pairing_code":       "code-1",
				"pairing_expires_at": int64(999999999),
			})
		},
		pair: func(w http.ResponseWriter, r *http.Request) {
			pairCalls++
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "session_token": "PAIR-TOK"})
		},
		approve: func(w http.ResponseWriter, r *http.Request) {
			approveCalls++
			json.NewEncoder(w).Encode(map[string]any{"status": "APPROVED", "session_token": "APPROVE-TOK", "expires_at": 999999999})
		},
	})

	var states []model.NodeState
	cfg := config.Config{
		HubBaseURL:          srv.URL,
		SlotID:              "slot-1",
		FirmwareVersion:     "1.0.0",
		Platform:            "linux",
		AgentVersion:        "dev",
		HeartbeatIntervalMS: 60000,
		WSTunnelPath:        "/ws/tunnel",
		EnableTunnel:        false,
		TickInterval:        20,
		EnableSelfApprove:   true,
	}
	n := New(cfg, Callbacks{OnStateChange: func(old, next model.NodeState) { states = append(states, next) }})

	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		n.Tick(ctx)
		if n.State() == model.StateActive {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n.State() != model.StateActive {
		t.Fatalf("expected StateActive via self-approve, got %s (history: %v, lastError: %s)", n.State(), states, n.LastError())
	}
	if pairCalls != 0 {
		t.Fatalf("self-approve must never call /api/device/pair, got %d calls", pairCalls)
	}
	if approveCalls == 0 {
		t.Fatal("expected at least one approve call")
	}
}

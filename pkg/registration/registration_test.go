package registration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgewan/agentcore/pkg/clock"
	"github.com/edgewan/agentcore/pkg/creds"
	"github.com/edgewan/agentcore/pkg/hubclient"
)

func newManager(t *testing.T, handler http.HandlerFunc, cfg Config) (*Manager, *creds.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := hubclient.New(hubclient.Config{BaseURL: srv.URL, DisableTimeSync: true})
	if err != nil {
		t.Fatalf("hubclient.New: %v", err)
	}
	store := creds.New(nil)
	return New(client, store, cfg, clock.NewRegisterLadder()), store
}

func TestRegisterBySlotSuccessCommitsAndFiresOnce(t *testing.T) {
	calls := 0
	m, store := newManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]string{
			"node_id":         "n-1",
			"node_auth_token": "tok-1",
			"tunnel_url":      "wss://hub/ws/tunnel",
		})
	}, Config{SlotID: "slot-1", LoginToken: "login-1", PreferRegisterBySlot: true})

	fired := 0
	m.OnRegistered = func() { fired++ }

	if err := m.Attempt(context.Background()); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if !store.IsRegistered() {
		t.Fatal("expected registered")
	}
	if fired != 1 {
		t.Fatalf("expected OnRegistered to fire exactly once, got %d", fired)
	}

	// Idempotent: already registered, Attempt is a no-op and does not re-call the hub.
	if err := m.Attempt(context.Background()); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one hub call, got %d", calls)
	}
	if fired != 1 {
		t.Fatalf("OnRegistered should not re-fire, got %d", fired)
	}
}

func TestRegisterSoftFailureLeavesUnregistered(t *testing.T) {
	m, store := newManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, Config{SlotID: "slot-1", LoginToken: "login-1", PreferRegisterBySlot: true})

	if err := m.Attempt(context.Background()); err == nil {
		t.Fatal("expected soft failure error")
	}
	if store.IsRegistered() {
		t.Fatal("failure must not register")
	}
}

func TestRegisterByPairingUsesInternalKeyHeader(t *testing.T) {
	var gotKey string
	m, store := newManager(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Internal-Key")
		json.NewEncoder(w).Encode(map[string]string{
			"node_id":         "n-2",
			"node_auth_token": "tok-2",
		})
	}, Config{SlotID: "slot-1", PairingCode: "pair-1", PreferRegisterBySlot: false, InternalKey: "secret-key"})

	if err := m.Attempt(context.Background()); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if gotKey != "secret-key" {
		t.Fatalf("expected X-Internal-Key header to be forwarded, got %q", gotKey)
	}
	if !store.IsRegistered() {
		t.Fatal("expected registered")
	}
}

// TestAttemptFallsBackToOtherMethodWithinSameCall pins spec.md §4.4 "tried
// in an order": when both methods have their prerequisites configured, a
// failure of the preferred one falls back to the other in the same call.
func TestAttemptFallsBackToOtherMethodWithinSameCall(t *testing.T) {
	var slotCalls, pairingCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/nodes/register_by_slot":
			slotCalls++
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/api/nodes/register":
			pairingCalls++
			json.NewEncoder(w).Encode(map[string]string{
				"node_id":         "n-3",
				"node_auth_token": "tok-3",
			})
		}
	}))
	t.Cleanup(srv.Close)
	client, err := hubclient.New(hubclient.Config{BaseURL: srv.URL, DisableTimeSync: true})
	if err != nil {
		t.Fatalf("hubclient.New: %v", err)
	}
	store := creds.New(nil)
	m := New(client, store, Config{
		SlotID: "slot-1", LoginToken: "login-1", PairingCode: "pair-1", PreferRegisterBySlot: true,
	}, clock.NewRegisterLadder())

	if err := m.Attempt(context.Background()); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if slotCalls != 1 || pairingCalls != 1 {
		t.Fatalf("expected one call to each endpoint, got slot=%d pairing=%d", slotCalls, pairingCalls)
	}
	if !store.IsRegistered() {
		t.Fatal("expected registered via the fallback method")
	}
}

// TestAttemptSkipsMethodWithoutPrerequisites ensures a method whose fields
// were never configured is not attempted, even as a fallback.
func TestAttemptSkipsMethodWithoutPrerequisites(t *testing.T) {
	var slotCalls int
	m, store := newManager(t, func(w http.ResponseWriter, r *http.Request) {
		slotCalls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}, Config{SlotID: "slot-1", LoginToken: "login-1", PreferRegisterBySlot: true})

	if err := m.Attempt(context.Background()); err == nil {
		t.Fatal("expected an error, since no method succeeded")
	}
	if slotCalls != 1 {
		t.Fatalf("expected exactly one call to register_by_slot, got %d", slotCalls)
	}
	if store.IsRegistered() {
		t.Fatal("must not register")
	}
}

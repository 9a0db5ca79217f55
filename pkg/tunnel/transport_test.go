package tunnel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgewan/agentcore/pkg/model"
)

func newEchoHubServer(t *testing.T, onMessage func(*websocket.Conn, []byte)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
				onMessage(conn, data)
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURLFor(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, tr *Transport, kind EventKind) Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		if ev.Kind != kind {
			t.Fatalf("expected event kind %d, got %d (err=%v)", kind, ev.Kind, ev.Err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event kind %d", kind)
		return Event{}
	}
}

func TestConnectAndRegisterAck(t *testing.T) {
	srv := newEchoHubServer(t, func(conn *websocket.Conn, data []byte) {
		var frame model.RegisterFrame
		if json.Unmarshal(data, &frame) == nil && frame.Action == "register" {
			conn.WriteJSON(model.RegisterAck{Type: "register_ack", Status: "ok"})
		}
	})

	tr := New()
	tr.Connect(wsURLFor(srv), "tok")
	waitFor(t, tr, EventConnected)

	if err := tr.SendRegister(model.RegisterFrame{NodeID: "n-1"}); err != nil {
		t.Fatalf("send register: %v", err)
	}
	ack := waitFor(t, tr, EventRegisterAck)
	if ack.RegisterAck.Status != "ok" {
		t.Fatalf("unexpected ack: %+v", ack.RegisterAck)
	}

	// Register frame is sent exactly once per lifetime.
	if err := tr.SendRegister(model.RegisterFrame{NodeID: "n-1"}); err != nil {
		t.Fatalf("second send register: %v", err)
	}
	select {
	case ev := <-tr.Events():
		t.Fatalf("expected no second register_ack, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisconnectIsDeferred(t *testing.T) {
	srv := newEchoHubServer(t, func(conn *websocket.Conn, data []byte) {
		conn.Close() // hub drops the connection immediately after any message
	})

	tr := New()
	tr.Connect(wsURLFor(srv), "")
	waitFor(t, tr, EventConnected)

	if err := tr.SendPing(); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	waitFor(t, tr, EventDisconnected)

	if tr.IsConnected() {
		t.Fatal("connected flag should have flipped on disconnect")
	}

	if !tr.HandleDeferredDisconnect() {
		t.Fatal("expected a pending disconnect to be handled")
	}
	if tr.HandleDeferredDisconnect() {
		t.Fatal("deferred disconnect should only fire once")
	}
}

// TestMarkRegisteredStartsKeepaliveClock pins spec.md §4.6 "every 25s after a
// successful register_ack": the keepalive clock must start there, not only
// once the first ping is actually sent.
func TestMarkRegisteredStartsKeepaliveClock(t *testing.T) {
	tr := New()
	if !tr.DueForKeepalive(time.Now()) {
		t.Fatal("with no ping and no register yet, keepalive should be due")
	}

	tr.MarkRegistered()
	if tr.DueForKeepalive(time.Now()) {
		t.Fatal("immediately after register_ack, keepalive should not be due yet")
	}
	if !tr.DueForKeepalive(time.Now().Add(KeepaliveInterval + time.Second)) {
		t.Fatal("expected keepalive due once the full interval has elapsed")
	}
}

func TestResolveWSURLUsesOverride(t *testing.T) {
	endpoint := model.NewHubEndpoint("https://hub.example.com", "", model.TLSPolicy{})
	u, err := ResolveWSURL(endpoint, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u != "wss://hub.example.com/ws/tunnel" {
		t.Fatalf("unexpected derived url: %s", u)
	}

	u2, err := ResolveWSURL(endpoint, "wss://override.example.com/custom")
	if err != nil {
		t.Fatalf("resolve override: %v", err)
	}
	if u2 != "wss://override.example.com/custom" {
		t.Fatalf("expected override to win, got %s", u2)
	}
}

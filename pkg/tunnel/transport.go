// Package tunnel implements the Tunnel Transport (spec.md §4.6): a single
// WebSocket connection to the hub, register/keepalive framing, and the
// deferred-disconnect pattern required because freeing the connection
// from inside its own read callback is unsafe (spec.md §9).
//
// The reader goroutine only ever enqueues events onto a channel; it never
// mutates node state directly, since freeing or touching shared state from
// inside the read callback is unsafe while the tick thread may be using it.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgewan/agentcore/pkg/model"
)

// KeepaliveInterval is the ping cadence after a successful register_ack
// (spec.md §4.6 "Keepalive").
const KeepaliveInterval = 25 * time.Second

type EventKind int

const (
	EventConnected EventKind = iota
	EventConnectFailed
	EventDisconnected
	EventRegisterAck
	EventMessage
)

// Event is pushed by the background reader goroutine and drained by the
// tick loop; it is the only channel through which the reader communicates.
type Event struct {
	Kind        EventKind
	Err         error
	RegisterAck model.RegisterAck
	Raw         []byte
}

// Transport owns at most one websocket.Conn (spec.md §5 "the WS client is
// singular; a second concurrent tunnel is a protocol violation").
type Transport struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	events chan Event

	connecting        atomic.Bool
	connected         atomic.Bool
	pendingDisconnect atomic.Bool
	registerSent      atomic.Bool

	lastPingAt time.Time
}

func New() *Transport {
	return &Transport{events: make(chan Event, 64)}
}

// Events returns the channel the tick loop drains non-blockingly.
func (t *Transport) Events() <-chan Event { return t.events }

func (t *Transport) IsConnected() bool { return t.connected.Load() }

// Connect dials wsURL in a background goroutine so the tick thread never
// blocks on the handshake; results arrive as EventConnected/EventConnectFailed.
// Authorization is set as a header before the dial, matching spec.md §4.6
// ("set Authorization header before event binding; do not rely on the
// library's auto-reconnect").
func (t *Transport) Connect(wsURL, sessionToken string) {
	if t.connecting.Swap(true) {
		return // a dial is already in flight
	}
	t.registerSent.Store(false)
	go t.dial(wsURL, sessionToken)
}

func (t *Transport) dial(wsURL, sessionToken string) {
	defer t.connecting.Store(false)

	header := http.Header{}
	if sessionToken != "" {
		header.Set("Authorization", "Bearer "+sessionToken)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 12 * time.Second}
	conn, _, err := dialer.Dial(wsURL, header)
	if err != nil {
		t.enqueue(Event{Kind: EventConnectFailed, Err: fmt.Errorf("tunnel: dial %s: %w", wsURL, err)})
		return
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.connected.Store(true)
	t.enqueue(Event{Kind: EventConnected})
	go t.readLoop(conn)
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.connected.Store(false)
			t.pendingDisconnect.Store(true)
			t.enqueue(Event{Kind: EventDisconnected, Err: err})
			return
		}

		var env model.Envelope
		if json.Unmarshal(data, &env) == nil && env.Type == "register_ack" {
			var ack model.RegisterAck
			if err := json.Unmarshal(data, &ack); err == nil {
				t.enqueue(Event{Kind: EventRegisterAck, RegisterAck: ack})
				continue
			}
		}
		t.enqueue(Event{Kind: EventMessage, Raw: append([]byte(nil), data...)})
	}
}

// enqueue never blocks: an overwhelmed event queue logs and drops rather
// than stalling the reader goroutine (spec.md §5, generalized to Go: the
// reader must never block the tick thread it feeds).
func (t *Transport) enqueue(e Event) {
	select {
	case t.events <- e:
	default:
		log.Printf("tunnel: event queue full, dropping event kind=%d", e.Kind)
	}
}

// SendRegister sends the register frame exactly once per WS lifetime
// (spec.md §4.7 "Register frame").
func (t *Transport) SendRegister(frame model.RegisterFrame) error {
	if t.registerSent.Swap(true) {
		return nil
	}
	frame.Action = "register"
	return t.send(frame)
}

// SendPing emits the keepalive ping (spec.md §4.6).
func (t *Transport) SendPing() error {
	t.lastPingAt = time.Now()
	return t.send(model.PingFrame{Type: "ping"})
}

// MarkRegistered starts the keepalive clock at register_ack success, so the
// first ping fires a full KeepaliveInterval later instead of immediately
// (spec.md §4.6; mirrors the original source's ws_last_heartbeat_ms_ being
// set at the same point sendRegisterFrame() succeeds).
func (t *Transport) MarkRegistered() {
	t.lastPingAt = time.Now()
}

// SendJSON writes an arbitrary JSON frame, used by the stream multiplexor
// to emit HTTP_RES / data frames.
func (t *Transport) SendJSON(v interface{}) error {
	return t.send(v)
}

func (t *Transport) send(v interface{}) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("tunnel: send on closed connection")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("tunnel: marshal frame: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("tunnel: send on closed connection")
	}
	return t.conn.WriteMessage(websocket.TextMessage, raw)
}

// DueForKeepalive reports whether KeepaliveInterval has elapsed since the
// last ping or MarkRegistered call. With neither recorded (or after a
// deferred disconnect cleared the clock) it reports true immediately.
func (t *Transport) DueForKeepalive(now time.Time) bool {
	if t.lastPingAt.IsZero() {
		return true
	}
	return now.Sub(t.lastPingAt) >= KeepaliveInterval
}

// HandleDeferredDisconnect performs the actual teardown queued by the
// reader goroutine. It must only be called from the tick thread (spec.md
// §4.6 "Crucial safety rule" / §9 "Deferred-disconnect flag").
func (t *Transport) HandleDeferredDisconnect() bool {
	if !t.pendingDisconnect.Swap(false) {
		return false
	}
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	t.connected.Store(false)
	t.registerSent.Store(false)
	t.lastPingAt = time.Time{}
	return true
}

// Close tears the transport down immediately, for shutdown paths outside
// the normal deferred-disconnect flow.
func (t *Transport) Close(ctx context.Context) {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(2 * time.Second)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = conn.Close()
	t.connected.Store(false)
}

// Package node implements the Scheduler / State Machine (spec.md §4.8, C8):
// the loopTick driver that sequences the credential store, hub client,
// registration, session, tunnel, and stream components.
package node

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/edgewan/agentcore/pkg/clock"
	"github.com/edgewan/agentcore/pkg/config"
	"github.com/edgewan/agentcore/pkg/creds"
	"github.com/edgewan/agentcore/pkg/handler"
	"github.com/edgewan/agentcore/pkg/hubclient"
	"github.com/edgewan/agentcore/pkg/model"
	"github.com/edgewan/agentcore/pkg/registration"
	"github.com/edgewan/agentcore/pkg/session"
	"github.com/edgewan/agentcore/pkg/stream"
	"github.com/edgewan/agentcore/pkg/tunnel"
)

// Callbacks mirror the external hooks of spec.md §4.8/§9 plus the
// supplemented status hooks of SPEC_FULL.md §7.
type Callbacks struct {
	OnStateChange func(old, next model.NodeState)
	OnError       func(msg string)
	OnHeartbeat   func()
}

// Node owns every component below C8 in the dependency order of spec.md
// §2 (C1 ← C2 ← C3 ← {C4, C5} ← C6 ← C7 ← C8).
type Node struct {
	cfg      config.Config
	identity model.NodeIdentity
	endpoint model.HubEndpoint

	clock *clock.Clock
	store *creds.Store

	client       *hubclient.Client
	registration *registration.Manager
	session      *session.Manager
	tunnel       *tunnel.Transport
	mux          *stream.Multiplexor

	cb Callbacks

	state     model.NodeState
	lastError string

	netLadder    *clock.GeometricLadder
	hubLadder    *clock.GeometricLadder
	tunnelLadder *clock.DiscreteLadder

	nextHelloAt        uint64
	nextPairAt         uint64
	nextPollAt         uint64
	nextHeartbeatAt    uint64
	nextCommandPollAt  uint64
	nextTunnelConnAt   uint64
	startedAt          uint64
	tunnelConnectInFly bool
}

// New constructs a Node. An invalid config enters the permanent ERROR
// state at construction, per spec.md §7 "ConfigMissing".
func New(cfg config.Config, cb Callbacks) *Node {
	n := &Node{cfg: cfg, cb: cb, clock: clock.New()}
	n.startedAt = n.clock.NowMS()

	if err := cfg.Validate(); err != nil {
		n.lastError = err.Error()
		n.state = model.StateError
		if cb.OnError != nil {
			cb.OnError(err.Error())
		}
		return n
	}

	n.identity = resolveIdentity(cfg)
	n.endpoint = model.NewHubEndpoint(cfg.HubBaseURL, cfg.WSTunnelPath, model.TLSPolicy{
		Insecure: cfg.AllowInsecureTLS,
		CAPEM:    cfg.RootCAPEM,
	})

	persist := creds.NewPersister(cfg.CredentialDBPath)
	n.store = creds.New(persist)

	client, err := hubclient.New(hubclient.Config{
		BaseURL:         cfg.HubBaseURL,
		TLS:             n.endpoint.TLS,
		SNTPServer:      cfg.SNTPServer,
		DisableTimeSync: cfg.DisableTimeSync,
	})
	if err != nil {
		n.lastError = err.Error()
		n.state = model.StateError
		if cb.OnError != nil {
			cb.OnError(err.Error())
		}
		return n
	}
	n.client = client

	n.netLadder = clock.NewNetLadder()
	n.hubLadder = clock.NewHubLadder()
	n.tunnelLadder = clock.NewTunnelLadder(time.Duration(cfg.TunnelReconnectMS) * time.Millisecond)

	n.registration = registration.New(client, n.store, registration.Config{
		SlotID:               cfg.SlotID,
		LoginToken:           cfg.LoginToken,
		PairingCode:          cfg.PairingCode,
		MachineID:            n.identity.MachineID,
		NodeName:             n.identity.NodeName,
		Platform:             cfg.Platform,
		AgentVersion:         cfg.AgentVersion,
		InternalKey:          cfg.InternalKey,
		PreferRegisterBySlot: cfg.PreferRegisterBySlot,
	}, clock.NewRegisterLadderWithFloor(time.Duration(cfg.RegisterRetryMS)*time.Millisecond))

	n.session = session.New(client, n.store, &n.identity, session.Config{
		SlotID:                   cfg.SlotID,
		FirmwareVersion:          cfg.FirmwareVersion,
		Platform:                 cfg.Platform,
		SendReconnectHintInHello: cfg.SendReconnectHintInHello,
		HeartbeatIntervalMS:      cfg.HeartbeatIntervalMS,
		EnableCommandPolling:     cfg.EnableCommandPolling,
		CommandPollIntervalMS:    cfg.EffectiveCommandPollIntervalMS(),
		EnableSelfApprove:        cfg.EnableSelfApprove,
		ApproveEndpointPath:      cfg.ApproveEndpointPath,
		SessionEndpointPath:      cfg.SessionEndpointPath,
	})

	n.tunnel = tunnel.New()
	router := handler.Chain{handler.BuiltinRouter{NodeID: cfg.SlotID, Uptime: n.Uptime}}
	n.mux = stream.NewWithLimit(n.tunnel, router, cfg.MaxTunnelBodyBytes)

	n.state = model.StateBoot
	return n
}

// SetExternalHandler prepends an external router ahead of the built-in one
// (spec.md §4.7 "if an external on_request handler is registered... its
// response is used; otherwise a built-in router answers").
func (n *Node) SetExternalHandler(r handler.Router) {
	router := handler.Chain{r, handler.BuiltinRouter{NodeID: n.cfg.SlotID, Uptime: n.Uptime}}
	n.mux = stream.NewWithLimit(n.tunnel, router, n.cfg.MaxTunnelBodyBytes)
}

func (n *Node) State() model.NodeState { return n.state }
func (n *Node) LastError() string      { return n.lastError }
func (n *Node) Uptime() time.Duration {
	return time.Duration(n.clock.NowMS()-n.startedAt) * time.Millisecond
}

func (n *Node) setState(s model.NodeState) {
	if s == n.state {
		return
	}
	old := n.state
	n.state = s
	if n.cb.OnStateChange != nil {
		n.cb.OnStateChange(old, s)
	}
}

func (n *Node) setError(msg string) {
	if msg == n.lastError {
		return
	}
	n.lastError = msg
	if n.cb.OnError != nil {
		n.cb.OnError(msg)
	}
}

// Run drives Tick at cfg.TickInterval until ctx is cancelled (the hosted
// equivalent of the embedder repeatedly calling loop_tick(), spec.md §5).
func (n *Node) Run(ctx context.Context) {
	interval := time.Duration(n.cfg.TickInterval) * time.Millisecond
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n.tunnel.Close(context.Background())
			return
		case <-ticker.C:
			n.Tick(ctx)
		}
	}
}

// Tick implements the five-step loop of spec.md §4.8.
func (n *Node) Tick(ctx context.Context) {
	if n.state == model.StateError && n.client == nil {
		return // permanent ConfigMissing error, nothing to do ever again
	}
	now := n.clock.NowMS()

	// (1) ensure Wi-Fi: link-layer association is an external collaborator
	// this module doesn't manage (spec.md §1 "out of scope").

	// (2) poll the WS client: drain queued events without blocking.
	n.drainTunnelEvents(ctx, now)

	// (3) process deferred disconnect.
	if n.tunnel.HandleDeferredDisconnect() {
		n.mux.Reset()
		if n.state == model.StateTunnelConnecting || n.state == model.StateTunnelConnected {
			n.setState(model.StateActive)
		}
		n.nextTunnelConnAt = now + uint64(n.tunnelLadder.Next().Milliseconds())
	}

	// (4) ACTIVE* recurring work: heartbeat, command poll, tunnel connect/keepalive.
	if n.state.IsActive() {
		n.runActiveClocks(ctx, now)
	}

	// (5) dispatch the state-specific action if its clock is due.
	n.dispatchState(ctx, now)
}

func (n *Node) runActiveClocks(ctx context.Context, now uint64) {
	if !n.store.HasSession(now) {
		n.store.ClearSession()
		n.setState(model.StateHello)
		return
	}

	if now >= n.nextHeartbeatAt {
		n.nextHeartbeatAt = now + n.cfg.HeartbeatIntervalMS
		status, err := n.session.Heartbeat(ctx, now, uint64(n.Uptime().Milliseconds()), 0, currentFreeHeap(), "")
		if err != nil {
			n.setError(err.Error())
		} else if status == 401 || status == 403 {
			n.setState(model.StateHello)
			return
		} else if n.cb.OnHeartbeat != nil {
			n.cb.OnHeartbeat()
		}
	}

	if n.cfg.EnableCommandPolling && now >= n.nextCommandPollAt {
		n.nextCommandPollAt = now + n.cfg.EffectiveCommandPollIntervalMS()
		if err := n.session.PullCommands(ctx, nil); err != nil {
			n.setError(err.Error())
		}
	}

	if n.cfg.EnableTunnel {
		n.runTunnelClock(now)
	}
}

func (n *Node) runTunnelClock(now uint64) {
	switch n.state {
	case model.StateActive:
		if now >= n.nextTunnelConnAt {
			n.setState(model.StateTunnelConnecting)
			n.startTunnelConnect(now)
		}
	case model.StateTunnelConnected:
		if n.tunnel.DueForKeepalive(time.Now()) {
			if err := n.tunnel.SendPing(); err != nil {
				n.setError(err.Error())
			}
		}
	}
}

func (n *Node) startTunnelConnect(now uint64) {
	if n.tunnelConnectInFly {
		return
	}
	creds := n.store.Snapshot()
	wsURL, err := tunnel.ResolveWSURL(n.endpoint, creds.TunnelURL)
	if err != nil {
		n.setError(err.Error())
		n.setState(model.StateActive)
		n.nextTunnelConnAt = now + uint64(n.tunnelLadder.Next().Milliseconds())
		return
	}
	n.tunnelConnectInFly = true
	n.tunnel.Connect(wsURL, creds.SessionToken)
}

func (n *Node) drainTunnelEvents(ctx context.Context, now uint64) {
	for {
		select {
		case ev := <-n.tunnel.Events():
			n.handleTunnelEvent(ctx, now, ev)
		default:
			return
		}
	}
}

func (n *Node) handleTunnelEvent(ctx context.Context, now uint64, ev tunnel.Event) {
	switch ev.Kind {
	case tunnel.EventConnected:
		n.tunnelConnectInFly = false
		n.tunnelLadder.Reset()
		creds := n.store.Snapshot()
		frame := model.RegisterFrame{
			NodeID:    creds.NodeID,
			SlotID:    n.cfg.SlotID,
			MachineID: n.identity.MachineID,
			Version:   n.cfg.AgentVersion,
			Platform:  n.cfg.Platform,
			Timestamp: time.Now().Unix(),
		}
		if err := n.tunnel.SendRegister(frame); err != nil {
			n.setError(err.Error())
		}
	case tunnel.EventConnectFailed:
		n.tunnelConnectInFly = false
		n.setError(ev.Err.Error())
		n.setState(model.StateActive)
		n.nextTunnelConnAt = now + uint64(n.tunnelLadder.Next().Milliseconds())
	case tunnel.EventRegisterAck:
		n.handleRegisterAck(ev.RegisterAck)
	case tunnel.EventMessage:
		if err := n.mux.HandleMessage(ev.Raw); err != nil {
			n.setError(err.Error())
		}
	}
	_ = ctx
}

func (n *Node) handleRegisterAck(ack model.RegisterAck) {
	if ack.Status == "ok" {
		n.tunnel.MarkRegistered()
		n.setState(model.StateTunnelConnected)
		return
	}
	switch ack.Reason {
	case "MISSING_AUTH_TOKEN", "SESSION_TOKEN_MISSING_SLOT_ID":
		n.store.ClearSession()
		n.setState(model.StateHello)
	default:
		n.setError(fmt.Sprintf("tunnel: register rejected: %s", ack.Reason))
		n.setState(model.StateActive)
	}
}

func (n *Node) dispatchState(ctx context.Context, now uint64) {
	switch n.state {
	case model.StateBoot:
		n.stepBoot(ctx, now)
	case model.StateHello:
		if now >= n.nextHelloAt {
			n.stepHello(ctx, now)
		}
	case model.StatePairSubmit:
		if now >= n.nextPairAt {
			n.stepPair(ctx, now)
		}
	case model.StatePendingPoll:
		if now >= n.nextPollAt {
			n.stepPoll(ctx, now)
		}
	case model.StateError:
		if now >= n.nextHelloAt {
			n.setState(model.StateHello)
		}
	}
}

func (n *Node) stepBoot(ctx context.Context, now uint64) {
	if !n.store.IsRegistered() && n.cfg.EnableNodeRegistration {
		if err := n.registration.Attempt(ctx); err != nil {
			log.Printf("node: registration attempt failed: %v", err)
		}
	}
	if n.store.Snapshot().SessionToken != "" {
		ok, status, err := n.session.Refresh(ctx)
		if err != nil {
			n.setError(err.Error())
		}
		if ok {
			n.setState(model.StateActive)
			return
		}
		if status == 401 || status == 410 {
			n.setState(model.StateHello)
			return
		}
	}
	n.setState(model.StateHello)
}

func (n *Node) stepHello(ctx context.Context, now uint64) {
	resp, status, err := n.session.Hello(ctx, n.cfg.SendReconnectHintInHello, bootReasonOnStart)
	if err != nil {
		// Transport-level failure (connect/timeout/oversized body): this is
		// spec.md §7's TransportConnect/TransportTimeout kind, which advances
		// the net ladder rather than the hub retry ladder.
		n.setError(err.Error())
		n.nextHelloAt = now + uint64(n.netLadder.Next().Milliseconds())
		return
	}
	switch resp.Status {
	case "DENIED":
		n.store.ClearSession()
		n.setError("hello denied by hub")
		n.nextHelloAt = now + uint64(n.hubLadder.Next().Milliseconds())
		return
	case "PENDING", "APPROVED":
		n.hubLadder.Reset()
		if n.store.Pairing().Active {
			n.nextPairAt = now
			n.setState(model.StatePairSubmit)
		} else {
			delay := resp.RetryAfterMS
			if delay == 0 {
				delay = 3000
			}
			n.nextPollAt = now + delay
			n.setState(model.StatePendingPoll)
		}
		return
	default:
		if status == 403 {
			n.nextHelloAt = now + uint64(n.hubLadder.Next().Milliseconds())
			return
		}
		n.nextHelloAt = now + uint64(n.hubLadder.Next().Milliseconds())
	}
}

func (n *Node) stepPair(ctx context.Context, now uint64) {
	if n.cfg.EnableSelfApprove {
		n.stepApprove(ctx, now)
		return
	}
	resp, status, err := n.session.Pair(ctx, now)
	if err != nil {
		n.setError(err.Error())
		n.nextPairAt = now + uint64(n.netLadder.Next().Milliseconds())
		return
	}
	if status == 410 {
		n.setState(model.StateHello)
		return
	}
	if resp.OK {
		n.hubLadder.Reset()
		n.setState(model.StateActive)
		return
	}
	n.nextPairAt = now + uint64(n.hubLadder.Next().Milliseconds())
}

// stepApprove submits the self-approve request in place of PAIR when
// cfg.EnableSelfApprove is set (spec.md §6 "/api/device/approve"; resolved
// Open Question (b) recorded in DESIGN.md).
func (n *Node) stepApprove(ctx context.Context, now uint64) {
	resp, status, err := n.session.Approve(ctx, now)
	if err != nil {
		n.setError(err.Error())
		delay := n.netLadder.Next()
		n.nextPairAt = now + uint64(delay.Milliseconds())
		return
	}
	if status == 410 {
		n.setState(model.StateHello)
		return
	}
	if resp.SessionToken != "" {
		n.hubLadder.Reset()
		n.setState(model.StateActive)
		return
	}
	delay := n.hubLadder.Next()
	if n.cfg.ApproveRetryMS > 0 {
		delay = time.Duration(n.cfg.ApproveRetryMS) * time.Millisecond
	}
	n.nextPairAt = now + uint64(delay.Milliseconds())
}

func (n *Node) stepPoll(ctx context.Context, now uint64) {
	resp, _, err := n.session.Poll(ctx, now)
	if err != nil {
		n.setError(err.Error())
		n.nextPollAt = now + uint64(n.netLadder.Next().Milliseconds())
		return
	}
	switch resp.Status {
	case "GRANTED":
		n.hubLadder.Reset()
		n.setState(model.StateActive)
	case "PENDING":
		delay := resp.RetryAfterMS
		if delay == 0 {
			delay = 3000
		}
		n.nextPollAt = now + delay
	case "DENIED":
		n.setError("session poll denied by hub")
		n.setState(model.StateError)
		n.nextHelloAt = now + uint64(n.hubLadder.Next().Milliseconds())
	}
}

// currentFreeHeap reports Go heap bytes in use, the hosted equivalent of
// the embedded firmware's free_heap telemetry field.
func currentFreeHeap() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

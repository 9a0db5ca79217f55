// Package session implements the Session Manager (spec.md §4.5): the
// hello -> pair/poll -> session -> active protocol plus heartbeat and
// command polling. It exposes one operation per hub endpoint; the caller
// (pkg/node, C8) owns the state machine and decides which operation is
// due on a given tick.
package session

import (
	"context"
	"fmt"
	"log"

	"github.com/edgewan/agentcore/pkg/creds"
	"github.com/edgewan/agentcore/pkg/hubclient"
	"github.com/edgewan/agentcore/pkg/model"
)

// Config mirrors the session-relevant configuration options (spec.md §6).
type Config struct {
	SlotID                   string
	FirmwareVersion          string
	Platform                 string
	SendReconnectHintInHello bool
	HeartbeatIntervalMS      uint64
	EnableCommandPolling     bool
	CommandPollIntervalMS    uint64

	// EnableSelfApprove routes PAIR_SUBMIT through Approve instead of Pair
	// (spec.md §6 "enable_self_approve", Open Question (b)); resolved in
	// DESIGN.md as: self-approve replaces PAIR entirely when enabled, since
	// config.Validate rejects enabling it alongside a configured
	// pairing_code, so the two flows never race in practice.
	EnableSelfApprove   bool
	ApproveEndpointPath string
	SessionEndpointPath string
}

// CommandHandler processes one pulled command and returns the status
// string sent back in the ack (spec.md §4.5 "commands/ack").
type CommandHandler func(cmd model.Command) string

type Manager struct {
	client   *hubclient.Client
	store    *creds.Store
	identity *model.NodeIdentity
	cfg      Config
}

func New(client *hubclient.Client, store *creds.Store, identity *model.NodeIdentity, cfg Config) *Manager {
	return &Manager{client: client, store: store, identity: identity, cfg: cfg}
}

func (m *Manager) deviceInfo() model.DeviceInfo {
	return model.DeviceInfo{Platform: m.cfg.Platform, Firmware: m.cfg.FirmwareVersion}
}

// Hello performs the HELLO call (spec.md §4.5). reconnect/bootReason are the
// supplemented reconnect hint (spec.md §7 / SPEC_FULL.md §7).
func (m *Manager) Hello(ctx context.Context, reconnect bool, bootReason string) (model.HelloResponse, int, error) {
	req := model.HelloRequest{
		SlotID:           m.cfg.SlotID,
		Nonce:            generateNonce(),
		Firmware:         m.cfg.FirmwareVersion,
		CapabilitiesHash: m.identity.CapabilitiesHash(),
		DeviceInfo:       m.deviceInfo(),
		BootReason:       bootReason,
	}
	if m.cfg.SendReconnectHintInHello {
		req.Reconnect = &reconnect
	}
	var resp model.HelloResponse
	status, err := m.client.PostJSON(ctx, "/api/device/hello", nil, req, &resp)
	if err != nil {
		return resp, status, fmt.Errorf("session: hello: %w", err)
	}
	if resp.PairingCode != "" {
		m.store.SetPairing(model.PairingState{
			PairingCode:      resp.PairingCode,
			PairingExpiresAt: resp.PairingExpiresAt,
			Active:           true,
		})
	}
	return resp, status, nil
}

// defaultSessionTTLMS is used where the hub response carries no explicit
// ttl_seconds (the PAIR endpoint's contract, spec.md §6).
const defaultSessionTTLMS = 3600 * 1000

// defaultSessionPath is used if Config.SessionEndpointPath was left empty.
const defaultSessionPath = "/api/device/session"

func (m *Manager) sessionPath() string {
	if m.cfg.SessionEndpointPath != "" {
		return m.cfg.SessionEndpointPath
	}
	return defaultSessionPath
}

// Approve submits the stored pairing code to the self-approve endpoint
// instead of PAIR (spec.md §6 "/api/device/approve", "enable_self_approve").
// Unlike PAIR it carries the device's mac address and yields a session
// directly, so a 2xx with a session_token commits ACTIVE in one round trip.
func (m *Manager) Approve(ctx context.Context, nowMS uint64) (model.ApproveResponse, int, error) {
	pairing := m.store.Pairing()
	req := model.ApproveRequest{
		SlotID:      m.cfg.SlotID,
		PairingCode: pairing.PairingCode,
		MAC:         m.identity.MAC,
		MachineID:   m.identity.MachineID,
		Firmware:    m.cfg.FirmwareVersion,
	}
	path := m.cfg.ApproveEndpointPath
	if path == "" {
		path = "/api/device/approve"
	}
	var resp model.ApproveResponse
	status, err := m.client.PostJSON(ctx, path, nil, req, &resp)
	if err != nil {
		return resp, status, fmt.Errorf("session: approve: %w", err)
	}
	if status == 410 {
		m.store.ClearPairing()
		return resp, status, nil
	}
	if resp.SessionToken != "" {
		m.store.ClearPairing()
		expiresAt := resp.ExpiresAt
		if expiresAt == 0 {
			expiresAt = nowMS + defaultSessionTTLMS
		}
		m.commitSession(resp.SessionToken, expiresAt, resp.NodeID, resp.RegisterToken, resp.TunnelURL)
	}
	return resp, status, nil
}

// Pair submits the stored pairing code (spec.md §4.5 "PAIR"). nowMS is
// used to derive session_expires_at_ms since PAIR's response carries no
// explicit ttl.
func (m *Manager) Pair(ctx context.Context, nowMS uint64) (model.PairResponse, int, error) {
	pairing := m.store.Pairing()
	req := model.PairRequest{
		SlotID:      m.cfg.SlotID,
		PairingCode: pairing.PairingCode,
		Firmware:    m.cfg.FirmwareVersion,
		DeviceInfo:  m.deviceInfo(),
	}
	var resp model.PairResponse
	status, err := m.client.PostJSON(ctx, "/api/device/pair", nil, req, &resp)
	if err != nil {
		return resp, status, fmt.Errorf("session: pair: %w", err)
	}
	if status == 410 {
		m.store.ClearPairing()
		return resp, status, nil
	}
	if resp.OK {
		m.store.ClearPairing()
		m.commitSession(resp.SessionToken, nowMS+defaultSessionTTLMS, resp.NodeID, resp.NodeToken, resp.TunnelURL)
	}
	return resp, status, nil
}

// Poll performs one SESSION POLL call (spec.md §4.5 "SESSION POLL").
func (m *Manager) Poll(ctx context.Context, nowMS uint64) (model.SessionPollResponse, int, error) {
	req := model.SessionPollRequest{SlotID: m.cfg.SlotID, Nonce: generateNonce()}
	var resp model.SessionPollResponse
	status, err := m.client.PostJSON(ctx, m.sessionPath(), nil, req, &resp)
	if err != nil {
		return resp, status, fmt.Errorf("session: poll: %w", err)
	}
	switch resp.Status {
	case "GRANTED":
		ttl := resp.TTLSeconds
		if ttl == 0 {
			ttl = 3600
		}
		m.store.SetSession(resp.SessionToken, nowMS+ttl*1000)
		if resp.TunnelURL != "" {
			m.store.SetTunnelURL(resp.TunnelURL)
		}
	case "DENIED":
		m.store.ClearSession()
		m.store.ClearPairing()
	}
	return resp, status, nil
}

// Refresh attempts to resume a persisted session_token without a fresh
// HELLO (spec.md §4.5 "SESSION REFRESH"). ok=true means the caller may
// skip straight to ACTIVE.
func (m *Manager) Refresh(ctx context.Context) (ok bool, statusForError int, err error) {
	creds := m.store.Snapshot()
	if creds.SessionToken == "" {
		return false, 0, nil
	}
	req := model.SessionPollRequest{SlotID: m.cfg.SlotID, SessionToken: creds.SessionToken}
	var resp model.SessionPollResponse
	status, err := m.client.PostJSON(ctx, m.sessionPath(), nil, req, &resp)
	if err != nil {
		return false, status, fmt.Errorf("session: refresh: %w", err)
	}
	if status == 401 || status == 403 || status == 410 {
		m.store.ClearSession()
		return false, status, nil
	}
	if resp.Status != "GRANTED" {
		return false, status, nil
	}
	if resp.TunnelURL != "" {
		m.store.SetTunnelURL(resp.TunnelURL)
	}
	return true, status, nil
}

func (m *Manager) commitSession(token string, expiresAtMS uint64, nodeID, nodeToken, tunnelURL string) {
	snap := m.store.Snapshot()
	m.store.SetSession(token, expiresAtMS)
	switch {
	case nodeID != "":
		effToken := nodeToken
		if effToken == "" {
			effToken = snap.NodeAuthToken
		}
		m.store.SetRegistration(nodeID, effToken, tunnelURL)
	case tunnelURL != "":
		m.store.SetTunnelURL(tunnelURL)
	}
}

// Heartbeat sends one heartbeat and extends session_expires_at_ms if the
// hub returns a ttl_seconds (spec.md §4.5 "HEARTBEAT").
func (m *Manager) Heartbeat(ctx context.Context, nowMS, uptimeMS uint64, rssi int, freeHeap uint64, ledState string) (int, error) {
	req := model.HeartbeatRequest{
		SlotID:           m.cfg.SlotID,
		Nonce:            generateNonce(),
		Firmware:         m.cfg.FirmwareVersion,
		UptimeMS:         uptimeMS,
		RSSI:             rssi,
		FreeHeap:         freeHeap,
		CapabilitiesHash: m.identity.CapabilitiesHash(),
		LEDState:         ledState,
	}
	headers := m.bearerHeaders()
	var resp model.HeartbeatResponse
	status, err := m.client.PostJSON(ctx, "/api/device/heartbeat", headers, req, &resp)
	if err != nil {
		return status, fmt.Errorf("session: heartbeat: %w", err)
	}
	if status == 401 || status == 403 {
		m.store.ClearSession()
		return status, nil
	}
	if resp.TTLSeconds > 0 {
		m.store.SetSession(m.store.Snapshot().SessionToken, nowMS+resp.TTLSeconds*1000)
	}
	return status, nil
}

// PullCommands fetches pending commands and acks each with the handler's
// returned status (spec.md §4.5 "COMMAND PULL").
func (m *Manager) PullCommands(ctx context.Context, handle CommandHandler) error {
	req := model.CommandsPullRequest{SlotID: m.cfg.SlotID, Nonce: generateNonce()}
	headers := m.bearerHeaders()
	var resp model.CommandsPullResponse
	status, err := m.client.PostJSON(ctx, "/api/device/commands/pull", headers, req, &resp)
	if err != nil {
		return fmt.Errorf("session: commands pull: %w", err)
	}
	if status != 200 {
		return nil
	}
	for _, cmd := range resp.Commands {
		result := "handled"
		if handle != nil {
			result = handle(cmd)
		}
		ack := model.CommandAckRequest{
			SlotID:    m.cfg.SlotID,
			CommandID: cmd.ID,
			Nonce:     generateNonce(),
			Status:    result,
		}
		if _, err := m.client.PostJSON(ctx, "/api/device/commands/ack", headers, ack, nil); err != nil {
			log.Printf("session: command ack %s failed: %v", cmd.ID, err)
		}
	}
	return nil
}

func (m *Manager) bearerHeaders() map[string]string {
	token := m.store.Snapshot().SessionToken
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

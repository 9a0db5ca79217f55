// Package registration implements Registration/Pairing (spec.md §4.4):
// obtaining node_id + node_auth_token via the register-by-slot or
// register-by-pairing hub endpoint.
package registration

import (
	"context"
	"fmt"
	"log"

	"github.com/edgewan/agentcore/pkg/clock"
	"github.com/edgewan/agentcore/pkg/creds"
	"github.com/edgewan/agentcore/pkg/hubclient"
	"github.com/edgewan/agentcore/pkg/model"
)

// Config mirrors the registration-relevant subset of the node's
// configuration options (spec.md §6).
type Config struct {
	SlotID               string
	LoginToken           string
	PairingCode          string
	MachineID            string
	NodeName             string
	Platform             string
	AgentVersion         string
	InternalKey          string
	PreferRegisterBySlot bool
}

// Manager drives the two mutually-exclusive registration flows and
// writes their result into the shared credential store.
type Manager struct {
	client *hubclient.Client
	store  *creds.Store
	cfg    Config
	ladder clock.Ladder

	// OnRegistered fires exactly once, the first time registration
	// succeeds (spec.md §4.4 "register callback invoked exactly once").
	OnRegistered func()

	fired bool
}

func New(client *hubclient.Client, store *creds.Store, cfg Config, ladder clock.Ladder) *Manager {
	return &Manager{client: client, store: store, cfg: cfg, ladder: ladder}
}

// Attempt tries the configured primary flow and, if it fails or its
// prerequisites are absent, falls back to the other flow within the same
// call when that flow's own prerequisites are present (spec.md §4.4 "tried
// in an order"; mirrors the original source's registerNodeIfNeeded(), which
// tries register_by_slot and register_by_pairing in configured order and
// only advances to the next one on failure). Only after both are
// unattempted or both fail does the caller's register backoff ladder
// advance.
func (m *Manager) Attempt(ctx context.Context) error {
	if m.store.IsRegistered() {
		return nil
	}

	bySlotReady := m.cfg.LoginToken != "" && m.cfg.SlotID != ""
	byPairingReady := m.cfg.PairingCode != "" && m.cfg.SlotID != ""

	var attempted bool
	var err error
	if m.cfg.PreferRegisterBySlot {
		if bySlotReady {
			attempted = true
			err = m.registerBySlot(ctx)
		}
		if (!attempted || err != nil) && byPairingReady {
			attempted = true
			err = m.registerByPairing(ctx)
		}
	} else {
		if byPairingReady {
			attempted = true
			err = m.registerByPairing(ctx)
		}
		if (!attempted || err != nil) && bySlotReady {
			attempted = true
			err = m.registerBySlot(ctx)
		}
	}

	if !attempted {
		err = fmt.Errorf("registration: no registration method has its prerequisites configured")
	}
	if err != nil {
		m.ladder.Next()
		return err
	}
	m.ladder.Reset()
	return nil
}

func (m *Manager) registerBySlot(ctx context.Context) error {
	req := model.RegisterBySlotRequest{
		SlotID:     m.cfg.SlotID,
		LoginToken: m.cfg.LoginToken,
		MachineID:  m.cfg.MachineID,
		NodeName:   m.cfg.NodeName,
		Platform:   m.cfg.Platform,
		AgentVer:   m.cfg.AgentVersion,
	}
	var resp model.RegisterResponse
	status, err := m.client.PostJSON(ctx, "/api/nodes/register_by_slot", nil, req, &resp)
	if err != nil {
		return fmt.Errorf("registration: register_by_slot: %w", err)
	}
	if status != 200 && status != 201 {
		return fmt.Errorf("registration: register_by_slot soft failure, status=%d", status)
	}
	return m.commit(resp)
}

func (m *Manager) registerByPairing(ctx context.Context) error {
	headers := map[string]string{}
	if m.cfg.InternalKey != "" {
		headers["X-Internal-Key"] = m.cfg.InternalKey
	}
	req := model.RegisterByPairingRequest{
		SlotID:      m.cfg.SlotID,
		PairingCode: m.cfg.PairingCode,
		NodeInfo: model.RegisterNodeInfo{
			OS:      m.cfg.Platform,
			Arch:    "generic",
			Version: m.cfg.AgentVersion,
		},
	}
	var resp model.RegisterResponse
	status, err := m.client.PostJSON(ctx, "/api/nodes/register", headers, req, &resp)
	if err != nil {
		return fmt.Errorf("registration: register_by_pairing: %w", err)
	}
	if status != 200 && status != 201 {
		return fmt.Errorf("registration: register_by_pairing soft failure, status=%d", status)
	}
	return m.commit(resp)
}

// commit writes credentials atomically and fires OnRegistered exactly
// once (spec.md §4.4). A malformed response (missing node_id or token)
// is treated as a soft failure and never partially commits.
func (m *Manager) commit(resp model.RegisterResponse) error {
	if resp.NodeID == "" || resp.NodeAuthToken == "" {
		return fmt.Errorf("registration: response missing node_id/node_auth_token")
	}
	if !m.store.SetRegistration(resp.NodeID, resp.NodeAuthToken, resp.TunnelURL) {
		return fmt.Errorf("registration: response fields exceed stored credential caps")
	}
	if !m.fired {
		m.fired = true
		if m.OnRegistered != nil {
			m.OnRegistered()
		}
	}
	log.Printf("registration: node registered, node_id=%s", resp.NodeID)
	return nil
}

// Package creds implements the Credential Store (spec.md §3/§4.2): a
// mutable, write-once-per-handshake record with bound-checked setters and
// optional on-disk persistence across restarts.
package creds

import (
	"sync"

	"github.com/edgewan/agentcore/pkg/model"
)

// Store guards a model.Credentials with a mutex and enforces the length
// caps from spec.md §3. A write exceeding its cap is dropped silently,
// exactly as spec.md §4.2 requires ("fails silently... callers must not
// send unbounded input here").
type Store struct {
	mu    sync.Mutex
	creds model.Credentials
	pair  model.PairingState
	persist *Persister // nil when persistence is disabled
}

func New(persist *Persister) *Store {
	s := &Store{persist: persist}
	if persist != nil {
		if loaded, ok := persist.Load(); ok {
			s.creds = loaded
		}
	}
	return s
}

// Snapshot returns a copy of the current credentials.
func (s *Store) Snapshot() model.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

func (s *Store) Pairing() model.PairingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pair
}

func (s *Store) SetPairing(p model.PairingState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = p
}

func (s *Store) ClearPairing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = model.PairingState{}
}

// SetSession atomically writes session_token + expiry. Over-cap tokens are
// dropped (the call is a no-op).
func (s *Store) SetSession(token string, expiresAtMS uint64) {
	if len(token) > model.MaxSessionTokenBytes {
		return
	}
	s.mu.Lock()
	s.creds.SessionToken = token
	s.creds.SessionExpiresAtMS = expiresAtMS
	s.mu.Unlock()
	s.save()
}

// ClearSession clears token+expiry as a unit (spec.md §3 invariant).
func (s *Store) ClearSession() {
	s.mu.Lock()
	s.creds.ClearSession()
	s.mu.Unlock()
	s.save()
}

// SetRegistration atomically writes node_id + node_auth_token (+ optional
// tunnel_url), all three or none, per spec.md §4.4's registration contract.
// Over-cap fields cause the whole write to be dropped.
func (s *Store) SetRegistration(nodeID, nodeAuthToken, tunnelURL string) bool {
	if len(nodeID) > model.MaxNodeIDBytes || len(nodeAuthToken) > model.MaxNodeAuthTokenBytes || len(tunnelURL) > model.MaxTunnelURLBytes {
		return false
	}
	s.mu.Lock()
	s.creds.NodeID = nodeID
	s.creds.NodeAuthToken = nodeAuthToken
	if tunnelURL != "" {
		s.creds.TunnelURL = tunnelURL
	}
	s.mu.Unlock()
	s.save()
	return true
}

func (s *Store) SetTunnelURL(url string) {
	if len(url) > model.MaxTunnelURLBytes {
		return
	}
	s.mu.Lock()
	s.creds.TunnelURL = url
	s.mu.Unlock()
	s.save()
}

func (s *Store) HasSession(nowMS uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.SessionValid(nowMS)
}

func (s *Store) IsRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.IsRegistered()
}

func (s *Store) save() {
	if s.persist == nil {
		return
	}
	s.persist.Save(s.Snapshot())
}

package model

// Length caps from spec.md §3. Exceeding a cap drops the write silently;
// callers must not send unbounded input here (see pkg/creds.Store).
const (
	MaxSessionTokenBytes   = 255
	MaxNodeIDBytes         = 63
	MaxNodeAuthTokenBytes  = 127
	MaxTunnelURLBytes      = 191
	MaxPairingCodeBytes    = 63
	MaxLastErrorBytes      = 127
	MaxStreamIDBytes       = 63
	MaxStreamRequestBytes  = 4096
	MaxHubResponseBytes    = 2048
	MaxHubRequestHeadBytes = 512
)

// Credentials is mutable, write-once-per-handshake. Invariant:
// SessionToken == "" implies SessionExpiresAtMS == 0.
type Credentials struct {
	SessionToken       string
	SessionExpiresAtMS uint64
	NodeID             string
	NodeAuthToken      string
	TunnelURL          string
}

// HasSession reports whether a session token is currently held.
func (c Credentials) HasSession() bool {
	return c.SessionToken != ""
}

// SessionValid implements has_session() ∧ (expires_at==0 ∨ now < expires_at).
func (c Credentials) SessionValid(nowMS uint64) bool {
	if !c.HasSession() {
		return false
	}
	return c.SessionExpiresAtMS == 0 || nowMS < c.SessionExpiresAtMS
}

// ClearSession nulls the token and zeroes expiry together, as a unit.
func (c *Credentials) ClearSession() {
	c.SessionToken = ""
	c.SessionExpiresAtMS = 0
}

// IsRegistered reports whether node_id + node_auth_token were written by a
// successful registration.
func (c Credentials) IsRegistered() bool {
	return c.NodeID != "" && c.NodeAuthToken != ""
}

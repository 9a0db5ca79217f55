package model

// PairingState is transient: created by a HELLO response that returned a
// pairing code; cleared on a successful pair or approve, on HTTP 410 from
// either, and on a session-poll DENIED (see pkg/session). Failed attempts
// are not counted: other failures leave it in place.
type PairingState struct {
	PairingCode      string
	PairingExpiresAt uint64 // epoch ms; see SPEC_FULL.md §8(a)
	Active           bool
}

func (p PairingState) Valid() bool {
	return p.Active && p.PairingCode != ""
}

package creds

import (
	"strings"
	"testing"

	"github.com/edgewan/agentcore/pkg/model"
)

func TestSessionValidInvariant(t *testing.T) {
	s := New(nil)
	if s.HasSession(0) {
		t.Fatal("fresh store should have no session")
	}
	s.SetSession("tok", 1000)
	if !s.HasSession(500) {
		t.Fatal("session should be valid before expiry")
	}
	if s.HasSession(1500) {
		t.Fatal("session should be invalid after expiry")
	}
}

func TestClearSessionZeroesAsUnit(t *testing.T) {
	s := New(nil)
	s.SetSession("tok", 1000)
	s.ClearSession()
	snap := s.Snapshot()
	if snap.SessionToken != "" || snap.SessionExpiresAtMS != 0 {
		t.Fatalf("clear should zero both fields, got %+v", snap)
	}
}

func TestOverCapSessionTokenDropped(t *testing.T) {
	s := New(nil)
	huge := strings.Repeat("x", model.MaxSessionTokenBytes+1)
	s.SetSession(huge, 1000)
	if s.Snapshot().SessionToken != "" {
		t.Fatal("over-cap token should be dropped silently")
	}
}

func TestRegistrationAtomicWrite(t *testing.T) {
	s := New(nil)
	if !s.SetRegistration("node-1", "authtok", "") {
		t.Fatal("registration write should succeed")
	}
	if !s.IsRegistered() {
		t.Fatal("expected registered")
	}
}

func TestRegistrationOverCapRejectsWholeWrite(t *testing.T) {
	s := New(nil)
	huge := strings.Repeat("n", model.MaxNodeIDBytes+1)
	if s.SetRegistration(huge, "authtok", "") {
		t.Fatal("over-cap node id should reject the whole write")
	}
	if s.IsRegistered() {
		t.Fatal("no partial write should have landed")
	}
}

func TestIdempotentRegisterBySlotLeavesCredentialsIdentical(t *testing.T) {
	s := New(nil)
	s.SetRegistration("node-1", "authtok", "wss://hub/ws/tunnel")
	first := s.Snapshot()
	s.SetRegistration("node-1", "authtok", "wss://hub/ws/tunnel")
	second := s.Snapshot()
	if first != second {
		t.Fatalf("two identical registrations should leave credentials bit-identical: %+v vs %+v", first, second)
	}
}

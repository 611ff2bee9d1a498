package models

import (
	"testing"

	"github.com/google/uuid"
)

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Happy path
		{EscrowStatusInitiated, EscrowStatusHeld, true},
		{EscrowStatusHeld, EscrowStatusReleased, true},
		{EscrowStatusHeld, EscrowStatusRefunded, true},

		// Cancel / dispute paths
		{EscrowStatusInitiated, EscrowStatusRefunded, true},
		{EscrowStatusInitiated, EscrowStatusDisputed, true},
		{EscrowStatusHeld, EscrowStatusDisputed, true},
		{EscrowStatusDisputed, EscrowStatusReleased, true},
		{EscrowStatusDisputed, EscrowStatusRefunded, true},

		// Expiry
		{EscrowStatusInitiated, EscrowStatusExpired, true},
		{EscrowStatusHeld, EscrowStatusExpired, false},

		// Terminal states never move
		{EscrowStatusReleased, EscrowStatusRefunded, false},
		{EscrowStatusReleased, EscrowStatusHeld, false},
		{EscrowStatusRefunded, EscrowStatusReleased, false},
		{EscrowStatusRefunded, EscrowStatusHeld, false},
		{EscrowStatusExpired, EscrowStatusHeld, false},
		{EscrowStatusExpired, EscrowStatusInitiated, false},

		// No skipping capture
		{EscrowStatusInitiated, EscrowStatusReleased, false},

		// Unknown statuses
		{"nonexistent", EscrowStatusHeld, false},
		{EscrowStatusInitiated, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestIsTerminalStatus(t *testing.T) {
	terminal := []string{EscrowStatusReleased, EscrowStatusRefunded, EscrowStatusExpired}
	for _, s := range terminal {
		if !IsTerminalStatus(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []string{EscrowStatusInitiated, EscrowStatusHeld, EscrowStatusDisputed}
	for _, s := range nonTerminal {
		if IsTerminalStatus(s) {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestRoleOf(t *testing.T) {
	payer := uuid.New()
	payee := uuid.New()
	stranger := uuid.New()

	e := &Escrow{PayerID: payer}
	if got := e.RoleOf(payer); got != ConfirmationRolePayer {
		t.Errorf("RoleOf(payer) = %q, want %q", got, ConfirmationRolePayer)
	}
	if got := e.RoleOf(payee); got != "" {
		t.Errorf("RoleOf(unbound payee) = %q, want empty", got)
	}

	e.PayeeID = &payee
	if got := e.RoleOf(payee); got != ConfirmationRolePayee {
		t.Errorf("RoleOf(payee) = %q, want %q", got, ConfirmationRolePayee)
	}
	if got := e.RoleOf(stranger); got != "" {
		t.Errorf("RoleOf(stranger) = %q, want empty", got)
	}
}

// Package store defines the durable account store contract shared by the
// kube, pg and memory adapters.
//
// Absence is a legitimate outcome, not a failure: Find returns ErrNotFound
// when the backend has no such record and ErrBackend (with the wrapped
// cause) when the backend itself misbehaves. Callers must be able to tell
// the two apart at every boundary.
package store

import (
	"context"
	"errors"

	"oidcgw/internal/account"
)

var (
	ErrNotFound      = errors.New("account not found")
	ErrAlreadyExists = errors.New("account already exists")
	ErrBackend       = errors.New("account store backend error")
)

// AccountStore is the durable CRUD/patch contract over Account records.
//
// There is no compare-and-swap token: concurrent UpdateProfile calls on the
// same account race at field granularity and the last writer per field wins.
type AccountStore interface {
	// Find returns the account or ErrNotFound. Backend failures come back
	// as ErrBackend, never as a silent not-found.
	Find(ctx context.Context, id string) (*account.Account, error)

	// Create registers a new account with the given initial profile.
	// Returns ErrAlreadyExists if the id is taken.
	Create(ctx context.Context, id string, profile map[string]string) (*account.Account, error)

	// UpdateProfile applies per-field replacements to the profile only.
	// It never touches IsAdmin or Conditions. Each changed key is written
	// as its own field operation so the change history stays reviewable.
	// Returns ErrNotFound if the account vanished between read and write.
	UpdateProfile(ctx context.Context, id string, patch map[string]string) (*account.Account, error)

	// ConfirmCondition appends a condition grant for the exact fingerprint
	// the user confirmed. Recording an identical grant twice is a no-op.
	ConfirmCondition(ctx context.Context, id, name, fingerprint string) (*account.Account, error)
}

// Package idp defines the single interface upstream identity verification
// must satisfy: a verified identity that can be resolved into an account
// via find-or-create. The mechanisms themselves (GitHub OAuth, emailed
// magic links) live in subpackages.
package idp

import (
	"context"
	"errors"
	"fmt"

	"oidcgw/internal/account"
	"oidcgw/internal/store"
)

// Identity is what a provider yields after verifying the user upstream.
type Identity struct {
	// ExternalID is stable per provider, prefixed to keep providers from
	// colliding in the account id space (e.g. "github:123", "email:a@b").
	ExternalID string
	Profile    map[string]string
}

// FindOrCreate resolves a verified identity into an account. Absence means
// first sign-in and creates the record; a create/create race falls back to
// the winner's record. Failure surfaces to the caller as access denied,
// never retried here.
func FindOrCreate(ctx context.Context, accounts store.AccountStore, id Identity) (*account.Account, error) {
	a, err := accounts.Find(ctx, id.ExternalID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolve identity %s: %w", id.ExternalID, err)
	}

	a, err = accounts.Create(ctx, id.ExternalID, id.Profile)
	if errors.Is(err, store.ErrAlreadyExists) {
		return accounts.Find(ctx, id.ExternalID)
	}
	if err != nil {
		return nil, fmt.Errorf("create account for %s: %w", id.ExternalID, err)
	}
	return a, nil
}

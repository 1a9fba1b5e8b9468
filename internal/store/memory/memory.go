// Package memory is the in-process account store used for development and
// tests. It mirrors the adapter semantics exactly, including the
// NotFound/Backend distinction, and can simulate backend outages.
package memory

import (
	"context"
	"fmt"
	"sync"

	"oidcgw/internal/account"
	"oidcgw/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	accounts map[string]*account.Account

	// failWith, when set, makes every operation fail as a backend error.
	// Tests use it to prove callers distinguish outages from absence.
	failWith error
}

func New() *Store {
	return &Store{accounts: make(map[string]*account.Account)}
}

// FailWith arms (or with nil disarms) simulated backend failure.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Seed installs an account verbatim, bypassing Create semantics.
func (s *Store) Seed(a *account.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a.Clone()
}

// SetAdmin flips the operator-owned admin flag. Not reachable through the
// AccountStore interface on purpose.
func (s *Store) SetAdmin(id string, isAdmin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.IsAdmin = isAdmin
	}
}

func (s *Store) Find(ctx context.Context, id string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrBackend, s.failWith)
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *Store) Create(ctx context.Context, id string, profile map[string]string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrBackend, s.failWith)
	}
	if _, ok := s.accounts[id]; ok {
		return nil, store.ErrAlreadyExists
	}
	a := &account.Account{ID: id, Profile: map[string]string{}}
	for k, v := range profile {
		a.Profile[k] = v
	}
	s.accounts[id] = a
	return a.Clone(), nil
}

func (s *Store) UpdateProfile(ctx context.Context, id string, patch map[string]string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrBackend, s.failWith)
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if a.Profile == nil {
		a.Profile = map[string]string{}
	}
	// Field by field, matching the per-key patch the real adapters emit.
	for k, v := range patch {
		a.Profile[k] = v
	}
	return a.Clone(), nil
}

func (s *Store) ConfirmCondition(ctx context.Context, id, name, fingerprint string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrBackend, s.failWith)
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !a.HasConditionGrant(name, fingerprint) {
		a.Conditions = append(a.Conditions, account.ConditionGrant{Name: name, Fingerprint: fingerprint})
	}
	return a.Clone(), nil
}

var _ store.AccountStore = (*Store)(nil)

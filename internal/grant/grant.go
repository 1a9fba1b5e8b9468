// Package grant persists which scopes an account has consented to share
// with a client. Grants are keyed by (account, client) and only ever grow;
// revocation is an administrative path outside this subsystem.
package grant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"oidcgw/internal/cache"
)

var ErrNotFound = errors.New("grant not found")

// Grant is the persisted consent record for one (account, client) pair.
type Grant struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	ClientID  string    `json:"clientId"`
	Scopes    []string  `json:"scopes"`
	GrantedAt time.Time `json:"grantedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Covers reports whether every requested scope is already granted.
func (g *Grant) Covers(scopes []string) bool {
	if g == nil {
		return len(scopes) == 0
	}
	have := make(map[string]struct{}, len(g.Scopes))
	for _, s := range g.Scopes {
		have[s] = struct{}{}
	}
	for _, s := range scopes {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}

// Store is the grant repository.
type Store interface {
	// Get returns the grant for the pair or ErrNotFound.
	Get(ctx context.Context, accountID, clientID string) (*Grant, error)

	// Upsert creates the grant or extends it with the union of scopes.
	// Scopes are never removed through this path.
	Upsert(ctx context.Context, accountID, clientID string, scopes []string) (*Grant, error)
}

// CacheStore keeps grants in a cache.Client (memory in development, redis
// in production). Grants carry no TTL: consent does not silently expire.
type CacheStore struct {
	cache cache.Client
	now   func() time.Time
}

func NewCacheStore(c cache.Client) *CacheStore {
	return &CacheStore{cache: c, now: time.Now}
}

func key(accountID, clientID string) string {
	return fmt.Sprintf("grant:%s:%s", accountID, clientID)
}

func (s *CacheStore) Get(ctx context.Context, accountID, clientID string) (*Grant, error) {
	raw, err := s.cache.Get(ctx, key(accountID, clientID))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("grant lookup: %w", err)
	}
	var g Grant
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("malformed grant record: %w", err)
	}
	return &g, nil
}

func (s *CacheStore) Upsert(ctx context.Context, accountID, clientID string, scopes []string) (*Grant, error) {
	now := s.now().UTC()

	g, err := s.Get(ctx, accountID, clientID)
	switch {
	case errors.Is(err, ErrNotFound):
		g = &Grant{
			ID:        uuid.NewString(),
			AccountID: accountID,
			ClientID:  clientID,
			GrantedAt: now,
		}
	case err != nil:
		return nil, err
	}

	g.Scopes = unionScopes(g.Scopes, scopes)
	g.UpdatedAt = now

	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode grant: %w", err)
	}
	if err := s.cache.Set(ctx, key(accountID, clientID), string(raw), 0); err != nil {
		return nil, fmt.Errorf("persist grant: %w", err)
	}
	return g, nil
}

func unionScopes(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

var _ Store = (*CacheStore)(nil)

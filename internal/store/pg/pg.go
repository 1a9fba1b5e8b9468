// Package pg backs the account store with a Postgres JSONB document table.
// UpdateProfile is translated into one jsonb_set per changed key so the
// statement log shows exactly which fields moved, matching the kube
// adapter's per-field patch semantics.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"oidcgw/internal/account"
	"oidcgw/internal/store"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Find(ctx context.Context, id string) (*account.Account, error) {
	const query = `
		SELECT id, is_admin, profile, conditions
		FROM account_document WHERE id = $1
	`
	return scanAccount(s.pool.QueryRow(ctx, query, id))
}

func (s *Store) Create(ctx context.Context, id string, profile map[string]string) (*account.Account, error) {
	if profile == nil {
		profile = map[string]string{}
	}
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal profile: %v", store.ErrBackend, err)
	}

	const query = `
		INSERT INTO account_document (id, is_admin, profile, conditions, created_at, updated_at)
		VALUES ($1, FALSE, $2, '[]'::jsonb, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
		RETURNING id, is_admin, profile, conditions
	`
	a, err := scanAccountErr(s.pool.QueryRow(ctx, query, id, profileJSON))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", store.ErrBackend, id, err)
	}
	return a, nil
}

func (s *Store) UpdateProfile(ctx context.Context, id string, patch map[string]string) (*account.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", store.ErrBackend, err)
	}
	defer tx.Rollback(ctx)

	const query = `
		UPDATE account_document
		SET profile = jsonb_set(profile, ARRAY[$2], to_jsonb($3::text)), updated_at = NOW()
		WHERE id = $1
	`
	for k, v := range patch {
		tag, err := tx.Exec(ctx, query, id, k, v)
		if err != nil {
			return nil, fmt.Errorf("%w: patch %s.%s: %v", store.ErrBackend, id, k, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, store.ErrNotFound
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", store.ErrBackend, err)
	}
	return s.Find(ctx, id)
}

func (s *Store) ConfirmCondition(ctx context.Context, id, name, fingerprint string) (*account.Account, error) {
	grant := account.ConditionGrant{Name: name, Fingerprint: fingerprint}
	grantJSON, err := json.Marshal(grant)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal grant: %v", store.ErrBackend, err)
	}

	// Append only when an identical grant is not already present.
	const query = `
		UPDATE account_document
		SET conditions = conditions || $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND NOT conditions @> $3::jsonb
	`
	arrayJSON := []byte("[" + string(grantJSON) + "]")
	if _, err := s.pool.Exec(ctx, query, id, grantJSON, arrayJSON); err != nil {
		return nil, fmt.Errorf("%w: confirm condition on %s: %v", store.ErrBackend, id, err)
	}
	return s.Find(ctx, id)
}

func scanAccount(row pgx.Row) (*account.Account, error) {
	a, err := scanAccountErr(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrBackend, err)
	}
	return a, nil
}

func scanAccountErr(row pgx.Row) (*account.Account, error) {
	var (
		a              account.Account
		profileJSON    []byte
		conditionsJSON []byte
	)
	if err := row.Scan(&a.ID, &a.IsAdmin, &profileJSON, &conditionsJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(profileJSON, &a.Profile); err != nil {
		return nil, fmt.Errorf("malformed profile document: %w", err)
	}
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &a.Conditions); err != nil {
			return nil, fmt.Errorf("malformed conditions document: %w", err)
		}
	}
	return &a, nil
}

var _ store.AccountStore = (*Store)(nil)

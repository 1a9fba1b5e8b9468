package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSink appends events to the audit_event table. The table has no update
// or delete statements anywhere in the codebase; rows are write-once.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Record(ctx context.Context, e Event) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("encode audit fields: %w", err)
	}
	const query = `
		INSERT INTO audit_event (id, ts, actor, action, fields)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.pool.Exec(ctx, query, e.ID, e.Time, e.Actor, e.Action, fields); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

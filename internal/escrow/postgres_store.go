package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dartduel/server/internal/condapply"
)

// PostgresStore layers the escrow list scans over the generic
// conditional-apply table. The record is a JSONB document, so the scans
// are expression queries over its fields; the migrations create the
// matching expression indexes.
type PostgresStore struct {
	*condapply.PostgresStore[Escrow]
}

const escrowTable = "escrow_records"

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	inner, err := condapply.NewPostgresStore[Escrow](db, escrowTable)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{PostgresStore: inner}, nil
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	query := fmt.Sprintf(`
		SELECT value FROM %s
		WHERE value->>'status' = $1
		ORDER BY value->>'createdAt'
		LIMIT $2`, escrowTable)
	return p.queryEscrows(ctx, query, string(status), limit)
}

func (p *PostgresStore) ListPhaseStartedBefore(ctx context.Context, phase Phase, cutoff time.Time, limit int) ([]*Escrow, error) {
	// Phase is one of three known constants, never caller input, so it
	// is safe to splice into the JSONB path.
	switch phase {
	case PhaseSettlement, PhaseRefund, PhaseCreateGame:
	default:
		return nil, fmt.Errorf("unknown phase %q", phase)
	}
	query := fmt.Sprintf(`
		SELECT value FROM %s
		WHERE value->'%s'->>'startedAt' IS NOT NULL
		  AND (value->'%s'->>'startedAt')::timestamptz <= $1
		ORDER BY value->>'createdAt'
		LIMIT $2`, escrowTable, phase, phase)
	return p.queryEscrows(ctx, query, cutoff, limit)
}

func (p *PostgresStore) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	query := fmt.Sprintf(`
		SELECT value FROM %s
		WHERE value->>'status' = 'pending'
		  AND (value->>'expiresAt')::timestamptz <= $1
		ORDER BY value->>'createdAt'
		LIMIT $2`, escrowTable)
	return p.queryEscrows(ctx, query, cutoff, limit)
}

func (p *PostgresStore) FindOpenByUser(ctx context.Context, userID string) (*Escrow, error) {
	query := fmt.Sprintf(`
		SELECT value FROM %s
		WHERE value->>'status' = 'pending'
		  AND value->'player1'->>'userId' = $1
		ORDER BY value->>'createdAt'
		LIMIT 1`, escrowTable)
	var raw []byte
	err := p.DB().QueryRowContext(ctx, query, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying open escrow for %s: %w", userID, err)
	}
	e := &Escrow{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("decoding escrow record: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) queryEscrows(ctx context.Context, query string, args ...any) ([]*Escrow, error) {
	rows, err := p.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying escrows: %w", err)
	}
	defer rows.Close()

	var out []*Escrow
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning escrow row: %w", err)
		}
		e := &Escrow{}
		if err := json.Unmarshal(raw, e); err != nil {
			return nil, fmt.Errorf("decoding escrow record: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

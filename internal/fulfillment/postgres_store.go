package fulfillment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dartduel/server/internal/condapply"
)

type PostgresStore struct {
	*condapply.PostgresStore[Fulfillment]
}

const fulfillmentTable = "fulfillment_records"

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	inner, err := condapply.NewPostgresStore[Fulfillment](db, fulfillmentTable)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{PostgresStore: inner}, nil
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Fulfillment, error) {
	query := fmt.Sprintf(`
		SELECT value FROM %s
		WHERE value->>'status' = $1
		ORDER BY value->>'createdAt'
		LIMIT $2`, fulfillmentTable)
	rows, err := p.DB().QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("querying fulfillments: %w", err)
	}
	defer rows.Close()

	var out []*Fulfillment
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning fulfillment row: %w", err)
		}
		f := &Fulfillment{}
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, fmt.Errorf("decoding fulfillment record: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

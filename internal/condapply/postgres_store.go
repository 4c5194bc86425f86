package condapply

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dartduel/server/internal/retry"
)

// PostgresStore persists records as JSONB rows guarded by a version
// column. A write commits only when the version it read is still
// current (`UPDATE ... WHERE version = $n`); losing that race re-reads
// and re-invokes the apply function, with bounded backoff.
type PostgresStore[T any] struct {
	db    *sql.DB
	table string
}

// errConflict marks a lost optimistic write inside the retry loop.
var errConflict = errors.New("condapply: version conflict")

// NewPostgresStore creates a PostgreSQL-backed record store over the
// given table. The table must have columns
// (key TEXT PRIMARY KEY, value JSONB, version BIGINT, updated_at TIMESTAMPTZ)
// and its name must be a plain lowercase identifier.
func NewPostgresStore[T any](db *sql.DB, table string) (*PostgresStore[T], error) {
	if !validIdent(table) {
		return nil, fmt.Errorf("condapply: invalid table name %q", table)
	}
	return &PostgresStore[T]{db: db, table: table}, nil
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && r != '_' {
			return false
		}
	}
	return true
}

func (p *PostgresStore[T]) read(ctx context.Context, key string) (*T, int64, bool, error) {
	var (
		raw     []byte
		version int64
	)
	// Table name validated at construction, not user input.
	row := p.db.QueryRowContext(ctx,
		`SELECT value, version FROM `+p.table+` WHERE key = $1`, key)
	err := row.Scan(&raw, &version)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, 0, false, fmt.Errorf("condapply: decode %s/%s: %w", p.table, key, err)
	}
	return v, version, true, nil
}

// Apply implements Store.
func (p *PostgresStore[T]) Apply(ctx context.Context, key string, fn ApplyFunc[T]) (Result[T], error) {
	var res Result[T]

	err := retry.Do(ctx, maxAttempts, 10*time.Millisecond, func() error {
		cur, ver, found, err := p.read(ctx, key)
		if err != nil {
			return retry.Permanent(err)
		}

		d := fn(cur)
		if !d.write {
			res = Result[T]{Committed: false, Value: cur}
			return nil
		}
		if d.value == nil {
			return retry.Permanent(ErrNilWrite)
		}

		raw, err := json.Marshal(d.value)
		if err != nil {
			return retry.Permanent(fmt.Errorf("condapply: encode %s/%s: %w", p.table, key, err))
		}

		var result sql.Result
		if !found {
			result, err = p.db.ExecContext(ctx,
				`INSERT INTO `+p.table+` (key, value, version, updated_at)
				 VALUES ($1, $2, 1, NOW())
				 ON CONFLICT (key) DO NOTHING`, key, raw)
		} else {
			result, err = p.db.ExecContext(ctx,
				`UPDATE `+p.table+`
				 SET value = $2, version = version + 1, updated_at = NOW()
				 WHERE key = $1 AND version = $3`, key, raw, ver)
		}
		if err != nil {
			return retry.Permanent(err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return retry.Permanent(err)
		}
		if rows == 0 {
			// A concurrent writer got there first; re-read and re-invoke fn.
			return errConflict
		}

		res = Result[T]{Committed: true, Value: d.value}
		return nil
	})

	if errors.Is(err, errConflict) {
		return Result[T]{}, ErrTooManyConflicts
	}
	if err != nil {
		return Result[T]{}, err
	}
	return res, nil
}

// Get implements Store.
func (p *PostgresStore[T]) Get(ctx context.Context, key string) (*T, error) {
	v, _, _, err := p.read(ctx, key)
	return v, err
}

// DB exposes the underlying handle for feature stores layering list
// queries over the same table.
func (p *PostgresStore[T]) DB() *sql.DB { return p.db }

// Table returns the validated table name.
func (p *PostgresStore[T]) Table() string { return p.table }

// Compile-time assertion that PostgresStore implements Store.
var _ Store[struct{}] = (*PostgresStore[struct{}])(nil)

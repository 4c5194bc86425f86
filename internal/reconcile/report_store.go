package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryReportStore keeps reports in process memory.
type MemoryReportStore struct {
	mu      sync.Mutex
	reports []*Report
}

func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{}
}

var _ ReportStore = (*MemoryReportStore)(nil)

func (m *MemoryReportStore) Save(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	sort.Slice(m.reports, func(i, j int) bool { return m.reports[i].RunAt.Before(m.reports[j].RunAt) })
	return nil
}

func (m *MemoryReportStore) Latest(_ context.Context) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reports) == 0 {
		return nil, nil
	}
	return m.reports[len(m.reports)-1], nil
}

func (m *MemoryReportStore) PruneBefore(_ context.Context, cutoff time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	kept := m.reports[:0]
	for _, r := range m.reports {
		if r.RunAt.Before(cutoff) && pruned < limit {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	m.reports = kept
	return pruned, nil
}

// PostgresReportStore persists reports as JSONB rows with an indexed
// run timestamp for retrieval and pruning.
type PostgresReportStore struct {
	db *sql.DB
}

func NewPostgresReportStore(db *sql.DB) *PostgresReportStore {
	return &PostgresReportStore{db: db}
}

var _ ReportStore = (*PostgresReportStore)(nil)

func (p *PostgresReportStore) Save(ctx context.Context, r *Report) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO reconcile_reports (id, run_at, report)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.RunAt, raw)
	if err != nil {
		return fmt.Errorf("inserting report: %w", err)
	}
	return nil
}

func (p *PostgresReportStore) Latest(ctx context.Context) (*Report, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT report FROM reconcile_reports
		ORDER BY run_at DESC
		LIMIT 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest report: %w", err)
	}
	r := &Report{}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	return r, nil
}

func (p *PostgresReportStore) PruneBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM reconcile_reports
		WHERE id IN (
			SELECT id FROM reconcile_reports
			WHERE run_at < $1
			ORDER BY run_at
			LIMIT $2
		)`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("pruning reports: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

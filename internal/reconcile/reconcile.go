// Package reconcile implements the scheduled stuck-record scanner. It
// reads the money records, never writes them, and persists one report
// per run. Detection only: flagged records are for operators, nothing
// here attempts repair.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/dartduel/server/internal/escrow"
	"github.com/dartduel/server/internal/fulfillment"
	"github.com/dartduel/server/internal/idgen"
	"github.com/dartduel/server/internal/logging"
	"github.com/dartduel/server/internal/metrics"
)

// Category names, stable across report revisions.
const (
	CategorySettling     = "settling"
	CategoryCreatingGame = "creating_game"
	CategoryRefunding    = "refunding"
	CategoryFulfillment  = "fulfillment_processing"
)

// StuckRecord is one record that should have finished its transition.
type StuckRecord struct {
	ID        string     `json:"id"`
	LockedAt  *time.Time `json:"lockedAt,omitempty"`
	AgeMS     int64      `json:"ageMs,omitempty"`
	RequestID string     `json:"requestId,omitempty"`

	// Anomaly marks a stuck record with no usable timestamp: staleness
	// cannot age it out, so it needs manual attention.
	Anomaly bool `json:"anomaly,omitempty"`
}

// CategoryResult is one scan family's findings. Error is set when the
// source query failed; the other categories still report.
type CategoryResult struct {
	Category      string        `json:"category"`
	Stuck         []StuckRecord `json:"stuck,omitempty"`
	Count         int           `json:"count"`
	Anomalies     int           `json:"anomalies"`
	Threshold     string        `json:"threshold"`
	BatchLimitHit bool          `json:"batchLimitHit,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Report is the persisted artifact of one run.
type Report struct {
	ID         string            `json:"id"`
	RunAt      time.Time         `json:"runAt"`
	Categories []*CategoryResult `json:"categories"`
	TotalStuck int               `json:"totalStuck"`
	DurationMS int64             `json:"durationMs"`
	Pruned     int               `json:"pruned"`
}

// ReportStore persists and prunes reports.
type ReportStore interface {
	Save(ctx context.Context, r *Report) error
	Latest(ctx context.Context) (*Report, error)
	// PruneBefore deletes up to limit reports with RunAt before cutoff
	// and returns how many went.
	PruneBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// EscrowSource is the read surface over escrow records.
type EscrowSource interface {
	ListByStatus(ctx context.Context, status escrow.Status, limit int) ([]*escrow.Escrow, error)
	ListPhaseStartedBefore(ctx context.Context, phase escrow.Phase, cutoff time.Time, limit int) ([]*escrow.Escrow, error)
}

// FulfillmentSource is the read surface over fulfillment records.
type FulfillmentSource interface {
	ListByStatus(ctx context.Context, status fulfillment.Status, limit int) ([]*fulfillment.Fulfillment, error)
}

// Options are the scan policy knobs.
type Options struct {
	Buffer             time.Duration // grace past each lock timeout
	BatchCap           int           // per-category record cap
	SettlementTimeout  time.Duration
	RefundTimeout      time.Duration
	CreateGameTimeout  time.Duration
	FulfillmentTimeout time.Duration
	Retention          time.Duration // report lifetime
	PruneBatch         int           // reports deleted per run at most
}

type Scanner struct {
	escrows      EscrowSource
	fulfillments FulfillmentSource
	reports      ReportStore
	opts         Options
	now          func() time.Time
}

func NewScanner(escrows EscrowSource, fulfillments FulfillmentSource, reports ReportStore, opts Options) *Scanner {
	if opts.BatchCap <= 0 {
		opts.BatchCap = 200
	}
	if opts.PruneBatch <= 0 {
		opts.PruneBatch = 50
	}
	return &Scanner{escrows: escrows, fulfillments: fulfillments, reports: reports, opts: opts, now: time.Now}
}

// Run executes one full scan, persists the report, and prunes expired
// reports. A failing category is recorded in the report and does not
// abort the others; only a failure to persist the report is an error.
func (s *Scanner) Run(ctx context.Context) (*Report, error) {
	log := logging.FromContext(ctx)
	start := s.now().UTC()

	report := &Report{
		ID:    idgen.WithPrefix("rpt"),
		RunAt: start,
	}
	report.Categories = []*CategoryResult{
		s.scanSettling(ctx, start),
		s.scanCreatingGame(ctx, start),
		s.scanRefunding(ctx, start),
		s.scanFulfillments(ctx, start),
	}

	failed := 0
	for _, cat := range report.Categories {
		report.TotalStuck += cat.Count
		metrics.ReconcileStuckRecords.WithLabelValues(cat.Category).Set(float64(cat.Count))
		metrics.ReconcileAnomalies.WithLabelValues(cat.Category).Set(float64(cat.Anomalies))
		if cat.Error != "" {
			failed++
			log.Error("reconciliation category failed", "category", cat.Category, "error", cat.Error)
		}
	}

	cutoff := start.Add(-s.opts.Retention)
	pruned, err := s.reports.PruneBefore(ctx, cutoff, s.opts.PruneBatch)
	if err != nil {
		log.Error("pruning old reconciliation reports failed", "error", err)
	}
	report.Pruned = pruned
	report.DurationMS = s.now().UTC().Sub(start).Milliseconds()

	if err := s.reports.Save(ctx, report); err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("persisting reconciliation report: %w", err)
	}

	switch {
	case failed == len(report.Categories):
		metrics.ReconcileRunsTotal.WithLabelValues("failed").Inc()
	case failed > 0:
		metrics.ReconcileRunsTotal.WithLabelValues("partial").Inc()
	default:
		metrics.ReconcileRunsTotal.WithLabelValues("ok").Inc()
	}
	log.Info("reconciliation run finished",
		"report_id", report.ID, "total_stuck", report.TotalStuck,
		"failed_categories", failed, "pruned_reports", pruned)
	return report, nil
}

// Latest returns the most recent persisted report.
func (s *Scanner) Latest(ctx context.Context) (*Report, error) {
	return s.reports.Latest(ctx)
}

// scanSettling is timestamp-first: a normal finalize clears the
// settlement StartedAt, so any timestamped record older than
// timeout+buffer that is still settling was abandoned.
func (s *Scanner) scanSettling(ctx context.Context, now time.Time) *CategoryResult {
	return s.scanEscrowPhase(ctx, now, CategorySettling,
		escrow.PhaseSettlement, s.opts.SettlementTimeout, escrow.StatusSettling)
}

// scanCreatingGame is timestamp-first over the game-creation lock; the
// escrow stays locked throughout, so the status filter is locked.
func (s *Scanner) scanCreatingGame(ctx context.Context, now time.Time) *CategoryResult {
	return s.scanEscrowPhase(ctx, now, CategoryCreatingGame,
		escrow.PhaseCreateGame, s.opts.CreateGameTimeout, escrow.StatusLocked)
}

func (s *Scanner) scanEscrowPhase(ctx context.Context, now time.Time, category string, phase escrow.Phase, timeout time.Duration, wantStatus escrow.Status) *CategoryResult {
	result := &CategoryResult{Category: category, Threshold: (timeout + s.opts.Buffer).String()}
	cutoff := now.Add(-timeout - s.opts.Buffer)

	candidates, err := s.escrows.ListPhaseStartedBefore(ctx, phase, cutoff, s.opts.BatchCap)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.BatchLimitHit = len(candidates) == s.opts.BatchCap

	for _, e := range candidates {
		if e.Status != wantStatus {
			continue
		}
		lock := phaseLockOf(e, phase)
		result.Stuck = append(result.Stuck, StuckRecord{
			ID:        e.ID,
			LockedAt:  lock.StartedAt,
			AgeMS:     ageMS(now, lock.StartedAt),
			RequestID: lock.RequestID,
		})
	}
	result.Count = len(result.Stuck)
	return result
}

// scanRefunding is the hybrid strategy: the timestamp scan catches stale
// timestamped refunds, and a status scan catches refunding records with
// no timestamp at all, which the first pass can never see. Results are
// merged and deduped by escrow id.
func (s *Scanner) scanRefunding(ctx context.Context, now time.Time) *CategoryResult {
	result := &CategoryResult{Category: CategoryRefunding, Threshold: (s.opts.RefundTimeout + s.opts.Buffer).String()}
	cutoff := now.Add(-s.opts.RefundTimeout - s.opts.Buffer)
	seen := map[string]bool{}

	timestamped, err := s.escrows.ListPhaseStartedBefore(ctx, escrow.PhaseRefund, cutoff, s.opts.BatchCap)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.BatchLimitHit = len(timestamped) == s.opts.BatchCap
	for _, e := range timestamped {
		if e.Status != escrow.StatusRefunding || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		result.Stuck = append(result.Stuck, StuckRecord{
			ID:        e.ID,
			LockedAt:  e.Refund.StartedAt,
			AgeMS:     ageMS(now, e.Refund.StartedAt),
			RequestID: e.Refund.RequestID,
		})
	}

	byStatus, err := s.escrows.ListByStatus(ctx, escrow.StatusRefunding, s.opts.BatchCap)
	if err != nil {
		// Keep the timestamped half; record the failing half.
		result.Error = err.Error()
		result.Count = len(result.Stuck)
		return result
	}
	if len(byStatus) == s.opts.BatchCap {
		result.BatchLimitHit = true
	}
	for _, e := range byStatus {
		if seen[e.ID] {
			continue
		}
		if e.Refund.StartedAt != nil && !e.Refund.StartedAt.IsZero() {
			// Timestamped but younger than the cutoff: a live retry
			// window, not stuck.
			continue
		}
		seen[e.ID] = true
		// Cleared-lock refunding is the partial-failure parking state;
		// it cannot be aged, so it surfaces as an anomaly.
		result.Stuck = append(result.Stuck, StuckRecord{
			ID:        e.ID,
			RequestID: e.Refund.RequestID,
			Anomaly:   true,
		})
		result.Anomalies++
	}
	result.Count = len(result.Stuck)
	return result
}

// scanFulfillments is status-first: terminal fulfillments keep their
// ProcessingStartedAt, so a timestamp scan would drown in finished
// records. Query processing records, then age them in memory; a
// processing record with a missing or invalid timestamp is an anomaly.
func (s *Scanner) scanFulfillments(ctx context.Context, now time.Time) *CategoryResult {
	result := &CategoryResult{Category: CategoryFulfillment, Threshold: (s.opts.FulfillmentTimeout + s.opts.Buffer).String()}

	processing, err := s.fulfillments.ListByStatus(ctx, fulfillment.StatusProcessing, s.opts.BatchCap)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.BatchLimitHit = len(processing) == s.opts.BatchCap

	cutoff := now.Add(-s.opts.FulfillmentTimeout - s.opts.Buffer)
	for _, f := range processing {
		switch {
		case f.ProcessingStartedAt == nil || f.ProcessingStartedAt.IsZero():
			result.Stuck = append(result.Stuck, StuckRecord{ID: f.ID, Anomaly: true})
			result.Anomalies++
		case f.ProcessingStartedAt.Before(cutoff):
			result.Stuck = append(result.Stuck, StuckRecord{
				ID:       f.ID,
				LockedAt: f.ProcessingStartedAt,
				AgeMS:    ageMS(now, f.ProcessingStartedAt),
			})
		}
	}
	result.Count = len(result.Stuck)
	return result
}

func phaseLockOf(e *escrow.Escrow, phase escrow.Phase) *escrow.PhaseLock {
	switch phase {
	case escrow.PhaseSettlement:
		return &e.Settlement
	case escrow.PhaseRefund:
		return &e.Refund
	default:
		return &e.CreateGame
	}
}

func ageMS(now time.Time, since *time.Time) int64 {
	if since == nil || since.IsZero() {
		return 0
	}
	return now.Sub(*since).Milliseconds()
}

// Package progress tracks bulk season import runs, retry attempts and data health.
//
// All state lives in the key-value store; the Tracker itself holds none, so any number
// of workers can report progress for the same run. Counter updates are plain
// read-modify-write cycles without a concurrency guard: two workers finishing items of
// the same run at the same moment can lose one increment. Counters are best-effort
// progress indicators, not an audit log.
//
// Observability writes never fail the data path. RecordOutcome, Finish and
// TrackRetryAttempt log store failures and return nothing.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/season-sync/pkg/kvstore"
)

// Store tables and partitions.
const (
	ImportTrackingTable = "seasonimporttracking"
	RetryTrackingTable  = "seasonretrytracking"
	DataHealthTable     = "seasondatahealth"

	ImportPartition = "show_seasons_import"
	HealthPartition = "health"
)

// Prometheus metrics for progress tracking.
var (
	progressWriteErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_progress_write_errors_total",
		Help: "Total number of failed observability writes by record type",
	}, []string{"record"}) // "run", "retry", "health"

	runsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_runs_finished_total",
		Help: "Total number of import runs reaching a terminal status",
	}, []string{"status"})

	runItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_run_items_total",
		Help: "Total number of run items recorded by outcome",
	}, []string{"outcome"}) // "completed", "failed"
)

// RunRecord is the persisted state of one import run.
type RunRecord struct {
	RunID            string     `json:"import_id"`
	Status           Status     `json:"status"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	ShowID           int        `json:"show_id"`
	EstimatedTotal   int        `json:"estimated_seasons"`
	CompletedCount   int        `json:"completed_seasons"`
	FailedCount      int        `json:"failed_seasons"`
	LastActivityTime time.Time  `json:"last_activity_time"`
	LastProcessedID  int        `json:"last_processed_season_id,omitempty"`
}

// Tracker records run progress in a key-value store.
type Tracker struct {
	store  kvstore.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a new progress tracker.
func NewTracker(store kvstore.Store, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func runKey(runID string) string {
	return kvstore.Key(ImportPartition, runID)
}

// Start creates the record for a new run in status InProgress. showID and
// estimatedTotal are -1 for bulk runs where they are unknown.
func (t *Tracker) Start(ctx context.Context, runID string, showID, estimatedTotal int) error {
	now := t.now()
	rec := RunRecord{
		RunID:            runID,
		Status:           StatusInProgress,
		StartTime:        now,
		ShowID:           showID,
		EstimatedTotal:   estimatedTotal,
		LastActivityTime: now,
	}

	if err := t.store.Upsert(ctx, ImportTrackingTable, runKey(runID), rec); err != nil {
		progressWriteErrorsTotal.WithLabelValues("run").Inc()
		return fmt.Errorf("start run %s: %w", runID, err)
	}

	t.logger.Info().
		Str("import_id", runID).
		Int("show_id", showID).
		Msg("Started tracking seasons import")
	return nil
}

// load fetches a run record. It logs exactly once when the record cannot be read.
func (t *Tracker) load(ctx context.Context, runID string) (RunRecord, bool) {
	var rec RunRecord
	err := t.store.Get(ctx, ImportTrackingTable, runKey(runID), &rec)
	switch {
	case err == nil:
		return rec, true
	case errors.Is(err, kvstore.ErrNotFound):
		t.logger.Error().Str("import_id", runID).Msg("Season import tracking record not found")
	default:
		t.logger.Error().Err(err).Str("import_id", runID).Msg("Failed to read season import tracking record")
	}
	return RunRecord{}, false
}

func (t *Tracker) save(ctx context.Context, rec RunRecord) bool {
	if err := t.store.Upsert(ctx, ImportTrackingTable, runKey(rec.RunID), rec); err != nil {
		progressWriteErrorsTotal.WithLabelValues("run").Inc()
		t.logger.Error().Err(err).Str("import_id", rec.RunID).Msg("Failed to write season import tracking record")
		return false
	}
	return true
}

// RecordOutcome counts one processed item against a run. An unknown run is logged and
// ignored.
func (t *Tracker) RecordOutcome(ctx context.Context, runID string, itemID int, success bool) {
	rec, ok := t.load(ctx, runID)
	if !ok {
		return
	}

	outcome := "completed"
	if success {
		rec.CompletedCount++
	} else {
		rec.FailedCount++
		outcome = "failed"
	}
	rec.LastActivityTime = t.now()
	rec.LastProcessedID = itemID

	if t.save(ctx, rec) {
		runItemsTotal.WithLabelValues(outcome).Inc()
	}
}

// Finish moves a run to a terminal status. An unknown run is logged and ignored, and so
// is a run that already finished: a redelivered last page must not stamp a second end
// time or turn a failed run into a completed one.
func (t *Tracker) Finish(ctx context.Context, runID string, status Status) {
	rec, ok := t.load(ctx, runID)
	if !ok {
		return
	}
	if rec.Status.IsTerminal() {
		t.logger.Warn().
			Str("import_id", runID).
			Str("status", rec.Status.String()).
			Str("requested_status", status.String()).
			Msg("Season import already finished")
		return
	}

	now := t.now()
	rec.Status = status
	rec.EndTime = &now
	rec.LastActivityTime = now

	if t.save(ctx, rec) {
		runsFinishedTotal.WithLabelValues(status.String()).Inc()
		t.logger.Info().
			Str("import_id", runID).
			Str("status", status.String()).
			Int("completed_seasons", rec.CompletedCount).
			Int("failed_seasons", rec.FailedCount).
			Msg("Show seasons import finished")
	}
}

// GetStatus returns the current record of a run. ok is false when the run is unknown
// or cannot be read.
func (t *Tracker) GetStatus(ctx context.Context, runID string) (RunRecord, bool) {
	var rec RunRecord
	if err := t.store.Get(ctx, ImportTrackingTable, runKey(runID), &rec); err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			t.logger.Error().Err(err).Str("import_id", runID).Msg("Failed to get season import status")
		}
		return RunRecord{}, false
	}
	return rec, true
}

// Runs returns every run record.
func (t *Tracker) Runs(ctx context.Context) ([]RunRecord, error) {
	entries, err := t.store.Query(ctx, ImportTrackingTable, kvstore.Query{Prefix: ImportPartition + "/"})
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	runs := make([]RunRecord, 0, len(entries))
	for _, e := range entries {
		var rec RunRecord
		if err := e.Decode(&rec); err != nil {
			t.logger.Warn().Err(err).Str("key", e.Key).Msg("Skipping undecodable run record")
			continue
		}
		runs = append(runs, rec)
	}
	return runs, nil
}

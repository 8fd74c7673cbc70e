// Package importer drives season synchronization: the Coordinator starts bulk import
// runs, the Worker consumes the season queue and the Updater feeds recently changed
// shows back into it.
package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/season-sync/pkg/progress"
	"github.com/Sternrassler/season-sync/pkg/queue"
)

var runsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "seasonsync_runs_started_total",
	Help: "Total number of import runs started by result",
}, []string{"result"}) // "ok", "failed"

// OrchestrationError is returned when a run could not be started. The run has been
// marked failed.
type OrchestrationError struct {
	RunID string
	Err   error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("start import %s: %v", e.RunID, e.Err)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// RunTracker is the subset of progress.Tracker used by the Coordinator.
type RunTracker interface {
	Start(ctx context.Context, runID string, showID, estimatedTotal int) error
	Finish(ctx context.Context, runID string, status progress.Status)
	GetStatus(ctx context.Context, runID string) (progress.RunRecord, bool)
	HealthSummary(ctx context.Context, deadLetters progress.DeadLetterCounter) (progress.HealthSummary, error)
}

// SourceProber checks that the show index can be read.
type SourceProber interface {
	Probe(ctx context.Context) error
}

// Enqueuer enqueues work items.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any) error
}

// Coordinator starts bulk import runs.
type Coordinator struct {
	runs        RunTracker
	source      SourceProber
	queue       Enqueuer
	deadLetters progress.DeadLetterCounter
	batchSize   int
	logger      zerolog.Logger
	now         func() time.Time
}

// NewCoordinator creates a Coordinator. A batchSize below 1 means queue.DefaultBatchSize.
func NewCoordinator(runs RunTracker, source SourceProber, q Enqueuer, deadLetters progress.DeadLetterCounter, batchSize int, logger zerolog.Logger) *Coordinator {
	if batchSize < 1 {
		batchSize = queue.DefaultBatchSize
	}
	return &Coordinator{
		runs:        runs,
		source:      source,
		queue:       q,
		deadLetters: deadLetters,
		batchSize:   batchSize,
		logger:      logger,
		now:         time.Now,
	}
}

// NewRunID returns a run id of the form seasons_import_YYYYMMDD_HHMMSS_<suffix>.
func NewRunID(now time.Time, suffix string) string {
	return fmt.Sprintf("seasons_import_%s_%s", now.UTC().Format("20060102_150405"), suffix)
}

// Start creates a run and enqueues its first page token. The run's size is unknown
// until the last page is reached, so the record starts with an estimate of -1. On any
// failure the run is finished as failed and an *OrchestrationError is returned together
// with the run id.
func (c *Coordinator) Start(ctx context.Context) (string, error) {
	runID := NewRunID(c.now(), uuid.NewString()[:8])
	logger := c.logger.With().Str("import_id", runID).Logger()
	logger.Info().Int("batch_size", c.batchSize).Msg("Starting season import")

	if err := c.runs.Start(ctx, runID, -1, -1); err != nil {
		return runID, c.fail(ctx, runID, fmt.Errorf("create run record: %w", err))
	}

	if c.source != nil {
		if err := c.source.Probe(ctx); err != nil {
			return runID, c.fail(ctx, runID, fmt.Errorf("show index unreachable: %w", err))
		}
	}

	first := queue.PageToken{RunID: runID, BatchNumber: 0, BatchSize: c.batchSize}
	if err := c.queue.Enqueue(ctx, first); err != nil {
		return runID, c.fail(ctx, runID, fmt.Errorf("enqueue first page: %w", err))
	}

	runsStartedTotal.WithLabelValues("ok").Inc()
	logger.Info().Msg("Queued first page of season import")
	return runID, nil
}

func (c *Coordinator) fail(ctx context.Context, runID string, err error) error {
	runsStartedTotal.WithLabelValues("failed").Inc()
	c.logger.Error().Err(err).Str("import_id", runID).Msg("Failed to start season import")
	c.runs.Finish(ctx, runID, progress.StatusFailed)
	return &OrchestrationError{RunID: runID, Err: err}
}

// Status returns the run record of runID; ok is false when the run is unknown.
func (c *Coordinator) Status(ctx context.Context, runID string) (progress.RunRecord, bool) {
	return c.runs.GetStatus(ctx, runID)
}

// Health returns the aggregate health of runs, retries and dead letters.
func (c *Coordinator) Health(ctx context.Context) (progress.HealthSummary, error) {
	return c.runs.HealthSummary(ctx, c.deadLetters)
}

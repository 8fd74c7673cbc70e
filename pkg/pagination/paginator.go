package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/season-sync/pkg/progress"
	"github.com/Sternrassler/season-sync/pkg/queue"
)

var (
	pagesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_pages_processed_total",
		Help: "Total number of show index pages processed by result",
	}, []string{"result"}) // "continued", "final", "error"

	entityTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_entity_tasks_total",
		Help: "Total number of show entity tasks by outcome",
	}, []string{"outcome"}) // "enqueued", "skipped", "enqueue_failed"
)

// Member is one entry of the source collection.
type Member struct {
	// Key is the natural key of the member, a show id in decimal form.
	Key string

	// Attributes is the stored document of the member.
	Attributes json.RawMessage
}

// SourceReader reads a window of the source collection in a stable order.
type SourceReader interface {
	FetchPage(ctx context.Context, offset, limit int) ([]Member, error)
}

// Enqueuer enqueues work items.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any) error
}

// RunFinisher moves a run to a terminal status.
type RunFinisher interface {
	Finish(ctx context.Context, runID string, status progress.Status)
}

// PageResult summarizes one processed page.
type PageResult struct {
	Fetched         int
	Enqueued        int
	Skipped         int
	EnqueueFailures int

	// Continued is true when the next page was enqueued.
	Continued bool

	// Final is true when this page ended the run.
	Final bool
}

// Paginator processes page tokens.
type Paginator struct {
	source SourceReader
	queue  Enqueuer
	runs   RunFinisher
	logger zerolog.Logger
}

// NewPaginator creates a paginator.
func NewPaginator(source SourceReader, q Enqueuer, runs RunFinisher, logger zerolog.Logger) *Paginator {
	return &Paginator{
		source: source,
		queue:  q,
		runs:   runs,
		logger: logger,
	}
}

// ProcessPage expands one page into entity tasks and schedules the next page.
//
// Failing to enqueue an entity task is logged and counted but does not stop the page:
// the continuation is still enqueued, so such members are missed by this run. Read
// errors and a failed continuation enqueue are returned for the message to be retried.
func (p *Paginator) ProcessPage(ctx context.Context, token queue.PageToken) (PageResult, error) {
	if token.BatchSize <= 0 {
		token.BatchSize = queue.DefaultBatchSize
	}

	logger := p.logger.With().
		Str("import_id", token.RunID).
		Int("batch_number", token.BatchNumber).
		Int("batch_size", token.BatchSize).
		Logger()

	members, err := p.source.FetchPage(ctx, token.Offset(), token.BatchSize)
	if err != nil {
		pagesProcessedTotal.WithLabelValues("error").Inc()
		return PageResult{}, fmt.Errorf("fetch page %d of %s: %w", token.BatchNumber, token.RunID, err)
	}

	res := PageResult{Fetched: len(members)}
	if len(members) == 0 {
		logger.Info().Msg("No more shows in batch, completing import")
		p.runs.Finish(ctx, token.RunID, progress.StatusCompleted)
		res.Final = true
		pagesProcessedTotal.WithLabelValues("final").Inc()
		return res, nil
	}

	for _, m := range members {
		showID, err := strconv.Atoi(m.Key)
		if err != nil || showID <= 0 {
			logger.Warn().Str("key", m.Key).Msg("Invalid show id in show index, skipping")
			res.Skipped++
			entityTasksTotal.WithLabelValues("skipped").Inc()
			continue
		}

		task := queue.EntityTask{ShowID: showID, RunID: token.RunID}
		if err := p.queue.Enqueue(ctx, task); err != nil {
			logger.Error().Err(err).Int("show_id", showID).Msg("Failed to enqueue show task")
			res.EnqueueFailures++
			entityTasksTotal.WithLabelValues("enqueue_failed").Inc()
			continue
		}
		res.Enqueued++
		entityTasksTotal.WithLabelValues("enqueued").Inc()
	}

	logger.Info().
		Int("fetched", res.Fetched).
		Int("enqueued", res.Enqueued).
		Int("skipped", res.Skipped).
		Int("enqueue_failures", res.EnqueueFailures).
		Msg("Queued shows from batch")

	if len(members) < token.BatchSize {
		logger.Info().Msg("Final batch processed, completing import")
		p.runs.Finish(ctx, token.RunID, progress.StatusCompleted)
		res.Final = true
		pagesProcessedTotal.WithLabelValues("final").Inc()
		return res, nil
	}

	next := token.Next()
	if err := p.queue.Enqueue(ctx, next); err != nil {
		pagesProcessedTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("enqueue batch %d of %s: %w", next.BatchNumber, token.RunID, err)
	}
	res.Continued = true
	pagesProcessedTotal.WithLabelValues("continued").Inc()
	logger.Debug().Int("next_batch", next.BatchNumber).Msg("Queued next batch")

	return res, nil
}

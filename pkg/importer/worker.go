package importer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/season-sync/pkg/pagination"
	"github.com/Sternrassler/season-sync/pkg/queue"
	"github.com/Sternrassler/season-sync/pkg/retry"
	"github.com/Sternrassler/season-sync/pkg/season"
	"github.com/Sternrassler/season-sync/pkg/tvmaze"
)

// Operation types recorded with retries and dead letters.
const (
	OperationShowSeasons   = "show_seasons"
	OperationDatabaseWrite = "database_write"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_worker_messages_total",
		Help: "Total number of queue messages handled by result",
	}, []string{"result"}) // "processed", "dead_lettered", "redelivered"

	seasonsSyncedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_seasons_synced_total",
		Help: "Total number of seasons written by result",
	}, []string{"result"}) // "ok", "failed", "skipped"
)

// MessageQueue is the consuming side of the season queue.
type MessageQueue interface {
	Receive(ctx context.Context, timeout time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Nack(ctx context.Context, d *queue.Delivery) error
}

// PageProcessor turns a page token into entity tasks.
type PageProcessor interface {
	ProcessPage(ctx context.Context, token queue.PageToken) (pagination.PageResult, error)
}

// SeasonFetcher loads the seasons of a show from the catalog.
type SeasonFetcher interface {
	GetSeasons(ctx context.Context, showID int) ([]season.Record, error)
}

// SeasonWriter persists one season.
type SeasonWriter interface {
	Upsert(ctx context.Context, rec season.Record, showID int) error
}

// OutcomeRecorder counts processed items against a run.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, runID string, itemID int, success bool)
}

// WorkerConfig configures the queue consumers.
type WorkerConfig struct {
	// Concurrency is the number of consumers.
	Concurrency int

	// ReceiveTimeout bounds each blocking receive.
	ReceiveTimeout time.Duration

	// DBWriteMaxAttempts bounds the attempts per season write.
	DBWriteMaxAttempts int
}

// DefaultWorkerConfig returns the default consumer configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:        4,
		ReceiveTimeout:     5 * time.Second,
		DBWriteMaxAttempts: 3,
	}
}

// Worker consumes the season queue.
type Worker struct {
	config   WorkerConfig
	queue    MessageQueue
	retry    *retry.Orchestrator
	pages    PageProcessor
	seasons  SeasonFetcher
	store    SeasonWriter
	outcomes OutcomeRecorder
	logger   zerolog.Logger
}

// NewWorker creates a Worker. Zero config fields take their defaults.
func NewWorker(config WorkerConfig, q MessageQueue, orchestrator *retry.Orchestrator, pages PageProcessor, seasons SeasonFetcher, store SeasonWriter, outcomes OutcomeRecorder, logger zerolog.Logger) *Worker {
	defaults := DefaultWorkerConfig()
	if config.Concurrency < 1 {
		config.Concurrency = defaults.Concurrency
	}
	if config.ReceiveTimeout <= 0 {
		config.ReceiveTimeout = defaults.ReceiveTimeout
	}
	if config.DBWriteMaxAttempts < 1 {
		config.DBWriteMaxAttempts = defaults.DBWriteMaxAttempts
	}
	return &Worker{
		config:   config,
		queue:    q,
		retry:    orchestrator,
		pages:    pages,
		seasons:  seasons,
		store:    store,
		outcomes: outcomes,
		logger:   logger,
	}
}

// Dispatch handles one message under the message-level retry policy. See
// retry.Orchestrator.HandleMessage for the meaning of the results.
func (w *Worker) Dispatch(ctx context.Context, msg queue.Message) (bool, error) {
	return w.retry.HandleMessage(ctx, msg, OperationShowSeasons, w.handle)
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) error {
	item, err := queue.DecodeWorkItem(msg.Body)
	if err != nil {
		w.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Discarding invalid work item")
		return nil
	}

	switch item := item.(type) {
	case queue.PageToken:
		_, err := w.pages.ProcessPage(ctx, item)
		return err
	case queue.EntityTask:
		return w.syncShow(ctx, item)
	default:
		return fmt.Errorf("%w: unhandled work item %T", queue.ErrInvalidWorkItem, item)
	}
}

// syncShow fetches the seasons of one show and writes each under the database write
// policy. Fetch errors are returned so the message is redelivered; a season that still
// fails after its attempts is counted as failed and does not fail the message.
func (w *Worker) syncShow(ctx context.Context, task queue.EntityTask) error {
	logger := w.logger.With().Int("show_id", task.ShowID).Str("import_id", task.RunID).Logger()

	records, err := w.seasons.GetSeasons(ctx, task.ShowID)
	if err != nil {
		if errors.Is(err, tvmaze.ErrNotFound) {
			logger.Warn().Msg("Show no longer exists in the catalog")
			return nil
		}
		return fmt.Errorf("fetch seasons of show %d: %w", task.ShowID, err)
	}
	if len(records) == 0 {
		logger.Info().Msg("No seasons returned for show")
		return nil
	}

	written := 0
	for _, rec := range records {
		if rec == nil {
			seasonsSyncedTotal.WithLabelValues("skipped").Inc()
			logger.Error().Msg("Skipping empty season object")
			continue
		}

		id, hasID := rec.ID()
		identifier := "unknown"
		if hasID {
			identifier = strconv.Itoa(id)
		}

		policy := retry.Policy{OperationType: OperationDatabaseWrite, MaxAttempts: w.config.DBWriteMaxAttempts}
		err := w.retry.Execute(ctx, policy, identifier, func(ctx context.Context) error {
			return w.store.Upsert(ctx, rec, task.ShowID)
		})
		if err != nil {
			seasonsSyncedTotal.WithLabelValues("failed").Inc()
			logger.Error().Err(err).Str("season_id", identifier).Msg("Failed to upsert season after retries")
		} else {
			seasonsSyncedTotal.WithLabelValues("ok").Inc()
			written++
		}

		if task.RunID != "" && hasID {
			w.outcomes.RecordOutcome(ctx, task.RunID, id, err == nil)
		}
	}

	logger.Info().Int("written", written).Int("total", len(records)).Msg("Processed seasons for show")
	return nil
}

// process dispatches one delivery and settles it with the queue. Settling uses a
// context that survives shutdown so in-flight messages are not stranded.
func (w *Worker) process(ctx context.Context, d *queue.Delivery) {
	settleCtx := context.WithoutCancel(ctx)

	processed, err := w.Dispatch(ctx, d.Message)
	if err != nil {
		messagesTotal.WithLabelValues("redelivered").Inc()
		if nackErr := w.queue.Nack(settleCtx, d); nackErr != nil {
			w.logger.Error().Err(nackErr).Str("message_id", d.ID).Msg("Failed to return message to queue")
		}
		return
	}

	if processed {
		messagesTotal.WithLabelValues("processed").Inc()
	} else {
		messagesTotal.WithLabelValues("dead_lettered").Inc()
	}
	if ackErr := w.queue.Ack(settleCtx, d); ackErr != nil {
		w.logger.Error().Err(ackErr).Str("message_id", d.ID).Msg("Failed to acknowledge message")
	}
}

// Drain processes messages until the queue is empty and returns how many it handled.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	handled := 0
	for {
		d, err := w.queue.Receive(ctx, w.config.ReceiveTimeout)
		if errors.Is(err, queue.ErrNoMessage) {
			return handled, nil
		}
		if err != nil {
			return handled, err
		}
		w.process(ctx, d)
		handled++
	}
}

// Run starts the consumers and blocks until ctx is cancelled or a consumer fails.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Int("concurrency", w.config.Concurrency).Msg("Starting season workers")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		g.Go(func() error {
			return w.consume(ctx)
		})
	}

	err := g.Wait()
	w.logger.Info().Msg("Season workers stopped")
	return err
}

func (w *Worker) consume(ctx context.Context) error {
	for ctx.Err() == nil {
		d, err := w.queue.Receive(ctx, w.config.ReceiveTimeout)
		switch {
		case errors.Is(err, queue.ErrNoMessage):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error().Err(err).Msg("Failed to receive message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		w.process(ctx, d)
	}
	return nil
}

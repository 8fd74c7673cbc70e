package importer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/season-sync/pkg/progress"
	"github.com/Sternrassler/season-sync/pkg/queue"
	"github.com/Sternrassler/season-sync/pkg/tvmaze"
)

// Health metric names written by the Updater.
const (
	MetricUpdatesProcessed = "updates_processed"
	MetricUpdatesFailed    = "updates_failed"
)

// UpdateFetcher lists recently updated shows.
type UpdateFetcher interface {
	GetShowUpdates(ctx context.Context, period tvmaze.Period) (map[int]int64, error)
}

// HealthRecorder stores data health metrics.
type HealthRecorder interface {
	UpdateDataHealth(ctx context.Context, name string, value float64, threshold *progress.Threshold)
}

// UpdateResult summarizes one updates pass.
type UpdateResult struct {
	Found  int `json:"found"`
	Queued int `json:"queued"`
}

// Updater re-syncs the seasons of shows that changed upstream.
type Updater struct {
	source UpdateFetcher
	queue  Enqueuer
	health HealthRecorder
	logger zerolog.Logger
}

// NewUpdater creates an Updater.
func NewUpdater(source UpdateFetcher, q Enqueuer, health HealthRecorder, logger zerolog.Logger) *Updater {
	return &Updater{source: source, queue: q, health: health, logger: logger}
}

// Run enqueues one entity task per show updated within period. Tasks carry no run id.
// It records updates_processed, healthy while at least 95% of updates were queued,
// and updates_failed, healthy while zero.
func (u *Updater) Run(ctx context.Context, period tvmaze.Period) (UpdateResult, error) {
	logger := u.logger.With().Str("since", string(period)).Logger()

	updates, err := u.source.GetShowUpdates(ctx, period)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get show updates")
		u.health.UpdateDataHealth(ctx, MetricUpdatesFailed, 1, progress.AtMost(0))
		return UpdateResult{}, fmt.Errorf("get show updates: %w", err)
	}
	u.health.UpdateDataHealth(ctx, MetricUpdatesFailed, 0, progress.AtMost(0))

	result := UpdateResult{Found: len(updates)}
	if len(updates) == 0 {
		logger.Info().Msg("No updates found")
		return result, nil
	}

	ids := make([]int, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		if err := u.queue.Enqueue(ctx, queue.EntityTask{ShowID: id}); err != nil {
			logger.Error().Err(err).Int("show_id", id).Msg("Failed to queue show update")
			continue
		}
		result.Queued++
	}

	logger.Info().Int("queued", result.Queued).Int("found", result.Found).Msg("Queued show updates for season processing")
	u.health.UpdateDataHealth(ctx, MetricUpdatesProcessed, float64(result.Queued),
		progress.AtLeast(math.Floor(float64(result.Found)*0.95)))
	return result, nil
}

// RunEvery runs an updates pass every interval until ctx is done. Failed passes are
// logged and retried on the next tick.
func (u *Updater) RunEvery(ctx context.Context, interval time.Duration, period tvmaze.Period) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := u.Run(ctx, period); err != nil {
				u.logger.Warn().Err(err).Msg("Scheduled updates pass failed")
			}
		}
	}
}

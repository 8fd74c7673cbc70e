package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/season-sync/pkg/kvstore"
)

// Overall health states reported by HealthSummary.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// RetryWindow is how far back HealthSummary counts retry attempts.
const RetryWindow = 24 * time.Hour

// Threshold bounds a data health metric. A Min threshold is breached when the value
// falls below Limit, any other threshold when the value rises above it.
type Threshold struct {
	Limit float64 `json:"limit"`
	Min   bool    `json:"min"`
}

// AtLeast returns a threshold breached by values below limit.
func AtLeast(limit float64) *Threshold {
	return &Threshold{Limit: limit, Min: true}
}

// AtMost returns a threshold breached by values above limit.
func AtMost(limit float64) *Threshold {
	return &Threshold{Limit: limit}
}

// Allows reports whether value is within the threshold.
func (th *Threshold) Allows(value float64) bool {
	if th == nil {
		return true
	}
	if th.Min {
		return value >= th.Limit
	}
	return value <= th.Limit
}

// DataHealthMetric is the latest value of a named health metric.
type DataHealthMetric struct {
	Name        string     `json:"name"`
	Value       float64    `json:"value"`
	Threshold   *Threshold `json:"threshold,omitempty"`
	LastUpdated time.Time  `json:"last_updated"`
	IsHealthy   bool       `json:"is_healthy"`
}

// DeadLetterCounter reports how many items are parked in the dead-letter store.
type DeadLetterCounter interface {
	Count(ctx context.Context) (int, error)
}

// HealthSummary aggregates the tracking tables.
type HealthSummary struct {
	LastCheck        time.Time `json:"last_check"`
	ActiveImports    int       `json:"active_imports"`
	CompletedImports int       `json:"completed_imports"`
	FailedImports    int       `json:"failed_imports"`
	RetryAttempts    int       `json:"retry_attempts_24h"`
	DeadLetters      int       `json:"dead_letters"`
	UnhealthyMetrics []string  `json:"unhealthy_metrics"`
	OverallHealth    string    `json:"overall_health"`
}

// UpdateDataHealth records the current value of a health metric. A nil threshold
// means the metric is always healthy.
func (t *Tracker) UpdateDataHealth(ctx context.Context, name string, value float64, threshold *Threshold) {
	metric := DataHealthMetric{
		Name:        name,
		Value:       value,
		Threshold:   threshold,
		LastUpdated: t.now(),
		IsHealthy:   threshold.Allows(value),
	}

	if err := t.store.Upsert(ctx, DataHealthTable, kvstore.Key(HealthPartition, name), metric); err != nil {
		progressWriteErrorsTotal.WithLabelValues("health").Inc()
		t.logger.Error().Err(err).Str("metric", name).Msg("Failed to update data health metric")
		return
	}

	if !metric.IsHealthy {
		t.logger.Warn().
			Str("metric", name).
			Float64("value", value).
			Float64("threshold", threshold.Limit).
			Msg("Data health metric outside threshold")
	}
}

// DataHealth returns every recorded health metric.
func (t *Tracker) DataHealth(ctx context.Context) ([]DataHealthMetric, error) {
	entries, err := t.store.Query(ctx, DataHealthTable, kvstore.Query{Prefix: HealthPartition + "/"})
	if err != nil {
		return nil, fmt.Errorf("query data health: %w", err)
	}

	metrics := make([]DataHealthMetric, 0, len(entries))
	for _, e := range entries {
		var m DataHealthMetric
		if err := e.Decode(&m); err != nil {
			t.logger.Warn().Err(err).Str("key", e.Key).Msg("Skipping undecodable health metric")
			continue
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

// HealthSummary aggregates run, retry, dead-letter and data health state. deadLetters
// may be nil.
func (t *Tracker) HealthSummary(ctx context.Context, deadLetters DeadLetterCounter) (HealthSummary, error) {
	now := t.now()
	summary := HealthSummary{LastCheck: now, UnhealthyMetrics: []string{}}

	runs, err := t.Runs(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	for _, r := range runs {
		switch r.Status {
		case StatusPending, StatusInProgress:
			summary.ActiveImports++
		case StatusCompleted:
			summary.CompletedImports++
		case StatusFailed:
			summary.FailedImports++
		default:
			t.logger.Warn().Str("import_id", r.RunID).Int("status", int(r.Status)).Msg("Run with unknown status")
		}
	}

	retries, err := t.RetryAttempts(ctx, "", now.Add(-RetryWindow))
	if err != nil {
		return HealthSummary{}, err
	}
	summary.RetryAttempts = len(retries)

	if deadLetters != nil {
		n, err := deadLetters.Count(ctx)
		if err != nil {
			return HealthSummary{}, fmt.Errorf("count dead letters: %w", err)
		}
		summary.DeadLetters = n
	}

	metrics, err := t.DataHealth(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	for _, m := range metrics {
		if !m.IsHealthy {
			summary.UnhealthyMetrics = append(summary.UnhealthyMetrics, m.Name)
		}
	}

	switch {
	case len(summary.UnhealthyMetrics) > 0:
		summary.OverallHealth = HealthUnhealthy
	case summary.DeadLetters > 0:
		summary.OverallHealth = HealthDegraded
	default:
		summary.OverallHealth = HealthHealthy
	}
	return summary, nil
}

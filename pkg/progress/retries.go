package progress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Sternrassler/season-sync/pkg/kvstore"
)

// RetryRecord documents one failed attempt of an operation. Records are immutable.
type RetryRecord struct {
	OperationType string    `json:"operation_type"`
	Identifier    string    `json:"identifier"`
	AttemptNumber int       `json:"attempt_number"`
	MaxAttempts   int       `json:"max_attempts"`
	ErrorMessage  string    `json:"error_message"`
	AttemptTime   time.Time `json:"attempt_time"`
	NextRetryTime time.Time `json:"next_retry_time"`
}

func retryKey(operationType, identifier string, attempt int) string {
	return kvstore.Key(operationType, fmt.Sprintf("%s_%d", identifier, attempt))
}

// TrackRetryAttempt persists a retry record. AttemptTime and NextRetryTime are filled
// in when zero; NextRetryTime defaults to 2^attempt minutes after the attempt. A record
// for the same operation, identifier and attempt is never overwritten.
func (t *Tracker) TrackRetryAttempt(ctx context.Context, rec RetryRecord) {
	if rec.AttemptTime.IsZero() {
		rec.AttemptTime = t.now()
	}
	if rec.NextRetryTime.IsZero() {
		rec.NextRetryTime = rec.AttemptTime.Add(time.Duration(math.Pow(2, float64(rec.AttemptNumber))) * time.Minute)
	}

	key := retryKey(rec.OperationType, rec.Identifier, rec.AttemptNumber)
	err := t.store.Insert(ctx, RetryTrackingTable, key, rec)
	switch {
	case err == nil:
		t.logger.Info().
			Str("operation_type", rec.OperationType).
			Str("identifier", rec.Identifier).
			Int("attempt", rec.AttemptNumber).
			Int("max_attempts", rec.MaxAttempts).
			Msg("Tracked retry attempt")
	case errors.Is(err, kvstore.ErrExists):
		t.logger.Debug().
			Str("operation_type", rec.OperationType).
			Str("identifier", rec.Identifier).
			Int("attempt", rec.AttemptNumber).
			Msg("Retry attempt already tracked")
	default:
		progressWriteErrorsTotal.WithLabelValues("retry").Inc()
		t.logger.Error().Err(err).
			Str("operation_type", rec.OperationType).
			Str("identifier", rec.Identifier).
			Int("attempt", rec.AttemptNumber).
			Msg("Failed to track retry attempt")
	}
}

// RetryAttempts returns retry records attempted at or after since. An empty
// operationType selects every operation.
func (t *Tracker) RetryAttempts(ctx context.Context, operationType string, since time.Time) ([]RetryRecord, error) {
	q := kvstore.Query{}
	if operationType != "" {
		q.Prefix = operationType + "/"
	}

	entries, err := t.store.Query(ctx, RetryTrackingTable, q)
	if err != nil {
		return nil, fmt.Errorf("query retry attempts: %w", err)
	}

	var records []RetryRecord
	for _, e := range entries {
		var rec RetryRecord
		if err := e.Decode(&rec); err != nil {
			t.logger.Warn().Err(err).Str("key", e.Key).Msg("Skipping undecodable retry record")
			continue
		}
		if rec.AttemptTime.Before(since) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

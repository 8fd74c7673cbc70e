// Package deadletter parks permanently failed work items for manual inspection.
//
// Envelopes are kept in the key-value store table "seasondeadletters", partitioned by
// operation type and ordered by failure time. Requeue hands the original message back
// to the work queue and removes the envelope.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/season-sync/pkg/kvstore"
)

// Table holds dead-letter envelopes.
const Table = "seasondeadletters"

var (
	deadLettersSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_dead_letters_total",
		Help: "Total number of work items moved to the dead-letter store by operation type",
	}, []string{"operation_type"})

	deadLettersRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seasonsync_dead_letters_requeued_total",
		Help: "Total number of dead-lettered work items handed back to the queue",
	})
)

// Envelope wraps a failed message with the reason it was given up on.
type Envelope struct {
	OriginalMessage     json.RawMessage `json:"original_message"`
	OperationType       string          `json:"operation_type"`
	FailureReason       string          `json:"failure_reason"`
	OriginalEnqueueTime time.Time       `json:"original_enqueue_time"`
	FinalFailureTime    time.Time       `json:"final_failure_time"`
	MessageID           string          `json:"message_id,omitempty"`
}

// Item is a stored envelope together with its store key.
type Item struct {
	Key      string
	Envelope Envelope
}

// Enqueuer puts a payload back on the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any) error
}

// Sink stores dead-letter envelopes.
type Sink struct {
	store  kvstore.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewSink creates a dead-letter sink on store.
func NewSink(store kvstore.Store, logger zerolog.Logger) *Sink {
	return &Sink{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Send stores an envelope. FinalFailureTime is set when zero.
func (s *Sink) Send(ctx context.Context, env Envelope) error {
	if env.FinalFailureTime.IsZero() {
		env.FinalFailureTime = s.now()
	}
	if len(env.OriginalMessage) == 0 {
		env.OriginalMessage = json.RawMessage("{}")
	}

	row := fmt.Sprintf("%020d", env.FinalFailureTime.UnixNano())
	if env.MessageID != "" {
		row += "-" + env.MessageID
	}
	key := kvstore.Key(env.OperationType, row)

	if err := s.store.Upsert(ctx, Table, key, env); err != nil {
		return fmt.Errorf("store dead letter %s: %w", key, err)
	}

	deadLettersSentTotal.WithLabelValues(env.OperationType).Inc()
	s.logger.Warn().
		Str("operation_type", env.OperationType).
		Str("message_id", env.MessageID).
		Str("failure_reason", env.FailureReason).
		Msg("Message sent to dead letter store")
	return nil
}

// List returns up to limit envelopes, oldest first per operation type. limit <= 0
// returns all.
func (s *Sink) List(ctx context.Context, limit int) ([]Item, error) {
	entries, err := s.store.Query(ctx, Table, kvstore.Query{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		var env Envelope
		if err := e.Decode(&env); err != nil {
			s.logger.Warn().Err(err).Str("key", e.Key).Msg("Skipping undecodable dead letter")
			continue
		}
		items = append(items, Item{Key: e.Key, Envelope: env})
	}
	return items, nil
}

// Count returns the number of stored envelopes.
func (s *Sink) Count(ctx context.Context) (int, error) {
	entries, err := s.store.Query(ctx, Table, kvstore.Query{})
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return len(entries), nil
}

// Requeue hands up to limit envelopes back to q and deletes them. An envelope is only
// deleted after its message was enqueued. It returns the number requeued.
func (s *Sink) Requeue(ctx context.Context, q Enqueuer, limit int) (int, error) {
	items, err := s.List(ctx, limit)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, item := range items {
		if err := q.Enqueue(ctx, item.Envelope.OriginalMessage); err != nil {
			return requeued, fmt.Errorf("requeue %s: %w", item.Key, err)
		}
		if err := s.store.Delete(ctx, Table, item.Key); err != nil {
			return requeued, fmt.Errorf("delete requeued %s: %w", item.Key, err)
		}
		requeued++
		deadLettersRequeuedTotal.Inc()

		s.logger.Info().
			Str("operation_type", item.Envelope.OperationType).
			Str("message_id", item.Envelope.MessageID).
			Msg("Requeued dead-lettered message")
	}
	return requeued, nil
}

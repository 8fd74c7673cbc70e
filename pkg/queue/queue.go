// Package queue implements the Redis-backed work queue feeding the season workers.
//
// A queue is a Redis list. Every RedisQueue value is one consumer with its own id.
// Receive atomically moves the oldest message onto that consumer's processing list
// (BLMOVE) so a crashed consumer never loses it; Ack removes it from the processing list
// and Nack puts it back on the queue with its delivery counter advanced. Every message
// carries a DequeueCount that reaches the handler, which is what the retry orchestrator
// keys its redelivery decisions on.
//
// Consumers hold a lease: a heartbeat key with a TTL, refreshed by Receive and KeepAlive.
// RecoverInFlight only takes over the processing lists of consumers whose lease has
// expired, so any number of workers can start and recover concurrently.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// Prometheus metrics for queue operations.
var (
	queueEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_queue_enqueued_total",
		Help: "Total number of messages enqueued",
	}, []string{"queue"})

	queueReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_queue_received_total",
		Help: "Total number of messages received by consumers",
	}, []string{"queue"})

	queueRedeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_queue_redelivered_total",
		Help: "Total number of messages returned to the queue for redelivery",
	}, []string{"queue"})

	queueRecoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_queue_recovered_total",
		Help: "Total number of in-flight messages recovered from consumers with an expired lease",
	}, []string{"queue"})
)

// DefaultLease is how long a consumer stays alive without a heartbeat.
const DefaultLease = 30 * time.Second

// ErrNoMessage is returned by Receive when the wait timed out with the queue empty.
var ErrNoMessage = errors.New("no message available")

// Message is a queued payload together with its delivery metadata.
type Message struct {
	// ID uniquely identifies the message across redeliveries.
	ID string `json:"id"`

	// Body is the JSON payload passed to Enqueue.
	Body json.RawMessage `json:"body"`

	// InsertionTime is when the message was first enqueued.
	InsertionTime time.Time `json:"insertion_time"`

	// DequeueCount is the number of times the message has been delivered, including
	// the current delivery. The first delivery has count 1.
	DequeueCount int `json:"dequeue_count"`
}

// Delivery is a received message that must be acknowledged with Ack or Nack.
type Delivery struct {
	Message

	// raw is the exact list element on the processing list.
	raw string
}

// RedisQueue is a consumer of a named work queue stored in Redis.
type RedisQueue struct {
	redis    *redis.Client
	name     string
	consumer string
	lease    time.Duration
	now      func() time.Time
}

// NewRedisQueue creates a consumer of the queue with the given name and a fresh
// consumer id.
func NewRedisQueue(redisClient *redis.Client, name string) *RedisQueue {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisQueue{
		redis:    redisClient,
		name:     name,
		consumer: uuid.NewString(),
		lease:    DefaultLease,
		now:      time.Now,
	}
}

// SetLease changes how long the consumer stays alive without a heartbeat.
func (q *RedisQueue) SetLease(lease time.Duration) {
	if lease > 0 {
		q.lease = lease
	}
}

// Name returns the queue name.
func (q *RedisQueue) Name() string {
	return q.name
}

// Consumer returns the consumer id.
func (q *RedisQueue) Consumer() string {
	return q.consumer
}

func (q *RedisQueue) consumersKey() string {
	return q.name + ":consumers"
}

func (q *RedisQueue) processingKeyOf(consumer string) string {
	return q.name + ":processing:" + consumer
}

func (q *RedisQueue) heartbeatKeyOf(consumer string) string {
	return q.name + ":heartbeat:" + consumer
}

func (q *RedisQueue) processingKey() string {
	return q.processingKeyOf(q.consumer)
}

// Heartbeat registers the consumer and renews its lease.
func (q *RedisQueue) Heartbeat(ctx context.Context) error {
	_, err := q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.heartbeatKeyOf(q.consumer), q.now().UTC().Format(time.RFC3339), q.lease)
		pipe.SAdd(ctx, q.consumersKey(), q.consumer)
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat %s on %s: %w", q.consumer, q.name, err)
	}
	return nil
}

// KeepAlive renews the lease every third of its duration until ctx is done. It keeps
// slow handlers from losing their in-flight messages to RecoverInFlight.
func (q *RedisQueue) KeepAlive(ctx context.Context) error {
	ticker := time.NewTicker(q.lease / 3)
	defer ticker.Stop()

	for {
		if err := q.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Enqueue marshals payload to JSON and appends it to the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	msg := Message{
		ID:            uuid.NewString(),
		Body:          body,
		InsertionTime: q.now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := q.redis.LPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("enqueue to %s: %w", q.name, err)
	}

	queueEnqueuedTotal.WithLabelValues(q.name).Inc()
	return nil
}

// Receive waits up to timeout for the next message. It returns ErrNoMessage when the
// wait expires. The returned delivery already counts the current delivery.
func (q *RedisQueue) Receive(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	if err := q.Heartbeat(ctx); err != nil {
		return nil, err
	}

	raw, err := q.redis.BLMove(ctx, q.name, q.processingKey(), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoMessage
		}
		return nil, fmt.Errorf("receive from %s: %w", q.name, err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Undecodable entries would be redelivered forever; drop them.
		q.redis.LRem(ctx, q.processingKey(), 1, raw)
		return nil, fmt.Errorf("decode message from %s: %w", q.name, err)
	}
	msg.DequeueCount++

	queueReceivedTotal.WithLabelValues(q.name).Inc()
	return &Delivery{Message: msg, raw: raw}, nil
}

// Ack removes a processed delivery.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.redis.LRem(ctx, q.processingKey(), 1, d.raw).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", d.ID, q.name, err)
	}
	return nil
}

// Nack returns a delivery to the back of the queue so it will be delivered again with a
// higher DequeueCount.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery) error {
	data, err := json.Marshal(d.Message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	_, err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, d.raw)
		pipe.LPush(ctx, q.name, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("nack %s on %s: %w", d.ID, q.name, err)
	}

	queueRedeliveredTotal.WithLabelValues(q.name).Inc()
	return nil
}

// RecoverInFlight returns the in-flight messages of consumers whose lease has expired
// to the queue, counting the interrupted delivery. Live consumers are left alone.
func (q *RedisQueue) RecoverInFlight(ctx context.Context) (int, error) {
	if err := q.Heartbeat(ctx); err != nil {
		return 0, err
	}

	consumers, err := q.redis.SMembers(ctx, q.consumersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list consumers of %s: %w", q.name, err)
	}

	recovered := 0
	for _, consumer := range consumers {
		if consumer == q.consumer {
			continue
		}
		alive, err := q.redis.Exists(ctx, q.heartbeatKeyOf(consumer)).Result()
		if err != nil {
			return recovered, fmt.Errorf("check lease of %s on %s: %w", consumer, q.name, err)
		}
		if alive > 0 {
			continue
		}

		n, err := q.takeOver(ctx, consumer)
		recovered += n
		if err != nil {
			return recovered, err
		}
	}

	if recovered > 0 {
		queueRecoveredTotal.WithLabelValues(q.name).Add(float64(recovered))
	}
	return recovered, nil
}

// takeOver moves the processing list of a dead consumer onto our own one element at a
// time and nacks each element from there. LMOVE hands every element to exactly one
// recovering consumer; if that consumer dies too, its own lease covers the element.
func (q *RedisQueue) takeOver(ctx context.Context, consumer string) (int, error) {
	recovered := 0
	for {
		raw, err := q.redis.LMove(ctx, q.processingKeyOf(consumer), q.processingKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return recovered, fmt.Errorf("take over %s on %s: %w", consumer, q.name, err)
		}

		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			q.redis.LRem(ctx, q.processingKey(), 1, raw)
			continue
		}
		msg.DequeueCount++
		if err := q.Nack(ctx, &Delivery{Message: msg, raw: raw}); err != nil {
			return recovered, err
		}
		recovered++
	}

	// A consumer that was only paused re-registers on its next heartbeat.
	if err := q.redis.SRem(ctx, q.consumersKey(), consumer).Err(); err != nil {
		return recovered, fmt.Errorf("unregister %s on %s: %w", consumer, q.name, err)
	}
	return recovered, nil
}

// Len returns the number of messages waiting in the queue.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.redis.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("length of %s: %w", q.name, err)
	}
	return n, nil
}

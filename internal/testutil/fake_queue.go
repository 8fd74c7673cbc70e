package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sternrassler/season-sync/pkg/queue"
)

// FakeQueue is an in-memory work queue with the delivery semantics of queue.RedisQueue.
type FakeQueue struct {
	mu       sync.Mutex
	pending  []queue.Message
	inFlight map[string]queue.Message
	acked    []queue.Message

	// EnqueueErr, when set, fails every Enqueue call.
	EnqueueErr error
	// FailEnqueue, when set, decides per payload whether Enqueue fails.
	FailEnqueue func(payload any) bool
}

// NewFakeQueue creates an empty queue.
func NewFakeQueue() *FakeQueue {
	return &FakeQueue{inFlight: make(map[string]queue.Message)}
}

// Enqueue appends payload.
func (q *FakeQueue) Enqueue(_ context.Context, payload any) error {
	if q.EnqueueErr != nil {
		return q.EnqueueErr
	}
	if q.FailEnqueue != nil && q.FailEnqueue(payload) {
		return errors.New("enqueue failed")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, queue.Message{
		ID:            uuid.NewString(),
		Body:          body,
		InsertionTime: time.Now().UTC(),
	})
	return nil
}

// Receive pops the oldest pending message without waiting.
func (q *FakeQueue) Receive(ctx context.Context, _ time.Duration) (*queue.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, queue.ErrNoMessage
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	msg.DequeueCount++
	q.inFlight[msg.ID] = msg
	return &queue.Delivery{Message: msg}, nil
}

// Ack completes a delivery.
func (q *FakeQueue) Ack(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.inFlight[d.ID]
	if !ok {
		return fmt.Errorf("message %s is not in flight", d.ID)
	}
	delete(q.inFlight, d.ID)
	q.acked = append(q.acked, msg)
	return nil
}

// Nack returns a delivery to the queue for redelivery.
func (q *FakeQueue) Nack(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.inFlight[d.ID]
	if !ok {
		return fmt.Errorf("message %s is not in flight", d.ID)
	}
	delete(q.inFlight, d.ID)
	q.pending = append(q.pending, msg)
	return nil
}

// Pending returns the decoded work items waiting in the queue.
func (q *FakeQueue) Pending() []queue.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]queue.WorkItem, 0, len(q.pending))
	for _, m := range q.pending {
		if item, err := queue.DecodeWorkItem(m.Body); err == nil {
			items = append(items, item)
		}
	}
	return items
}

// Len returns the number of pending messages.
func (q *FakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Acked returns the acknowledged messages.
func (q *FakeQueue) Acked() []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Message(nil), q.acked...)
}

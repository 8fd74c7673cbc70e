package importer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/season-sync/pkg/progress"
	"github.com/Sternrassler/season-sync/pkg/queue"
	"github.com/Sternrassler/season-sync/pkg/tvmaze"
)

func TestNewWorker_Defaults(t *testing.T) {
	w := NewWorker(WorkerConfig{}, nil, nil, nil, nil, nil, nil, zerolog.Nop())
	assert.Equal(t, DefaultWorkerConfig(), w.config)
}

func TestWorker_FullImport(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.addShows(t, 1, 2, 3)
	f.seasons.set(1, `{"id": 101, "number": 1}`, `{"id": 102, "number": 2}`)
	f.seasons.set(2, `{"id": 201, "number": 1}`)
	f.seasons.set(3, `{"id": 301, "number": 1}`, `{"id": 302, "number": 2}`)

	runID, err := f.coord.Start(ctx)
	require.NoError(t, err)

	handled, err := f.worker.Drain(ctx)
	require.NoError(t, err)
	// Two page tokens and three entity tasks.
	assert.Equal(t, 5, handled)
	assert.Zero(t, f.queue.Len())

	rec, ok := f.runs.GetStatus(ctx, runID)
	require.True(t, ok)
	assert.Equal(t, progress.StatusCompleted, rec.Status)
	assert.Equal(t, 5, rec.CompletedCount)
	assert.Zero(t, rec.FailedCount)

	assert.Equal(t, map[int]int{101: 1, 102: 1, 201: 2, 301: 3, 302: 3}, f.writer.written)
}

func TestWorker_ExactMultipleOfBatchSize(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.addShows(t, 1, 2)

	runID, err := f.coord.Start(ctx)
	require.NoError(t, err)

	_, err = f.worker.Drain(ctx)
	require.NoError(t, err)

	rec, _ := f.runs.GetStatus(ctx, runID)
	assert.Equal(t, progress.StatusCompleted, rec.Status, "empty page ends the run")
}

func TestWorker_EmptyIndex(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	runID, err := f.coord.Start(ctx)
	require.NoError(t, err)

	handled, err := f.worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	rec, _ := f.runs.GetStatus(ctx, runID)
	assert.Equal(t, progress.StatusCompleted, rec.Status)
	assert.Zero(t, rec.CompletedCount)
}

func TestWorker_TransientWriteRecovers(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	f.seasons.set(7, `{"id": 70, "number": 1}`)
	f.writer.failures[70] = 2

	require.NoError(t, f.runs.Start(ctx, "run", -1, -1))
	require.NoError(t, f.queue.Enqueue(ctx, queue.EntityTask{ShowID: 7, RunID: "run"}))

	_, err := f.worker.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, f.writer.attempts[70])
	rec, _ := f.runs.GetStatus(ctx, "run")
	assert.Equal(t, 1, rec.CompletedCount)
	assert.Equal(t, 70, rec.LastProcessedID)

	retries, err := f.runs.RetryAttempts(ctx, OperationDatabaseWrite, time.Time{})
	require.NoError(t, err)
	assert.Len(t, retries, 2)
}

func TestWorker_ExhaustedWriteCountsAsFailed(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	f.seasons.set(7, `{"id": 70, "number": 1}`, `{"id": 71, "number": 2}`)
	f.writer.failures[70] = -1

	require.NoError(t, f.runs.Start(ctx, "run", -1, -1))
	require.NoError(t, f.queue.Enqueue(ctx, queue.EntityTask{ShowID: 7, RunID: "run"}))

	handled, err := f.worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled, "season failures do not redeliver the message")
	assert.Len(t, f.queue.Acked(), 1)

	assert.Equal(t, 3, f.writer.attempts[70])
	rec, _ := f.runs.GetStatus(ctx, "run")
	assert.Equal(t, 1, rec.CompletedCount)
	assert.Equal(t, 1, rec.FailedCount)

	count, err := f.sink.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWorker_SeasonWithoutID(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	f.seasons.set(7, `{"number": 1}`, `{"id": 71, "number": 2}`)

	require.NoError(t, f.runs.Start(ctx, "run", -1, -1))
	require.NoError(t, f.queue.Enqueue(ctx, queue.EntityTask{ShowID: 7, RunID: "run"}))

	_, err := f.worker.Drain(ctx)
	require.NoError(t, err)

	rec, _ := f.runs.GetStatus(ctx, "run")
	assert.Equal(t, 1, rec.CompletedCount)
	assert.Zero(t, rec.FailedCount, "a season without id is not counted")
	assert.Equal(t, map[int]int{71: 7}, f.writer.written)
}

func TestWorker_UpdateTaskHasNoRun(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	f.seasons.set(7, `{"id": 70, "number": 1}`)

	require.NoError(t, f.queue.Enqueue(ctx, queue.EntityTask{ShowID: 7}))

	_, err := f.worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{70: 7}, f.writer.written)

	runs, err := f.runs.Runs(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestWorker_FetchFailureIsDeadLettered(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	f.seasons.errs[5] = errors.New("catalog unavailable")

	require.NoError(t, f.queue.Enqueue(ctx, queue.EntityTask{ShowID: 5}))

	handled, err := f.worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, handled)
	assert.Equal(t, 3, f.seasons.calls[5])
	assert.Zero(t, f.queue.Len())

	items, err := f.sink.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, OperationShowSeasons, items[0].Envelope.OperationType)
	assert.Contains(t, items[0].Envelope.FailureReason, "Final attempt failed")
	assert.JSONEq(t, `{"show_id": 5}`, string(items[0].Envelope.OriginalMessage))

	retries, err := f.runs.RetryAttempts(ctx, OperationShowSeasons, time.Time{})
	require.NoError(t, err)
	assert.Len(t, retries, 2, "second and third deliveries are recorded")
}

func TestWorker_ShowNotFound(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	f.seasons.errs[5] = fmt.Errorf("get seasons: %w", tvmaze.ErrNotFound)

	require.NoError(t, f.queue.Enqueue(ctx, queue.EntityTask{ShowID: 5}))

	handled, err := f.worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, 1, f.seasons.calls[5])

	count, _ := f.sink.Count(ctx)
	assert.Zero(t, count)
}

func TestWorker_InvalidWorkItemIsDiscarded(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, map[string]any{"show_id": "abc"}))
	require.NoError(t, f.queue.Enqueue(ctx, map[string]any{"action": "unknown"}))

	handled, err := f.worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, handled)
	assert.Len(t, f.queue.Acked(), 2)

	count, _ := f.sink.Count(ctx)
	assert.Zero(t, count)
}

func TestWorker_PageContinuationFailureIsRedelivered(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	require.NoError(t, f.runs.Start(ctx, "run", -1, -1))
	f.addShows(t, 1, 2)
	require.NoError(t, f.queue.Enqueue(ctx, queue.PageToken{RunID: "run", BatchNumber: 0, BatchSize: 2}))
	f.queue.FailEnqueue = func(payload any) bool {
		_, ok := payload.(queue.PageToken)
		return ok
	}

	handled, err := f.worker.Drain(ctx)
	require.NoError(t, err)

	items, err := f.sink.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1, "the page token is dead-lettered after its deliveries")
	assert.Equal(t, 3+6, handled, "three page deliveries and the tasks each of them enqueued")
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 100)
	f.seasons.set(7, `{"id": 70, "number": 1}`)
	require.NoError(t, f.queue.Enqueue(context.Background(), queue.EntityTask{ShowID: 7}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.queue.Acked()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/season-sync/pkg/kvstore"
)

// flakyStore fails selected operations of a MemoryStore.
type flakyStore struct {
	*kvstore.MemoryStore
	failWrites bool
	failReads  bool
}

var errStoreDown = errors.New("store unavailable")

func (f *flakyStore) Upsert(ctx context.Context, table, key string, value any) error {
	if f.failWrites {
		return errStoreDown
	}
	return f.MemoryStore.Upsert(ctx, table, key, value)
}

func (f *flakyStore) Insert(ctx context.Context, table, key string, value any) error {
	if f.failWrites {
		return errStoreDown
	}
	return f.MemoryStore.Insert(ctx, table, key, value)
}

func (f *flakyStore) Get(ctx context.Context, table, key string, dest any) error {
	if f.failReads {
		return errStoreDown
	}
	return f.MemoryStore.Get(ctx, table, key, dest)
}

func newTestTracker(store kvstore.Store) (*Tracker, *bytes.Buffer) {
	var buf bytes.Buffer
	tr := NewTracker(store, zerolog.New(&buf))
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }
	return tr, &buf
}

func countLevel(buf *bytes.Buffer, level string) int {
	return strings.Count(buf.String(), `"level":"`+level+`"`)
}

func TestStatus_TextRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var got Status
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}

	var s Status
	assert.Error(t, s.UnmarshalText([]byte("running")))
	_, err := Status(42).MarshalText()
	assert.Error(t, err)
}

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusInProgress, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRunRecord_JSONStatusIsText(t *testing.T) {
	data, err := json.Marshal(RunRecord{RunID: "r", Status: StatusInProgress})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"in_progress"`)
}

func TestTracker_StartRecordFinish(t *testing.T) {
	store := kvstore.NewMemoryStore()
	tr, _ := newTestTracker(store)
	ctx := context.Background()

	require.NoError(t, tr.Start(ctx, "run-1", -1, -1))

	tr.RecordOutcome(ctx, "run-1", 10, true)
	tr.RecordOutcome(ctx, "run-1", 11, true)
	tr.RecordOutcome(ctx, "run-1", 12, false)

	rec, ok := tr.GetStatus(ctx, "run-1")
	require.True(t, ok)
	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Equal(t, 2, rec.CompletedCount)
	assert.Equal(t, 1, rec.FailedCount)
	assert.Equal(t, 12, rec.LastProcessedID)
	assert.Equal(t, -1, rec.EstimatedTotal)
	assert.Nil(t, rec.EndTime)

	tr.Finish(ctx, "run-1", StatusCompleted)

	rec, ok = tr.GetStatus(ctx, "run-1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, rec.Status)
	require.NotNil(t, rec.EndTime)
	assert.Equal(t, 2, rec.CompletedCount, "finish must keep counters")
}

func TestTracker_RecordOutcome_UnknownRun(t *testing.T) {
	store := kvstore.NewMemoryStore()
	tr, buf := newTestTracker(store)

	assert.NotPanics(t, func() {
		tr.RecordOutcome(context.Background(), "missing", 1, true)
	})

	assert.Equal(t, 0, store.Writes(), "unknown run must not be written")
	assert.Equal(t, 1, countLevel(buf, "error"), "exactly one error log, got: %s", buf.String())
}

func TestTracker_Finish_UnknownRun(t *testing.T) {
	store := kvstore.NewMemoryStore()
	tr, buf := newTestTracker(store)

	tr.Finish(context.Background(), "missing", StatusFailed)

	assert.Equal(t, 0, store.Writes())
	assert.Equal(t, 1, countLevel(buf, "error"))
}

func TestTracker_Finish_AlreadyFinished(t *testing.T) {
	tests := []struct {
		name   string
		first  Status
		second Status
	}{
		{"completed run redelivered", StatusCompleted, StatusCompleted},
		{"failed run later completed", StatusFailed, StatusCompleted},
		{"completed run later failed", StatusCompleted, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := kvstore.NewMemoryStore()
			tr, buf := newTestTracker(store)
			ctx := context.Background()

			require.NoError(t, tr.Start(ctx, "run-1", -1, -1))
			tr.Finish(ctx, "run-1", tt.first)
			first, ok := tr.GetStatus(ctx, "run-1")
			require.True(t, ok)
			writes := store.Writes()

			tr.now = func() time.Time { return time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC) }
			tr.Finish(ctx, "run-1", tt.second)

			rec, ok := tr.GetStatus(ctx, "run-1")
			require.True(t, ok)
			assert.Equal(t, tt.first, rec.Status)
			require.NotNil(t, rec.EndTime)
			assert.True(t, first.EndTime.Equal(*rec.EndTime), "end time stamped once")
			assert.Equal(t, writes, store.Writes(), "no write for a finished run")
			assert.Equal(t, 1, countLevel(buf, "warn"))
		})
	}
}

func TestTracker_StoreFailuresAreLogged(t *testing.T) {
	store := &flakyStore{MemoryStore: kvstore.NewMemoryStore()}
	tr, buf := newTestTracker(store)
	ctx := context.Background()

	require.NoError(t, tr.Start(ctx, "run-1", -1, -1))

	store.failWrites = true
	tr.RecordOutcome(ctx, "run-1", 1, true)
	tr.Finish(ctx, "run-1", StatusCompleted)
	tr.TrackRetryAttempt(ctx, RetryRecord{OperationType: "op", Identifier: "id", AttemptNumber: 1})
	tr.UpdateDataHealth(ctx, "m", 1, nil)
	assert.Equal(t, 4, countLevel(buf, "error"))

	assert.Error(t, tr.Start(ctx, "run-2", -1, -1), "Start reports store failures")

	store.failWrites = false
	store.failReads = true
	buf.Reset()
	tr.RecordOutcome(ctx, "run-1", 1, true)
	assert.Equal(t, 1, countLevel(buf, "error"))

	_, ok := tr.GetStatus(ctx, "run-1")
	assert.False(t, ok)
}

func TestTracker_GetStatus_Unknown(t *testing.T) {
	tr, buf := newTestTracker(kvstore.NewMemoryStore())

	rec, ok := tr.GetStatus(context.Background(), "nope")
	assert.False(t, ok)
	assert.Equal(t, RunRecord{}, rec)
	assert.Empty(t, buf.String(), "not found is not an error for status lookups")
}

func TestTracker_TrackRetryAttempt(t *testing.T) {
	store := kvstore.NewMemoryStore()
	tr, _ := newTestTracker(store)
	ctx := context.Background()

	tr.TrackRetryAttempt(ctx, RetryRecord{
		OperationType: "database_write",
		Identifier:    "season_7",
		AttemptNumber: 2,
		MaxAttempts:   3,
		ErrorMessage:  "connection reset",
	})

	var rec RetryRecord
	require.NoError(t, store.Get(ctx, RetryTrackingTable, "database_write/season_7_2", &rec))
	assert.Equal(t, "connection reset", rec.ErrorMessage)
	assert.Equal(t, 4*time.Minute, rec.NextRetryTime.Sub(rec.AttemptTime))

	// Records are immutable: a second write for the same attempt is ignored.
	tr.TrackRetryAttempt(ctx, RetryRecord{
		OperationType: "database_write",
		Identifier:    "season_7",
		AttemptNumber: 2,
		ErrorMessage:  "other",
	})
	require.NoError(t, store.Get(ctx, RetryTrackingTable, "database_write/season_7_2", &rec))
	assert.Equal(t, "connection reset", rec.ErrorMessage)
}

func TestTracker_RetryAttempts(t *testing.T) {
	tr, _ := newTestTracker(kvstore.NewMemoryStore())
	ctx := context.Background()
	now := tr.now()

	tr.TrackRetryAttempt(ctx, RetryRecord{OperationType: "show_seasons", Identifier: "a", AttemptNumber: 1, AttemptTime: now.Add(-time.Hour)})
	tr.TrackRetryAttempt(ctx, RetryRecord{OperationType: "show_seasons", Identifier: "b", AttemptNumber: 1, AttemptTime: now.Add(-48 * time.Hour)})
	tr.TrackRetryAttempt(ctx, RetryRecord{OperationType: "database_write", Identifier: "c", AttemptNumber: 1, AttemptTime: now})

	recent, err := tr.RetryAttempts(ctx, "", now.Add(-RetryWindow))
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	shows, err := tr.RetryAttempts(ctx, "show_seasons", time.Time{})
	require.NoError(t, err)
	assert.Len(t, shows, 2)
}

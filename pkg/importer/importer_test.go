package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/season-sync/internal/testutil"
	"github.com/Sternrassler/season-sync/pkg/deadletter"
	"github.com/Sternrassler/season-sync/pkg/kvstore"
	"github.com/Sternrassler/season-sync/pkg/pagination"
	"github.com/Sternrassler/season-sync/pkg/progress"
	"github.com/Sternrassler/season-sync/pkg/retry"
	"github.com/Sternrassler/season-sync/pkg/season"
)

const showTable = "shows"

// fakeSeasons serves seasons per show id.
type fakeSeasons struct {
	mu      sync.Mutex
	seasons map[int][]season.Record
	errs    map[int]error
	calls   map[int]int
}

func newFakeSeasons() *fakeSeasons {
	return &fakeSeasons{
		seasons: make(map[int][]season.Record),
		errs:    make(map[int]error),
		calls:   make(map[int]int),
	}
}

func (f *fakeSeasons) GetSeasons(_ context.Context, showID int) ([]season.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[showID]++
	if err := f.errs[showID]; err != nil {
		return nil, err
	}
	return f.seasons[showID], nil
}

func (f *fakeSeasons) set(showID int, bodies ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, body := range bodies {
		var rec season.Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			panic(err)
		}
		f.seasons[showID] = append(f.seasons[showID], rec)
	}
}

// fakeWriter records upserts keyed by season id. failures[id] transient failures are
// returned before the write succeeds; a negative count fails forever.
type fakeWriter struct {
	mu       sync.Mutex
	written  map[int]int
	failures map[int]int
	attempts map[int]int
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		written:  make(map[int]int),
		failures: make(map[int]int),
		attempts: make(map[int]int),
	}
}

func (w *fakeWriter) Upsert(_ context.Context, rec season.Record, showID int) error {
	id, ok := rec.ID()
	if !ok {
		return retry.Permanent(season.ErrMissingID)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[id]++
	if n := w.failures[id]; n != 0 {
		if n > 0 {
			w.failures[id] = n - 1
		}
		return fmt.Errorf("connection reset while writing season %d", id)
	}
	w.written[id] = showID
	return nil
}

type fixture struct {
	store   *kvstore.MemoryStore
	runs    *progress.Tracker
	sink    *deadletter.Sink
	queue   *testutil.FakeQueue
	index   *pagination.ShowIndex
	seasons *fakeSeasons
	writer  *fakeWriter
	coord   *Coordinator
	worker  *Worker
}

func newFixture(t *testing.T, batchSize int) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	f := &fixture{
		store:   kvstore.NewMemoryStore(),
		queue:   testutil.NewFakeQueue(),
		seasons: newFakeSeasons(),
		writer:  newFakeWriter(),
	}
	f.runs = progress.NewTracker(f.store, logger)
	f.sink = deadletter.NewSink(f.store, logger)
	f.index = pagination.NewShowIndex(f.store, showTable)

	orchestrator := retry.NewOrchestrator(retry.Config{BaseDelay: time.Millisecond, MaxDeliveries: 3}, f.runs, f.sink, logger)
	paginator := pagination.NewPaginator(f.index, f.queue, f.runs, logger)

	f.coord = NewCoordinator(f.runs, f.index, f.queue, f.sink, batchSize, logger)
	f.worker = NewWorker(WorkerConfig{Concurrency: 2, ReceiveTimeout: 10 * time.Millisecond, DBWriteMaxAttempts: 3},
		f.queue, orchestrator, paginator, f.seasons, f.writer, f.runs, logger)
	return f
}

func (f *fixture) addShows(t *testing.T, ids ...int) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.index.Add(context.Background(), pagination.ShowEntry{ID: id}))
	}
}

// failingRuns fails to create run records.
type failingRuns struct {
	*progress.Tracker
}

func (failingRuns) Start(context.Context, string, int, int) error {
	return errors.New("store unavailable")
}

type failingProbe struct{}

func (failingProbe) Probe(context.Context) error {
	return errors.New("index unreachable")
}

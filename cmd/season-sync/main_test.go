package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/season-sync/pkg/importer"
	"github.com/Sternrassler/season-sync/pkg/kvstore"
	"github.com/Sternrassler/season-sync/pkg/pagination"
	"github.com/Sternrassler/season-sync/pkg/progress"
	"github.com/Sternrassler/season-sync/pkg/season"
	"github.com/Sternrassler/season-sync/pkg/tvmaze"
)

type fakeImports struct {
	runs     map[string]progress.RunRecord
	startErr error
	health   progress.HealthSummary
}

func (f *fakeImports) Start(context.Context) (string, error) {
	runID := "seasons_import_20240101_000000_abcd1234"
	if f.startErr != nil {
		return runID, &importer.OrchestrationError{RunID: runID, Err: f.startErr}
	}
	return runID, nil
}

func (f *fakeImports) Status(_ context.Context, runID string) (progress.RunRecord, bool) {
	rec, ok := f.runs[runID]
	return rec, ok
}

func (f *fakeImports) Health(context.Context) (progress.HealthSummary, error) {
	return f.health, nil
}

type fakeUpdates struct {
	period tvmaze.Period
	err    error
}

func (f *fakeUpdates) Run(_ context.Context, period tvmaze.Period) (importer.UpdateResult, error) {
	f.period = period
	return importer.UpdateResult{Found: 1, Queued: 1}, f.err
}

type fakeSeasons struct {
	byID map[int]season.Season
	err  error
}

func (f *fakeSeasons) GetByID(_ context.Context, id int) (season.Season, error) {
	if f.err != nil {
		return season.Season{}, f.err
	}
	s, ok := f.byID[id]
	if !ok {
		return season.Season{}, season.ErrNotFound
	}
	return s, nil
}

func (f *fakeSeasons) ListByShow(_ context.Context, showID int) ([]season.Season, error) {
	out := []season.Season{}
	for _, s := range f.byID {
		if s.ShowID == showID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (f *fakeSeasons) GetByShowAndNumber(_ context.Context, showID, number int) (season.Season, error) {
	for _, s := range f.byID {
		if s.ShowID == showID && s.Number == number {
			return s, nil
		}
	}
	return season.Season{}, season.ErrNotFound
}

func newTestServer() (*server, *fakeImports, *fakeUpdates, *fakeSeasons) {
	name := "Season 1"
	imports := &fakeImports{runs: map[string]progress.RunRecord{
		"run-1": {RunID: "run-1", Status: progress.StatusCompleted, CompletedCount: 12},
	}}
	updates := &fakeUpdates{}
	seasons := &fakeSeasons{byID: map[int]season.Season{
		1: {ID: 1, ShowID: 82, Number: 1, Name: &name},
		2: {ID: 2, ShowID: 82, Number: 2},
	}}
	srv := &server{
		imports: imports,
		updates: updates,
		seasons: seasons,
		ready:   func(context.Context) error { return nil },
		logger:  zerolog.Nop(),
	}
	return srv, imports, updates, seasons
}

func serve(srv *server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer()
	w := serve(srv, "GET", "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "OK" {
		t.Errorf("Expected body 'OK', got '%s'", w.Body.String())
	}
}

func TestReadyEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer()
	srv.ready = func(context.Context) error { return errors.New("redis: connection refused") }

	w := serve(srv, "GET", "/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer()
	serve(srv, "GET", "/health", nil)

	w := serve(srv, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "seasonsync_http_requests_total") {
		t.Error("metrics output does not contain seasonsync_http_requests_total")
	}
}

func TestStartImport(t *testing.T) {
	srv, imports, _, _ := newTestServer()

	w := serve(srv, "POST", "/start_get_seasons", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Import ID: seasons_import_20240101_000000_abcd1234") {
		t.Errorf("body = %q, want the import id", w.Body.String())
	}

	imports.startErr = errors.New("queue down")
	w = serve(srv, "POST", "/start_get_seasons", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500 on start failure, got %d", w.Code)
	}

	w = serve(srv, "GET", "/start_get_seasons", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405 for GET, got %d", w.Code)
	}
}

func TestUpdateManually(t *testing.T) {
	tests := []struct {
		target     string
		wantStatus int
		wantPeriod tvmaze.Period
	}{
		{"/update_seasons_manually", http.StatusAccepted, tvmaze.PeriodDay},
		{"/update_seasons_manually?since=week", http.StatusAccepted, tvmaze.PeriodWeek},
		{"/update_seasons_manually?since=month", http.StatusAccepted, tvmaze.PeriodMonth},
		{"/update_seasons_manually?since=year", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			srv, _, updates, _ := newTestServer()
			w := serve(srv, "POST", tt.target, nil)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if updates.period != tt.wantPeriod {
				t.Errorf("period = %q, want %q", updates.period, tt.wantPeriod)
			}
		})
	}
}

func TestUpdateManually_UpstreamFailure(t *testing.T) {
	srv, _, updates, _ := newTestServer()
	updates.err = errors.New("catalog unavailable")

	w := serve(srv, "POST", "/update_seasons_manually", nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestImportStatus(t *testing.T) {
	srv, _, _, _ := newTestServer()

	w := serve(srv, "GET", "/imports/run-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var rec map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if rec["status"] != "completed" || rec["completed_seasons"] != float64(12) {
		t.Errorf("record = %v", rec)
	}

	w = serve(srv, "GET", "/imports/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHealthSummary(t *testing.T) {
	srv, imports, _, _ := newTestServer()
	imports.health = progress.HealthSummary{ActiveImports: 2, DeadLetters: 1, OverallHealth: progress.HealthUnhealthy}

	w := serve(srv, "GET", "/health_summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"active_imports":2`) || !strings.Contains(w.Body.String(), `"dead_letters":1`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestSeasonByID_ETag(t *testing.T) {
	srv, _, _, _ := newTestServer()

	w := serve(srv, "GET", "/seasons/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Cache-Control"); got != "public, max-age=3600" {
		t.Errorf("Cache-Control = %q", got)
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	if !strings.Contains(w.Body.String(), `"name":"Season 1"`) {
		t.Errorf("body = %s", w.Body.String())
	}

	w = serve(srv, "GET", "/seasons/1", http.Header{"If-None-Match": {etag}})
	if w.Code != http.StatusNotModified {
		t.Errorf("status = %d, want 304 for matching ETag", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("304 response has a body: %q", w.Body.String())
	}

	w = serve(srv, "GET", "/seasons/1", http.Header{"If-None-Match": {strings.Trim(etag, `"`)}})
	if w.Code != http.StatusNotModified {
		t.Errorf("status = %d, want 304 for unquoted ETag", w.Code)
	}

	w = serve(srv, "GET", "/seasons/1", http.Header{"If-None-Match": {`"stale"`}})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for stale ETag", w.Code)
	}
}

func TestSeasonRoutes(t *testing.T) {
	tests := []struct {
		target     string
		wantStatus int
		wantBody   string
	}{
		{"/seasons/99", http.StatusNotFound, "Season not found"},
		{"/seasons/abc", http.StatusBadRequest, "Invalid season ID format"},
		{"/shows/82/seasons", http.StatusOK, `"number":2`},
		{"/shows/5/seasons", http.StatusOK, `[]`},
		{"/shows/abc/seasons", http.StatusBadRequest, "Invalid show ID format"},
		{"/shows/82/seasons/2", http.StatusOK, `"id":2`},
		{"/shows/82/seasons/9", http.StatusNotFound, "Season not found"},
		{"/shows/82/seasons/x", http.StatusBadRequest, "Invalid show ID or season number format"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			srv, _, _, _ := newTestServer()
			w := serve(srv, "GET", tt.target, nil)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestSeasonRoutes_StoreError(t *testing.T) {
	srv, _, _, seasons := newTestServer()
	seasons.err = errors.New("connection refused")

	w := serve(srv, "GET", "/seasons/1", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestEtagMatches(t *testing.T) {
	etag := `"abc"`
	tests := []struct {
		header string
		want   bool
	}{
		{"", false},
		{`"abc"`, true},
		{`abc`, true},
		{`W/"abc"`, true},
		{`"x", "abc"`, true},
		{`*`, true},
		{`"abcd"`, false},
	}
	for _, tt := range tests {
		if got := etagMatches(tt.header, etag); got != tt.want {
			t.Errorf("etagMatches(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestSeedShows(t *testing.T) {
	index := pagination.NewShowIndex(kvstore.NewMemoryStore(), "shows")
	pages := map[int][]json.RawMessage{
		0: {json.RawMessage(`{"id": 1, "name": "Under the Dome", "updated": 1700000000}`), json.RawMessage(`{"name": "no id"}`)},
		1: {json.RawMessage(`{"id": 250, "name": "Kirby Buckets"}`), json.RawMessage(`not json`)},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	added, err := seedShows(ctx, index, pages)
	if err != nil {
		t.Fatalf("seedShows() error = %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}

	members, err := index.FetchPage(ctx, 0, 10)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = m.Key
	}
	if strings.Join(keys, ",") != "1,250" {
		t.Errorf("index keys = %v, want [1 250]", keys)
	}
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	want := []string{"health", "migrate", "requeue", "seed-shows", "serve", "start", "status", "updates", "worker"}

	var got []string
	for _, c := range root.Commands() {
		got = append(got, c.Name())
	}
	sort.Strings(got)
	for _, name := range want {
		i := sort.SearchStrings(got, name)
		if i >= len(got) || got[i] != name {
			t.Errorf("missing subcommand %q (have %v)", name, got)
		}
	}
}

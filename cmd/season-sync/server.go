package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/season-sync/pkg/importer"
	"github.com/Sternrassler/season-sync/pkg/metrics"
	"github.com/Sternrassler/season-sync/pkg/progress"
	"github.com/Sternrassler/season-sync/pkg/season"
	"github.com/Sternrassler/season-sync/pkg/tvmaze"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_http_requests_total",
		Help: "Total number of HTTP requests served by route and status",
	}, []string{"route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seasonsync_http_request_duration_seconds",
		Help:    "HTTP request duration by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// seasonCacheControl is sent with every season read.
const seasonCacheControl = "public, max-age=3600"

// importService starts and inspects import runs.
type importService interface {
	Start(ctx context.Context) (string, error)
	Status(ctx context.Context, runID string) (progress.RunRecord, bool)
	Health(ctx context.Context) (progress.HealthSummary, error)
}

// updateService runs one updates pass.
type updateService interface {
	Run(ctx context.Context, period tvmaze.Period) (importer.UpdateResult, error)
}

// seasonReader reads stored seasons.
type seasonReader interface {
	GetByID(ctx context.Context, id int) (season.Season, error)
	ListByShow(ctx context.Context, showID int) ([]season.Season, error)
	GetByShowAndNumber(ctx context.Context, showID, number int) (season.Season, error)
}

type server struct {
	imports importService
	updates updateService
	seasons seasonReader
	ready   func(ctx context.Context) error
	logger  zerolog.Logger
}

// routes registers every endpoint on a new mux.
func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	s.handle(mux, "POST /start_get_seasons", s.startImport)
	s.handle(mux, "POST /update_seasons_manually", s.updateManually)
	s.handle(mux, "GET /imports/{id}", s.importStatus)
	s.handle(mux, "GET /health_summary", s.healthSummary)
	s.handle(mux, "GET /seasons/{id}", s.seasonByID)
	s.handle(mux, "GET /shows/{show_id}/seasons", s.seasonsByShow)
	s.handle(mux, "GET /shows/{show_id}/seasons/{number}", s.seasonByShowAndNumber)
	s.handle(mux, "GET /health", healthHandler)
	s.handle(mux, "GET /ready", s.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	route := pattern[strings.Index(pattern, " ")+1:]
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		httpRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.ready(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("Readiness check failed")
		http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) startImport(w http.ResponseWriter, r *http.Request) {
	runID, err := s.imports.Start(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Str("import_id", runID).Msg("start_get_seasons failed")
		http.Error(w, fmt.Sprintf("Failed to start import %s", runID), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, "Getting all seasons from TV Maze for all shows. Import ID: %s", runID)
}

func (s *server) updateManually(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")
	if since == "" {
		since = string(tvmaze.PeriodDay)
	}
	period, err := tvmaze.ParsePeriod(since)
	if err != nil {
		s.logger.Error().Str("since", since).Msg("Invalid since parameter provided")
		http.Error(w, "Query parameter 'since' must be 'day', 'week', or 'month'.", http.StatusBadRequest)
		return
	}

	if _, err := s.updates.Run(r.Context(), period); err != nil {
		s.logger.Error().Err(err).Msg("update_seasons_manually failed")
		http.Error(w, "Failed to get updates from TV Maze", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, "Getting all updates from TV Maze for the last %s and queuing seasons for processing", period)
}

func (s *server) importStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.imports.Status(r.Context(), r.PathValue("id"))
	if !ok {
		http.Error(w, "Import not found", http.StatusNotFound)
		return
	}
	writeJSON(w, rec)
}

func (s *server) healthSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.imports.Health(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("health_summary failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, summary)
}

func (s *server) seasonByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id", "Invalid season ID format")
	if !ok {
		return
	}
	result, err := s.seasons.GetByID(r.Context(), id)
	s.writeSeason(w, r, result, err)
}

func (s *server) seasonsByShow(w http.ResponseWriter, r *http.Request) {
	showID, ok := pathInt(w, r, "show_id", "Invalid show ID format")
	if !ok {
		return
	}
	result, err := s.seasons.ListByShow(r.Context(), showID)
	s.writeSeason(w, r, result, err)
}

func (s *server) seasonByShowAndNumber(w http.ResponseWriter, r *http.Request) {
	showID, ok := pathInt(w, r, "show_id", "Invalid show ID or season number format")
	if !ok {
		return
	}
	number, ok := pathInt(w, r, "number", "Invalid show ID or season number format")
	if !ok {
		return
	}
	result, err := s.seasons.GetByShowAndNumber(r.Context(), showID, number)
	s.writeSeason(w, r, result, err)
}

// writeSeason serves a season read with an ETag of the body. A matching If-None-Match
// gets 304 without a body.
func (s *server) writeSeason(w http.ResponseWriter, r *http.Request, v any, err error) {
	if errors.Is(err, season.ErrNotFound) {
		http.Error(w, "Season not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Season read failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to encode seasons")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	etag := bodyETag(body)
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", seasonCacheControl)
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func bodyETag(body []byte) string {
	sum := md5.Sum(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// etagMatches compares an If-None-Match header against etag. Unquoted tags and lists
// are accepted.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	bare := strings.Trim(etag, `"`)
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || strings.Trim(candidate, `"`) == bare {
			return true
		}
	}
	return false
}

func pathInt(w http.ResponseWriter, r *http.Request, name, message string) (int, bool) {
	n, err := strconv.Atoi(r.PathValue(name))
	if err != nil || n < 0 {
		http.Error(w, message, http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

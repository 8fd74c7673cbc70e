package season

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/season-sync/pkg/retry"
)

// Prometheus metrics for season persistence.
var (
	seasonUpsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seasonsync_season_upserts_total",
		Help: "Total number of season upserts by result",
	}, []string{"result"}) // "ok", "invalid", "transient", "error"

	seasonQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seasonsync_season_query_duration_seconds",
		Help:    "Duration of season database statements",
		Buckets: prometheus.DefBuckets,
	}, []string{"statement"})
)

// Schema creates the seasons table and its indexes.
const Schema = `
CREATE TABLE IF NOT EXISTS seasons (
	id            BIGINT PRIMARY KEY,
	show_id       BIGINT NOT NULL,
	url           TEXT,
	number        INTEGER NOT NULL,
	name          TEXT,
	episode_order INTEGER,
	premiere_date VARCHAR(255),
	end_date      VARCHAR(255),
	network       JSONB,
	web_channel   JSONB,
	image         JSONB,
	summary       TEXT,
	links         JSONB
);
CREATE INDEX IF NOT EXISTS idx_seasons_show_number ON seasons (show_id, number);
CREATE INDEX IF NOT EXISTS idx_seasons_show_id ON seasons (show_id);
`

const selectColumns = `id, show_id, url, number, name, episode_order, premiere_date, end_date,
	network, web_channel, image, summary, links`

// Open connects to PostgreSQL through the pgx database/sql driver.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Repository reads and writes seasons.
type Repository struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewRepository creates a season repository.
func NewRepository(db *sql.DB, logger zerolog.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// EnsureSchema creates the table and indexes if they are missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create seasons schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// buildUpsert returns the statement and arguments for rec.
func buildUpsert(id, showID int, rec Record) (string, []any, error) {
	names := []string{"id", "show_id"}
	args := []any{int64(id), int64(showID)}

	for _, c := range columns {
		raw, ok := rec[c.field]
		if !ok {
			continue
		}
		v, err := c.value(raw)
		if err != nil {
			return "", nil, err
		}
		names = append(names, c.name)
		args = append(args, v)
	}

	placeholders := make([]string, len(names))
	updates := make([]string, 0, len(names)-1)
	for i, name := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if name != "id" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
		}
	}

	stmt := fmt.Sprintf(
		"INSERT INTO seasons (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
	return stmt, args, nil
}

// Upsert writes rec as a season of showID. A record without a usable id is logged once
// and rejected with ErrMissingID before anything is written. Malformed fields and
// non-recoverable database errors are marked permanent; connection, transaction and
// resource errors are returned as is so the caller can retry.
func (r *Repository) Upsert(ctx context.Context, rec Record, showID int) error {
	id, ok := rec.ID()
	if !ok {
		seasonUpsertsTotal.WithLabelValues("invalid").Inc()
		r.logger.Error().Int("show_id", showID).Msg("Error upserting season: season must have a season id")
		return retry.Permanent(ErrMissingID)
	}

	stmt, args, err := buildUpsert(id, showID, rec)
	if err != nil {
		seasonUpsertsTotal.WithLabelValues("invalid").Inc()
		r.logger.Error().Err(err).Int("season_id", id).Int("show_id", showID).Msg("Malformed season record")
		return retry.Permanent(fmt.Errorf("season %d: %w", id, err))
	}

	start := time.Now()
	_, err = r.db.ExecContext(ctx, stmt, args...)
	seasonQueryDuration.WithLabelValues("upsert").Observe(time.Since(start).Seconds())
	if err != nil {
		if IsTransient(err) {
			seasonUpsertsTotal.WithLabelValues("transient").Inc()
			r.logger.Warn().Err(err).Int("season_id", id).Msg("Transient database error during season upsert")
			return fmt.Errorf("upsert season %d: %w", id, err)
		}
		seasonUpsertsTotal.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Int("season_id", id).Msg("Non-recoverable database error during season upsert")
		return retry.Permanent(fmt.Errorf("upsert season %d: %w", id, err))
	}

	seasonUpsertsTotal.WithLabelValues("ok").Inc()
	r.logger.Debug().Int("season_id", id).Int("show_id", showID).Msg("Season upserted")
	return nil
}

// transientClasses are SQLSTATE classes worth retrying: connection exceptions,
// transaction rollbacks, insufficient resources and operator intervention.
var transientClasses = map[string]bool{
	"08": true,
	"40": true,
	"53": true,
	"57": true,
}

// IsTransient reports whether a database error may succeed when retried. Errors that
// did not come from the server (network failures, closed connections) count as
// transient; server errors are classified by SQLSTATE class.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) >= 2 && transientClasses[pgErr.Code[:2]]
	}
	return true
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSeason(s scanner) (Season, error) {
	var (
		season                         Season
		episodeOrder                   sql.NullInt64
		network, webChannel, image, ls []byte
	)
	err := s.Scan(
		&season.ID, &season.ShowID, &season.URL, &season.Number, &season.Name, &episodeOrder,
		&season.PremiereDate, &season.EndDate, &network, &webChannel, &image, &season.Summary, &ls,
	)
	if err != nil {
		return Season{}, err
	}
	if episodeOrder.Valid {
		n := int(episodeOrder.Int64)
		season.EpisodeOrder = &n
	}
	season.Network = nullableJSON(network)
	season.WebChannel = nullableJSON(webChannel)
	season.Image = nullableJSON(image)
	season.Links = nullableJSON(ls)
	return season, nil
}

func nullableJSON(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// GetByID returns one season.
func (r *Repository) GetByID(ctx context.Context, id int) (Season, error) {
	start := time.Now()
	row := r.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM seasons WHERE id = $1", id)
	season, err := scanSeason(row)
	seasonQueryDuration.WithLabelValues("get_by_id").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Season{}, ErrNotFound
		}
		return Season{}, fmt.Errorf("get season %d: %w", id, err)
	}
	return season, nil
}

// GetByShowAndNumber returns the season of a show with the given number.
func (r *Repository) GetByShowAndNumber(ctx context.Context, showID, number int) (Season, error) {
	start := time.Now()
	row := r.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM seasons WHERE show_id = $1 AND number = $2", showID, number)
	season, err := scanSeason(row)
	seasonQueryDuration.WithLabelValues("get_by_show_and_number").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Season{}, ErrNotFound
		}
		return Season{}, fmt.Errorf("get season %d of show %d: %w", number, showID, err)
	}
	return season, nil
}

// ListByShow returns the seasons of a show ordered by season number.
func (r *Repository) ListByShow(ctx context.Context, showID int) ([]Season, error) {
	start := time.Now()
	defer func() {
		seasonQueryDuration.WithLabelValues("list_by_show").Observe(time.Since(start).Seconds())
	}()

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM seasons WHERE show_id = $1 ORDER BY number", showID)
	if err != nil {
		return nil, fmt.Errorf("list seasons of show %d: %w", showID, err)
	}
	defer rows.Close()

	seasons := []Season{}
	for rows.Next() {
		season, err := scanSeason(rows)
		if err != nil {
			return nil, fmt.Errorf("scan season of show %d: %w", showID, err)
		}
		seasons = append(seasons, season)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list seasons of show %d: %w", showID, err)
	}
	return seasons, nil
}

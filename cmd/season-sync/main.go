// Command season-sync imports TVMaze seasons into PostgreSQL and serves them over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/season-sync/pkg/config"
	"github.com/Sternrassler/season-sync/pkg/logging"
	"github.com/Sternrassler/season-sync/pkg/pagination"
	"github.com/Sternrassler/season-sync/pkg/tvmaze"
)

var (
	cfg    *config.Config
	logger zerolog.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("season-sync failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "season-sync",
		Short:         "Synchronize TVMaze seasons into PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env file is fine; the environment may be set already.
			_ = godotenv.Load()

			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			logger = logging.Setup(cfg.Logging())
			return nil
		},
	}

	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newStartCmd(),
		newStatusCmd(),
		newHealthCmd(),
		newUpdatesCmd(),
		newSeedShowsCmd(),
		newRequeueCmd(),
		newMigrateCmd(),
	)
	return root
}

// withApp wires the service for the duration of one command.
func withApp(cmd *cobra.Command, run func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return run(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd() *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				srv := &server{
					imports: a.coordinator,
					updates: a.updater,
					seasons: a.seasons,
					ready:   a.ready,
					logger:  logging.NewLogger("http"),
				}
				httpServer := &http.Server{
					Addr:              ":" + cfg.Port,
					Handler:           srv.routes(),
					ReadHeaderTimeout: 10 * time.Second,
				}

				if withWorker {
					go runWorker(ctx, a)
				}
				if cfg.UpdatesInterval > 0 {
					go runScheduledUpdates(ctx, a)
				}

				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
					defer cancel()
					if err := httpServer.Shutdown(shutdownCtx); err != nil {
						logger.Warn().Err(err).Msg("HTTP server shutdown failed")
					}
				}()

				logger.Info().Str("addr", httpServer.Addr).Str("user_agent", cfg.UserAgent).Msg("Starting HTTP server")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also consume the season queue in this process")
	return cmd
}

func runWorker(ctx context.Context, a *app) {
	go keepAlive(ctx, a)
	if n, err := a.queue.RecoverInFlight(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to recover in-flight messages")
	} else if n > 0 {
		logger.Info().Int("recovered", n).Msg("Returned in-flight messages of expired consumers to the queue")
	}
	if err := a.worker.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Worker stopped with error")
	}
}

// keepAlive holds this process's queue lease while it consumes.
func keepAlive(ctx context.Context, a *app) {
	if err := a.queue.KeepAlive(ctx); err != nil {
		logger.Error().Err(err).Str("consumer", a.queue.Consumer()).Msg("Queue lease renewal stopped")
	}
}

func runScheduledUpdates(ctx context.Context, a *app) {
	period, err := tvmaze.ParsePeriod(cfg.UpdatesSince)
	if err != nil {
		logger.Error().Err(err).Msg("Scheduled updates disabled")
		return
	}
	logger.Info().Dur("interval", cfg.UpdatesInterval).Str("since", string(period)).Msg("Scheduling show updates")
	a.updater.RunEvery(ctx, cfg.UpdatesInterval, period)
}

func newWorkerCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the season queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if once {
					go keepAlive(ctx, a)
					handled, err := a.worker.Drain(ctx)
					fmt.Fprintf(cmd.OutOrStdout(), "Processed %d messages\n", handled)
					return err
				}
				if cfg.UpdatesInterval > 0 {
					go runScheduledUpdates(ctx, a)
				}
				runWorker(ctx, a)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process until the queue is empty, then exit")
	return cmd
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start a bulk season import",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				runID, err := a.coordinator.Start(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), runID)
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <import-id>",
		Short: "Show the status of an import run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rec, ok := a.coordinator.Status(ctx, args[0])
				if !ok {
					return fmt.Errorf("import %s not found", args[0])
				}
				return printJSON(cmd, rec)
			})
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the health summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				summary, err := a.coordinator.Health(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, summary)
			})
		},
	}
}

func newUpdatesCmd() *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "updates",
		Short: "Queue shows updated on TVMaze for season sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			period, err := tvmaze.ParsePeriod(since)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.updater.Run(ctx, period)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", string(tvmaze.PeriodDay), "update window: day, week or month")
	return cmd
}

func newSeedShowsCmd() *cobra.Command {
	var (
		startPage   int
		maxPages    int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "seed-shows",
		Short: "Load show ids from the TVMaze show index into the show table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				fetchCfg := pagination.DefaultConfig()
				if maxPages > 0 {
					fetchCfg.MaxPages = maxPages
				}
				if concurrency > 0 {
					fetchCfg.MaxConcurrency = concurrency
				}

				fetcher := pagination.NewBatchFetcher(tvmaze.ShowPages{Client: a.catalog}, fetchCfg)
				pages, fetchErr := fetcher.FetchAllPages(ctx, startPage)

				added, err := seedShows(ctx, a.index, pages)
				fmt.Fprintf(cmd.OutOrStdout(), "Added %d shows from %d pages\n", added, len(pages))
				if err != nil {
					return err
				}
				return fetchErr
			})
		},
	}
	cmd.Flags().IntVar(&startPage, "start-page", 0, "first show index page")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "stop after this many pages (0 for the default guard)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "pages fetched in parallel")
	return cmd
}

// showAdder stores show index entries.
type showAdder interface {
	Add(ctx context.Context, shows ...pagination.ShowEntry) error
}

// seedShows decodes show index pages and adds every show with a valid id.
func seedShows(ctx context.Context, index showAdder, pages map[int][]json.RawMessage) (int, error) {
	added := 0
	for page, items := range pages {
		entries := make([]pagination.ShowEntry, 0, len(items))
		for _, raw := range items {
			var entry pagination.ShowEntry
			if err := json.Unmarshal(raw, &entry); err != nil || entry.ID <= 0 {
				logger.Warn().Int("page", page).Msg("Skipping show without a valid id")
				continue
			}
			entries = append(entries, entry)
		}
		if err := index.Add(ctx, entries...); err != nil {
			return added, err
		}
		added += len(entries)
	}
	return added, nil
}

func newRequeueCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Hand dead-lettered messages back to the season queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.deadLetters.Requeue(ctx, a.queue, limit)
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d messages\n", n)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of messages to requeue")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the seasons table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.seasons.EnsureSchema(ctx); err != nil {
					return err
				}
				logger.Info().Msg("Seasons schema is up to date")
				return nil
			})
		},
	}
}

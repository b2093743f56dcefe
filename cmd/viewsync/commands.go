package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"f0oster/viewsync/config"
	"f0oster/viewsync/database"
	"f0oster/viewsync/engine"
	"f0oster/viewsync/logging"
	"f0oster/viewsync/metrics"
	"f0oster/viewsync/model"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app is the state shared by every subcommand, built once the
// configuration is loaded.
type app struct {
	configPath string
	cfg        config.ViewSyncConfiguration
	logger     zerolog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "viewsync",
		Short:         "Operate the view template propagation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "settings.env", "dotenv file to load before reading the environment")

	root.AddCommand(a.dbCmd(), a.rolloutCmd(), a.auditCmd(), a.metricsCmd())
	return root
}

func (a *app) load() error {
	cfg, err := config.LoadEnvConfig(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)
	return nil
}

// connect opens the store; the caller closes it.
func (a *app) connect(ctx context.Context) (*database.Database, error) {
	if a.cfg.DSN == "" {
		return nil, errors.New("VIEWSYNC_DSN is not set")
	}
	db := database.NewDatabase(a.cfg.DSN, a.cfg.ManagementDSN, a.logger)
	if err := db.Connect(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func (a *app) engine(db *database.Database) *engine.Engine {
	return engine.New(db, engine.Options{
		Logger:  &a.logger,
		Metrics: a.metrics,
		Workers: a.cfg.RolloutWorkers,
		Retries: a.cfg.WriteRetries,
	})
}

func (a *app) dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the PostgreSQL schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "apply-schema",
			Short: "Create the engine tables in the configured database",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := a.connect(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()
				return db.ApplySchema(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Drop and recreate the configured database (development only)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if a.cfg.ManagementDSN == "" {
					return errors.New("VIEWSYNC_MANAGEMENT_DSN is not set")
				}
				return database.ResetDatabase(cmd.Context(), a.cfg.ManagementDSN, a.cfg.DSN, a.cfg.Database, a.logger)
			},
		},
	)
	return cmd
}

func (a *app) rolloutCmd() *cobra.Command {
	var serveMetrics bool
	cmd := &cobra.Command{
		Use:   "rollout",
		Short: "Run approved rollouts",
	}
	cmd.PersistentFlags().BoolVar(&serveMetrics, "serve-metrics", false, "expose metrics on VIEWSYNC_METRICS_ADDR while the rollout runs")

	run := func(use, short string, fn func(context.Context, *engine.Engine, uuid.UUID) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <rollout-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid rollout id %q: %w", args[0], err)
				}
				if serveMetrics {
					stop := a.serveMetrics(cmd.Context())
					defer stop()
				}
				db, err := a.connect(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()

				result, err := fn(cmd.Context(), a.engine(db), id)
				if err != nil {
					a.logger.Error().Err(err).Str("kind", string(model.KindOf(err))).Msg(use + " failed")
					return err
				}
				return writeJSON(cmd, result)
			},
		}
	}
	cmd.AddCommand(
		run("execute", "Execute an approved rollout", func(ctx context.Context, e *engine.Engine, id uuid.UUID) (any, error) {
			return e.ExecuteRollout(ctx, id)
		}),
		run("retry", "Re-process receipts an earlier pass left failed", func(ctx context.Context, e *engine.Engine, id uuid.UUID) (any, error) {
			return e.RetryRollout(ctx, id)
		}),
	)
	return cmd
}

func (a *app) auditCmd() *cobra.Command {
	var (
		entity string
		action string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print audit entries, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := model.AuditFilter{Action: model.AuditAction(action), Limit: limit}
			if entity != "" {
				id, err := uuid.Parse(entity)
				if err != nil {
					return fmt.Errorf("invalid entity id %q: %w", entity, err)
				}
				filter.EntityID = id
			}
			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := a.engine(db).GetAuditLog(cmd.Context(), filter)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if err := writeJSON(cmd, e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "only entries about this entity id")
	cmd.Flags().StringVar(&action, "action", "", "only entries with this action, e.g. rollout_completed")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries (0 for all)")
	return cmd
}

func (a *app) metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Prometheus metrics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the metrics registry until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stop := a.serveMetrics(cmd.Context())
			<-cmd.Context().Done()
			stop()
			return nil
		},
	})
	return cmd
}

// serveMetrics exposes the registry in the background. The returned func
// shuts the listener down.
func (a *app) serveMetrics(ctx context.Context) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("metrics server shutdown")
		}
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"datasync/internal/bootstrap"
	"datasync/internal/config"
	cronpkg "datasync/internal/cron"
	"datasync/internal/handler/api"
	"datasync/internal/models"
	"datasync/internal/reaper"
	"datasync/internal/repository"
	"datasync/internal/router"
	"datasync/internal/worker"
)

func main() {
	root := &cobra.Command{
		Use:           "datasync",
		Short:         "Distributed sync job scheduler with zero-downtime replication",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), migrateCmd(), syncCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "datasync: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker supervisor, scheduler and ops server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	var seedPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the indexes of the coordination collections and optionally seed jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			// parse the seed file before touching the database
			var seed *bootstrap.SeedFile
			if seedPath != "" {
				if seed, err = bootstrap.LoadSeedFile(seedPath); err != nil {
					return err
				}
			}

			client, db, err := config.NewMongo(cmd.Context(), &cfg.Mongo)
			if err != nil {
				return err
			}
			defer client.Disconnect(context.Background())

			if err := bootstrap.EnsureIndexes(cmd.Context(), db, cfg.Mongo.ExecutionRetention); err != nil {
				return err
			}
			logger.Info("Indexes ensured", zap.String("database", cfg.Mongo.Database))

			if seed == nil {
				return nil
			}
			repos := repository.NewRepos(db)
			nSources, nJobs, err := bootstrap.Seed(cmd.Context(), seed, repos.Job, repos.DataSource)
			if err != nil {
				return err
			}
			logger.Info("Seed applied",
				zap.String("file", seedPath),
				zap.Int("sources", nSources),
				zap.Int("jobs", nJobs),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "YAML or JSON file of data sources and jobs to upsert")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <job-id>",
		Short: "Run one job now, honoring its lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			out := a.runner.Run(ctx, args[0], models.TriggerCLI)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Runner.ShutdownTimeout)
			defer cancel()
			_ = a.runner.Shutdown(shutdownCtx)
			if err := a.engine.Close(shutdownCtx); err != nil {
				logger.Warn("Engine did not close cleanly", zap.Error(err))
			}

			fields := []zap.Field{
				zap.String("job_id", args[0]),
				zap.String("execution_id", out.ExecutionID),
				zap.String("status", string(out.Status)),
			}
			if out.Result != nil {
				fields = append(fields, zap.Int64("records", out.Result.Stats.RecordsProcessed))
			}
			if out.Err != nil {
				logger.Error("Sync finished with error", append(fields, zap.Error(out.Err))...)
				return out.Err
			}
			logger.Info("Sync finished", fields...)
			return nil
		},
	}
}

func serve(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := bootstrap.EnsureIndexes(ctx, a.db, cfg.Mongo.ExecutionRetention); err != nil {
		return err
	}

	// --- Scheduling components, started only while this process holds the worker lease ---
	scheduler := cronpkg.New(cfg.Scheduler, a.repos.Job, a.repos.RunRequest, a.runner, a.metrics, logger)
	sweeper := reaper.New(cfg.Reaper, reaper.Deps{
		Executions: a.repos.Execution,
		Jobs:       a.repos.Job,
		Leases:     a.leases,
		Store:      a.store,
		Metrics:    a.metrics,
		Notifier:   a.notifier,
	}, logger)
	supervisor := worker.New(cfg.Worker, worker.Deps{
		Leases:    a.leases,
		Scheduler: scheduler,
		Reaper:    sweeper,
		Runner:    a.runner,
		Engine:    a.engine,
		Metrics:   a.metrics,
	}, logger)

	// --- Echo ---
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	router.Setup(e, router.Deps{
		Repos: &api.Repos{
			Jobs:        a.repos.Job,
			Executions:  a.repos.Execution,
			RunRequests: a.repos.RunRequest,
		},
		Worker:    supervisor,
		Runner:    a.runner,
		Scheduler: scheduler,
		Metrics:   a.metrics,
	}, logger, cfg.Server.APIKey)

	// --- Start Server ---
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		logger.Info("Starting ops server", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server stopped", zap.Error(err))
		}
	}()

	// Blocks until SIGINT/SIGTERM.
	_ = supervisor.Run(ctx)

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Runner.ShutdownTimeout)
	defer cancel()
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Error("Worker shutdown incomplete", zap.Error(err))
	}

	// Stop HTTP server
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := e.Shutdown(httpCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
	return nil
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/me/zoneq/internal/config"
	"github.com/me/zoneq/internal/scheduler"
	"github.com/me/zoneq/internal/server"
	"github.com/me/zoneq/internal/store"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		addr         string
		workloadPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue behind the HTTP admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := &Workload{Name: "serve"}
			if workloadPath != "" {
				var err error
				if w, err = LoadWorkload(workloadPath); err != nil {
					return err
				}
			}

			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			workDir, err := os.MkdirTemp("", "zoneq-serve-")
			if err != nil {
				return fmt.Errorf("create work dir: %w", err)
			}
			defer os.RemoveAll(workDir)

			sched, srv, err := buildServer(cmd.Context(), w, queueConfig, st, workDir, logger)
			if err != nil {
				return err
			}
			defer sched.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, sched, &http.Server{Addr: addr, Handler: srv.Handler()}, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&workloadPath, "workload", "", "Workload file whose zones and profiles are loaded at start")

	return cmd
}

// buildServer creates the scheduler for w, queues the workload's zones if
// it has any, and wraps the scheduler in the admin API.
func buildServer(ctx context.Context, w *Workload, cfg config.QueueConfig, st store.Store, workDir string, logger *slog.Logger) (*scheduler.Scheduler, *server.Server, error) {
	exec, _ := w.Executor(workDir, logger)
	sched, err := scheduler.New(cfg, exec, logger, scheduler.WithSeed(w.Seed))
	if err != nil {
		return nil, nil, err
	}
	if len(w.Zones) > 0 {
		ids, err := sched.Enqueue(ctx, w.Zones, w.Assignments)
		if err != nil {
			sched.Close()
			return nil, nil, err
		}
		logger.Info("workload queued", "workload", w.Name, "zones", len(ids))
	}
	return sched, server.New(sched, logger, server.WithStore(st)), nil
}

// serve runs the scheduler loop and the HTTP server until ctx ends, then
// stops the loop before draining HTTP connections.
func serve(ctx context.Context, sched *scheduler.Scheduler, httpServer *http.Server, logger *slog.Logger) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := sched.Start(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		logger.Info("server starting", "addr", httpServer.Addr, "queue_id", sched.ID())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")
		if err := sched.Stop(); err != nil {
			logger.Error("scheduler stop error", "error", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("server stopped")
		return nil
	})

	return g.Wait()
}

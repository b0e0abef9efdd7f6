package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/me/zoneq/internal/config"
	"github.com/me/zoneq/internal/events"
	"github.com/me/zoneq/internal/scheduler"
	"github.com/me/zoneq/pkg/model"
)

const (
	defaultLatency  = 50 * time.Millisecond
	progressEvery   = time.Second
	eventBufferSize = 1024
)

func newSimulateCmd() *cobra.Command {
	var (
		label     string
		seed      uint64
		timeout   time.Duration
		noSave    bool
		showZones bool
	)

	cmd := &cobra.Command{
		Use:   "simulate <workload.yaml>",
		Short: "Run a workload through the queue and report the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := LoadWorkload(args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("seed") {
				w.Seed = seed
			}
			if label == "" {
				label = w.Name
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			snap, runErr := runWorkload(ctx, w, queueConfig, label, logger)
			if snap == nil {
				return runErr
			}

			out := cmd.OutOrStdout()
			printReport(out, snap, showZones)

			if !noSave {
				st, err := openStore(context.Background())
				if err != nil {
					return err
				}
				defer st.Close()
				if err := st.SaveSnapshot(context.Background(), snap); err != nil {
					return fmt.Errorf("save snapshot: %w", err)
				}
				fmt.Fprintf(out, "\nSnapshot saved: %s\n", snap.ID)
			}
			if runErr != nil {
				return fmt.Errorf("run interrupted: %w", runErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "Snapshot label (default: workload name)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Override the workload's random seed")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Cancel the run after this long (0 = no limit)")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Do not store a snapshot of the run")
	cmd.Flags().BoolVar(&showZones, "zones", false, "List every zone in the report")

	return cmd
}

// runWorkload queues the workload and drives the scheduler until the queue
// finishes or ctx ends. An interrupted run is cancelled and still returns a
// snapshot alongside the context error.
func runWorkload(ctx context.Context, w *Workload, cfg config.QueueConfig, label string, logger *slog.Logger) (*model.Snapshot, error) {
	workDir, err := os.MkdirTemp("", "zoneq-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	exec, _ := w.Executor(workDir, logger)
	sched, err := scheduler.New(cfg, exec, logger, scheduler.WithSeed(w.Seed))
	if err != nil {
		return nil, err
	}
	defer sched.Close()

	evCh, unsubscribe := sched.SubscribeChan(eventBufferSize)
	defer unsubscribe()

	ids, err := sched.Enqueue(ctx, w.Zones, w.Assignments)
	if err != nil {
		return nil, err
	}
	logger.Info("workload queued", "workload", w.Name, "zones", len(ids), "seed", w.Seed)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		err := sched.Start(gCtx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		defer cancel()
		return watch(gCtx, sched, evCh, logger)
	})

	// Signal handling goroutine.
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Info("received signal, cancelling run", "signal", sig)
			cancel()
		case <-gCtx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := sched.Snapshot(label)
	if err := ctx.Err(); err != nil {
		return &snap, err
	}
	if snap.Status == model.QueueStatusCancelled {
		return &snap, context.Canceled
	}
	return &snap, nil
}

// watch logs events until the queue reaches a terminal status, then stops
// the loop. It cancels the queue when ctx ends first.
func watch(ctx context.Context, sched *scheduler.Scheduler, evCh <-chan events.Event, logger *slog.Logger) error {
	progress := time.NewTicker(progressEvery)
	defer progress.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := sched.Cancel(); err != nil {
				logger.Warn("cancel queue", "error", err)
			}
			return sched.Stop()
		case e := <-evCh:
			logEvent(logger, e)
			if e.Type == events.ProcessingCompleted ||
				(e.Type == events.ProcessingCancelled && e.QueuedZoneID == "") {
				return sched.Stop()
			}
		case <-progress.C:
			// Covers events dropped on a full channel.
			if sched.Status().IsTerminal() {
				return sched.Stop()
			}
			m := sched.Metrics()
			logger.Info("progress",
				"done", fmt.Sprintf("%s%%", humanize.FormatFloat("#,###.#", m.ProgressPercent)),
				"processing", m.Counts.Processing,
				"queued", m.Counts.Queued+m.Counts.Retrying)
		}
	}
}

func logEvent(logger *slog.Logger, e events.Event) {
	switch e.Type {
	case events.ZoneProcessingFailed:
		logger.Warn("zone failed", "zone", e.ZoneID, "tool", e.Tool,
			"attempt", e.Attempt, "final", e.FinalFailure, "error", e.Error)
	case events.ZoneRetryScheduled:
		logger.Debug("zone retry scheduled", "zone", e.ZoneID, "delay", e.RetryDelay)
	case events.ProcessingError:
		logger.Error("queue error", "message", e.Message)
	case events.ProcessingCancelled:
		if e.QueuedZoneID != "" {
			logger.Info("zone cancelled", "zone", e.ZoneID, "reason", e.Message)
			return
		}
		logger.Info("queue cancelled", "reason", e.Message)
	default:
		if e.Type.IsZoneEvent() {
			logger.Debug(string(e.Type), "zone", e.ZoneID, "tool", e.Tool, "attempt", e.Attempt)
			return
		}
		logger.Info(string(e.Type))
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tastythames/slurm-portal/internal/dispatch"
	"github.com/tastythames/slurm-portal/internal/metrics"
	"github.com/tastythames/slurm-portal/internal/runstore"
	"github.com/tastythames/slurm-portal/internal/server"
)

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP front end",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().String("listen", ":8080", "HTTP listen address")
	cmd.Flags().Int("workers", 4, "concurrent runs")
	_ = c.v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = c.v.BindPFlag("dispatch.workers", cmd.Flags().Lookup("workers"))
	return cmd
}

func (c *cli) serve(parent context.Context) error {
	cfg, log := c.cfg, c.log
	log.Info("config",
		zap.String("listen", cfg.Listen),
		zap.String("ssh_host", cfg.SSH.Host),
		zap.String("host_key_policy", cfg.SSH.HostKey.Policy),
		zap.Int("workers", cfg.Dispatch.Workers))

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	runs := runstore.NewMemStore(cfg.Dispatch.KeepRuns)
	d := dispatch.New(dispatch.Options{
		Runner:    a.orch,
		Store:     runs,
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
		Log:       log,
	})

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runCtx, stopRuns := context.WithCancel(context.Background())
	defer stopRuns()
	d.Start(runCtx)

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: server.New(server.Options{
			Dispatch:  d,
			Runs:      runs,
			Artifacts: a.store,
			Metrics:   metrics.NewRenderer(runs, d, a.store),
			Log:       log,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("slurm-portal listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	log.Info("shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	// In-flight runs stop polling and release their sessions; the jobs keep
	// running on the cluster.
	stopRuns()
	d.Stop()
	return nil
}

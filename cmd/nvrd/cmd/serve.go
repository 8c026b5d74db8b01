package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/quietstream/nvr/config"
	"github.com/quietstream/nvr/internal/engine"
	"github.com/quietstream/nvr/internal/store/db"
	"github.com/quietstream/nvr/internal/util"
)

func newServeCmd() *cobra.Command {
	var (
		mountPath         string
		minFreeBytes      uint64
		flushInterval     time.Duration
		retentionInterval time.Duration
		integritySchedule string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recording storage engine: flush, retention, integrity sweep, and playback HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(serveOptions{
				mountPath:         mountPath,
				minFreeBytes:      minFreeBytes,
				flushInterval:     flushInterval,
				retentionInterval: retentionInterval,
				integritySchedule: integritySchedule,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&mountPath, "mount-path", "", "filesystem root to watch for disk-pressure-triggered retention (default: sample dir)")
	flags.Uint64Var(&minFreeBytes, "min-free-bytes", 1<<30, "trigger disk-pressure retention below this many free bytes")
	flags.DurationVar(&flushInterval, "flush-interval", 5*time.Second, "Flusher poll interval")
	flags.DurationVar(&retentionInterval, "retention-interval", 30*time.Second, "Retention poll interval")
	flags.StringVar(&integritySchedule, "integrity-schedule", "", "cron expression for the periodic BLAKE3 re-verification sweep (empty disables it)")

	return cmd
}

type serveOptions struct {
	mountPath         string
	minFreeBytes      uint64
	flushInterval     time.Duration
	retentionInterval time.Duration
	integritySchedule string
}

func runServe(opts serveOptions) error {
	logger := util.GetLogger()

	if opts.mountPath == "" {
		opts.mountPath = config.GetSampleDir()
	}

	if err := os.MkdirAll(config.GetDBDir(), 0755); err != nil {
		return errors.Wrap(err, "nvrd: create db dir")
	}

	database, err := db.Open(filepath.Join(config.GetDBDir(), "nvr.sqlite3"))
	if err != nil {
		return errors.Wrap(err, "nvrd: open metadata database")
	}
	defer database.Close()

	eng, err := engine.Open(database, logger, engine.Options{
		MountPath:         opts.mountPath,
		MinFreeBytes:      opts.minFreeBytes,
		FlushInterval:     opts.flushInterval,
		RetentionInterval: opts.retentionInterval,
		IntegritySchedule: opts.integritySchedule,
	})
	if err != nil {
		return errors.Wrap(err, "nvrd: open engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	srv := &http.Server{Addr: config.GetHTTPAddr(), Handler: eng.Router}
	go func() {
		logger.Info("nvrd: serving playback HTTP", "addr", config.GetHTTPAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("nvrd: http server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("nvrd: shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("nvrd: http server shutdown failed", "error", err)
	}
	return eng.Shutdown(shutdownCtx)
}

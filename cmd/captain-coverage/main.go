package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"captain/internal/coverage"
	"captain/internal/docker"
	"captain/internal/logging"
	"captain/internal/metrics"
	"captain/internal/workdir"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	verbose bool

	image       string
	interval    time.Duration
	grace       time.Duration
	metricsAddr string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "captain-coverage <workdir>",
	Short: "Attach coverage containers to running campaigns",
	Long: `captain-coverage polls the cache tree of a captain workdir and keeps one
coverage container running per non-empty cache slot. Containers are stopped
once their slot is archived; slots that stay empty past the grace window are
removed.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runLoop,
}

// summaryCmd writes branch-count data files
var summaryCmd = &cobra.Command{
	Use:   "summary <workdir>",
	Short: "Write per target branch-count series under graph/data",
	Args:  cobra.ExactArgs(1),
	RunE:  runSummary,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.Flags().StringVar(&image, "image", coverage.DefaultImage, "Coverage image")
	rootCmd.Flags().DurationVar(&interval, "interval", coverage.DefaultInterval, "Polling interval")
	rootCmd.Flags().DurationVar(&grace, "grace", coverage.DefaultGrace, "How long a cache slot may stay empty before it is removed")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(summaryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runLoop(cmd *cobra.Command, args []string) error {
	if interval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}
	layout, err := workdir.New(args[0])
	if err != nil {
		return err
	}
	if _, err := os.Stat(layout.Root); err != nil {
		return fmt.Errorf("workdir %s: %w", layout.Root, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	m := metrics.New()
	if metricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, metricsAddr, logger); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	client, err := docker.New(docker.WithLogger(logger))
	if err != nil {
		return err
	}
	r := coverage.New(layout, client,
		coverage.WithImage(image),
		coverage.WithInterval(interval),
		coverage.WithGrace(grace),
		coverage.WithLogger(logger),
		coverage.WithMetrics(m))

	err = r.Run(ctx, coverage.NewState())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runSummary(cmd *cobra.Command, args []string) error {
	layout, err := workdir.New(args[0])
	if err != nil {
		return err
	}
	summaries, err := coverage.Summarize(layout)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, s := range summaries {
		fmt.Fprintf(out, "%s/%s: %d campaigns -> %s\n", s.Fuzzer, s.Target, len(s.Campaigns), s.FileName())
	}
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No coverage logs found")
	}
	return nil
}

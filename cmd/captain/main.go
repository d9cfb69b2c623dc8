package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"captain/internal/campaign"
	"captain/internal/config"
	"captain/internal/docker"
	"captain/internal/flock"
	"captain/internal/ledger"
	"captain/internal/logging"
	"captain/internal/metrics"
	"captain/internal/pool"
	"captain/internal/scheduler"
	"captain/internal/seqid"
	"captain/internal/workdir"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	verbose bool

	metricsAddr string
	dryRun      bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "captain [config]",
	Short: "Run repeated containerized fuzzing campaigns on a shared core pool",
	Long: `captain walks the fuzzer x target x repeat matrix of a captainrc file,
pinning every campaign container to exclusively held CPU cores.

Several captain processes may share one workdir; cores, campaign IDs and
archive slots are never handed out twice.`,
	Args:         cobra.MaximumNArgs(1),
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
	RunE: runScheduler,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the configuration and print the campaign matrix")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return config.DefaultPath
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return err
	}
	if dryRun {
		return printPlan(cmd, cfg)
	}

	layout, err := workdir.New(cfg.Workdir)
	if err != nil {
		return err
	}
	if err := layout.Ensure(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	m := metrics.New()
	if metricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, metricsAddr, logger); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	mu := flock.NewMutex(layout.Locks())
	p, err := pool.New(layout.Cores(), cfg.Cores, mu, pool.WithLogger(logger), pool.WithMetrics(m))
	if err != nil {
		return err
	}
	if err := scheduler.Prepare(ctx, layout, mu, p, logger); err != nil {
		return err
	}

	client, err := docker.New(docker.WithLogger(logger))
	if err != nil {
		return err
	}

	opts := []campaign.Option{campaign.WithMetrics(m)}
	if path := cfg.LedgerPath(); path != "" {
		lg, err := ledger.Open(path)
		if err != nil {
			return err
		}
		defer lg.Close()
		opts = append(opts, campaign.WithRecorder(lg))
	}

	loggers := logging.NewRegistry(logger, layout)
	defer loggers.Close()

	launcher := campaign.NewLauncher(layout,
		seqid.New(mu, seqid.WithMode(0777)),
		seqid.New(mu),
		client, opts...)

	s := scheduler.New(cfg, layout, p, client, launcher,
		scheduler.WithLogger(logger),
		scheduler.WithLoggers(loggers),
		scheduler.WithMetrics(m))

	err = s.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printPlan(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	plan := scheduler.Plan(cfg)
	fmt.Fprintf(out, "workdir %s, %d cores, timeout %s\n", cfg.Workdir, len(cfg.Cores), cfg.Timeout.Std())
	for _, e := range plan {
		fmt.Fprintf(out, "pass %d  %-12s %-16s workers=%d image=%s args=%q\n",
			e.Pass, e.Fuzzer, e.Target, e.Workers, e.Image, e.Args)
	}
	fmt.Fprintf(out, "%d campaigns\n", len(plan))
	return nil
}

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"captain/internal/config"
	"captain/internal/ledger"

	"github.com/spf13/cobra"
)

var historyFilter ledger.Filter

// historyCmd lists recorded campaigns
var historyCmd = &cobra.Command{
	Use:   "history [config]",
	Short: "List recorded campaign attempts",
	Long: `Prints the campaign ledger of the configured workdir. Cache and archive
IDs are allocated independently; the ledger is where their pairing is kept.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyFilter.Fuzzer, "fuzzer", "", "Only show this fuzzer")
	historyCmd.Flags().StringVar(&historyFilter.Target, "target", "", "Only show this target")
	historyCmd.Flags().StringVar(&historyFilter.RunID, "run", "", "Only show this scheduler run")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return err
	}
	if cfg.LedgerPath() == "" {
		return fmt.Errorf("no ledger configured")
	}
	lg, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return err
	}
	defer lg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	entries, err := lg.List(ctx, historyFilter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tFUZZER\tTARGET\tCACHE\tARCHIVE\tCORES\tSTARTED\tDURATION\tEXIT\tOUTCOME")
	for _, e := range entries {
		duration := "-"
		if !e.FinishedAt.IsZero() {
			duration = e.FinishedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		exit := "-"
		if e.ExitCode >= 0 {
			exit = strconv.Itoa(e.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			shortRun(e.RunID), e.Fuzzer, e.Target, e.CacheID, e.ArchiveID, joinCores(e.Cores),
			e.StartedAt.Local().Format(time.DateTime), duration, exit, e.Outcome)
	}
	return w.Flush()
}

func shortRun(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func joinCores(cores []int) string {
	ids := make([]string, len(cores))
	for i, c := range cores {
		ids[i] = strconv.Itoa(c)
	}
	return strings.Join(ids, ",")
}

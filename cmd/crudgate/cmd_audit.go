package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"crudgate/internal/audit"
	"crudgate/internal/logging"

	"github.com/spf13/cobra"
)

var (
	recentLimit int
	pruneOlder  time.Duration
)

// auditCmd inspects the decision audit log
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the decision audit log",
	Long: `Inspect and maintain the decision audit log.

Subcommands:
  recent - Show the newest decisions
  stats  - Show totals per classification and decision
  prune  - Delete decisions older than the retention window`,
}

var auditRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show the newest decisions",
	Args:  cobra.NoArgs,
	RunE:  runAuditRecent,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show decision totals",
	Args:  cobra.NoArgs,
	RunE:  runAuditStats,
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old decisions",
	Args:  cobra.NoArgs,
	RunE:  runAuditPrune,
}

func init() {
	auditRecentCmd.Flags().IntVarP(&recentLimit, "limit", "n", 20, "Number of decisions to show")
	auditRecentCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	auditStatsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	auditPruneCmd.Flags().DurationVar(&pruneOlder, "older-than", 0, "Age cutoff (default: audit.retention)")

	auditCmd.AddCommand(auditRecentCmd, auditStatsCmd, auditPruneCmd)
}

func openAuditStore() (*audit.Store, error) {
	return audit.Open(cfg.Audit.ExpandedPath(), cfg.Audit.Driver,
		logging.For(logger, cfg.Logging, logging.CategoryAudit))
}

func runAuditRecent(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.Recent(ctx, recentLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No decisions recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tDECISION\tCLASS\tCONF\tCALLER\tCOMMAND")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%s\n",
			r.Timestamp.Local().Format(time.DateTime), r.Decision, r.Classification,
			r.Confidence, r.Caller, truncate(r.Command, 60))
	}
	return tw.Flush()
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, st)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Total decisions: %d (avg %.1f ms)\n", st.Total, st.AvgResponseMs)
	if st.Total > 0 {
		fmt.Fprintf(out, "Range: %s .. %s\n",
			st.Oldest.Local().Format(time.DateTime), st.Newest.Local().Format(time.DateTime))
	}
	printCounts(cmd, "By classification", st.ByClassification)
	printCounts(cmd, "By decision", st.ByDecision)
	return nil
}

func runAuditPrune(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	older := pruneOlder
	if older <= 0 {
		older = cfg.Audit.GetRetention()
	}

	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(ctx, older)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d decisions older than %s\n", n, older)
	return nil
}

func printCounts(cmd *cobra.Command, title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(cmd.OutOrStdout(), "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-22s %d\n", k, counts[k])
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

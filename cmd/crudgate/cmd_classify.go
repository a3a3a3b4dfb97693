package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"crudgate/internal/types"

	"github.com/spf13/cobra"
)

var (
	jsonOutput bool
	caller     string
)

// classifyCmd classifies a command without applying policy
var classifyCmd = &cobra.Command{
	Use:   "classify <command...>",
	Short: "Classify a shell command as CREATE, READ, UPDATE or DELETE",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runClassify,
}

// checkCmd runs the full permission pipeline for one command
var checkCmd = &cobra.Command{
	Use:   "check <command...>",
	Short: "Evaluate a shell command against the denylist and policy",
	Long: `Runs the same pipeline as the daemon and records the decision in the
audit log. The exit status is 0 for APPROVED, 2 for REQUIRES_CONFIRMATION
and 3 for DENIED or RATE_LIMITED.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	for _, c := range []*cobra.Command{classifyCmd, checkCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	}
	checkCmd.Flags().StringVar(&caller, "caller", "cli", "Caller id used for rate limiting and audit")
}

func runClassify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, appOptions{syncAudit: true})
	if err != nil {
		return err
	}
	defer a.close()

	res := a.classifier.Classify(ctx, joinArgs(args))
	if jsonOutput {
		return printJSON(cmd, ClassifyResponse{
			Classification: res.Classification,
			Confidence:     res.Confidence,
			Reasoning:      res.Reasoning,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (confidence %.2f)\n  %s\n", res.Classification, res.Confidence, res.Reasoning)
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, appOptions{syncAudit: true})
	if err != nil {
		return err
	}

	resp := a.handler.Evaluate(ctx, types.PermissionRequest{Command: joinArgs(args), Caller: caller})
	if err := a.close(); err != nil {
		return err
	}

	if jsonOutput {
		if err := printJSON(cmd, resp); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n  classification: %s (confidence %.2f)\n  request: %s\n",
			resp.Decision, resp.Reasoning, resp.Classification, resp.Confidence, resp.RequestID)
	}

	if code := exitCode(resp.Decision); code != 0 {
		_ = logger.Sync()
		os.Exit(code)
	}
	return nil
}

func exitCode(d types.PermissionDecision) int {
	switch d {
	case types.DecisionApproved:
		return 0
	case types.DecisionRequiresConfirmation:
		return 2
	default:
		return 3
	}
}

// joinArgs joins command arguments into a single string
func joinArgs(args []string) string {
	return strings.Join(args, " ")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

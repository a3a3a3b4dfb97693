package main

import (
	"context"
	"fmt"

	"crudgate/internal/llm"
	"crudgate/internal/logging"

	"github.com/spf13/cobra"
)

// modelCmd manages the local classification model
var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Manage the classification model",
}

var modelFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download and verify the model file",
	Long: `Downloads hooks.llm.model_url to hooks.llm.model_path, verifying it
against hooks.llm.model_sha256 when set. An existing verified file is
left alone.`,
	Args: cobra.NoArgs,
	RunE: runModelFetch,
}

var modelLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load the model into the configured backend and run a test prompt",
	Args:  cobra.NoArgs,
	RunE:  runModelLoad,
}

func init() {
	modelCmd.AddCommand(modelFetchCmd, modelLoadCmd)
}

func runModelFetch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Hooks.LLM.GetLoadTimeout()+timeout)
	defer cancel()

	src := llm.NewArtifactSource(cfg.Hooks.LLM, logging.For(logger, cfg.Logging, logging.CategoryLLM))
	if src == nil {
		return fmt.Errorf("hooks.llm.model_path is not set")
	}
	art, err := src(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n  sha256: %s\n  size:   %.1f MB\n",
		art.Path, art.SHA256, float64(art.SizeBytes)/(1<<20))
	return nil
}

func runModelLoad(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Hooks.LLM.GetLoadTimeout()+timeout)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, appOptions{syncAudit: true})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.model.Load(ctx); err != nil {
		return err
	}
	res := a.classifier.Classify(ctx, "git status")
	fmt.Fprintf(cmd.OutOrStdout(), "%s ready on %s\n  test: git status -> %s (%.2f)\n",
		a.model.ModelName(), a.model.BackendName(), res.Classification, res.Confidence)
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/longregen/rubric/internal/application/services"
	"github.com/spf13/cobra"
)

// cloneCmd re-runs a blueprint against a prior run
func cloneCmd() *cobra.Command {
	var (
		sourceConfig    string
		sourceRun       string
		sourceTimestamp string
		concurrency     int
		skipEmbeddings  bool
		skipCoverage    bool
	)

	cmd := &cobra.Command{
		Use:   "clone <blueprint.json>",
		Short: "Re-run a blueprint, reusing a prior run's work",
		Long: `Execute a blueprint against a previous run: prompts unchanged since
the source run reuse its responses and judgements, and only added or
edited prompts touch the providers. Cloning an unchanged blueprint
reproduces the source artifact under a fresh timestamp without a
single model call.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if sourceConfig == "" {
				return fmt.Errorf("source config id is required (use --source-config)")
			}
			if sourceRun == "" {
				return fmt.Errorf("source run label is required (use --source-run)")
			}
			if sourceTimestamp == "" {
				return fmt.Errorf("source timestamp is required (use --source-timestamp)")
			}

			bp, err := loadBlueprint(args[0])
			if err != nil {
				return err
			}
			if concurrency > 0 {
				bp.Concurrency = concurrency
			}

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := registerCustomModels(rt.dispatcher, bp); err != nil {
				return fmt.Errorf("failed to register custom models: %w", err)
			}

			artifact, err := rt.cloner.Clone(ctx, services.CloneRequest{
				SourceConfigID:  sourceConfig,
				SourceRunLabel:  sourceRun,
				SourceTimestamp: sourceTimestamp,
			}, bp, services.RunOptions{
				SkipEmbeddings: skipEmbeddings,
				SkipCoverage:   skipCoverage,
			})
			if err != nil {
				return fmt.Errorf("clone failed: %w", err)
			}

			printArtifactSummary(artifact)
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceConfig, "source-config", "", "Config id of the source run (required)")
	cmd.Flags().StringVar(&sourceRun, "source-run", "", "Run label of the source run (required)")
	cmd.Flags().StringVar(&sourceTimestamp, "source-timestamp", "", "Timestamp of the source run (required)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "Override the blueprint's generation concurrency")
	cmd.Flags().BoolVar(&skipEmbeddings, "skip-embeddings", false, "Skip the embedding similarity stage")
	cmd.Flags().BoolVar(&skipCoverage, "skip-coverage", false, "Skip the criterion coverage stage")

	return cmd
}

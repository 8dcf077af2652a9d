package main

import (
	"context"
	"fmt"

	"github.com/longregen/rubric/internal/application/services"
	"github.com/spf13/cobra"
)

// runCmd executes one blueprint end to end
func runCmd() *cobra.Command {
	var (
		fixturesPath   string
		fixturesStrict bool
		concurrency    int
		skipEmbeddings bool
		skipCoverage   bool
	)

	cmd := &cobra.Command{
		Use:   "run <blueprint.json>",
		Short: "Execute a comparison pipeline",
		Long: `Execute a blueprint's full comparison pipeline: expand the cohort,
generate every response, evaluate, and persist one run artifact.

Provider credentials come from the environment (OPENAI_API_KEY,
ANTHROPIC_API_KEY, ...). The artifact lands under the configured
results directory; with RUBRIC_POSTGRES_URL set the run is also
mirrored into the queryable run index.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

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

			opts := services.RunOptions{
				FixturesStrict: fixturesStrict,
				SkipEmbeddings: skipEmbeddings,
				SkipCoverage:   skipCoverage,
			}
			if fixturesPath != "" {
				deck, err := services.LoadFixtureDeck(fixturesPath)
				if err != nil {
					return err
				}
				opts.Fixtures = deck
				fmt.Printf("Loaded %d fixture(s) from %s\n", deck.Len(), fixturesPath)
			}

			artifact, err := rt.pipeline.Execute(ctx, bp, opts)
			if err != nil {
				return fmt.Errorf("pipeline failed: %w", err)
			}

			printArtifactSummary(artifact)
			return nil
		},
	}

	cmd.Flags().StringVar(&fixturesPath, "fixtures", "", "Replay recorded responses from a fixture deck")
	cmd.Flags().BoolVar(&fixturesStrict, "fixtures-strict", false, "Record fixture misses as cell errors instead of calling providers")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "Override the blueprint's generation concurrency")
	cmd.Flags().BoolVar(&skipEmbeddings, "skip-embeddings", false, "Skip the embedding similarity stage")
	cmd.Flags().BoolVar(&skipCoverage, "skip-coverage", false, "Skip the criterion coverage stage")

	return cmd
}

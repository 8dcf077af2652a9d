package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/longregen/rubric/internal/adapters/storage"
	"github.com/longregen/rubric/internal/domain/models"
	"github.com/spf13/cobra"
)

// listCmd lists stored configs or the runs of one config
func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [configId]",
		Short: "List stored configs or runs",
		Long: `Without arguments, list every config id in the result store.
With a config id, list that config's persisted runs, newest first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			store, err := storage.NewFileStore(cfg.Storage.ResultsDir)
			if err != nil {
				return fmt.Errorf("failed to open result store: %w", err)
			}

			if len(args) == 0 {
				ids, err := store.ListConfigIDs(ctx)
				if err != nil {
					return fmt.Errorf("failed to list configs: %w", err)
				}
				if len(ids) == 0 {
					fmt.Println("No runs stored yet.")
					return nil
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			}

			configID := args[0]
			runs, err := store.ListRunsForConfig(ctx, configID)
			if err != nil {
				return fmt.Errorf("failed to list runs for %s: %w", configID, err)
			}
			if len(runs) == 0 {
				fmt.Printf("No runs found for config %s.\n", configID)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN LABEL\tTIMESTAMP\tFILE")
			fmt.Fprintln(w, "---------\t---------\t----")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.RunLabel, r.Timestamp, r.FileName)
			}
			w.Flush()
			return nil
		},
	}
}

// showCmd prints one stored run artifact
func showCmd() *cobra.Command {
	var showJSON bool

	cmd := &cobra.Command{
		Use:   "show <configId> <fileName>",
		Short: "Show a stored run artifact",
		Long:  `Display one persisted run: its cohort, evaluation methods and per-model scores.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			configID, fileName := args[0], args[1]

			store, err := storage.NewFileStore(cfg.Storage.ResultsDir)
			if err != nil {
				return fmt.Errorf("failed to open result store: %w", err)
			}
			artifact, err := store.GetResultByFileName(ctx, configID, fileName)
			if err != nil {
				return fmt.Errorf("failed to load run: %w", err)
			}

			if showJSON {
				data, err := json.MarshalIndent(artifact, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal JSON: %w", err)
				}
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("Run: %s\n", artifact.ConfigTitle)
			fmt.Printf("Config:    %s\n", artifact.ConfigID)
			fmt.Printf("Run label: %s\n", artifact.RunLabel)
			fmt.Printf("Timestamp: %s\n", artifact.Timestamp)
			if artifact.Description != "" {
				fmt.Printf("About:     %s\n", artifact.Description)
			}
			if len(artifact.Tags) > 0 {
				fmt.Printf("Tags:      %s\n", strings.Join(artifact.Tags, ", "))
			}
			if len(artifact.EvalMethods) > 0 {
				methods := make([]string, len(artifact.EvalMethods))
				for i, m := range artifact.EvalMethods {
					methods[i] = string(m)
				}
				fmt.Printf("Methods:   %s\n", strings.Join(methods, ", "))
			}
			fmt.Printf("Prompts:   %d\n", len(artifact.PromptIDs))
			fmt.Println()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tANSWERED\tERRORS\tAVG COVERAGE")
			fmt.Fprintln(w, "-----\t--------\t------\t------------")
			for _, modelID := range artifact.EffectiveModels {
				if modelID == models.IdealModelID {
					continue
				}
				answered, errored := 0, 0
				var covSum float64
				var covN int
				for _, promptID := range artifact.PromptIDs {
					if _, ok := artifact.Errors[promptID][modelID]; ok {
						errored++
					} else if _, ok := artifact.AllFinalAssistantResponses[promptID][modelID]; ok {
						answered++
					}
					if cov := artifact.EvaluationResults.LLMCoverageScores.Get(promptID, modelID); cov != nil && cov.AvgCoverageExtent != nil {
						covSum += *cov.AvgCoverageExtent
						covN++
					}
				}
				covStr := "N/A"
				if covN > 0 {
					covStr = fmt.Sprintf("%.3f", covSum/float64(covN))
				}
				fmt.Fprintf(w, "%s\t%d/%d\t%d\t%s\n", modelID, answered, len(artifact.PromptIDs), errored, covStr)
			}
			w.Flush()

			return nil
		},
	}

	cmd.Flags().BoolVar(&showJSON, "json", false, "Output as JSON")

	return cmd
}

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/hindsight/internal/analyzer"
	"github.com/kalambet/hindsight/internal/config"
	"github.com/kalambet/hindsight/internal/queue"
)

// --- scan ---

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run the analysis pipeline over stored conversations",
	Long: `Run the analysis pipeline over stored conversations.

By default processes pending queue items. With --reset the queue and all
extracted learnings are cleared and every conversation is re-analyzed.

Examples:
  hindsight scan
  hindsight scan --types learning
  hindsight scan --reset --cloud-consent`,
	RunE: func(cmd *cobra.Command, args []string) error {
		typesFlag, _ := cmd.Flags().GetString("types")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		reset, _ := cmd.Flags().GetBool("reset")
		retryFailed, _ := cmd.Flags().GetBool("retry-failed")
		cloudConsent, _ := cmd.Flags().GetBool("cloud-consent")

		var types []string
		if typesFlag != "" {
			for _, t := range strings.Split(typesFlag, ",") {
				t = strings.TrimSpace(t)
				switch t {
				case analyzer.TypeLearning, analyzer.TypeWorkflow:
					types = append(types, t)
				default:
					return fmt.Errorf("unknown analysis type %q", t)
				}
			}
		}

		a, err := buildApp(cmd, func(cfg *config.Config) {
			if cloudConsent {
				cfg.Analysis.CloudConsent = true
			}
		}, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		// A scoped queue honoring the command's type and batch overrides.
		q := queue.New(a.store, a.registry, a.learnings, queue.Options{
			Types:       types,
			BatchSize:   batchSize,
			Concurrency: a.cfg.Analysis.Concurrency,
			MaxAttempts: a.cfg.Analysis.MaxAttempts,
		})

		ctx := cmd.Context()

		if retryFailed {
			n, err := q.ResetFailed()
			if err != nil {
				return err
			}
			printStatus("Retrying", "%d previously failed items", n)
		}

		if reset {
			enqueued, err := q.Rescan(ctx)
			if err != nil {
				return err
			}
			printStatus("Rescan", "%d items enqueued", enqueued)
		}

		stats, err := q.Drain(ctx)
		if err != nil {
			return err
		}

		printStatus("Processed", "%d items (%d completed, %d failed)",
			stats.Processed, stats.Completed, stats.Failed)
		printStatus("Learnings", "%d extracted", stats.LearningsAdded)
		printStatus("Workflows", "%d detected", stats.WorkflowsAdded)

		if stats.Failed > 0 {
			printError("Scan finished with %d failed items", stats.Failed)
			return fmt.Errorf("%d analysis items failed", stats.Failed)
		}
		printSuccess("Scan complete")
		return nil
	},
}

func init() {
	scanCmd.Flags().String("types", "", "comma-separated analysis types (learning, workflow)")
	scanCmd.Flags().Int("batch-size", 0, "items claimed per batch")
	scanCmd.Flags().Bool("reset", false, "clear analysis state and re-analyze everything")
	scanCmd.Flags().Bool("retry-failed", false, "return failed items to the queue first")
	scanCmd.Flags().Bool("cloud-consent", false, "allow cloud-hosted model calls for this run")
}

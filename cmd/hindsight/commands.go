package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/hindsight/internal/source"
	"github.com/kalambet/hindsight/internal/syncer"
)

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync conversations from all enabled sources",
	Long: `Sync conversations from all enabled sources into the local store.

Examples:
  hindsight sync
  hindsight sync --provider claude-code
  hindsight sync --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		providerFlag, _ := cmd.Flags().GetString("provider")
		force, _ := cmd.Flags().GetBool("force")

		progress := func(p syncer.Progress) {
			fmt.Fprintf(os.Stderr, "  %s: %d/%d\n", p.Provider, p.Done, p.Total)
		}

		a, err := buildApp(cmd, nil, progress)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()

		var stats syncer.Stats
		if providerFlag != "" {
			provider := source.Provider(providerFlag)
			if !provider.Valid() {
				return fmt.Errorf("unknown provider %q", providerFlag)
			}
			ps, err := a.syncer.SyncOne(ctx, provider, force)
			if ps != nil {
				stats.Providers = map[source.Provider]*syncer.ProviderStats{provider: ps}
			}
			printSyncStats(stats)
			if err != nil {
				return err
			}
		} else {
			stats, err = a.syncer.SyncAll(ctx, force)
			printSyncStats(stats)
			if err != nil {
				return err
			}
		}

		// Drain analysis triggered by this pass so sync is self-contained.
		scanStats, err := a.queue.Drain(ctx)
		if err != nil {
			return err
		}
		if scanStats.Processed > 0 {
			printStatus("Analysis", "%d items, %d learnings, %d workflows",
				scanStats.Processed, scanStats.LearningsAdded, scanStats.WorkflowsAdded)
		}
		return nil
	},
}

func printSyncStats(stats syncer.Stats) {
	providers := make([]source.Provider, 0, len(stats.Providers))
	for p := range stats.Providers {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })

	for _, p := range providers {
		ps := stats.Providers[p]
		if ps.SessionExpired {
			printWarning("%s: session expired, re-authentication required", p)
		}
		printStatus(string(p), "%d new, %d updated, %d unchanged, %d failed",
			ps.Created, ps.Updated, ps.Unchanged, ps.Failed)
	}

	created, updated, failed := stats.Totals()
	if failed > 0 {
		printWarning("Synced with %d failures (%d new, %d updated)", failed, created, updated)
	} else {
		printSuccess("Synced (%d new, %d updated)", created, updated)
	}
}

func init() {
	syncCmd.Flags().String("provider", "", "sync only this provider")
	syncCmd.Flags().Bool("force", false, "ignore cursors and refetch everything")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search synced conversations",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := buildApp(cmd, nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		query := args[0]
		for _, arg := range args[1:] {
			query += " " + arg
		}

		results, err := a.search.Search(cmd.Context(), query)
		if err != nil {
			return err
		}
		if limit > 0 && len(results) > limit {
			results = results[:limit]
		}
		if len(results) == 0 {
			fmt.Println("No results.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SCORE\tMATCH\tPROVIDER\tUPDATED\tTITLE")
		for _, res := range results {
			fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\t%s\n",
				res.Score, res.MatchType, res.Conversation.Provider,
				res.Conversation.UpdatedAt.Format("2006-01-02 15:04"),
				res.Conversation.Title)
		}
		return w.Flush()
	},
}

func init() {
	searchCmd.Flags().Int("limit", 0, "cap the number of results")
}

// --- learnings ---

var learningsCmd = &cobra.Command{
	Use:   "learnings",
	Short: "Review extracted learnings",
}

var learningsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learnings",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := buildApp(cmd, nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		learnings, err := a.learnings.List(status, limit)
		if err != nil {
			return err
		}
		if len(learnings) == 0 {
			fmt.Println("No learnings.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tCONF\tSCOPE\tRULE")
		for _, l := range learnings {
			rule := l.Rule
			if len(rule) > 72 {
				rule = rule[:69] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\n", l.ID, l.Status, l.Confidence, l.Scope, rule)
		}
		return w.Flush()
	},
}

var learningsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending learning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd, nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.learnings.Approve(args[0]); err != nil {
			return err
		}
		printSuccess("Approved %s", args[0])
		return nil
	},
}

var learningsRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending learning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd, nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.learnings.Reject(args[0]); err != nil {
			return err
		}
		printSuccess("Rejected %s", args[0])
		return nil
	},
}

func init() {
	learningsListCmd.Flags().String("status", "", "filter by status (pending, approved, rejected)")
	learningsListCmd.Flags().Int("limit", 50, "maximum learnings to list")
	learningsCmd.AddCommand(learningsListCmd, learningsApproveCmd, learningsRejectCmd)
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hindsight version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hindsight version %s\n", version)
	},
}

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arklow-data/tender-triage/internal/model"
	"github.com/arklow-data/tender-triage/internal/monitoring"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline health",
	Long:  "Prints per-stage tender counts, scoring outcomes, and queue depths.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "status")
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store, queueOrNil(env), cfg.Queue.ScoringQueue, cfg.Queue.ReviewQueue)
		snap, err := collector.Collect(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tCOUNT")
		for _, stage := range []model.Stage{
			model.StageIngested,
			model.StageAwaitingContent,
			model.StageScored,
			model.StageRoutedTitleOnly,
			model.StageRoutedFull,
			model.StageAccepted,
			model.StageRejected,
		} {
			fmt.Fprintf(w, "%s\t%d\n", stage, snap.StageCounts[stage])
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "scored tenders\t%d\n", snap.TotalScored)
		fmt.Fprintf(w, "predicted bids\t%d (%.1f%%)\n", snap.Bids, snap.BidRate*100)
		fmt.Fprintf(w, "avg confidence\t%.3f\n", snap.AvgConfidence)
		if env.Queue != nil {
			fmt.Fprintf(w, "scoring queue\t%d\n", snap.ScoringQueueDepth)
			fmt.Fprintf(w, "review queue\t%d\n", snap.ReviewQueueDepth)
			fmt.Fprintf(w, "dead letters\t%d\n", snap.DLQDepth)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

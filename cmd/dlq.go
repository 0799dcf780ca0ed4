package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arklow-data/tender-triage/internal/resilience"
)

var (
	dlqQueueName string
	dlqErrorType string
	dlqLimit     int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage dead-lettered messages",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "dlq")
		if err != nil {
			return err
		}
		defer env.Close()

		q, err := env.requireQueue()
		if err != nil {
			return err
		}

		entries, err := q.ListDLQ(ctx, resilience.DLQFilter{
			QueueName: dlqQueueName,
			ErrorType: dlqErrorType,
			Limit:     dlqLimit,
		})
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			cmd.Println("dead-letter queue is empty")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tQUEUE\tRESOURCE\tTYPE\tRECEIVES\tLAST FAILED\tERROR")
		for _, e := range entries {
			errText := e.Error
			if len(errText) > 60 {
				errText = errText[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
				e.ID, e.QueueName, e.Message.ResourceID, e.ErrorType,
				e.ReceiveCount, e.LastFailedAt.Format(time.RFC3339), errText)
		}
		return w.Flush()
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue <id>...",
	Short: "Move dead-letter entries back onto their origin queues",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "dlq")
		if err != nil {
			return err
		}
		defer env.Close()

		q, err := env.requireQueue()
		if err != nil {
			return err
		}

		for _, id := range args {
			if err := q.RequeueDLQ(ctx, id); err != nil {
				return err
			}
			zap.L().Info("dlq entry requeued", zap.String("id", id))
		}
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge <id>...",
	Short: "Delete dead-letter entries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "dlq")
		if err != nil {
			return err
		}
		defer env.Close()

		q, err := env.requireQueue()
		if err != nil {
			return err
		}

		for _, id := range args {
			if err := q.RemoveDLQ(ctx, id); err != nil {
				return err
			}
			zap.L().Info("dlq entry purged", zap.String("id", id))
		}
		return nil
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqQueueName, "queue", "", "filter by origin queue name")
	dlqListCmd.Flags().StringVar(&dlqErrorType, "error-type", "", "filter by error type (transient|permanent)")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 100, "max entries to list")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}

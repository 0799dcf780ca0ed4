package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arklow-data/tender-triage/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume the scoring queue",
	Long:  "Polls the scoring queue, gates and scores each tender, persists the decision, forwards it to deep review, and acks. Runs until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		q, err := env.requireQueue()
		if err != nil {
			return err
		}

		var notifier worker.Notifier
		if env.Notifier != nil {
			notifier = env.Notifier
		}

		w := worker.New(env.Store, q, env.Router, env.Extractor, env.Filter, env.Engine, notifier, worker.Options{
			ScoringQueue: cfg.Queue.ScoringQueue,
			ReviewQueue:  cfg.Queue.ReviewQueue,
			BatchSize:    cfg.Queue.BatchSize,
			Concurrency:  cfg.Worker.Concurrency,
			PollInterval: time.Duration(cfg.Queue.PollIntervalSecs) * time.Second,
		})

		return w.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arklow-data/tender-triage/internal/model"
	"github.com/arklow-data/tender-triage/internal/store"
)

var (
	scoreTenderID int64
	scoreContent  string
	scorePersist  bool
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score a stored tender on demand",
	Long: `Re-runs the scoring pass for one tender outside the queue flow. This is
the explicit re-trigger path: the same content snapshot is otherwise never
scored twice.

Examples:
  # Score tender 4410388 using its stored content
  score --tender 4410388

  # Score with replacement content and persist the outcome
  score --tender 4410388 --content-file extract.txt --persist`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if scoreTenderID == 0 {
			return eris.New("--tender is required")
		}

		env, err := initEnv(ctx, "score")
		if err != nil {
			return err
		}
		defer env.Close()

		tender, err := env.Store.GetTender(ctx, scoreTenderID)
		if err != nil {
			return err
		}
		if tender == nil {
			return eris.Errorf("tender not found: %d", scoreTenderID)
		}

		content := tender.Content
		if scoreContent != "" {
			data, err := os.ReadFile(scoreContent)
			if err != nil {
				return eris.Wrapf(err, "read content file %s", scoreContent)
			}
			content = string(data)
		}

		vec := env.Extractor.Extract(tender, content)
		vec.Exclusion = env.Filter.Score(tender.Title + " " + content)
		result := env.Engine.Score(vec)

		if scorePersist {
			hash := store.ContentHash(content)
			if err := env.Store.SaveScore(ctx, tender.ResourceID, hash, env.Extractor.TableVersion(), result, model.StageScored); err != nil {
				return err
			}
			zap.L().Info("score persisted",
				zap.Int64("resource_id", tender.ResourceID),
				zap.String("content_hash", hash))
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return eris.Wrap(err, "marshal score result")
		}
		cmd.Println(string(out))
		return nil
	},
}

func init() {
	scoreCmd.Flags().Int64Var(&scoreTenderID, "tender", 0, "tender resource id")
	scoreCmd.Flags().StringVar(&scoreContent, "content-file", "", "score this file's text instead of stored content")
	scoreCmd.Flags().BoolVar(&scorePersist, "persist", false, "write the score and stage back to the store")
	rootCmd.AddCommand(scoreCmd)
}

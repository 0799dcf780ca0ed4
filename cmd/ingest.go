package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arklow-data/tender-triage/internal/db"
	"github.com/arklow-data/tender-triage/internal/model"
	"github.com/arklow-data/tender-triage/internal/queue"
	"github.com/arklow-data/tender-triage/internal/store"
)

var (
	ingestFile    string
	ingestEnqueue bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Bulk-load tender listings from a JSON file",
	Long: `Loads an array of tender records and upserts them in one pass. Re-running
the same file is safe: existing rows are refreshed without touching their
processing stage or scoring decision.

With --enqueue each loaded tender is also pushed onto the scoring queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ingestFile == "" {
			return eris.New("--file is required")
		}

		data, err := os.ReadFile(ingestFile)
		if err != nil {
			return eris.Wrapf(err, "read %s", ingestFile)
		}

		var tenders []model.TenderRecord
		if err := json.Unmarshal(data, &tenders); err != nil {
			return eris.Wrapf(err, "parse %s", ingestFile)
		}
		if len(tenders) == 0 {
			zap.L().Info("nothing to ingest")
			return nil
		}

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := loadTenders(ctx, env, tenders)
		if err != nil {
			return err
		}
		zap.L().Info("tenders loaded",
			zap.Int64("rows", n),
			zap.String("file", ingestFile))

		if !ingestEnqueue {
			return nil
		}

		q, err := env.requireQueue()
		if err != nil {
			return err
		}
		for i := range tenders {
			t := &tenders[i]
			msg := model.PipelineMessage{
				ResourceID:      t.ResourceID,
				Title:           t.Title,
				Authority:       t.Authority,
				ProcessingStage: model.StageIngested,
				Content:         t.Content,
				ContentMissing:  t.Content == "",
				CodesCount:      t.CodesCount,
				Value:           t.Value,
				Deadline:        t.Deadline,
			}
			if err := queue.SendJSON(ctx, q, cfg.Queue.ScoringQueue, msg); err != nil {
				return err
			}
		}
		zap.L().Info("tenders enqueued",
			zap.Int("count", len(tenders)),
			zap.String("queue", cfg.Queue.ScoringQueue))
		return nil
	},
}

// loadTenders bulk-upserts against Postgres and falls back to row-at-a-time
// upserts elsewhere.
func loadTenders(ctx context.Context, env *appEnv, tenders []model.TenderRecord) (int64, error) {
	pg, ok := env.Store.(*store.PostgresStore)
	if !ok {
		for i := range tenders {
			if err := env.Store.UpsertTender(ctx, &tenders[i]); err != nil {
				return 0, err
			}
		}
		return int64(len(tenders)), nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(tenders))
	for i := range tenders {
		t := &tenders[i]
		stage := t.ProcessingStage
		if stage == "" {
			stage = model.StageIngested
		}
		if !stage.Valid() {
			return 0, eris.Errorf("invalid stage %q for tender %d", stage, t.ResourceID)
		}
		rows = append(rows, []any{
			t.ResourceID, t.Title, t.Authority, t.Description, t.Procedure, t.Status,
			t.Value, t.Published, t.Deadline, t.ContentURL, t.Content, t.CodesCount,
			string(stage), now, now,
		})
	}

	return db.BulkUpsert(ctx, pg.Pool(), db.UpsertConfig{
		Table: "tenders",
		Columns: []string{
			"resource_id", "title", "contracting_authority", "description", "procedure", "status",
			"estimated_value", "published", "deadline", "content_url", "content", "codes_count",
			"processing_stage", "created_at", "updated_at",
		},
		ConflictKeys: []string{"resource_id"},
		// Stage and decision stay owned by the pipeline.
		UpdateCols: []string{
			"title", "contracting_authority", "description", "procedure", "status",
			"estimated_value", "published", "deadline", "content_url", "content", "codes_count",
			"updated_at",
		},
	}, rows)
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "JSON file holding an array of tenders")
	ingestCmd.Flags().BoolVar(&ingestEnqueue, "enqueue", false, "also enqueue loaded tenders for scoring")
	rootCmd.AddCommand(ingestCmd)
}

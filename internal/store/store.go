// Package store persists tender records and scoring outcomes. Two backends
// implement the same interface: Postgres for deployments and SQLite for
// local runs.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/arklow-data/tender-triage/internal/model"
)

// TenderFilter narrows tender listings.
type TenderFilter struct {
	Stage     model.Stage `json:"stage,omitempty"`
	ShouldBid *bool       `json:"should_bid,omitempty"`
	Limit     int         `json:"limit,omitempty"`
	Offset    int         `json:"offset,omitempty"`
}

// BidStats summarizes scoring outcomes across the store.
type BidStats struct {
	TotalScored   int64   `json:"total_scored"`
	Bids          int64   `json:"bids"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Store is the persistence interface for the triage pipeline. SaveScore is
// the write the worker must complete before acknowledging a message, and it
// is an upsert: redelivered messages overwrite with identical values.
type Store interface {
	UpsertTender(ctx context.Context, t *model.TenderRecord) error
	GetTender(ctx context.Context, resourceID int64) (*model.TenderRecord, error)
	ListTenders(ctx context.Context, filter TenderFilter) ([]model.TenderRecord, error)

	// UpdateStage validates the transition against the current stage
	// before writing.
	UpdateStage(ctx context.Context, resourceID int64, stage model.Stage) error

	// SaveScore atomically upserts the score row, keyed by
	// (resource id, content hash), and folds the decision plus the new
	// stage into the tender record.
	SaveScore(ctx context.Context, resourceID int64, contentHash string, tableVersion int, score model.ScoreResult, stage model.Stage) error
	GetScore(ctx context.Context, resourceID int64, contentHash string) (*model.ScoreResult, error)

	StageCounts(ctx context.Context) (map[model.Stage]int64, error)
	BidStats(ctx context.Context) (*BidStats, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// ContentHash returns the key that makes score persistence idempotent per
// (tender, content) pair.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

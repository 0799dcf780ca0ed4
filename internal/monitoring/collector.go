// Package monitoring gathers pipeline health metrics and raises alerts when
// queues back up or dead letters accumulate.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/arklow-data/tender-triage/internal/model"
	"github.com/arklow-data/tender-triage/internal/queue"
	"github.com/arklow-data/tender-triage/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Tenders per processing stage.
	StageCounts map[model.Stage]int64 `json:"stage_counts"`

	// Scoring outcomes across the store.
	TotalScored   int64   `json:"total_scored"`
	Bids          int64   `json:"bids"`
	BidRate       float64 `json:"bid_rate"`
	AvgConfidence float64 `json:"avg_confidence"`

	// Queue backlogs.
	ScoringQueueDepth int64 `json:"scoring_queue_depth"`
	ReviewQueueDepth  int64 `json:"review_queue_depth"`
	DLQDepth          int64 `json:"dlq_depth"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store and the queues.
type Collector struct {
	store        store.Store
	queue        queue.Queue
	scoringQueue string
	reviewQueue  string
}

// NewCollector creates a metrics collector. queue may be nil when running
// against a store-only backend; queue metrics are then zero.
func NewCollector(st store.Store, q queue.Queue, scoringQueue, reviewQueue string) *Collector {
	return &Collector{store: st, queue: q, scoringQueue: scoringQueue, reviewQueue: reviewQueue}
}

// Collect gathers a snapshot.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	counts, err := c.store.StageCounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: stage counts")
	}
	snap.StageCounts = counts

	stats, err := c.store.BidStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: bid stats")
	}
	snap.TotalScored = stats.TotalScored
	snap.Bids = stats.Bids
	snap.AvgConfidence = stats.AvgConfidence
	if stats.TotalScored > 0 {
		snap.BidRate = float64(stats.Bids) / float64(stats.TotalScored)
	}

	if c.queue != nil {
		if snap.ScoringQueueDepth, err = c.queue.Depth(ctx, c.scoringQueue); err != nil {
			return nil, eris.Wrap(err, "monitoring: scoring queue depth")
		}
		if snap.ReviewQueueDepth, err = c.queue.Depth(ctx, c.reviewQueue); err != nil {
			return nil, eris.Wrap(err, "monitoring: review queue depth")
		}
		if snap.DLQDepth, err = c.queue.CountDLQ(ctx); err != nil {
			return nil, eris.Wrap(err, "monitoring: dlq depth")
		}
	}

	return snap, nil
}

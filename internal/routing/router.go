// Package routing owns the content gate and the stage decisions made before
// and after a scoring pass.
package routing

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklow-data/tender-triage/internal/model"
)

// Decision is the routing outcome for one inbound tender message.
type Decision struct {
	// ShouldScore is false when the tender has no usable content and goes
	// straight to lightweight downstream review.
	ShouldScore bool
	NextStage   model.Stage
}

// Router applies the content gate and the stage state machine. Stateless and
// safe for concurrent use.
type Router struct {
	minContentLength int
}

// NewRouter returns a router with the given minimum usable content length in
// characters.
func NewRouter(minContentLength int) *Router {
	return &Router{minContentLength: minContentLength}
}

// ContentUsable reports whether content is long enough to score. A non-empty
// stub below the minimum routes exactly like missing content.
func (r *Router) ContentUsable(content string) bool {
	return len(strings.TrimSpace(content)) >= r.minContentLength
}

// Decide gates an inbound message. Tenders with usable content head for a
// scoring pass; everything else is routed title-only.
func (r *Router) Decide(msg *model.PipelineMessage) (Decision, error) {
	usable := !msg.ContentMissing && r.ContentUsable(msg.Content)

	target := model.StageRoutedTitleOnly
	if usable {
		target = model.StageScored
	}

	next, err := msg.ProcessingStage.Advance(target)
	if err != nil {
		return Decision{}, err
	}

	if !usable {
		zap.L().Info("routing title-only",
			zap.Int64("resource_id", msg.ResourceID),
			zap.Bool("content_missing", msg.ContentMissing),
			zap.Int("content_len", len(msg.Content)))
	}

	return Decision{ShouldScore: usable, NextStage: next}, nil
}

// Forward builds the deep-review request for a scored tender. Both bid and
// no-bid predictions are forwarded; the decision only sets the priority.
func (r *Router) Forward(msg *model.PipelineMessage, score model.ScoreResult, now time.Time) model.ReviewRequest {
	return model.ReviewRequest{
		ResourceID: msg.ResourceID,
		Title:      msg.Title,
		Score:      score,
		Content:    msg.Content,
		Priority:   model.PriorityFor(score.ShouldBid),
		Timestamp:  now.UTC(),
	}
}

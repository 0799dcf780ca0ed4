package model

import (
	"time"
)

// Priority tags a routed tender for downstream review ordering. Routing never
// filters on the bid decision; it only changes priority.
type Priority string

const (
	PriorityUrgent Priority = "URGENT"
	PriorityNormal Priority = "NORMAL"
)

// PriorityFor maps a bid decision to a review priority.
func PriorityFor(shouldBid bool) Priority {
	if shouldBid {
		return PriorityUrgent
	}
	return PriorityNormal
}

// PipelineMessage is the unit of work flowing between pipeline stages. The
// stage that reads a message owns its acknowledgement and must ack only after
// its own durable writes have succeeded.
type PipelineMessage struct {
	ResourceID      int64      `json:"resource_id"`
	Title           string     `json:"title"`
	Authority       string     `json:"contracting_authority"`
	ProcessingStage Stage      `json:"processing_stage"`
	Content         string     `json:"content,omitempty"`
	ContentMissing  bool       `json:"content_missing,omitempty"`
	CodesCount      int        `json:"codes_count"`
	Value           *float64   `json:"estimated_value,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	Priority        Priority   `json:"priority,omitempty"`
}

// Meta extracts the alert metadata carried alongside a scored message.
func (m *PipelineMessage) Meta() TenderMeta {
	return TenderMeta{
		Authority:  m.Authority,
		Value:      m.Value,
		Deadline:   m.Deadline,
		CodesCount: m.CodesCount,
	}
}

// TenderMeta is the context attached to bid alerts: fields a reviewer wants
// at a glance without opening the tender.
type TenderMeta struct {
	Authority  string     `json:"contracting_authority,omitempty"`
	Value      *float64   `json:"estimated_value,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	CodesCount int        `json:"codes_count"`
}

// ReviewRequest is the outbound message handed to the deep-review stage.
// Both bid and no-bid predictions are forwarded; the score travels as a
// signal, not a filter.
type ReviewRequest struct {
	ResourceID int64       `json:"resource_id"`
	Title      string      `json:"tender_title"`
	Score      ScoreResult `json:"score"`
	Content    string      `json:"content"`
	Priority   Priority    `json:"priority"`
	Timestamp  time.Time   `json:"timestamp"`
}

// ScoreResult is the immutable output of one scoring pass.
type ScoreResult struct {
	ShouldBid  bool          `json:"should_bid"`
	Confidence float64       `json:"confidence"`
	Reasoning  string        `json:"reasoning"`
	Breakdown  FeatureScores `json:"feature_scores"`
}

// FeatureScores itemizes per-feature-group contributions for auditability.
type FeatureScores struct {
	CodesCount  float64 `json:"codes_count_score"`
	HasCodes    float64 `json:"has_codes_score"`
	TitleLength float64 `json:"title_length_score"`
	Authority   float64 `json:"authority_score"`
	Exclusion   float64 `json:"exclusion_score"`
	TextTerms   float64 `json:"text_terms_score"`
	Total       float64 `json:"total_score"`
}

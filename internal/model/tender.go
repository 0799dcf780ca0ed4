// Package model defines the core data types flowing through the tender
// triage pipeline: tender records, processing stages, and queue messages.
package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Stage represents where a tender sits in the triage pipeline.
type Stage string

const (
	StageIngested        Stage = "ingested"
	StageAwaitingContent Stage = "awaiting_content"
	StageScored          Stage = "scored"
	StageRoutedTitleOnly Stage = "routed_title_only"
	StageRoutedFull      Stage = "routed_full_content"
	StageRejected        Stage = "rejected"
	StageAccepted        Stage = "accepted"
)

// stageTransitions encodes the forward-only partial order over stages.
// Terminal stages (accepted, rejected) are set by the deep-review and
// notification stages, never by this core; they appear here so the central
// check covers the whole lifecycle.
var stageTransitions = map[Stage][]Stage{
	StageIngested:        {StageAwaitingContent, StageScored, StageRoutedTitleOnly},
	StageAwaitingContent: {StageScored, StageRoutedTitleOnly},
	StageScored:          {StageRoutedFull},
	StageRoutedTitleOnly: {StageAccepted, StageRejected},
	StageRoutedFull:      {StageAccepted, StageRejected},
	StageRejected:        {},
	StageAccepted:        {},
}

// Valid reports whether s is a member of the closed stage set.
func (s Stage) Valid() bool {
	_, ok := stageTransitions[s]
	return ok
}

// Terminal reports whether s admits no further transitions.
func (s Stage) Terminal() bool {
	next, ok := stageTransitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether moving from s to next is legal. A stage may
// always "transition" to itself: redelivered messages re-apply the same
// advance and must not fail.
func (s Stage) CanTransition(next Stage) bool {
	if s == next {
		return true
	}
	for _, n := range stageTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Advance validates the transition from s to next and returns next.
func (s Stage) Advance(next Stage) (Stage, error) {
	if !next.Valid() {
		return s, eris.Errorf("model: unknown stage %q", next)
	}
	if !s.CanTransition(next) {
		return s, eris.Errorf("model: illegal stage transition %s -> %s", s, next)
	}
	return next, nil
}

// TenderRecord is one procurement notice as it flows through the pipeline.
type TenderRecord struct {
	ResourceID      int64      `json:"resource_id"`
	Title           string     `json:"title"`
	Authority       string     `json:"contracting_authority"`
	Description     string     `json:"description,omitempty"`
	Procedure       string     `json:"procedure,omitempty"`
	Status          string     `json:"status,omitempty"`
	Value           *float64   `json:"estimated_value,omitempty"`
	Published       *time.Time `json:"published,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	ContentURL      string     `json:"content_url,omitempty"`
	Content         string     `json:"content,omitempty"`
	CodesCount      int        `json:"codes_count"`
	ProcessingStage Stage      `json:"processing_stage"`

	// Scoring outcome, nullable until a scoring pass has run.
	ShouldBid  *bool    `json:"should_bid,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Reasoning  *string  `json:"reasoning,omitempty"`
}

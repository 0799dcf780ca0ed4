// Package scoring turns a feature vector into a bid decision. The model is a
// weighted linear combination of normalized features squashed through a
// logistic curve, with exclusion-score short circuits and an exclusion-scaled
// decision threshold on top.
package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arklow-data/tender-triage/internal/feature"
	"github.com/arklow-data/tender-triage/internal/model"
)

// Reasoning category labels, ordered by confidence band.
const (
	CategoryHighConfidence   = "HIGH_CONFIDENCE_BID"
	CategoryMediumConfidence = "MEDIUM_CONFIDENCE_BID"
	CategoryLowConfidence    = "LOW_CONFIDENCE_BID"
	CategoryNoBid            = "NO_BID_RECOMMENDED"
)

const (
	highConfidenceBand   = 0.2
	mediumConfidenceBand = 0.1

	// Term-frequency feature value above which a reason line is emitted.
	termReasonFloor = 0.1

	// Title length, in characters, treated as a complexity signal.
	detailedTitleChars = 100.0

	// Confidence emitted on the soft-exclusion short circuit. Near zero
	// rather than zero: no relevance codes plus sector noise is strong but
	// not conclusive.
	softExclusionConfidence = 0.01
)

// Engine scores feature vectors. Immutable after construction, safe for
// concurrent use.
type Engine struct {
	cfg Config

	// Keyword indexes used for reason lines, resolved from the table
	// ordering at construction so reasons survive table edits.
	softwareIdx int
	supportIdx  int
}

// NewEngine validates cfg against the keyword tables and returns a scorer.
// The term weight vector must align one-to-one with the table's keyword
// ordering.
func NewEngine(cfg Config, tables feature.Tables) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.TermWeights) != len(tables.Keywords) {
		return nil, eris.Errorf("scoring: %d term weights for %d keywords",
			len(cfg.TermWeights), len(tables.Keywords))
	}

	e := &Engine{cfg: cfg, softwareIdx: -1, supportIdx: -1}
	for i, kw := range tables.Keywords {
		switch kw.Term {
		case "software":
			e.softwareIdx = i
		case "support":
			e.supportIdx = i
		}
	}
	return e, nil
}

// Score computes the bid decision for a feature vector. Pure: the same
// vector always yields an identical result.
func (e *Engine) Score(v feature.Vector) model.ScoreResult {
	excl := clamp(v.Exclusion, 0, e.cfg.ExclusionCeiling)
	breakdown := e.breakdown(v, excl)

	// Hard exclusion overrides the weighted model entirely.
	if excl > e.cfg.ExclusionHardCeiling {
		return model.ScoreResult{
			ShouldBid:  false,
			Confidence: 0.0,
			Reasoning: fmt.Sprintf("%s: Excluded sector terms dominate (exclusion %.2f above ceiling %.2f)",
				CategoryNoBid, excl, e.cfg.ExclusionHardCeiling),
			Breakdown: breakdown,
		}
	}

	threshold := e.effectiveThreshold(excl)

	// Soft exclusion: sector noise with zero relevance codes.
	if excl > e.cfg.ExclusionSoftFloor && v.CodesCount == 0 {
		return model.ScoreResult{
			ShouldBid:  false,
			Confidence: softExclusionConfidence,
			Reasoning: fmt.Sprintf("%s: Excluded sector terms with no relevant codes (Score: %.3f, Threshold: %.3f)",
				CategoryNoBid, softExclusionConfidence, threshold),
			Breakdown: breakdown,
		}
	}

	confidence := e.sigmoid(breakdown.Total)
	shouldBid := confidence >= threshold

	result := model.ScoreResult{
		ShouldBid:  shouldBid,
		Confidence: confidence,
		Reasoning:  e.reasoning(v, excl, confidence, threshold, shouldBid),
		Breakdown:  breakdown,
	}

	zap.L().Debug("scored tender features",
		zap.Float64("confidence", confidence),
		zap.Float64("threshold", threshold),
		zap.Float64("exclusion", excl),
		zap.Bool("should_bid", shouldBid))

	return result
}

// EffectiveThreshold exposes the exclusion-scaled decision threshold.
func (e *Engine) EffectiveThreshold(exclusionScore float64) float64 {
	return e.effectiveThreshold(clamp(exclusionScore, 0, e.cfg.ExclusionCeiling))
}

func (e *Engine) effectiveThreshold(excl float64) float64 {
	if excl > e.cfg.ExclusionMinorFloor {
		return e.cfg.BaseThreshold * (1 + excl*e.cfg.ExclusionAdjustmentFactor)
	}
	return e.cfg.BaseThreshold
}

func (e *Engine) sigmoid(raw float64) float64 {
	return 1.0 / (1.0 + math.Exp(-e.cfg.SigmoidSteepness*(raw-e.cfg.SigmoidMidpoint)))
}

// breakdown normalizes each dimension into [0,1] and applies the weight
// vector, itemizing contributions per feature group.
func (e *Engine) breakdown(v feature.Vector, excl float64) model.FeatureScores {
	b := model.FeatureScores{
		CodesCount:  norm(v.CodesCount, e.cfg.MaxCodes) * e.cfg.CodesWeight,
		HasCodes:    clamp(v.HasCodes, 0, 1) * e.cfg.HasCodesWeight,
		TitleLength: norm(v.TitleLength, e.cfg.MaxTitleLength) * e.cfg.TitleLengthWeight,
		Authority:   norm(v.Authority, e.cfg.MaxAuthority) * e.cfg.AuthorityWeight,
		Exclusion:   norm(excl, e.cfg.ExclusionCeiling) * e.cfg.ExclusionWeight,
	}

	n := len(v.Terms)
	if len(e.cfg.TermWeights) < n {
		n = len(e.cfg.TermWeights)
	}
	for i := 0; i < n; i++ {
		b.TextTerms += clamp(v.Terms[i], 0, 1) * e.cfg.TermWeights[i]
	}

	b.Total = b.CodesCount + b.HasCodes + b.TitleLength + b.Authority + b.Exclusion + b.TextTerms
	return b
}

// reasoning builds the audit string: named feature conditions in fixed
// priority order, then the numeric score and threshold.
func (e *Engine) reasoning(v feature.Vector, excl, confidence, threshold float64, shouldBid bool) string {
	var reasons []string

	if v.CodesCount > 0 {
		reasons = append(reasons, fmt.Sprintf("Has %d relevant codes", int(v.CodesCount)))
	}
	if e.softwareIdx >= 0 && e.softwareIdx < len(v.Terms) && v.Terms[e.softwareIdx] > termReasonFloor {
		reasons = append(reasons, "Contains software-related terms")
	}
	if e.supportIdx >= 0 && e.supportIdx < len(v.Terms) && v.Terms[e.supportIdx] > termReasonFloor {
		reasons = append(reasons, "Contains support service terms")
	}
	if v.TitleLength > detailedTitleChars {
		reasons = append(reasons, "Detailed title suggests complex requirements")
	}
	if excl > e.cfg.ExclusionMinorFloor {
		reasons = append(reasons, fmt.Sprintf("Excluded sector terms present (%.2f)", excl))
	}

	category := CategoryNoBid
	if shouldBid {
		switch {
		case confidence > highConfidenceBand:
			category = CategoryHighConfidence
		case confidence > mediumConfidenceBand:
			category = CategoryMediumConfidence
		default:
			category = CategoryLowConfidence
		}
	}

	if len(reasons) == 0 {
		return fmt.Sprintf("%s: Score %.3f, Threshold %.3f", category, confidence, threshold)
	}
	return fmt.Sprintf("%s: %s (Score: %.3f, Threshold: %.3f)",
		category, strings.Join(reasons, ", "), confidence, threshold)
}

func norm(val, max float64) float64 {
	return clamp(val/max, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

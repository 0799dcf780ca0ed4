package scoring

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/arklow-data/tender-triage/internal/config"
)

// Config holds the weight vector, normalization divisors and decision
// thresholds for the bid-confidence model. One canonical weight scheme is
// carried; superseded schemes live only in regression fixtures.
type Config struct {
	BaseThreshold    float64
	SigmoidSteepness float64
	SigmoidMidpoint  float64

	MaxCodes       float64
	MaxTitleLength float64
	MaxAuthority   float64

	CodesWeight       float64
	HasCodesWeight    float64
	TitleLengthWeight float64
	AuthorityWeight   float64
	ExclusionWeight   float64
	TermWeights       []float64

	ExclusionCeiling          float64
	ExclusionHardCeiling      float64
	ExclusionSoftFloor        float64
	ExclusionMinorFloor       float64
	ExclusionAdjustmentFactor float64
}

// DefaultConfig returns the canonical model tunables.
func DefaultConfig() Config {
	return Config{
		BaseThreshold:    0.050,
		SigmoidSteepness: 6.0,
		SigmoidMidpoint:  0.5,

		MaxCodes:       20.0,
		MaxTitleLength: 200.0,
		MaxAuthority:   100.0,

		CodesWeight:       0.35,
		HasCodesWeight:    0.15,
		TitleLengthWeight: 0.05,
		AuthorityWeight:   0.08,
		ExclusionWeight:   -0.40,
		TermWeights:       []float64{0.12, 0.08, 0.05, 0.04, 0.03, 0.02, 0.01, 0.01, 0.005, 0.005},

		ExclusionCeiling:          15.0,
		ExclusionHardCeiling:      4.0,
		ExclusionSoftFloor:        2.0,
		ExclusionMinorFloor:       0.5,
		ExclusionAdjustmentFactor: 0.5,
	}
}

// FromAppConfig maps the loaded application configuration onto a model
// Config.
func FromAppConfig(s config.ScoringConfig, e config.ExclusionConfig) Config {
	return Config{
		BaseThreshold:    s.BaseThreshold,
		SigmoidSteepness: s.SigmoidSteepness,
		SigmoidMidpoint:  s.SigmoidMidpoint,

		MaxCodes:       s.MaxCodes,
		MaxTitleLength: s.MaxTitleLength,
		MaxAuthority:   s.MaxAuthority,

		CodesWeight:       s.CodesWeight,
		HasCodesWeight:    s.HasCodesWeight,
		TitleLengthWeight: s.TitleLengthWeight,
		AuthorityWeight:   s.AuthorityWeight,
		ExclusionWeight:   s.ExclusionWeight,
		TermWeights:       s.TermWeights,

		ExclusionCeiling:          e.Ceiling,
		ExclusionHardCeiling:      e.HardCeiling,
		ExclusionSoftFloor:        e.SoftFloor,
		ExclusionMinorFloor:       e.MinorFloor,
		ExclusionAdjustmentFactor: e.AdjustmentFactor,
	}
}

// Validate checks the config for values that would break scoring. All
// problems are reported at once.
func (c Config) Validate() error {
	var errs []string

	if c.BaseThreshold <= 0 || c.BaseThreshold >= 1 {
		errs = append(errs, "base threshold must be in (0, 1)")
	}
	if c.SigmoidSteepness <= 0 {
		errs = append(errs, "sigmoid steepness must be > 0")
	}
	if c.MaxCodes <= 0 || c.MaxTitleLength <= 0 || c.MaxAuthority <= 0 {
		errs = append(errs, "normalization divisors must be > 0")
	}
	if c.ExclusionWeight >= 0 {
		errs = append(errs, "exclusion weight must be negative")
	}
	if len(c.TermWeights) == 0 {
		errs = append(errs, "term weights must not be empty")
	}
	for _, w := range c.TermWeights {
		if w < 0 {
			errs = append(errs, "term weights must be >= 0")
			break
		}
	}
	if c.ExclusionCeiling <= 0 {
		errs = append(errs, "exclusion ceiling must be > 0")
	}
	if c.ExclusionHardCeiling <= c.ExclusionSoftFloor {
		errs = append(errs, "exclusion hard ceiling must exceed soft floor")
	}
	if c.ExclusionSoftFloor <= c.ExclusionMinorFloor {
		errs = append(errs, "exclusion soft floor must exceed minor floor")
	}
	if c.ExclusionAdjustmentFactor < 0 {
		errs = append(errs, "exclusion adjustment factor must be >= 0")
	}

	if len(errs) > 0 {
		return eris.New("scoring: invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}

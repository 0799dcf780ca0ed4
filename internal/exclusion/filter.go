// Package exclusion scores tender text for out-of-domain signals. A high
// score means the tender belongs to a sector the vendor does not serve
// (construction, catering, medical, and so on).
package exclusion

import (
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

const (
	highWeight   = 2.0
	phraseWeight = 1.5
	baseWeight   = 1.0

	// Density normalization window: weighted hits per 50 words.
	densityWindow = 50.0
)

// Terms holds the versioned exclusion vocabulary. High-weight terms are the
// unambiguous sector markers; phrase matches are weighted between single
// high-weight and baseline hits because compounds are less noisy than single
// words but rarer than the strong markers.
type Terms struct {
	Version    int      `yaml:"version"`
	HighWeight []string `yaml:"high_weight"`
	Baseline   []string `yaml:"baseline"`
	Phrases    []string `yaml:"phrases"`
}

// DefaultTerms returns the compiled-in v1 exclusion vocabulary.
func DefaultTerms() Terms {
	return Terms{
		Version: 1,
		HighWeight: []string{
			"construction", "mechanical", "electrical", "medical",
			"pharmaceutical", "catering", "cleaning", "demolition",
		},
		Baseline: []string{
			"excavation", "roofing", "plumbing", "scaffolding", "paving",
			"landscaping", "laundry", "dental", "nursing", "ambulance",
			"foodstuffs", "refuse", "waste collection", "janitorial",
			"horticulture", "veterinary", "surgical", "radiology",
		},
		Phrases: []string{
			"civil engineering", "building works", "road works",
			"site clearance", "grounds maintenance", "catering services",
			"cleaning services", "medical equipment", "health care",
			"construction works", "electrical installation",
			"mechanical installation",
		},
	}
}

// LoadTerms reads a term file, falling back to the compiled-in defaults when
// path is empty.
func LoadTerms(path string) (Terms, error) {
	if path == "" {
		return DefaultTerms(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Terms{}, eris.Wrapf(err, "exclusion: read terms %s", path)
	}

	var t Terms
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Terms{}, eris.Wrapf(err, "exclusion: parse terms %s", path)
	}
	if t.Version <= 0 {
		return Terms{}, eris.New("exclusion: terms version must be >= 1")
	}
	if len(t.HighWeight)+len(t.Baseline)+len(t.Phrases) == 0 {
		return Terms{}, eris.New("exclusion: term tables are empty")
	}
	return t, nil
}

// Filter computes exclusion scores from immutable term tables; a single
// instance is safe for concurrent use.
type Filter struct {
	terms      Terms
	highRe     []*regexp.Regexp
	baselineRe []*regexp.Regexp
	ceiling    float64
}

// NewFilter precompiles whole-word patterns for the single-word term sets.
// Phrases are matched as plain case-insensitive substrings.
func NewFilter(terms Terms, ceiling float64) (*Filter, error) {
	if ceiling <= 0 {
		return nil, eris.New("exclusion: ceiling must be > 0")
	}

	compile := func(words []string) ([]*regexp.Regexp, error) {
		res := make([]*regexp.Regexp, 0, len(words))
		for _, w := range words {
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)
			if err != nil {
				return nil, eris.Wrapf(err, "exclusion: compile pattern for %q", w)
			}
			res = append(res, re)
		}
		return res, nil
	}

	highRe, err := compile(terms.HighWeight)
	if err != nil {
		return nil, err
	}
	baselineRe, err := compile(terms.Baseline)
	if err != nil {
		return nil, err
	}

	return &Filter{
		terms:      terms,
		highRe:     highRe,
		baselineRe: baselineRe,
		ceiling:    ceiling,
	}, nil
}

// TableVersion returns the version of the loaded term tables.
func (f *Filter) TableVersion() int { return f.terms.Version }

// Score computes the weighted exclusion-term density of text, normalized per
// 50 words and capped at the ceiling. Empty text scores zero.
func (f *Filter) Score(text string) float64 {
	words := float64(len(strings.Fields(text)))
	if words == 0 {
		return 0
	}

	lower := strings.ToLower(text)

	var weighted float64
	for _, re := range f.highRe {
		weighted += float64(len(re.FindAllStringIndex(lower, -1))) * highWeight
	}
	for _, re := range f.baselineRe {
		weighted += float64(len(re.FindAllStringIndex(lower, -1))) * baseWeight
	}
	for _, p := range f.terms.Phrases {
		weighted += float64(strings.Count(lower, strings.ToLower(p))) * phraseWeight
	}

	score := weighted / words * densityWindow
	if score > f.ceiling {
		score = f.ceiling
	}
	return score
}

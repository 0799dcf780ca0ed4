package feature

import (
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/arklow-data/tender-triage/internal/model"
)

const (
	// Curated authority ids occupy 1..curatedAuthorityMax; hash-encoded
	// unknowns are folded into the disjoint range above it.
	curatedAuthorityMax = 10
	hashAuthoritySpan   = 90
)

// Vector is the ephemeral numeric feature set for one scoring pass. It is
// recomputed from the tender and content every time, never persisted.
type Vector struct {
	CodesCount  float64
	HasCodes    float64
	TitleLength float64
	Authority   float64
	Exclusion   float64
	Terms       []float64
}

// Extractor derives feature vectors from tender text. It holds only
// immutable lookup tables and precompiled patterns, so a single instance is
// safe for concurrent use.
type Extractor struct {
	tables   Tables
	patterns []*regexp.Regexp
}

// NewExtractor precompiles whole-word patterns for each keyword in the table.
func NewExtractor(tables Tables) (*Extractor, error) {
	if err := tables.Validate(); err != nil {
		return nil, err
	}

	patterns := make([]*regexp.Regexp, 0, len(tables.Keywords))
	for _, kw := range tables.Keywords {
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(kw.Term) + `\b`)
		if err != nil {
			return nil, eris.Wrapf(err, "feature: compile pattern for %q", kw.Term)
		}
		patterns = append(patterns, re)
	}

	return &Extractor{tables: tables, patterns: patterns}, nil
}

// TableVersion returns the version of the loaded keyword tables.
func (e *Extractor) TableVersion() int { return e.tables.Version }

// TermCount returns the number of term-frequency dimensions.
func (e *Extractor) TermCount() int { return len(e.tables.Keywords) }

// Extract computes the feature vector for a tender and its content text.
// Missing content is treated as empty; extraction never fails the pipeline.
// The exclusion dimension is filled in by the caller.
func (e *Extractor) Extract(tender *model.TenderRecord, content string) Vector {
	codes := float64(tender.CodesCount)
	if codes < 0 {
		codes = 0
	}

	hasCodes := 0.0
	if codes > 0 {
		hasCodes = 1.0
	}

	combined := strings.ToLower(tender.Title + " " + content)

	return Vector{
		CodesCount:  codes,
		HasCodes:    hasCodes,
		TitleLength: float64(len(tender.Title)),
		Authority:   e.EncodeAuthority(tender.Authority),
		Terms:       e.termFrequencies(combined),
	}
}

// EncodeAuthority maps an issuing authority to a stable numeric code. Curated
// authorities get their table id; anything else gets an FNV-1a hash folded
// into 11..100 so unknowns never collide with curated entries.
func (e *Extractor) EncodeAuthority(name string) float64 {
	name = strings.TrimSpace(name)
	if name == "" {
		// Absent authority carries no signal; 0 sits outside both ranges.
		return 0
	}
	if code, ok := e.tables.Authorities[name]; ok {
		return float64(code)
	}

	// Partial matches cover the common "The <Authority>" and suffix
	// variations seen in scraped listings.
	for known, code := range e.tables.Authorities {
		if strings.Contains(name, known) || strings.Contains(known, name) {
			return float64(code)
		}
	}

	h := fnv.New64a()
	h.Write([]byte(name))
	return float64(h.Sum64()%hashAuthoritySpan + curatedAuthorityMax + 1)
}

// termFrequencies computes the weighted, capped term-frequency score for each
// keyword. Zero-length text yields an all-zero slice.
func (e *Extractor) termFrequencies(text string) []float64 {
	scores := make([]float64, len(e.patterns))

	words := float64(len(strings.Fields(text)))
	if words == 0 {
		return scores
	}

	for i, re := range e.patterns {
		matches := float64(len(re.FindAllStringIndex(text, -1)))
		tf := matches / words * e.tables.Keywords[i].Weight
		if tf > 1.0 {
			tf = 1.0
		}
		scores[i] = tf
	}
	return scores
}

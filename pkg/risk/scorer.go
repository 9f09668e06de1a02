// Package risk implements the deterministic multi-signal distress scorer shared
// by the dialogue path and the live media path.
package risk

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"safety-aware-orchestrator/pkg/models"
)

// Thresholds map the weighted total onto a level. They come from configuration.
type Thresholds struct {
	Critical float64
	Warning  float64
	Caution  float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 8, Warning: 4, Caution: 2}
}

// Signal weights applied to the component scores.
const (
	crisisPatternWeight   = 3
	crisisMarkerWeight    = 3
	highNegativeWeight    = 2
	escalationMatchWeight = 2
	escalationMultiplier  = 1.5
	physicalMultiplier    = 0.5
	relationalMultiplier  = 0.8
	sentimentRatioCutoff  = 0.7
)

// Scorer is safe for concurrent use; all state is compiled at construction.
type Scorer struct {
	thresholds Thresholds

	crisisPatterns     []*regexp.Regexp
	escalationPatterns []*regexp.Regexp
	crisisMarkers      []string
	highNegative       []string
	physical           []string
	relational         []string
	negativeWords      *regexp.Regexp
	positiveWords      *regexp.Regexp
	moodWords          *regexp.Regexp
}

func NewScorer(patterns Patterns, thresholds Thresholds) (*Scorer, error) {
	s := &Scorer{
		thresholds:    thresholds,
		crisisMarkers: normalizeAll(patterns.CrisisMarkers),
		highNegative:  normalizeAll(patterns.HighNegativeIndicators),
		physical:      normalizeAll(patterns.PhysicalIndicators),
		relational:    normalizeAll(patterns.RelationalIndicators),
	}

	var err error
	if s.crisisPatterns, err = compileAll(patterns.CrisisPatterns); err != nil {
		return nil, fmt.Errorf("compile crisis patterns: %w", err)
	}
	if s.escalationPatterns, err = compileAll(patterns.EscalationPatterns); err != nil {
		return nil, fmt.Errorf("compile escalation patterns: %w", err)
	}
	if s.negativeWords, err = wordSet(patterns.NegativeWords); err != nil {
		return nil, fmt.Errorf("compile negative words: %w", err)
	}
	if s.positiveWords, err = wordSet(patterns.PositiveWords); err != nil {
		return nil, fmt.Errorf("compile positive words: %w", err)
	}
	if s.moodWords, err = wordSet(patterns.MoodWords); err != nil {
		return nil, fmt.Errorf("compile mood words: %w", err)
	}

	return s, nil
}

// NewDefaultScorer builds a scorer from the built-in phrase lists.
func NewDefaultScorer(thresholds Thresholds) *Scorer {
	s, err := NewScorer(DefaultPatterns(), thresholds)
	if err != nil {
		panic(err)
	}
	return s
}

// Score classifies text. It is pure: no I/O, no shared mutable state. Empty
// input scores NORMAL.
func (s *Scorer) Score(text string) models.RiskAssessment {
	raw := strings.TrimSpace(normalizeQuotes(text))
	if raw == "" {
		return models.RiskAssessment{Level: models.RiskNormal}
	}
	lower := strings.ToLower(raw)

	var crisisScore float64
	for _, re := range s.crisisPatterns {
		if re.MatchString(lower) {
			crisisScore += crisisPatternWeight
		}
	}
	crisisScore += highNegativeWeight * float64(countPhrases(lower, s.highNegative))

	markers := countPhrases(lower, s.crisisMarkers)
	crisisScore += crisisMarkerWeight * float64(markers)

	negCount := len(s.negativeWords.FindAllStringIndex(lower, -1))
	posCount := len(s.positiveWords.FindAllStringIndex(lower, -1))

	var escalationScore float64
	if negCount > posCount {
		for _, re := range s.escalationPatterns {
			if re.MatchString(raw) {
				escalationScore += escalationMatchWeight
			}
		}
	}

	physicalScore := float64(countPhrases(lower, s.physical))
	relationalScore := float64(countPhrases(lower, s.relational))

	ratio := float64(negCount) / float64(negCount+posCount+1)
	if ratio > sentimentRatioCutoff {
		crisisScore += math.Round(ratio * 10)
	}

	total := crisisScore +
		escalationScore*escalationMultiplier +
		physicalScore*physicalMultiplier +
		relationalScore*relationalMultiplier

	level := s.levelFor(total)
	if markers > 0 {
		level = models.RiskCritical
	}

	return models.RiskAssessment{
		PatternScore:    crisisScore,
		EscalationScore: escalationScore,
		PhysicalScore:   physicalScore,
		RelationalScore: relationalScore,
		SentimentRatio:  ratio,
		TotalRisk:       total,
		Level:           level,
	}
}

// HasMoodVocabulary reports whether text mentions mood-distress words.
func (s *Scorer) HasMoodVocabulary(text string) bool {
	return s.moodWords.MatchString(strings.ToLower(text))
}

func (s *Scorer) Thresholds() Thresholds {
	return s.thresholds
}

func (s *Scorer) levelFor(total float64) models.RiskLevel {
	switch {
	case total >= s.thresholds.Critical:
		return models.RiskCritical
	case total >= s.thresholds.Warning:
		return models.RiskWarning
	case total >= s.thresholds.Caution:
		return models.RiskCaution
	default:
		return models.RiskNormal
	}
}

func countPhrases(text string, phrases []string) int {
	n := 0
	for _, p := range phrases {
		if p != "" && strings.Contains(text, p) {
			n++
		}
	}
	return n
}

func compileAll(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", expr, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func wordSet(words []string) (*regexp.Regexp, error) {
	if len(words) == 0 {
		// matches nothing
		return regexp.Compile(`[^\s\S]`)
	}
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(w)))
	}
	return regexp.Compile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

func normalizeAll(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		out = append(out, strings.ToLower(normalizeQuotes(p)))
	}
	return out
}

func normalizeQuotes(s string) string {
	return strings.NewReplacer("’", "'", "‘", "'").Replace(s)
}

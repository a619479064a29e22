// Package quality scores OCR text to decide whether a tier's output is good
// enough to structure or whether the cascade must escalate.
package quality

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"recipe-ingestion/internal/config"
)

// Thresholds configure the gate.
type Thresholds struct {
	MinChars      int
	MinLines      int
	MinConfidence float64
	MinScore      int
}

// DefaultThresholds match the production defaults.
var DefaultThresholds = Thresholds{MinChars: 500, MinLines: 10, MinConfidence: 50, MinScore: 2}

// ThresholdsFromConfig reads the gate settings, keeping defaults for unset values.
func ThresholdsFromConfig(cfg config.Config) Thresholds {
	t := DefaultThresholds
	if cfg.GateMinChars > 0 {
		t.MinChars = cfg.GateMinChars
	}
	if cfg.GateMinLines > 0 {
		t.MinLines = cfg.GateMinLines
	}
	if cfg.GateMinConfidence > 0 {
		t.MinConfidence = cfg.GateMinConfidence
	}
	if cfg.GateMinScore > 0 {
		t.MinScore = cfg.GateMinScore
	}
	return t
}

// Report is the gate decision with the signals behind it.
type Report struct {
	CharCount      int     `json:"char_count"`
	LineCount      int     `json:"line_count"`
	TooShort       bool    `json:"too_short"`
	Gibberish      bool    `json:"gibberish"`
	AlphaRatio     float64 `json:"alpha_ratio"`
	VowelRatio     float64 `json:"vowel_ratio"`
	TokenCount     int     `json:"token_count"`
	VowelfulTokens int     `json:"vowelful_tokens"`
	Confident      bool    `json:"confident"`
	Keywords       bool    `json:"keywords"`
	IngredientLike bool    `json:"ingredient_like"`
	StepLike       bool    `json:"step_like"`
	Score          int     `json:"score"`
	Accepted       bool    `json:"accepted"`
}

// HardFail reports whether a predicate forced escalation regardless of score.
func (r Report) HardFail() bool { return r.TooShort || r.Gibberish }

var (
	tokenPattern      = regexp.MustCompile(`[A-Za-z]{2,}`)
	ingredientPattern = regexp.MustCompile(`^\s*[\d\-/.\s]+[a-zA-Z]?`)
	stepPattern       = regexp.MustCompile(`^\s*\d+[).\s]`)
	sectionKeywords   = []string{"ingredients", "directions", "instructions", "method", "serves", "yield"}
)

// Evaluate scores text combined across all images of a job. confidence is the
// mean OCR confidence on a 0-100 scale, nil when the engine reported none.
func (t Thresholds) Evaluate(text string, confidence *float64) Report {
	lines := nonEmptyLines(text)
	r := Report{
		CharCount: utf8.RuneCountInString(text),
		LineCount: len(lines),
	}
	r.TooShort = r.CharCount < t.MinChars || r.LineCount < t.MinLines
	gibberish(text, &r)

	if confidence != nil && *confidence >= t.MinConfidence {
		r.Confident = true
		r.Score++
	}
	keywordLines := 0
	for _, ln := range lines {
		lower := strings.ToLower(ln)
		for _, kw := range sectionKeywords {
			if strings.Contains(lower, kw) {
				keywordLines++
				break
			}
		}
		if !r.IngredientLike && ingredientPattern.MatchString(ln) {
			r.IngredientLike = true
		}
		if !r.StepLike && stepPattern.MatchString(ln) {
			r.StepLike = true
		}
	}
	if keywordLines >= 2 {
		r.Keywords = true
		r.Score++
	}
	if r.IngredientLike {
		r.Score++
	}
	if r.StepLike {
		r.Score++
	}
	r.Accepted = !r.HardFail() && r.Score >= t.MinScore
	return r
}

func gibberish(text string, r *Report) {
	total := utf8.RuneCountInString(text)
	alpha := 0
	for _, c := range text {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			alpha++
		}
	}
	if total > 0 {
		r.AlphaRatio = float64(alpha) / float64(total)
	}

	tokens := tokenPattern.FindAllString(text, -1)
	tokenChars, vowels := 0, 0
	for _, tok := range tokens {
		tokenChars += len(tok)
		n := strings.IndexFunc(tok, isVowel)
		if n >= 0 {
			r.VowelfulTokens++
		}
		for _, c := range tok {
			if isVowel(c) {
				vowels++
			}
		}
	}
	if tokenChars == 0 {
		tokenChars = 1
	}
	r.VowelRatio = float64(vowels) / float64(tokenChars)
	r.TokenCount = len(tokens)
	r.Gibberish = r.AlphaRatio < 0.65 || r.VowelRatio < 0.30 || r.VowelfulTokens < 20 || r.TokenCount < 50
}

func isVowel(c rune) bool {
	switch c {
	case 'a', 'e', 'i', 'o', 'u', 'A', 'E', 'I', 'O', 'U':
		return true
	}
	return false
}

func nonEmptyLines(text string) []string {
	raw := strings.Split(text, "\n")
	out := make([]string, 0, len(raw))
	for _, ln := range raw {
		if trimmed := strings.TrimSpace(ln); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// MeanConfidence averages the non-nil confidences, nil when there are none.
func MeanConfidence(values []*float64) *float64 {
	sum, n := 0.0, 0
	for _, v := range values {
		if v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}

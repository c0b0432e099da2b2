package detect

import (
	"context"
	"fmt"
	"unicode"
)

// Mode selects which detector(s) the Hybrid Detector runs.
type Mode string

const (
	ModeRegex    Mode = "regex"
	ModeLLM      Mode = "llm"
	ModeRegexLLM Mode = "regex_llm"
)

// coverageThreshold is the fraction of word characters (letters and digits)
// outside matched spans that, when exceeded, means the regex pass did not "cover the text"
// and the LLM pass must run. A threshold rather than a zero-tolerance rule
// tolerates the odd stray word (names inside sentences, prose around a
// matched email) without always paying for an LLM call.
const coverageThreshold = 0.15

// HybridDetector orchestrates the Regex Detector (C4) and LLM Detector (C5)
// per spec §4.6's mode table. It is itself a Detector, so callers never need
// to know which underlying variant(s) ran.
type HybridDetector struct {
	mode  Mode
	regex Detector
	llm   Detector
}

// NewHybridDetector wires regex and llm as the two variants C6 may dispatch
// to. Either may be nil if mode never calls for it (e.g. a regex-only
// deployment need not construct an LLMDetector at all).
func NewHybridDetector(mode Mode, regex, llm Detector) (*HybridDetector, error) {
	switch mode {
	case ModeRegex:
		if regex == nil {
			return nil, fmt.Errorf("hybrid detector: mode %q requires a regex detector", mode)
		}
	case ModeLLM:
		if llm == nil {
			return nil, fmt.Errorf("hybrid detector: mode %q requires an llm detector", mode)
		}
	case ModeRegexLLM:
		if regex == nil || llm == nil {
			return nil, fmt.Errorf("hybrid detector: mode %q requires both a regex and an llm detector", mode)
		}
	default:
		return nil, fmt.Errorf("hybrid detector: unknown mode %q", mode)
	}
	return &HybridDetector{mode: mode, regex: regex, llm: llm}, nil
}

// Detect dispatches per mode. regex_llm short-circuits the LLM call
// whenever the regex pass alone already covers the text, per spec §4.6.
func (h *HybridDetector) Detect(ctx context.Context, text string) (Result, error) {
	switch h.mode {
	case ModeRegex:
		return h.regex.Detect(ctx, text)
	case ModeLLM:
		return h.llm.Detect(ctx, text)
	case ModeRegexLLM:
		regexResult, err := h.regex.Detect(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("hybrid detector regex pass: %w", err)
		}
		if len(regexResult) > 0 && covers(text, regexResult) {
			return regexResult, nil
		}
		llmResult, err := h.llm.Detect(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("hybrid detector llm pass: %w", err)
		}
		merged := make([]Entity, 0, len(regexResult)+len(llmResult))
		merged = append(merged, regexResult...)
		merged = append(merged, llmResult...)
		return resolveOverlaps(merged), nil
	default:
		return nil, fmt.Errorf("hybrid detector: unknown mode %q", h.mode)
	}
}

// covers reports whether entities leave behind no more than
// coverageThreshold of the text's word characters unmatched.
func covers(text string, entities Result) bool {
	matched := make([]bool, len(text))
	for _, e := range entities {
		for i := e.Start; i < e.End && i < len(text); i++ {
			matched[i] = true
		}
	}

	wordChars, unmatchedWordChars := 0, 0
	for i, r := range text {
		if i >= len(matched) {
			break
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		wordChars++
		if !matched[i] {
			unmatchedWordChars++
		}
	}
	if wordChars == 0 {
		return true
	}
	return float64(unmatchedWordChars)/float64(wordChars) <= coverageThreshold
}

package detect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// RegexDetector is the deterministic first-pass detector (C4). Patterns are
// compiled once at construction time; an invalid pattern is a fatal
// load-time error per spec §4.4.
//
// Grounded on pii/detectors/regex_detector.go (compile-once pattern map,
// FindAllStringIndex); confidence is always 1.0, per spec §4.4's "Regex
// never emits a confidence < 1.0" taken as a hard constant rather than
// original_source/detection.rs's per-kind calculate_confidence heuristic.
type RegexDetector struct {
	patterns map[Kind]*regexp.Regexp
}

// NewRegexDetector compiles every pattern in kindToPattern. It returns an
// error rather than panicking so callers can surface ConfigInvalid (spec §7)
// at startup instead of crashing.
func NewRegexDetector(kindToPattern map[string]string) (*RegexDetector, error) {
	compiled := make(map[Kind]*regexp.Regexp, len(kindToPattern))
	for kind, pattern := range kindToPattern {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern for %q: %w", kind, err)
		}
		compiled[Kind(kind)] = re
	}
	return &RegexDetector{patterns: compiled}, nil
}

// Detect scans text with every compiled pattern and returns non-overlapping
// matches per pattern, merged across patterns per spec §3's ordering rule.
// ctx is accepted to satisfy the Detector interface; regex matching never
// blocks, so it is never consulted.
func (d *RegexDetector) Detect(_ context.Context, text string) (Result, error) {
	normalized, offsets := normalizeWithOffsets(text)

	var entities []Entity
	for kind, re := range d.patterns {
		for _, span := range re.FindAllStringIndex(normalized, -1) {
			start, end := offsets[span[0]], offsets[span[1]]
			entities = append(entities, Entity{
				Kind:       kind,
				Value:      text[start:end],
				Start:      start,
				End:        end,
				Confidence: 1.0,
			})
		}
	}
	return resolveOverlaps(entities), nil
}

// normalizeWithOffsets applies Unicode NFKC normalization (which folds
// fullwidth/compatibility forms to their canonical ASCII-compatible
// equivalents) and returns, alongside the normalized string, a byte-offset
// map back into the original text so callers can report spans against the
// bytes they actually received rather than the normalized copy.
func normalizeWithOffsets(text string) (string, []int) {
	if isASCII(text) {
		offsets := make([]int, len(text)+1)
		for i := range offsets {
			offsets[i] = i
		}
		return text, offsets
	}

	// norm.Iter walks the input one normalization segment at a time (almost
	// always one rune, unless combining marks force a joint decision), so
	// every output byte produced from a given segment is mapped back to
	// that segment's start offset in text. A pattern match's start/end
	// always lands on a segment boundary in practice (patterns match whole
	// characters, never partial ones), so this recovers exact offsets for
	// the fullwidth/composed cases this normalization pass exists for,
	// rather than only for the no-op case where lengths happen to match.
	var b strings.Builder
	offsets := make([]int, 0, len(text)+1)

	var iter norm.Iter
	iter.InitString(norm.NFKC, text)
	segStart := 0
	for !iter.Done() {
		seg := iter.Next()
		for range seg {
			offsets = append(offsets, segStart)
		}
		b.Write(seg)
		segStart = iter.Pos()
	}
	offsets = append(offsets, segStart)
	return b.String(), offsets
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}


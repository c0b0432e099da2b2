// Package detect implements the PII detection pipeline: a deterministic
// regex pass (C4), an LLM-driven classification pass (C5), and their hybrid
// orchestration (C6).
//
// Grounded on the teacher's pii/detectors/detector.go (Detector interface
// shape) generalized with a context.Context per src/backend's newer
// generation, and on original_source's detection.rs/ollama.rs for the
// detection semantics themselves.
package detect

import (
	"context"
	"sort"
)

// Kind mirrors faker.Kind without importing it, so this package has no
// dependency on the surrogate generator — only the Rewriter wires the two
// together.
type Kind string

// Entity is a located PII span within a text.
type Entity struct {
	Kind       Kind
	Value      string
	Start      int
	End        int
	Confidence float64
}

// Result is an ordered, deduplicated, non-overlapping sequence of Entity,
// sorted per spec §3: start ascending, ties broken by longer span, then
// higher confidence, then stably by kind.
type Result []Entity

// Detector is the capability every detection variant implements: a single
// method taking a context (so LLM calls can be bounded/cancelled) and the
// text to scan.
type Detector interface {
	Detect(ctx context.Context, text string) (Result, error)
}

// kindPriority implements the spec §4.6 precedence table, used to break
// ties when two detectors report overlapping spans of different kinds.
var kindPriority = map[Kind]int{
	Kind("ssn"):          8,
	Kind("credit_card"):  7,
	Kind("email"):        6,
	Kind("phone"):        5,
	Kind("ip_address"):   4,
	Kind("url"):          3,
	Kind("person_name"):  2,
	Kind("hostname"):     1,
	Kind("node_name"):    0,
}

func priorityOf(k Kind) int {
	if p, ok := kindPriority[k]; ok {
		return p
	}
	return -1
}

// sortResult orders entities per spec §3's DetectionResult invariant.
func sortResult(entities []Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		a, b := entities[i], entities[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		lenA, lenB := a.End-a.Start, b.End-b.Start
		if lenA != lenB {
			return lenA > lenB
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Kind < b.Kind
	})
}

// dedupExact removes entities that share an identical (kind, start, end)
// triple, keeping the first (already sorted by the caller).
func dedupExact(entities []Entity) []Entity {
	seen := make(map[[3]int]bool, len(entities))
	out := make([]Entity, 0, len(entities))
	kindIndex := map[Kind]int{}
	nextIdx := 0
	for _, e := range entities {
		ki, ok := kindIndex[e.Kind]
		if !ok {
			ki = nextIdx
			kindIndex[e.Kind] = ki
			nextIdx++
		}
		key := [3]int{ki, e.Start, e.End}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// resolveOverlaps considers entities best-first per spec §4.6's merge rule
// (higher confidence, longer span, earlier start, kind-priority table) and
// drops any entity that overlaps an already-accepted one; the survivors are
// returned in spec §3 order.
func resolveOverlaps(entities []Entity) Result {
	sortResult(entities)
	entities = dedupExact(entities)

	// Re-sort by the acceptance rule: higher confidence, longer span,
	// earlier start, higher kind priority, so the best candidate for any
	// contested region is considered first.
	candidates := make([]Entity, len(entities))
	copy(candidates, entities)
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		lenA, lenB := a.End-a.Start, b.End-b.Start
		if lenA != lenB {
			return lenA > lenB
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return priorityOf(a.Kind) > priorityOf(b.Kind)
	})

	var accepted []Entity
	occupied := func(start, end int) bool {
		for _, a := range accepted {
			if start < a.End && end > a.Start {
				return true
			}
		}
		return false
	}
	for _, c := range candidates {
		if !occupied(c.Start, c.End) {
			accepted = append(accepted, c)
		}
	}
	sortResult(accepted)
	return Result(accepted)
}

// Package rewrite implements the Rewriter (C7): given a parsed JSON-RPC
// message flowing server->client, it walks the eligible subset of the value
// tree, detects PII in each string leaf, and substitutes pseudonyms drawn
// through the Mapping Store.
//
// Grounded on original_source/detection.rs's replace_entities_in_text: a
// cursor-driven reconstruction of a string that appends the untouched
// prefix before each entity, then the substitute, then advances the cursor
// to entity.End, finally appending the tail. This is deliberately NOT the
// teacher's masking_service.go pattern, which calls strings.Replace(text,
// original, fake, 1) per entity — correct only by accident when entities
// don't repeat or nest, and wrong whenever two entities share a substring.
package rewrite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/gbrigandi/mcp-server-conceal/internal/detect"
	"github.com/gbrigandi/mcp-server-conceal/internal/faker"
	"github.com/gbrigandi/mcp-server-conceal/internal/mapping"
)

// minStringLength is the spec §4.7 "strings shorter than a minimum length
// (e.g., 3 bytes) are skipped" floor.
const minStringLength = 3

// Surrogator is the capability the Rewriter needs from the Mapping Store:
// narrowed so tests can substitute an in-memory fake.
type Surrogator interface {
	GetOrCreate(ctx context.Context, kind faker.Kind, real string) (string, error)
}

// Rewriter ties the Hybrid Detector to the Mapping Store to rewrite
// server->client JSON-RPC frames in place.
type Rewriter struct {
	detector detect.Detector
	store    Surrogator
}

// New builds a Rewriter over detector and store.
func New(detector detect.Detector, store Surrogator) *Rewriter {
	return &Rewriter{detector: detector, store: store}
}

// RewriteFrame parses raw as a JSON value, rewrites only the eligible
// fields (result, error.message, error.data, and notification params), and
// returns the re-serialized result. Every other top-level field — notably
// jsonrpc, id, and method — is carried through as its original raw bytes,
// never decoded and re-encoded, so spec §3/§8 invariant 6 ("JSON-RPC
// structural fields are byte-identical to the source") holds even for
// id values encoding/json's float64 conversion would otherwise mangle
// (large integers, trailing zeros, exponent notation). If raw does not
// parse as a JSON object (or parses but has nothing eligible), it is
// returned unchanged, matching the Proxy Core's "malformed JSON frames are
// forwarded unchanged" rule and avoiding needless re-serialization churn.
func (r *Rewriter) RewriteFrame(ctx context.Context, raw []byte) ([]byte, error) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return raw, nil
	}

	changed := false
	_, isNotification := msg["id"]
	isNotification = !isNotification

	if resultRaw, ok := msg["result"]; ok {
		rewritten, didChange, err := r.rewriteRawField(ctx, resultRaw)
		if err != nil {
			return nil, err
		}
		if didChange {
			msg["result"] = rewritten
			changed = true
		}
	}

	if errRaw, ok := msg["error"]; ok {
		var errObj map[string]json.RawMessage
		if err := json.Unmarshal(errRaw, &errObj); err == nil {
			errChanged := false
			for _, field := range []string{"message", "data"} {
				fieldRaw, present := errObj[field]
				if !present {
					continue
				}
				rewritten, didChange, err := r.rewriteRawField(ctx, fieldRaw)
				if err != nil {
					return nil, err
				}
				if didChange {
					errObj[field] = rewritten
					errChanged = true
				}
			}
			if errChanged {
				reencoded, err := json.Marshal(errObj)
				if err != nil {
					return nil, fmt.Errorf("rewrite: re-encode error object: %w", err)
				}
				msg["error"] = reencoded
				changed = true
			}
		}
	}

	if isNotification {
		if paramsRaw, ok := msg["params"]; ok {
			rewritten, didChange, err := r.rewriteRawField(ctx, paramsRaw)
			if err != nil {
				return nil, err
			}
			if didChange {
				msg["params"] = rewritten
				changed = true
			}
		}
	}

	if !changed {
		return raw, nil
	}

	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("rewrite: re-encode message: %w", err)
	}
	return out, nil
}

// rewriteRawField decodes one top-level field's raw JSON with UseNumber (so
// numeric leaves round-trip through json.Number rather than float64,
// preserving their exact original digits per invariant 6), rewrites it, and
// re-encodes only if something actually changed.
func (r *Rewriter) rewriteRawField(ctx context.Context, raw json.RawMessage) (json.RawMessage, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return raw, false, nil
	}

	rewritten, didChange, err := r.rewriteValue(ctx, v)
	if err != nil {
		return nil, false, err
	}
	if !didChange {
		return raw, false, nil
	}

	out, err := json.Marshal(rewritten)
	if err != nil {
		return nil, false, fmt.Errorf("rewrite: re-encode field: %w", err)
	}
	return json.RawMessage(out), true, nil
}

// rewriteValue recurses through v, rewriting string leaves and reporting
// whether anything changed so callers can skip re-assigning unmodified
// substructures.
func (r *Rewriter) rewriteValue(ctx context.Context, v interface{}) (interface{}, bool, error) {
	switch val := v.(type) {
	case string:
		return r.rewriteString(ctx, val)
	case map[string]interface{}:
		changed := false
		for k, child := range val {
			rewritten, didChange, err := r.rewriteValue(ctx, child)
			if err != nil {
				return nil, false, err
			}
			if didChange {
				val[k] = rewritten
				changed = true
			}
		}
		return val, changed, nil
	case []interface{}:
		changed := false
		for i, child := range val {
			rewritten, didChange, err := r.rewriteValue(ctx, child)
			if err != nil {
				return nil, false, err
			}
			if didChange {
				val[i] = rewritten
				changed = true
			}
		}
		return val, changed, nil
	default:
		return v, false, nil
	}
}

// rewriteString implements spec §4.7 step 3: detect, then rebuild the
// string by walking entities in ascending start order, copying the
// untouched span before each entity, substituting its surrogate, and
// advancing the cursor. Offsets are computed against the ORIGINAL string
// before any substitution, so they remain valid even though substitutes may
// change the string's length.
func (r *Rewriter) rewriteString(ctx context.Context, s string) (interface{}, bool, error) {
	if len(s) < minStringLength {
		return s, false, nil
	}

	result, err := r.detector.Detect(ctx, s)
	if err != nil {
		return nil, false, fmt.Errorf("rewrite: detect: %w", err)
	}
	if len(result) == 0 {
		return s, false, nil
	}

	var b []byte
	cursor := 0
	didSubstitute := false
	for _, entity := range result {
		if entity.Start < cursor || entity.End > len(s) || entity.Start > entity.End {
			continue
		}
		span := s[entity.Start:entity.End]
		surrogate, err := r.store.GetOrCreate(ctx, faker.Kind(entity.Kind), span)
		if err != nil {
			// MappingCollision (spec §7): leave this one entity
			// un-substituted and keep going with the rest of the frame,
			// rather than bypassing the whole string. Any other mapping
			// error (e.g. MappingDbIoError) propagates so the caller
			// bypasses the entire frame per spec §7.
			if errors.Is(err, mapping.ErrCollision) {
				log.Printf("[Rewriter] Warning: mapping collision for kind=%s, leaving entity un-substituted: %v", entity.Kind, err)
				b = append(b, s[cursor:entity.End]...)
				cursor = entity.End
				continue
			}
			return nil, false, fmt.Errorf("rewrite: get_or_create(%s): %w", entity.Kind, err)
		}
		b = append(b, s[cursor:entity.Start]...)
		b = append(b, surrogate...)
		cursor = entity.End
		didSubstitute = true
	}
	b = append(b, s[cursor:]...)

	if !didSubstitute {
		return s, false, nil
	}
	return string(b), true, nil
}

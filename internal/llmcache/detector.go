package llmcache

import (
	"context"
	"fmt"

	"github.com/gbrigandi/mcp-server-conceal/internal/detect"
)

// CachedDetector decorates an LLM-backed detect.Detector with the cache
// lookup/insert pair spec §4.3 describes, so the Hybrid Detector's llm
// branch never knows caching is involved. PromptTemplateID and ModelID
// identify the cache key alongside the text itself, per the CacheEntry
// definition in spec §3.
type CachedDetector struct {
	cache            *Cache
	inner            detect.Detector
	promptTemplateID string
	modelID          string
}

// NewCachedDetector wraps inner (normally an *detect.LLMDetector) with
// cache.
func NewCachedDetector(cache *Cache, inner detect.Detector, promptTemplateID, modelID string) *CachedDetector {
	return &CachedDetector{
		cache:            cache,
		inner:            inner,
		promptTemplateID: promptTemplateID,
		modelID:          modelID,
	}
}

// Detect checks the cache before falling through to inner.Detect, and
// populates the cache on a miss. The size gate (spec §4.3) is enforced one
// layer up by SizeGatedDetector, not here: by the time Detect is called,
// the caller has already decided text is small enough to be worth both an
// LLM call and a cache entry.
func (d *CachedDetector) Detect(ctx context.Context, text string) (detect.Result, error) {
	fingerprint := Fingerprint(d.promptTemplateID, d.modelID, text)

	if cached, ok, err := d.cache.Lookup(ctx, fingerprint); err == nil && ok {
		return cached, nil
	}

	result, err := d.inner.Detect(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("llmcache: underlying detector: %w", err)
	}

	if err := d.cache.Insert(ctx, fingerprint, result); err != nil {
		return result, nil
	}
	return result, nil
}

// SizeGatedDetector wraps inner (normally *CachedDetector or a bare
// *detect.LLMDetector) and skips calling it entirely for texts longer than
// maxTextLength, per spec §4.3's "texts longer than max_text_length bypass
// the LLM entirely (and therefore the cache)" and boundary test §8.9.
// Wrapping the cache-aware detector, rather than gating inside it, means an
// oversized text never even produces a Fingerprint lookup — both the LLM
// call and the cache round trip are skipped, not just one of them.
type SizeGatedDetector struct {
	inner         detect.Detector
	maxTextLength int
}

// NewSizeGatedDetector builds a SizeGatedDetector. maxTextLength <= 0
// disables the gate (every text is forwarded to inner).
func NewSizeGatedDetector(inner detect.Detector, maxTextLength int) *SizeGatedDetector {
	return &SizeGatedDetector{inner: inner, maxTextLength: maxTextLength}
}

func (d *SizeGatedDetector) Detect(ctx context.Context, text string) (detect.Result, error) {
	if d.maxTextLength > 0 && len(text) > d.maxTextLength {
		return detect.Result{}, nil
	}
	return d.inner.Detect(ctx, text)
}

package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LLMDetector calls a local/self-hosted generation endpoint (C5) to classify
// PII the regex pass cannot recognize by shape alone (person names, company
// names, city/street references). The wire contract is generic rather than
// Ollama-specific: {model, prompt, format:"json", stream:false} in,
// {response: "<json>"} out, matching what both Ollama's /api/generate and
// most OpenAI-compatible local servers accept.
//
// Grounded on original_source/ollama.rs's OllamaClient (prompt templating,
// brace-aware JSON extraction, position-mismatch recovery via substring
// search, health_check) generalized away from the Ollama-specific endpoint
// and request shape, since spec §4.5 only commits to "an HTTP endpoint", not
// a particular server. The request-building/response-parsing skeleton also
// borrows the method/endpoint/body shape demonstrated by the pack's
// ENTERPILOT-GOModel Ollama provider, simplified to a single net/http call
// since this module has no equivalent of that repo's llmclient package.
type LLMDetector struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	endpoint   string
	model      string
	promptFunc func(text string) string
	minConf    float64
	healthOnce sync.Once
}

// LLMConfig carries the subset of spec §6's [llm] section this detector
// needs. RequestsPerSecond <= 0 disables rate limiting.
type LLMConfig struct {
	Endpoint          string
	Model             string
	TimeoutSeconds    int
	RequestsPerSecond float64
	MinConfidence     float64
}

// NewLLMDetector builds a detector bound to promptFunc, which renders the
// loaded prompt template (internal/promptloader) against the text being
// scanned.
func NewLLMDetector(cfg LLMConfig, promptFunc func(text string) string) *LLMDetector {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	minConf := cfg.MinConfidence
	if minConf <= 0 {
		minConf = 0.5
	}
	return &LLMDetector{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		model:      cfg.Model,
		promptFunc: promptFunc,
		minConf:    minConf,
	}
}

type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Format  string  `json:"format"`
	Options options `json:"options"`
}

// options mirrors original_source/ollama.rs's OllamaOptions: temperature 0
// and a low top_p bias the model towards deterministic, format-compliant
// output rather than creative continuation.
type options struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"num_predict"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type llmEntity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

type llmResponseBody struct {
	Entities []llmEntity `json:"entities"`
}

// Detect renders the prompt, calls the endpoint, and recovers entity spans
// against text, dropping any entity it cannot locate per original_source's
// find_entity_position fallback.
//
// Per spec §4.5/§7 (LlmUnreachable/LlmTimeout/LlmBadJson), none of a network
// failure, a response timeout, or a malformed/unparseable response body is
// ever fatal: each is logged at warn and treated as an empty DetectionResult
// so the caller still forwards the frame (and, in regex_llm mode, still
// keeps whatever the regex pass already found). Only context cancellation
// (the client disconnecting, which the rate limiter's Wait also respects)
// propagates as an error, since that is a shutdown signal, not a detection
// failure.
func (d *LLMDetector) Detect(ctx context.Context, text string) (Result, error) {
	d.healthOnce.Do(func() {
		if err := d.HealthCheck(ctx); err != nil {
			log.Printf("[LLMDetector] Warning: endpoint %s failed reachability probe: %v", d.endpoint, err)
		}
	})

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("llm rate limiter: %w", err)
		}
	}

	raw, err := d.call(ctx, d.promptFunc(text))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("llm detector call: %w", err)
		}
		log.Printf("[LLMDetector] Warning: endpoint %s unreachable or timed out, treating as empty detection: %v", d.endpoint, err)
		return Result{}, nil
	}

	jsonStr, err := extractJSON(raw)
	if err != nil {
		log.Printf("[LLMDetector] Warning: endpoint %s returned unparseable JSON, treating as empty detection: %v", d.endpoint, err)
		return Result{}, nil
	}

	var body llmResponseBody
	if err := json.Unmarshal([]byte(jsonStr), &body); err != nil {
		log.Printf("[LLMDetector] Warning: endpoint %s response did not match the entities contract, treating as empty detection: %v", d.endpoint, err)
		return Result{}, nil
	}

	var entities []Entity
	var claimed [][2]int
	for _, e := range body.Entities {
		if e.Value == "" {
			continue
		}
		start, end, ok := resolveSpan(text, e, claimed)
		if !ok {
			continue
		}
		conf := e.Confidence
		if conf <= 0 {
			conf = 0.8
		}
		if conf < d.minConf {
			continue
		}
		claimed = append(claimed, [2]int{start, end})
		entities = append(entities, Entity{
			Kind:       Kind(e.Type),
			Value:      text[start:end],
			Start:      start,
			End:        end,
			Confidence: conf,
		})
	}
	return resolveOverlaps(entities), nil
}

// HealthCheck probes the endpoint's model-listing route. Detect calls this
// itself exactly once per detector lifetime (via healthOnce), logging a
// warning on failure rather than propagating it, per spec §2.3/§4.5's
// "single best-effort GET reachability probe ... before the first request
// in a process lifetime". Exported so callers can also probe eagerly at
// startup if they want an earlier signal.
func (d *LLMDetector) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build health check request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llm health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("llm health check: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *LLMDetector) call(ctx context.Context, prompt string) (string, error) {
	reqBody := generateRequest{
		Model:  d.model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
		Options: options{
			Temperature: 0,
			TopP:        0.1,
			MaxTokens:   500,
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var genResp generateResponse
	if err := json.Unmarshal(bodyBytes, &genResp); err != nil {
		return "", fmt.Errorf("decode response envelope: %w", err)
	}
	return genResp.Response, nil
}

// extractJSON finds the first balanced {...} object in response, tolerating
// the doubled-brace artifact some template engines leave behind when a
// prompt itself contains literal braces.
func extractJSON(response string) (string, error) {
	fixed := strings.ReplaceAll(strings.ReplaceAll(response, "{{", "{"), "}}", "}")

	start := strings.IndexByte(fixed, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found in response")
	}

	depth := 0
	for i := start; i < len(fixed); i++ {
		switch fixed[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := fixed[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, nil
				}
			}
		}
	}
	return "", fmt.Errorf("no balanced JSON object found in response")
}

// resolveSpan trusts the model's reported start/end only when they are
// in-bounds and the substring they name actually equals value; otherwise it
// searches text for the first occurrence of value that does not overlap an
// already-claimed span, and drops the entity entirely if there is none.
func resolveSpan(text string, e llmEntity, claimed [][2]int) (int, int, bool) {
	if e.Start < e.End && e.End <= len(text) && text[e.Start:e.End] == e.Value {
		return e.Start, e.End, true
	}
	for from := 0; from < len(text); {
		idx := strings.Index(text[from:], e.Value)
		if idx < 0 {
			break
		}
		start, end := from+idx, from+idx+len(e.Value)
		free := true
		for _, c := range claimed {
			if start < c[1] && end > c[0] {
				free = false
				break
			}
		}
		if free {
			return start, end, true
		}
		from = start + 1
	}
	return 0, 0, false
}

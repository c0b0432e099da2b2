package detect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestLLMDetector(t *testing.T, handler http.HandlerFunc) *LLMDetector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewLLMDetector(LLMConfig{
		Endpoint:       srv.URL,
		Model:          "test-model",
		TimeoutSeconds: 5,
		MinConfidence:  0.5,
	}, func(text string) string { return "extract entities from: " + text })
}

func TestLLMDetectorParsesWellFormedResponse(t *testing.T) {
	d := newTestLLMDetector(t, func(w http.ResponseWriter, r *http.Request) {
		inner := `{"entities":[{"type":"person_name","value":"Sarah","start":0,"end":5,"confidence":0.9}]}`
		_ = json.NewEncoder(w).Encode(generateResponse{Response: inner, Done: true})
	})

	result, err := d.Detect(context.Background(), "Sarah called earlier")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 || result[0].Kind != "person_name" {
		t.Fatalf("expected one person_name entity, got %+v", result)
	}
}

func TestLLMDetectorRecoversOffsetsByLiteralSearch(t *testing.T) {
	d := newTestLLMDetector(t, func(w http.ResponseWriter, r *http.Request) {
		inner := `{"entities":[{"type":"email","value":"sarah@acme.com","start":0,"end":0,"confidence":0.85}]}`
		_ = json.NewEncoder(w).Encode(generateResponse{Response: inner, Done: true})
	})

	text := "Please reach out to sarah@acme.com for details."
	result, err := d.Detect(context.Background(), text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected one recovered entity, got %+v", result)
	}
	if text[result[0].Start:result[0].End] != "sarah@acme.com" {
		t.Errorf("recovered span %q does not match expected value", text[result[0].Start:result[0].End])
	}
}

func TestLLMDetectorDropsEntitiesBelowConfidenceThreshold(t *testing.T) {
	d := newTestLLMDetector(t, func(w http.ResponseWriter, r *http.Request) {
		inner := `{"entities":[{"type":"person_name","value":"Sarah","start":0,"end":5,"confidence":0.2}]}`
		_ = json.NewEncoder(w).Encode(generateResponse{Response: inner, Done: true})
	})

	result, err := d.Detect(context.Background(), "Sarah called earlier")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected low-confidence entity to be dropped, got %+v", result)
	}
}

func TestLLMDetectorDropsEntitiesNotFoundInText(t *testing.T) {
	d := newTestLLMDetector(t, func(w http.ResponseWriter, r *http.Request) {
		inner := `{"entities":[{"type":"person_name","value":"Nobody","start":0,"end":0,"confidence":0.9}]}`
		_ = json.NewEncoder(w).Encode(generateResponse{Response: inner, Done: true})
	})

	result, err := d.Detect(context.Background(), "Sarah called earlier")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected unresolvable entity to be dropped, got %+v", result)
	}
}

func TestLLMDetectorTolerateDoubledBraces(t *testing.T) {
	d := newTestLLMDetector(t, func(w http.ResponseWriter, r *http.Request) {
		inner := `prefix text {{"entities":[{"type":"person_name","value":"Sarah","start":0,"end":5,"confidence":0.9}]}} suffix`
		_ = json.NewEncoder(w).Encode(generateResponse{Response: inner, Done: true})
	})

	result, err := d.Detect(context.Background(), "Sarah called earlier")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected one entity recovered from doubled-brace output, got %+v", result)
	}
}

func TestLLMDetectorHealthCheckReportsEndpointStatus(t *testing.T) {
	okDetector := newTestLLMDetector(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if err := okDetector.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected health check to succeed, got %v", err)
	}

	downDetector := newTestLLMDetector(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if err := downDetector.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail for a 500 response")
	}
}

func TestLLMDetectorProbesHealthOnceBeforeFirstDetect(t *testing.T) {
	var requests int
	d := newTestLLMDetector(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		inner := `{"entities":[]}`
		_ = json.NewEncoder(w).Encode(generateResponse{Response: inner, Done: true})
	})

	if _, err := d.Detect(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := d.Detect(context.Background(), "hello again"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if requests != 3 {
		t.Errorf("expected 1 health probe + 2 generate calls = 3 requests, got %d", requests)
	}
}

func TestLLMDetectorTreatsUnreachableEndpointAsEmptyDetection(t *testing.T) {
	d := NewLLMDetector(LLMConfig{
		Endpoint:       "http://127.0.0.1:1",
		Model:          "test-model",
		TimeoutSeconds: 1,
		MinConfidence:  0.5,
	}, func(text string) string { return text })

	result, err := d.Detect(context.Background(), "Sarah called earlier")
	if err != nil {
		t.Fatalf("expected an unreachable endpoint to degrade to empty detection, not an error: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}

func TestLLMDetectorTreatsBadJSONResponseAsEmptyDetection(t *testing.T) {
	d := newTestLLMDetector(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "not json at all", Done: true})
	})

	result, err := d.Detect(context.Background(), "Sarah called earlier")
	if err != nil {
		t.Fatalf("expected an unparseable response to degrade to empty detection, not an error: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}

func TestExtractJSONFindsBalancedObject(t *testing.T) {
	raw := `noise before {"entities":[]} noise after`
	got, err := extractJSON(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"entities":[]}` {
		t.Errorf("got %q", got)
	}
}

func TestExtractJSONErrorsWithNoObject(t *testing.T) {
	_, err := extractJSON("no json here at all")
	if err == nil {
		t.Error("expected an error when no JSON object is present")
	}
}

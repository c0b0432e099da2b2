package rewrite

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/gbrigandi/mcp-server-conceal/internal/detect"
	"github.com/gbrigandi/mcp-server-conceal/internal/faker"
)

// stubDetector reports a fixed Result regardless of input text, keyed by
// exact text match so different fixtures can configure different findings.
type stubDetector struct {
	byText map[string]detect.Result
}

func (s *stubDetector) Detect(_ context.Context, text string) (detect.Result, error) {
	return s.byText[text], nil
}

// stubStore returns a deterministic, inspectable surrogate per (kind, real)
// without touching a real database.
type stubStore struct {
	calls []string
}

func (s *stubStore) GetOrCreate(_ context.Context, kind faker.Kind, real string) (string, error) {
	s.calls = append(s.calls, real)
	return "[" + string(kind) + "]", nil
}

func TestRewriteFrameSubstitutesResultString(t *testing.T) {
	text := "contact sarah@acme.com today"
	detector := &stubDetector{byText: map[string]detect.Result{
		text: {{Kind: "email", Value: "sarah@acme.com", Start: 8, End: 22, Confidence: 0.9}},
	}}
	store := &stubStore{}
	r := New(detector, store)

	frame := []byte(`{"jsonrpc":"2.0","id":1,"result":"` + text + `"}`)
	out, err := r.RewriteFrame(context.Background(), frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	got := decoded["result"].(string)
	want := "contact [email] today"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRewriteFrameLeavesStructuralFieldsAlone(t *testing.T) {
	detector := &stubDetector{byText: map[string]detect.Result{}}
	store := &stubStore{}
	r := New(detector, store)

	frame := []byte(`{"jsonrpc":"2.0","id":1,"method":"sarah@acme.com","result":"ok"}`)
	out, err := r.RewriteFrame(context.Background(), frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["method"] != "sarah@acme.com" {
		t.Errorf("expected method to be left untouched, got %v", decoded["method"])
	}
}

func TestRewriteFrameRewritesNotificationParams(t *testing.T) {
	text := "sarah@acme.com"
	detector := &stubDetector{byText: map[string]detect.Result{
		text: {{Kind: "email", Value: text, Start: 0, End: len(text), Confidence: 0.9}},
	}}
	store := &stubStore{}
	r := New(detector, store)

	notification := []byte(`{"jsonrpc":"2.0","method":"notify","params":{"note":"` + text + `"}}`)
	out, err := r.RewriteFrame(context.Background(), notification)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	params := decoded["params"].(map[string]interface{})
	if params["note"] != "[email]" {
		t.Errorf("expected notification params to be rewritten, got %v", params["note"])
	}
}

func TestRewriteFrameSkipsRequestsWithID(t *testing.T) {
	text := "sarah@acme.com"
	detector := &stubDetector{byText: map[string]detect.Result{
		text: {{Kind: "email", Value: text, Start: 0, End: len(text), Confidence: 0.9}},
	}}
	store := &stubStore{}
	r := New(detector, store)

	request := []byte(`{"jsonrpc":"2.0","id":7,"method":"do","params":{"note":"` + text + `"}}`)
	out, err := r.RewriteFrame(context.Background(), request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	params := decoded["params"].(map[string]interface{})
	if params["note"] != text {
		t.Errorf("expected request params (has an id) to be left untouched, got %v", params["note"])
	}
}

func TestRewriteFrameRewritesErrorMessageAndData(t *testing.T) {
	text := "sarah@acme.com"
	detector := &stubDetector{byText: map[string]detect.Result{
		text: {{Kind: "email", Value: text, Start: 0, End: len(text), Confidence: 0.9}},
	}}
	store := &stubStore{}
	r := New(detector, store)

	frame := []byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-1,"message":"` + text + `","data":"` + text + `"}}`)
	out, err := r.RewriteFrame(context.Background(), frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	errObj := decoded["error"].(map[string]interface{})
	if errObj["message"] != "[email]" || errObj["data"] != "[email]" {
		t.Errorf("expected both error.message and error.data to be rewritten, got %+v", errObj)
	}
}

func TestRewriteFrameLeavesUnchangedFramesByteIdentical(t *testing.T) {
	detector := &stubDetector{byText: map[string]detect.Result{}}
	store := &stubStore{}
	r := New(detector, store)

	frame := []byte(`{"jsonrpc":"2.0","id":1,"result":"nothing sensitive"}`)
	out, err := r.RewriteFrame(context.Background(), frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != string(frame) {
		t.Errorf("expected a frame with no PII to be returned unchanged, got %q", out)
	}
}

func TestRewriteFrameForwardsMalformedJSONUnchanged(t *testing.T) {
	detector := &stubDetector{}
	store := &stubStore{}
	r := New(detector, store)

	frame := []byte(`not json at all`)
	out, err := r.RewriteFrame(context.Background(), frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != string(frame) {
		t.Error("expected a malformed frame to be forwarded unchanged")
	}
}

func TestRewriteStringSkipsValuesShorterThanMinimumLength(t *testing.T) {
	detector := &stubDetector{byText: map[string]detect.Result{
		"ab": {{Kind: "email", Value: "ab", Start: 0, End: 2, Confidence: 0.9}},
	}}
	store := &stubStore{}
	r := New(detector, store)

	_, changed, err := r.rewriteString(context.Background(), "ab")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Error("expected a 2-byte string to be skipped regardless of detector findings")
	}
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/turnengine/turnengine/internal/admission"
	"github.com/turnengine/turnengine/internal/orchestrator"
)

// fakeTurnHandler is a TurnHandler double returning a fixed result or error.
type fakeTurnHandler struct {
	result orchestrator.TurnResult
	err    error
	gotMsg string
}

func (f *fakeTurnHandler) HandleTurn(ctx context.Context, conversationID, userMessage string, opts orchestrator.Options) (orchestrator.TurnResult, error) {
	f.gotMsg = userMessage
	return f.result, f.err
}

func newTestServer(t *testing.T, handler *fakeTurnHandler) *http.ServeMux {
	t.Helper()
	admit := admission.New(nil, admission.Config{APIKeyRequired: false})
	_, mux := New(handler, admit, nil, nil, nil, nil, nil, Config{})
	return mux
}

func TestHandleConversation_Success(t *testing.T) {
	handler := &fakeTurnHandler{result: orchestrator.Success{
		Response: "hi there",
		Timing:   orchestrator.Timing{TotalMs: 42, LLMMs: 30},
		Metadata: orchestrator.Metadata{CacheHit: false, RAGEnabled: true, RAGResultsCount: 2},
	}}
	mux := newTestServer(t, handler)

	body := strings.NewReader(`{"message": "hello", "conversation_id": "c1"}`)
	req := httptest.NewRequest(http.MethodPost, "/conversation", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Response != "hi there" {
		t.Fatalf("unexpected response text: %q", resp.Response)
	}
	if resp.ConversationID != "c1" {
		t.Fatalf("unexpected conversation_id: %q", resp.ConversationID)
	}
	if resp.Metadata.RAGResultsCount != 2 {
		t.Fatalf("expected rag_results_count=2, got %d", resp.Metadata.RAGResultsCount)
	}
	if handler.gotMsg != "hello" {
		t.Fatalf("orchestrator did not receive the request message, got %q", handler.gotMsg)
	}
}

func TestHandleConversation_EmptyMessageRejected(t *testing.T) {
	mux := newTestServer(t, &fakeTurnHandler{})

	body := strings.NewReader(`{"message": ""}`)
	req := httptest.NewRequest(http.MethodPost, "/conversation", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleConversation_MessageTooLong(t *testing.T) {
	mux := newTestServer(t, &fakeTurnHandler{})

	longMsg := strings.Repeat("a", 5001)
	reqBody, _ := json.Marshal(map[string]string{"message": longMsg})
	req := httptest.NewRequest(http.MethodPost, "/conversation", strings.NewReader(string(reqBody)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a 5001-char message, got %d", rec.Code)
	}
}

func TestHandleConversation_ExactlyMaxLengthAccepted(t *testing.T) {
	handler := &fakeTurnHandler{result: orchestrator.Success{Response: "ok"}}
	mux := newTestServer(t, handler)

	msg := strings.Repeat("a", 5000)
	reqBody, _ := json.Marshal(map[string]string{"message": msg})
	req := httptest.NewRequest(http.MethodPost, "/conversation", strings.NewReader(string(reqBody)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for an exactly-5000-char message, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleConversation_MalformedJSON(t *testing.T) {
	mux := newTestServer(t, &fakeTurnHandler{})

	req := httptest.NewRequest(http.MethodPost, "/conversation", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", rec.Code)
	}
}

func TestHandleConversation_RateLimited(t *testing.T) {
	admit := admission.New(nil, admission.Config{APIKeyRequired: false, RateLimitPerMinute: 1, RateLimitPerDay: 100})
	handler := &fakeTurnHandler{result: orchestrator.Success{Response: "ok"}}
	_, mux := New(handler, admit, nil, nil, nil, nil, nil, Config{})

	makeReq := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/conversation", strings.NewReader(`{"message": "hi"}`))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	if rec := makeReq(); rec.Code != http.StatusOK {
		t.Fatalf("first request should succeed, got %d", rec.Code)
	}
	rec := makeReq()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be rate limited, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected a Retry-After header on 429")
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body["error"] != "rate_limit_exceeded" {
		t.Fatalf("expected error=rate_limit_exceeded, got %v", body["error"])
	}
}

func TestHandleLive(t *testing.T) {
	mux := newTestServer(t, &fakeTurnHandler{})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health/live, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode live body: %v", err)
	}
	if body["status"] != "alive" {
		t.Fatalf("expected status=alive, got %v", body["status"])
	}
}

func TestHandleReady_NoDependencies(t *testing.T) {
	mux := newTestServer(t, &fakeTurnHandler{})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	// With no Store/Retriever/LLM wired, the only checker is the nil-safe
	// Store probe, which always passes.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health/ready with no dependencies, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleConversation_DependencyFailure(t *testing.T) {
	handler := &fakeTurnHandler{err: orchestrator.ErrEmptyMessage}
	mux := newTestServer(t, handler)

	req := httptest.NewRequest(http.MethodPost, "/conversation", strings.NewReader(`{"message": "hello"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the orchestrator returns an error, got %d", rec.Code)
	}
}

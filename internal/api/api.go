// Package api implements APISurface: the HTTP request/response endpoint,
// the health/readiness endpoints, the admin key-management endpoints, and
// (in stream.go) the WebSocket streaming endpoint, wired onto the turn
// orchestrator, admission, and session manager.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/turnengine/turnengine/internal/admission"
	"github.com/turnengine/turnengine/internal/health"
	"github.com/turnengine/turnengine/internal/llmclient"
	"github.com/turnengine/turnengine/internal/observe"
	"github.com/turnengine/turnengine/internal/orchestrator"
	"github.com/turnengine/turnengine/internal/retriever"
	"github.com/turnengine/turnengine/internal/rtsession"
	"github.com/turnengine/turnengine/internal/store"
)

// TurnHandler is the subset of *orchestrator.TurnOrchestrator the HTTP
// handler depends on.
type TurnHandler interface {
	HandleTurn(ctx context.Context, conversationID, userMessage string, opts orchestrator.Options) (orchestrator.TurnResult, error)
}

// Server wires the turn orchestrator, admission, session manager, and
// store into the HTTP surface described in the external interface
// contract.
type Server struct {
	turns      TurnHandler
	admit      *admission.Admission
	sessions   *rtsession.SessionManager
	st         store.Store
	health     *health.Handler
	metrics    *observe.Metrics
	adminKey   string
	startedAt  time.Time
	turnDeadline time.Duration
}

// Config configures a new Server.
type Config struct {
	AdminKey     string // privileged key required on /admin/* endpoints; empty disables admin routes
	TurnDeadline time.Duration
}

// New creates a Server and registers every route on a fresh *http.ServeMux.
func New(turns TurnHandler, admit *admission.Admission, sessions *rtsession.SessionManager, st store.Store, llm *llmclient.Client, retr *retriever.Retriever, metrics *observe.Metrics, cfg Config) (*Server, *http.ServeMux) {
	if cfg.TurnDeadline <= 0 {
		cfg.TurnDeadline = 30 * time.Second
	}

	checkers := []health.Checker{
		{Name: "store", Check: func(ctx context.Context) error {
			if st == nil {
				return nil
			}
			_, err := st.LoadConversation(ctx, "__readyz_probe__", 1)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			return nil
		}},
	}
	if llm != nil {
		checkers = append(checkers, health.Checker{Name: "llm", Check: llm.Ping})
	}
	if retr != nil {
		checkers = append(checkers, health.Checker{Name: "retriever", Check: func(ctx context.Context) error {
			_, err := retr.Search(ctx, "__readyz_probe__", 1, 0)
			if errors.Is(err, retriever.ErrRetrieverUnavailable) {
				return err
			}
			return nil
		}})
	}

	s := &Server{
		turns:        turns,
		admit:        admit,
		sessions:     sessions,
		st:           st,
		health:       health.New(checkers...),
		metrics:      metrics,
		adminKey:     cfg.AdminKey,
		startedAt:    time.Now(),
		turnDeadline: cfg.TurnDeadline,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversation", s.handleConversation)
	mux.HandleFunc("GET /health/live", s.handleLive)
	mux.HandleFunc("GET /health/ready", s.health.Readyz)
	mux.HandleFunc("GET /rtc/stream", s.handleStream)
	mux.HandleFunc("POST /admin/keys", s.handleCreateKey)
	mux.HandleFunc("GET /admin/keys", s.handleListKeys)
	mux.HandleFunc("DELETE /admin/keys/{id}", s.handleRevokeKey)

	var handler http.Handler = mux
	if metrics != nil {
		handler = observe.Middleware(metrics)(mux)
	}
	wrapped := http.NewServeMux()
	wrapped.Handle("/", handler)
	return s, wrapped
}

// conversationRequest is the POST /conversation request body.
type conversationRequest struct {
	Message        string          `json:"message"`
	ConversationID string          `json:"conversation_id"`
	Context        json.RawMessage `json:"context"`
}

type timingWire struct {
	TotalMs int64  `json:"total_ms"`
	LLMMs   int64  `json:"llm_ms"`
	RAGMs   *int64 `json:"rag_ms,omitempty"`
	CacheMs *int64 `json:"cache_ms,omitempty"`
}

type metadataWire struct {
	CacheHit        bool  `json:"cache_hit"`
	RAGEnabled      bool  `json:"rag_enabled"`
	RAGResultsCount int   `json:"rag_results_count"`
	GuardFlagged    *bool `json:"guard_flagged,omitempty"`
}

type tokensWire struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type conversationResponse struct {
	Response       string       `json:"response"`
	ConversationID string       `json:"conversation_id"`
	Timing         timingWire   `json:"timing"`
	Metadata       metadataWire `json:"metadata"`
	Tokens         tokensWire   `json:"tokens"`
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", 0)
		return
	}

	apiKey := r.Header.Get("X-API-Key")
	admitResult, err := s.admit.Admit(r.Context(), req.Message, req.ConversationID, req.Context, apiKey)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = admitResult.KeyID
		if conversationID == "" {
			conversationID = newAnonymousConversationID()
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.turnDeadline)
	defer cancel()

	result, err := s.turns.HandleTurn(ctx, conversationID, req.Message, orchestrator.Options{})
	if err != nil {
		if errors.Is(err, llmclient.ErrLLMUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "llm_unavailable", "the language model is temporarily unavailable", 0)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "dependency_failure", err.Error(), 0)
		return
	}

	writeConversationResult(w, conversationID, result)
}

func writeConversationResult(w http.ResponseWriter, conversationID string, result orchestrator.TurnResult) {
	var (
		responseText string
		timing       orchestrator.Timing
		metadata     orchestrator.Metadata
		tokens       tokensWire
	)
	switch v := result.(type) {
	case orchestrator.Success:
		responseText, timing, metadata = v.Response, v.Timing, v.Metadata
		tokens = tokensWire{InputTokens: v.Tokens.InputTokens, OutputTokens: v.Tokens.OutputTokens, TotalTokens: v.Tokens.InputTokens + v.Tokens.OutputTokens}
	case orchestrator.Refusal:
		responseText, timing, metadata = v.Response, v.Timing, v.Metadata
	case orchestrator.Degraded:
		responseText, timing, metadata = v.Response, v.Timing, v.Metadata
	}

	resp := conversationResponse{
		Response:       responseText,
		ConversationID: conversationID,
		Timing: timingWire{
			TotalMs: timing.TotalMs,
			LLMMs:   timing.LLMMs,
			RAGMs:   optionalMs(metadata.RAGEnabled, timing.RAGMs),
			CacheMs: optionalMs(true, timing.CacheMs),
		},
		Metadata: metadataWire{
			CacheHit:        metadata.CacheHit,
			RAGEnabled:      metadata.RAGEnabled,
			RAGResultsCount: metadata.RAGResultsCount,
			GuardFlagged:    optionalBool(metadata.GuardFlagged),
		},
		Tokens: tokens,
	}
	writeJSON(w, http.StatusOK, resp)
}

func optionalMs(enabled bool, v int64) *int64 {
	if !enabled {
		return nil
	}
	return &v
}

func optionalBool(v bool) *bool {
	if !v {
		return nil
	}
	return &v
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "alive",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func writeAdmissionError(w http.ResponseWriter, err error) {
	var aerr *admission.Error
	if !errors.As(err, &aerr) {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), 0)
		return
	}
	switch aerr.Kind {
	case admission.KindUnauthorized:
		writeError(w, http.StatusUnauthorized, "unauthorized", aerr.Message, 0)
	case admission.KindRateLimited:
		retryAfter := int64(aerr.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "rate_limit_exceeded",
			"retry_after_seconds": retryAfter,
		})
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", aerr.Message, 0)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, retryAfter int64) {
	writeJSON(w, status, map[string]any{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newAnonymousConversationID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "anon_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return "anon_" + hex.EncodeToString(buf)
}

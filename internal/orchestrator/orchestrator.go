// Package orchestrator implements TurnOrchestrator, the per-turn pipeline
// that ties cache, conversation memory, retrieval, guardrails, and the LLM
// client into a single handle_turn call.
//
// A turn never starts for a conversation while another turn for the same
// conversation_id is in flight: HandleTurn serializes per conversation_id
// with one mutex per conversation (kept in a sync.Map), so ordering is
// preserved without forcing unrelated conversations to wait on each other.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/turnengine/turnengine/internal/cache"
	"github.com/turnengine/turnengine/internal/convmem"
	"github.com/turnengine/turnengine/internal/guard"
	"github.com/turnengine/turnengine/internal/llmclient"
	"github.com/turnengine/turnengine/internal/observe"
	"github.com/turnengine/turnengine/internal/promptbuilder"
	"github.com/turnengine/turnengine/internal/retriever"
	"github.com/turnengine/turnengine/internal/store"
	"github.com/turnengine/turnengine/internal/tokenledger"
	"github.com/turnengine/turnengine/pkg/types"
)

// ErrEmptyMessage is returned when the normalized user message is empty.
// Admission is expected to reject empty messages before they reach here;
// this is a defensive fallback.
var ErrEmptyMessage = errors.New("orchestrator: empty message")

// Options configures a single handle_turn call. Zero values fall back to
// the orchestrator's configured defaults.
type Options struct {
	Persona    promptbuilder.Persona
	MaxTokens  int
	Temperature float64
}

// Timing reports per-phase latency for one turn, in milliseconds.
type Timing struct {
	CacheMs int64
	RAGMs   int64
	LLMMs   int64
	TotalMs int64
}

// Metadata reports turn-level flags and counts alongside the response.
type Metadata struct {
	CacheHit        bool
	RAGEnabled      bool
	RAGDegraded     bool
	RAGResultsCount int
	GuardFlagged    bool
}

// TurnResult is the tagged-variant outcome of a turn: exactly one of
// Success, Refusal, or Degraded describes what happened. Callers type-switch
// on the concrete type rather than reading a dynamic attribute bag.
type TurnResult interface {
	isTurnResult()
}

// Success is returned when the turn completed normally, with or without a
// guard flag or RAG degradation noted in Metadata.
type Success struct {
	Response string
	Timing   Timing
	Metadata Metadata
	Tokens   tokenledger.Usage
}

func (Success) isTurnResult() {}

// Refusal is returned when strict-mode guardrails replaced the model's
// response with a fixed refusal template.
type Refusal struct {
	Reason   string
	Response string
	Timing   Timing
	Metadata Metadata
}

func (Refusal) isTurnResult() {}

// Degraded is returned when the turn produced a response but under one or
// more degraded conditions (e.g. RAG unavailable) worth surfacing to a
// caller that wants to distinguish "best-effort" from "full" answers.
// The orchestrator currently folds RAG degradation into Success.Metadata
// rather than this variant; Degraded is reserved for callers that want to
// force a distinct code path (kept for forward compatibility with §9).
type Degraded struct {
	Response string
	Reasons  []string
	Timing   Timing
	Metadata Metadata
}

func (Degraded) isTurnResult() {}

const refusalTemplate = "I can't help with that request."

// Searcher is the subset of *retriever.Retriever the orchestrator depends
// on. Declared here, at the point of use, so tests can substitute a fake
// without standing up a Postgres-backed Retriever.
type Searcher interface {
	Search(ctx context.Context, query string, k int, scoreThreshold float64) ([]retriever.Result, error)
}

// TurnOrchestrator wires together the components that make up one turn of
// a conversation: cache, memory, retrieval, guardrails, prompting, and the
// LLM client.
type TurnOrchestrator struct {
	cache     *cache.BoundedCache
	convMem   *convmem.ConversationMemory
	retriever Searcher
	guardPipe *guard.GuardPipeline
	ledger    *tokenledger.TokenLedger
	llm       *llmclient.Client
	st        store.Store
	metrics   *observe.Metrics

	ragEnabled         bool
	ragTopK            int
	ragScoreThreshold  float64
	ragSoftDeadline    time.Duration
	guardReconcileWait time.Duration
	guardStrictMode    bool
	defaultPersona     promptbuilder.Persona
	defaultMaxTokens   int
	defaultTemperature float64

	locks   sync.Map // conversationID -> *sync.Mutex
}

// Config carries the tunables for New beyond the wired components
// themselves.
type Config struct {
	RAGEnabled         bool
	RAGTopK            int
	RAGScoreThreshold  float64
	RAGSoftDeadline    time.Duration
	GuardReconcileWait time.Duration
	GuardStrictMode    bool
	DefaultPersona     promptbuilder.Persona
	DefaultMaxTokens   int
	DefaultTemperature float64
}

// New builds a TurnOrchestrator from its wired dependencies. r may be nil
// when RAG is disabled.
func New(c *cache.BoundedCache, cm *convmem.ConversationMemory, r Searcher, g *guard.GuardPipeline, l *tokenledger.TokenLedger, llm *llmclient.Client, st store.Store, metrics *observe.Metrics, cfg Config) *TurnOrchestrator {
	if cfg.RAGSoftDeadline <= 0 {
		cfg.RAGSoftDeadline = 250 * time.Millisecond
	}
	if cfg.GuardReconcileWait <= 0 {
		cfg.GuardReconcileWait = 500 * time.Millisecond
	}
	if cfg.RAGTopK <= 0 {
		cfg.RAGTopK = 3
	}
	if cfg.DefaultPersona == "" {
		cfg.DefaultPersona = promptbuilder.PersonaGeneric
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 200
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &TurnOrchestrator{
		cache:              c,
		convMem:            cm,
		retriever:          r,
		guardPipe:          g,
		ledger:             l,
		llm:                llm,
		st:                 st,
		metrics:            metrics,
		ragEnabled:         cfg.RAGEnabled,
		ragTopK:            cfg.RAGTopK,
		ragScoreThreshold:  cfg.RAGScoreThreshold,
		ragSoftDeadline:    cfg.RAGSoftDeadline,
		guardReconcileWait: cfg.GuardReconcileWait,
		guardStrictMode:    cfg.GuardStrictMode,
		defaultPersona:     cfg.DefaultPersona,
		defaultMaxTokens:   cfg.DefaultMaxTokens,
		defaultTemperature: cfg.DefaultTemperature,
	}
}

// cachedPayload is what BoundedCache stores at a fingerprint key.
type cachedPayload struct {
	Response        string
	RAGResultsCount int
	RAGDegraded     bool
}

// HandleTurn runs the full per-turn algorithm for one user message within
// conversation_id, returning exactly one TurnResult variant.
func (o *TurnOrchestrator) HandleTurn(ctx context.Context, conversationID, userMessage string, opts Options) (TurnResult, error) {
	mu := o.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	log := observe.Logger(ctx)

	normalized := normalize(userMessage)
	if normalized == "" {
		return nil, ErrEmptyMessage
	}

	persona := opts.Persona
	if persona == "" {
		persona = o.defaultPersona
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.defaultMaxTokens
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = o.defaultTemperature
	}

	fmtCtx := o.convMem.FormatContext(ctx, conversationID)
	fp := fingerprint(normalized, fmtCtx)

	// Step 2: cache lookup.
	if raw, ok := o.cache.Get(fp); ok {
		cacheMs := time.Since(start).Milliseconds()
		payload, ok := raw.(cachedPayload)
		if ok {
			o.convMem.Append(ctx, conversationID, types.RoleUser, userMessage, tokenledger.Count(userMessage), 0, "")
			o.convMem.Append(ctx, conversationID, types.RoleAssistant, payload.Response, 0, tokenledger.Count(payload.Response), "")
			o.ledger.Record(conversationID, tokenledger.Count(userMessage), tokenledger.Count(payload.Response))
			o.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
			o.metrics.RecordTurn(ctx, true)
			return Success{
				Response: payload.Response,
				Timing: Timing{
					CacheMs: cacheMs,
					TotalMs: time.Since(start).Milliseconds(),
				},
				Metadata: Metadata{
					CacheHit:        true,
					RAGEnabled:      o.ragEnabled,
					RAGDegraded:     payload.RAGDegraded,
					RAGResultsCount: payload.RAGResultsCount,
				},
				Tokens: o.ledger.Snapshot(conversationID),
			}, nil
		}
	}

	// Step 4/5: fan out guard + RAG, join RAG on a soft deadline.
	var guardResult guard.Result
	var ragResults []retriever.Result
	var ragDegraded bool

	guardDone := make(chan guard.Result, 1)
	go func() {
		guardDone <- o.guardPipe.CheckInput(ctx, userMessage)
	}()

	ragStart := time.Now()
	if o.ragEnabled && o.retriever != nil {
		ragCtx, cancel := context.WithTimeout(ctx, o.ragSoftDeadline)
		results, err := o.retriever.Search(ragCtx, userMessage, o.ragTopK, o.ragScoreThreshold)
		cancel()
		if err != nil {
			ragDegraded = true
			log.Warn("rag degraded", "conversation_id", conversationID, "error", err)
			o.auditAsync(conversationID, "retriever_unavailable", "warning", err)
		} else {
			ragResults = results
		}
	}
	ragMs := time.Since(ragStart).Milliseconds()

	// Step 6/7: build prompt, call LLM. guard_task keeps running
	// concurrently and is reconciled in step 10, below.
	prompt := promptbuilder.Build(promptbuilder.Input{
		UserMessage:         userMessage,
		ConversationContext: fmtCtx,
		RAGResults:          ragResults,
		Persona:             persona,
	})

	llmStart := time.Now()
	responseText, usage, err := o.llm.Generate(ctx, prompt, llmclient.GenerateOptions{
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	llmMs := time.Since(llmStart).Milliseconds()
	if err != nil {
		o.metrics.RecordProviderError(ctx, "llm", "generate")
		return nil, fmt.Errorf("orchestrator: llm generate: %w", err)
	}

	// Step 8: persist.
	tokensIn := usage.PromptTokens
	tokensOut := usage.CompletionTokens
	if tokensIn == 0 {
		tokensIn = tokenledger.Count(userMessage)
	}
	if tokensOut == 0 {
		tokensOut = tokenledger.Count(responseText)
	}
	o.convMem.Append(ctx, conversationID, types.RoleUser, userMessage, tokensIn, 0, "")
	o.convMem.Append(ctx, conversationID, types.RoleAssistant, responseText, 0, tokensOut, "")
	o.ledger.Record(conversationID, tokensIn, tokensOut)

	if o.convMem.IsDegraded() {
		o.auditAsync(conversationID, "store_append_failed", "warning", errors.New("convmem: store append degraded"))
	}

	// Step 10: reconcile guard_task with a bounded wait past LLM completion.
	select {
	case guardResult = <-guardDone:
	case <-time.After(o.guardReconcileWait):
		guardResult = guard.Result{Passed: true, TimedOut: true}
	}

	guardFlagged := !guardResult.Passed && len(guardResult.Violations) > 0
	finalResponse := responseText

	if guardFlagged {
		o.auditAsync(conversationID, "guard_violation", "warning", fmt.Errorf("%d violation(s)", len(guardResult.Violations)))
		for _, v := range guardResult.Violations {
			o.metrics.RecordGuardViolation(ctx, string(v.Category))
		}
		if o.guardStrictMode {
			finalResponse = refusalTemplate
		}
	}

	totalMs := time.Since(start).Milliseconds()
	timing := Timing{RAGMs: ragMs, LLMMs: llmMs, TotalMs: totalMs}
	metadata := Metadata{
		RAGEnabled:      o.ragEnabled,
		RAGDegraded:     ragDegraded,
		RAGResultsCount: len(ragResults),
		GuardFlagged:    guardFlagged,
	}

	// Step 9: cache — never store a strict-mode refusal.
	if !(guardFlagged && o.guardStrictMode) {
		o.cache.Put(fp, cachedPayload{
			Response:        finalResponse,
			RAGResultsCount: len(ragResults),
			RAGDegraded:     ragDegraded,
		})
	}

	o.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	o.metrics.RecordTurn(ctx, false)

	if guardFlagged && o.guardStrictMode {
		return Refusal{
			Reason:   "guard_strict_mode",
			Response: finalResponse,
			Timing:   timing,
			Metadata: metadata,
		}, nil
	}

	return Success{
		Response: finalResponse,
		Timing:   timing,
		Metadata: metadata,
		Tokens:   o.ledger.Snapshot(conversationID),
	}, nil
}

func (o *TurnOrchestrator) lockFor(conversationID string) *sync.Mutex {
	v, _ := o.locks.LoadOrStore(conversationID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (o *TurnOrchestrator) auditAsync(conversationID, kind, severity string, cause error) {
	if o.st == nil {
		return
	}
	component := "orchestrator"
	switch kind {
	case "retriever_unavailable":
		component = "retriever"
	case "store_append_failed":
		component = "store"
	case "guard_violation":
		component = "guard"
	}
	entry := store.AuditEntry{
		Timestamp: time.Now(),
		Actor:     conversationID,
		EventKind: kind,
		Severity:  severity,
		Component: component,
	}
	if cause != nil {
		entry.PayloadDigest = shortHash(cause.Error())
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.st.AppendAudit(ctx, entry); err != nil {
			slog.Warn("orchestrator: audit append failed", "kind", kind, "error", err)
		}
	}()
}

// normalize lowercases, trims, and collapses internal whitespace, per the
// fingerprinting rule: whitespace-only input normalizes to empty.
func normalize(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	return strings.Join(fields, " ")
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

func fingerprint(normalizedMessage, formattedContext string) string {
	h := sha256.New()
	h.Write([]byte(normalizedMessage))
	h.Write([]byte("|"))
	h.Write([]byte(shortHash(formattedContext)))
	return hex.EncodeToString(h.Sum(nil))
}


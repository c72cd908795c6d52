// Package admission implements Admission: request-level input validation,
// API-key authentication, and per-key token-bucket rate limiting. Every
// check here runs before a request reaches the turn orchestrator, and a
// rejection has no side effects on conversation state or the caller's rate
// budget.
package admission

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/turnengine/turnengine/internal/store"
)

// MaxMessageChars is the longest accepted user message.
const MaxMessageChars = 5000

// MaxContextBytes bounds the optional free-form context object.
const MaxContextBytes = 10 * 1024

var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Kind classifies an Error for HTTP status mapping at the API layer.
type Kind int

const (
	KindInvalidInput Kind = iota
	KindUnauthorized
	KindRateLimited
)

// Error is returned by every Admission check. Kind drives the caller's
// response status; RetryAfter is only meaningful for KindRateLimited.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string { return e.Message }

func invalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// ErrUnauthorized is returned for a missing, unknown, revoked, or expired
// API key.
var ErrUnauthorized = &Error{Kind: KindUnauthorized, Message: "invalid or missing API key"}

// ValidateMessage checks shape/length/control-character rules independent
// of authentication. A whitespace-only message is rejected as empty.
func ValidateMessage(message string) error {
	if len(message) == 0 {
		return invalidInput("message must not be empty")
	}
	if utf8.RuneCountInString(message) > MaxMessageChars {
		return invalidInput("message exceeds %d characters", MaxMessageChars)
	}
	allWhitespace := true
	for _, r := range message {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return invalidInput("message contains disallowed control characters")
		}
		if !unicode.IsSpace(r) {
			allWhitespace = false
		}
	}
	if allWhitespace {
		return invalidInput("message must not be empty")
	}
	return nil
}

// ValidateConversationID checks the optional conversation_id shape.
func ValidateConversationID(id string) error {
	if id == "" {
		return nil
	}
	if !conversationIDPattern.MatchString(id) {
		return invalidInput("conversation_id must match %s", conversationIDPattern.String())
	}
	return nil
}

// ValidateContextSize checks the optional context object's encoded size.
func ValidateContextSize(raw []byte) error {
	if len(raw) > MaxContextBytes {
		return invalidInput("context object exceeds %d bytes", MaxContextBytes)
	}
	return nil
}

// bucket holds the rate-limit state for one caller: a continuously
// refilling per-minute token bucket plus a fixed-window per-day counter.
type bucket struct {
	mu             sync.Mutex
	minuteLimiter  *rate.Limiter
	dayLimit       int
	dayCount       int
	dayWindowStart time.Time
}

func newBucket(perMinute, perDay int) *bucket {
	return &bucket{
		minuteLimiter:  rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		dayLimit:       perDay,
		dayWindowStart: time.Now(),
	}
}

// allow consumes exactly one token if both the per-minute and per-day
// budgets have room. A denied request consumes nothing from either budget.
func (b *bucket) allow(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.dayWindowStart) >= 24*time.Hour {
		b.dayWindowStart = now
		b.dayCount = 0
	}
	if b.dayLimit > 0 && b.dayCount >= b.dayLimit {
		return false, b.dayWindowStart.Add(24 * time.Hour).Sub(now)
	}

	r := b.minuteLimiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	b.dayCount++
	return true, 0
}

// Config configures a new Admission.
type Config struct {
	APIKeyRequired     bool
	RateLimitPerMinute int
	RateLimitPerDay    int
}

// Result carries what Admission learned about the caller, for the handler
// to attach to logs, audit entries, and metrics.
type Result struct {
	KeyID string // empty when the request is anonymous
	Owner string
}

// Admission enforces input validation, API-key authentication, and
// per-key rate limiting ahead of the turn orchestrator.
type Admission struct {
	store          store.Store
	apiKeyRequired bool

	defaultPerMinute int
	defaultPerDay    int

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates an Admission backed by st for API-key lookups. st may be nil
// only when cfg.APIKeyRequired is false, in which case unauthenticated
// callers share a single anonymous rate-limit bucket.
func New(st store.Store, cfg Config) *Admission {
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 60
	}
	if cfg.RateLimitPerDay <= 0 {
		cfg.RateLimitPerDay = 100000
	}
	return &Admission{
		store:            st,
		apiKeyRequired:   cfg.APIKeyRequired,
		defaultPerMinute: cfg.RateLimitPerMinute,
		defaultPerDay:    cfg.RateLimitPerDay,
		buckets:          make(map[string]*bucket),
	}
}

// Admit runs the full pipeline for one request: message/shape validation,
// then (if required or presented) API-key authentication, then rate
// limiting. It never mutates conversation state.
func (a *Admission) Admit(ctx context.Context, message, conversationID string, contextRaw []byte, apiKeySecret string) (Result, error) {
	if err := ValidateMessage(message); err != nil {
		return Result{}, err
	}
	if err := ValidateConversationID(conversationID); err != nil {
		return Result{}, err
	}
	if err := ValidateContextSize(contextRaw); err != nil {
		return Result{}, err
	}

	var res Result
	perMinute, perDay := a.defaultPerMinute, a.defaultPerDay
	bucketKey := "anonymous"

	if a.apiKeyRequired || apiKeySecret != "" {
		rec, err := a.authenticate(ctx, apiKeySecret)
		if err != nil {
			return Result{}, err
		}
		res = Result{KeyID: rec.ID, Owner: rec.Owner}
		bucketKey = rec.ID
		if rec.RateLimitPerMinute > 0 {
			perMinute = rec.RateLimitPerMinute
		}
		if rec.RateLimitPerDay > 0 {
			perDay = rec.RateLimitPerDay
		}
	}

	ok, retryAfter := a.bucketFor(bucketKey, perMinute, perDay).allow(time.Now())
	if !ok {
		return Result{}, &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
	}
	return res, nil
}

func (a *Admission) authenticate(ctx context.Context, secret string) (store.APIKey, error) {
	if secret == "" || a.store == nil {
		return store.APIKey{}, ErrUnauthorized
	}
	rec, err := a.store.FindAPIKey(ctx, store.HashSecret(secret))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.APIKey{}, ErrUnauthorized
		}
		return store.APIKey{}, ErrUnauthorized
	}
	if rec.Revoked {
		return store.APIKey{}, ErrUnauthorized
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return store.APIKey{}, ErrUnauthorized
	}
	return rec, nil
}

func (a *Admission) bucketFor(key string, perMinute, perDay int) *bucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buckets[key]
	if !ok {
		b = newBucket(perMinute, perDay)
		a.buckets[key] = b
	}
	return b
}

// Package guard implements GuardPipeline: regex-based safety checks applied
// to text entering and leaving the orchestrator.
//
// Checks run with a bounded timeout. By default the pipeline fails open: if a
// check does not finish in time, or panics internally, the text is allowed
// through and the failure is logged. StrictMode inverts this so a timed-out
// check blocks instead.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Category classifies why a check flagged a piece of text.
type Category string

const (
	CategoryPII       Category = "pii"
	CategoryInjection Category = "injection"
	CategoryToxicity  Category = "toxicity"
)

// Violation is one matched pattern within a checked text.
type Violation struct {
	Category Category
	Pattern  string
	Match    string
}

// Result is the outcome of a CheckInput or CheckOutput call.
type Result struct {
	Passed     bool
	Violations []Violation
	Sanitized  string // text with PII matches redacted; equal to the input when no PII found
	TimedOut   bool
}

// Pattern pairs a compiled regex with the category it detects and whether a
// match should redact (sanitize) rather than only flag.
type Pattern struct {
	Name     string
	Category Category
	Regex    *regexp.Regexp
	Redact   bool
}

// GuardPipeline runs input/output text through a set of regex-based safety
// checks, degrading to fail-open on timeout unless StrictMode is set.
type GuardPipeline struct {
	patterns   []Pattern
	timeout    time.Duration
	strictMode bool
}

// New creates a GuardPipeline with the built-in pattern set and a check
// timeout. If timeout <= 0 it defaults to 50ms, the budget the orchestrator
// allots guard checks before the turn must proceed.
func New(timeout time.Duration, strictMode bool) *GuardPipeline {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &GuardPipeline{
		patterns:   defaultPatterns(),
		timeout:    timeout,
		strictMode: strictMode,
	}
}

// CheckInput validates text received from a user before it reaches the
// prompt builder.
func (g *GuardPipeline) CheckInput(ctx context.Context, text string) Result {
	return g.run(ctx, text, "input")
}

// CheckOutput validates text produced by the LLM before it is sent to TTS.
func (g *GuardPipeline) CheckOutput(ctx context.Context, text string) Result {
	return g.run(ctx, text, "output")
}

func (g *GuardPipeline) run(ctx context.Context, text, stage string) Result {
	type outcome struct {
		res Result
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Warn("guard: check panicked, failing open", "stage", stage, "recovered", r)
				done <- outcome{res: Result{Passed: true, Sanitized: text}}
			}
		}()
		done <- outcome{res: g.evaluate(text)}
	}()

	select {
	case o := <-done:
		return o.res
	case <-time.After(g.timeout):
		slog.Warn("guard: check timed out", "stage", stage, "strict_mode", g.strictMode)
		if g.strictMode {
			return Result{Passed: false, TimedOut: true, Sanitized: text}
		}
		return Result{Passed: true, TimedOut: true, Sanitized: text}
	case <-ctx.Done():
		return Result{Passed: !g.strictMode, Sanitized: text}
	}
}

func (g *GuardPipeline) evaluate(text string) Result {
	var violations []Violation
	sanitized := text

	for _, p := range g.patterns {
		matches := p.Regex.FindAllString(sanitized, -1)
		if len(matches) == 0 {
			continue
		}
		for _, m := range matches {
			violations = append(violations, Violation{Category: p.Category, Pattern: p.Name, Match: m})
		}
		if p.Redact {
			sanitized = p.Regex.ReplaceAllString(sanitized, fmt.Sprintf("[REDACTED_%s]", strings.ToUpper(string(p.Category))))
		}
	}

	passed := true
	for _, v := range violations {
		if v.Category == CategoryInjection || v.Category == CategoryToxicity {
			passed = false
			break
		}
	}

	return Result{Passed: passed, Violations: violations, Sanitized: sanitized}
}

// defaultPatterns returns the built-in PII, prompt-injection, and toxicity
// heuristics. PII patterns redact; injection and toxicity patterns only flag.
func defaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:     "email",
			Category: CategoryPII,
			Regex:    regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			Redact:   true,
		},
		{
			Name:     "phone",
			Category: CategoryPII,
			Regex:    regexp.MustCompile(`\b(?:\+?\d{1,2}[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`),
			Redact:   true,
		},
		{
			Name:     "ssn",
			Category: CategoryPII,
			Regex:    regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Redact:   true,
		},
		{
			Name:     "credit-card",
			Category: CategoryPII,
			Regex:    regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
			Redact:   true,
		},
		{
			Name:     "api-key",
			Category: CategoryPII,
			Regex:    regexp.MustCompile(`\b(sk|pk|api|key)[-_][A-Za-z0-9]{16,}\b`),
			Redact:   true,
		},
		{
			Name:     "ignore-instructions",
			Category: CategoryInjection,
			Regex:    regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts?)`),
		},
		{
			Name:     "reveal-system-prompt",
			Category: CategoryInjection,
			Regex:    regexp.MustCompile(`(?i)(reveal|print|show|repeat)\s+(your\s+)?(system\s+prompt|instructions)`),
		},
		{
			Name:     "act-as-developer-mode",
			Category: CategoryInjection,
			Regex:    regexp.MustCompile(`(?i)(developer\s+mode|jailbreak|DAN\s+mode)`),
		},
		{
			Name:     "profanity-slur",
			Category: CategoryToxicity,
			Regex:    regexp.MustCompile(`(?i)\b(idiot|stupid|shut up)\b`),
		},
	}
}

package promptbuilder_test

import (
	"strings"
	"testing"

	"github.com/turnengine/turnengine/internal/promptbuilder"
	"github.com/turnengine/turnengine/internal/retriever"
)

func TestBuild_MinimalMessageOnly(t *testing.T) {
	t.Parallel()

	got := promptbuilder.Build(promptbuilder.Input{UserMessage: "hello there"})

	if !strings.Contains(got, "User: hello there") {
		t.Errorf("prompt missing user message: %q", got)
	}
	if !strings.HasSuffix(got, "Assistant:") {
		t.Errorf("prompt missing trailing generation cue: %q", got)
	}
	if strings.Contains(got, "Context:") {
		t.Errorf("prompt has Context section with no RAG results: %q", got)
	}
	if strings.Contains(got, "Conversation History:") {
		t.Errorf("prompt has history section with no context: %q", got)
	}
}

func TestBuild_SectionOrder(t *testing.T) {
	t.Parallel()

	in := promptbuilder.Input{
		UserMessage:         "what's next?",
		ConversationContext: "User: hi\nAssistant: hello",
		RAGResults: []retriever.Result{
			{Text: "the sky is blue"},
		},
		Persona: promptbuilder.PersonaSupport,
	}
	got := promptbuilder.Build(in)

	ctxIdx := strings.Index(got, "Context:")
	histIdx := strings.Index(got, "Conversation History:")
	userIdx := strings.Index(got, "User: what's next?")

	if ctxIdx == -1 || histIdx == -1 || userIdx == -1 {
		t.Fatalf("expected all sections present, got: %q", got)
	}
	if !(ctxIdx < histIdx && histIdx < userIdx) {
		t.Errorf("sections out of order: ctx=%d history=%d user=%d", ctxIdx, histIdx, userIdx)
	}
}

func TestBuild_EmptyRAGResultsOmitsSection(t *testing.T) {
	t.Parallel()

	got := promptbuilder.Build(promptbuilder.Input{
		UserMessage: "hi",
		RAGResults:  []retriever.Result{},
	})
	if strings.Contains(got, "Context:") {
		t.Errorf("expected no Context section for empty RAG results: %q", got)
	}
}

func TestBuild_UnknownPersonaFallsBackToGeneric(t *testing.T) {
	t.Parallel()

	generic := promptbuilder.Build(promptbuilder.Input{UserMessage: "hi", Persona: promptbuilder.PersonaGeneric})
	unknown := promptbuilder.Build(promptbuilder.Input{UserMessage: "hi", Persona: "nonexistent"})
	if generic != unknown {
		t.Errorf("unknown persona should fall back to generic prompt\ngeneric=%q\nunknown=%q", generic, unknown)
	}
}

func TestBuild_RegisterPersonaOverridesTemplate(t *testing.T) {
	promptbuilder.RegisterPersona("custom-test-persona", "You are a pirate.")
	got := promptbuilder.Build(promptbuilder.Input{UserMessage: "ahoy", Persona: "custom-test-persona"})
	if !strings.HasPrefix(got, "You are a pirate.") {
		t.Errorf("custom persona not applied: %q", got)
	}
}

func TestBuild_IsPure(t *testing.T) {
	t.Parallel()

	in := promptbuilder.Input{
		UserMessage:         "repeatable?",
		ConversationContext: "User: a\nAssistant: b",
		RAGResults:          []retriever.Result{{Text: "fact one"}, {Text: "fact two"}},
	}
	first := promptbuilder.Build(in)
	second := promptbuilder.Build(in)
	if first != second {
		t.Errorf("Build is not deterministic: %q != %q", first, second)
	}
}

// Package promptbuilder composes the final prompt text sent to the LLM from
// a persona template, retrieved knowledge, and conversation history.
//
// Build is a pure function: no I/O, no side effects, safe for concurrent use.
// Section order is fixed: system persona, then the RAG block (if non-empty)
// under "Context:", then the conversation transcript (if non-empty) under
// "Conversation History:", then the user's message and the generation cue.
package promptbuilder

import (
	"fmt"
	"strings"

	"github.com/turnengine/turnengine/internal/retriever"
)

// Persona names a built-in system-prompt template.
type Persona string

const (
	PersonaGeneric Persona = "generic"
	PersonaSupport Persona = "support"
	PersonaTutor   Persona = "tutor"
)

// personaPrompts holds the system-prompt text for each built-in persona.
// Unknown personas fall back to PersonaGeneric.
var personaPrompts = map[Persona]string{
	PersonaGeneric: "You are a helpful, concise voice assistant. Keep replies short and natural to speak aloud.",
	PersonaSupport: "You are a customer support assistant. Be empathetic, precise, and avoid speculating about account-specific details you were not given.",
	PersonaTutor:   "You are a patient tutor. Explain concepts step by step and check understanding before moving on.",
}

// RegisterPersona adds or overrides a named persona's system-prompt text.
// Intended for configuration-driven persona sets loaded at startup.
func RegisterPersona(name Persona, systemPrompt string) {
	personaPrompts[name] = systemPrompt
}

// Input carries everything Build needs to compose a prompt.
type Input struct {
	// UserMessage is the current turn's user utterance. Required.
	UserMessage string

	// ConversationContext is the role-tagged transcript produced by
	// ConversationMemory.FormatContext, or empty if there is no history.
	ConversationContext string

	// RAGResults are the retrieved passages for this turn, or nil/empty if
	// retrieval was disabled, degraded, or returned nothing.
	RAGResults []retriever.Result

	// Persona selects the system-prompt template. Empty defaults to
	// PersonaGeneric; an unregistered persona also falls back to generic.
	Persona Persona
}

// Build composes the final prompt string from sys, then the RAG block
// (prefixed "Context:"), then the conversation transcript (prefixed
// "Conversation History:"), then "User: {message}" and a trailing
// "Assistant:" generation cue.
//
// Build never performs I/O and always returns a non-empty string.
func Build(in Input) string {
	var sb strings.Builder

	sb.WriteString(systemPrompt(in.Persona))

	if ragBlock := formatRAGBlock(in.RAGResults); ragBlock != "" {
		sb.WriteString("\n\nContext:\n")
		sb.WriteString(ragBlock)
	}

	if ctx := strings.TrimSpace(in.ConversationContext); ctx != "" {
		sb.WriteString("\n\nConversation History:\n")
		sb.WriteString(ctx)
	}

	fmt.Fprintf(&sb, "\n\nUser: %s\nAssistant:", in.UserMessage)

	return sb.String()
}

// systemPrompt resolves persona to its template text, defaulting to generic
// for an empty or unregistered persona.
func systemPrompt(p Persona) string {
	if p == "" {
		p = PersonaGeneric
	}
	if prompt, ok := personaPrompts[p]; ok {
		return prompt
	}
	return personaPrompts[PersonaGeneric]
}

// formatRAGBlock renders retrieved passages as a numbered list. Returns ""
// when results is empty so callers can omit the whole section.
func formatRAGBlock(results []retriever.Result) string {
	if len(results) == 0 {
		return ""
	}
	var lines []string
	for i, r := range results {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, strings.TrimSpace(r.Text)))
	}
	return strings.Join(lines, "\n")
}

package config_test

import (
	"strings"
	"testing"

	"github.com/turnengine/turnengine/internal/config"
)

func TestValidate_RAGTopKMustBePositive(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  embeddings:
    name: openai
rag:
  enabled: true
  top_k: 0
  soft_deadline_ms: 250
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for rag.top_k == 0 while enabled, got nil")
	}
	if !strings.Contains(err.Error(), "top_k") {
		t.Errorf("error should mention top_k, got: %v", err)
	}
}

func TestValidate_RAGScoreThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  embeddings:
    name: openai
rag:
  enabled: true
  top_k: 3
  score_threshold: 1.5
  soft_deadline_ms: 250
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for rag.score_threshold out of [0,1], got nil")
	}
}

func TestValidate_ConvMemWindowMustBePositive(t *testing.T) {
	t.Parallel()
	yaml := `
conversation_memory:
  window_messages: 0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for conversation_memory.window_messages == 0, got nil")
	}
}

func TestValidate_AdmissionRateLimitsMustBePositive(t *testing.T) {
	t.Parallel()
	yaml := `
admission:
  rate_limit_per_minute: 0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for admission.rate_limit_per_minute == 0, got nil")
	}
}

func TestValidate_RTSessionSampleRateMustBePositive(t *testing.T) {
	t.Parallel()
	yaml := `
rtsession:
  audio_sample_rate_hz: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for rtsession.audio_sample_rate_hz < 0, got nil")
	}
}

func TestValidate_LLMTemperatureOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
llm:
  temperature: 3.0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for llm.temperature out of [0,2], got nil")
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()
	yaml := `
conversation_memory:
  window_messages: 0
admission:
  rate_limit_per_minute: 0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "window_messages") {
		t.Errorf("error should mention window_messages, got: %v", err)
	}
	if !strings.Contains(errStr, "rate_limit_per_minute") {
		t.Errorf("error should mention rate_limit_per_minute, got: %v", err)
	}
}

func TestValidate_WithAllProvidersIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  stt:
    name: deepgram
  tts:
    name: elevenlabs
  embeddings:
    name: openai
  vad:
    name: silero
store:
  dsn: "postgres://localhost/test"
rag:
  enabled: true
  top_k: 3
  soft_deadline_ms: 250
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"openai\"")
	}
	if _, ok := config.ValidProviderNames["s2s"]; ok {
		t.Error("ValidProviderNames should not contain the dropped s2s provider kind")
	}
	if _, ok := config.ValidProviderNames["audio"]; ok {
		t.Error("ValidProviderNames should not contain the dropped audio provider kind")
	}
}

package config_test

import (
	"testing"

	"github.com/turnengine/turnengine/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Admission: config.AdmissionConfig{RateLimitPerMinute: 60, RateLimitPerDay: 5000},
		Guard:     config.GuardConfig{Enabled: true, Mode: config.GuardModeStrict, PIIThreshold: 0.8},
		RAG:       config.RAGConfig{Enabled: true, TopK: 3, ScoreThreshold: 0.7},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.RateLimitsChanged || d.GuardChanged || d.RAGChanged {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	next := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, next)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_RateLimitsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Admission: config.AdmissionConfig{RateLimitPerMinute: 60, RateLimitPerDay: 5000}}
	next := &config.Config{Admission: config.AdmissionConfig{RateLimitPerMinute: 120, RateLimitPerDay: 5000}}

	d := config.Diff(old, next)
	if !d.RateLimitsChanged {
		t.Error("expected RateLimitsChanged=true")
	}
	if d.NewRateLimitPerMinute != 120 {
		t.Errorf("expected NewRateLimitPerMinute=120, got %d", d.NewRateLimitPerMinute)
	}
}

func TestDiff_GuardThresholdsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Guard: config.GuardConfig{Enabled: true, Mode: config.GuardModePermissive, PIIThreshold: 0.8}}
	next := &config.Config{Guard: config.GuardConfig{Enabled: true, Mode: config.GuardModeStrict, PIIThreshold: 0.9}}

	d := config.Diff(old, next)
	if !d.GuardChanged {
		t.Error("expected GuardChanged=true")
	}
	if d.NewGuardMode != config.GuardModeStrict {
		t.Errorf("expected NewGuardMode=strict, got %q", d.NewGuardMode)
	}
	if d.NewPIIThreshold != 0.9 {
		t.Errorf("expected NewPIIThreshold=0.9, got %.2f", d.NewPIIThreshold)
	}
}

func TestDiff_RAGSettingsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{RAG: config.RAGConfig{Enabled: true, TopK: 3, ScoreThreshold: 0.7}}
	next := &config.Config{RAG: config.RAGConfig{Enabled: true, TopK: 5, ScoreThreshold: 0.8}}

	d := config.Diff(old, next)
	if !d.RAGChanged {
		t.Error("expected RAGChanged=true")
	}
	if d.NewRAGTopK != 5 {
		t.Errorf("expected NewRAGTopK=5, got %d", d.NewRAGTopK)
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Admission: config.AdmissionConfig{RateLimitPerMinute: 60},
	}
	next := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogWarn},
		Admission: config.AdmissionConfig{RateLimitPerMinute: 30},
	}

	d := config.Diff(old, next)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.RateLimitsChanged {
		t.Error("expected RateLimitsChanged=true")
	}
}

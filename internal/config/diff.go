package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded without a process restart are
// tracked — provider selection and store DSN always require a restart and so
// are not diffed here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RateLimitsChanged     bool
	NewRateLimitPerMinute int
	NewRateLimitPerDay    int

	GuardChanged        bool
	NewGuardEnabled     bool
	NewGuardMode        string
	NewPIIThreshold     float64
	NewToxicityThreshold float64

	RAGChanged           bool
	NewRAGEnabled        bool
	NewRAGTopK           int
	NewRAGScoreThreshold float64
}

// Diff compares old and new configs and returns what changed in the log
// level, admission rate limits, guardrail settings and RAG settings. It only
// reports the changes; nothing in this package applies them to running
// components.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Admission.RateLimitPerMinute != new.Admission.RateLimitPerMinute ||
		old.Admission.RateLimitPerDay != new.Admission.RateLimitPerDay {
		d.RateLimitsChanged = true
		d.NewRateLimitPerMinute = new.Admission.RateLimitPerMinute
		d.NewRateLimitPerDay = new.Admission.RateLimitPerDay
	}

	if old.Guard.Enabled != new.Guard.Enabled ||
		old.Guard.Mode != new.Guard.Mode ||
		old.Guard.PIIThreshold != new.Guard.PIIThreshold ||
		old.Guard.ToxicityThreshold != new.Guard.ToxicityThreshold {
		d.GuardChanged = true
		d.NewGuardEnabled = new.Guard.Enabled
		d.NewGuardMode = new.Guard.Mode
		d.NewPIIThreshold = new.Guard.PIIThreshold
		d.NewToxicityThreshold = new.Guard.ToxicityThreshold
	}

	if old.RAG.Enabled != new.RAG.Enabled ||
		old.RAG.TopK != new.RAG.TopK ||
		old.RAG.ScoreThreshold != new.RAG.ScoreThreshold {
		d.RAGChanged = true
		d.NewRAGEnabled = new.RAG.Enabled
		d.NewRAGTopK = new.RAG.TopK
		d.NewRAGScoreThreshold = new.RAG.ScoreThreshold
	}

	return d
}

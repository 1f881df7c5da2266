package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// knowledge-base changes require a restart and never appear here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RetrievalChanged bool
	NewRetrieval     RetrievalConfig

	AnswerChanged bool
	NewAnswer     AnswerConfig
}

// Empty reports whether the diff contains no reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RetrievalChanged && !d.AnswerChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Retrieval != new.Retrieval {
		d.RetrievalChanged = true
		d.NewRetrieval = new.Retrieval
	}

	if !answerEqual(old.Answer, new.Answer) {
		d.AnswerChanged = true
		d.NewAnswer = new.Answer
	}

	return d
}

func answerEqual(a, b AnswerConfig) bool {
	return a.SummaryThreshold == b.SummaryThreshold &&
		a.FallbackTemplate == b.FallbackTemplate &&
		slices.Equal(a.TriggerPhrases, b.TriggerPhrases)
}

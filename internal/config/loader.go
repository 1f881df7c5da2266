package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":         {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings":  {"openai", "ollama"},
	"rerank":      {"siliconflow"},
	"recognition": {"dashscope"},
	"synthesis":   {"dashscope"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment variable references ($VAR or ${VAR}) are expanded before
// decoding so secrets such as API keys can stay out of the file.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation, warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	if cfg.Providers.FallbackLLM != nil {
		validateProviderName("llm", cfg.Providers.FallbackLLM.Name)
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	if cfg.Providers.FallbackEmbeddings != nil {
		validateProviderName("embeddings", cfg.Providers.FallbackEmbeddings.Name)
	}
	validateProviderName("rerank", cfg.Providers.Rerank.Name)
	validateProviderName("recognition", cfg.Providers.Recognition.Name)
	validateProviderName("synthesis", cfg.Providers.Synthesis.Name)

	// Required providers. Every pipeline stage needs one.
	requireProvider(&errs, "providers.llm", cfg.Providers.LLM)
	requireProvider(&errs, "providers.embeddings", cfg.Providers.Embeddings)
	requireProvider(&errs, "providers.rerank", cfg.Providers.Rerank)
	requireProvider(&errs, "providers.recognition", cfg.Providers.Recognition)
	requireProvider(&errs, "providers.synthesis", cfg.Providers.Synthesis)

	// Credentials the realtime streams cannot run without.
	if cfg.Providers.Recognition.Name != "" && cfg.Providers.Recognition.APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.recognition.api_key is required"))
	}
	if cfg.Providers.Synthesis.Name != "" && cfg.Providers.Synthesis.APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.synthesis.api_key is required"))
	}
	if cfg.Providers.Rerank.Name != "" && cfg.Providers.Rerank.APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.rerank.api_key is required"))
	}

	// Knowledge base
	if cfg.Knowledge.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("knowledge.postgres_dsn is required"))
	}
	if cfg.Knowledge.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("knowledge.embedding_dimensions %d must not be negative", cfg.Knowledge.EmbeddingDimensions))
	}

	// Retrieval tunables
	r := cfg.Retrieval
	if r.SemanticK < 0 || r.LexicalK < 0 {
		errs = append(errs, fmt.Errorf("retrieval.semantic_k and retrieval.lexical_k must not be negative"))
	}
	if r.SemanticWeight < 0 || r.LexicalWeight < 0 {
		errs = append(errs, fmt.Errorf("retrieval weights must not be negative"))
	}
	if r.RRFConstant < 0 {
		errs = append(errs, fmt.Errorf("retrieval.rrf_constant %d must not be negative", r.RRFConstant))
	}
	if r.TopN < 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_n %d must not be negative", r.TopN))
	}

	// Answer tunables
	if cfg.Answer.SummaryThreshold < 0 {
		errs = append(errs, fmt.Errorf("answer.summary_threshold %d must not be negative", cfg.Answer.SummaryThreshold))
	}
	if t := cfg.Answer.FallbackTemplate; t != "" && strings.Count(t, "%s") != 1 {
		errs = append(errs, fmt.Errorf("answer.fallback_template must contain exactly one %%s verb"))
	}

	// Session
	if cfg.Session.SampleRate < 0 || cfg.Session.SynthesisSampleRate < 0 {
		errs = append(errs, fmt.Errorf("session sample rates must not be negative"))
	}
	if cfg.Session.QuestionQueueDepth < 0 {
		errs = append(errs, fmt.Errorf("session.question_queue_depth %d must not be negative", cfg.Session.QuestionQueueDepth))
	}

	return errors.Join(errs...)
}

// requireProvider records an error when the entry has no provider name.
func requireProvider(errs *[]error, field string, entry ProviderEntry) {
	if entry.Name == "" {
		*errs = append(*errs, fmt.Errorf("%s.name is required", field))
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

package config

import (
	"strings"
	"testing"
)

// validYAML is a minimal config that passes validation.
const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
providers:
  llm:
    name: openai
    api_key: sk-llm
    model: qwen-plus
  embeddings:
    name: openai
    api_key: sk-embed
    model: text-embedding-v4
  rerank:
    name: siliconflow
    api_key: sk-rerank
  recognition:
    name: dashscope
    api_key: sk-asr
  synthesis:
    name: dashscope
    api_key: sk-tts
knowledge:
  postgres_dsn: "postgres://parley:pw@localhost:5432/parley?sslmode=disable"
  embedding_dimensions: 1024
retrieval:
  semantic_k: 10
  lexical_k: 5
  top_n: 3
answer:
  summary_threshold: 50
session:
  language: zh
  sample_rate: 16000
  voice: Cherry
`

func TestLoadFromReaderValid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Providers.Recognition.APIKey != "sk-asr" {
		t.Errorf("recognition api key = %q", cfg.Providers.Recognition.APIKey)
	}
	if cfg.Retrieval.SemanticK != 10 || cfg.Retrieval.TopN != 3 {
		t.Errorf("retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Session.Voice != "Cherry" {
		t.Errorf("voice = %q", cfg.Session.Voice)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	bad := validYAML + "\nnot_a_real_section:\n  x: 1\n"
	if _, err := LoadFromReader(strings.NewReader(bad)); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestLoadFromReaderExpandsEnvVars(t *testing.T) {
	t.Setenv("PARLEY_TEST_ASR_KEY", "sk-from-env")

	yaml := strings.Replace(validYAML, "api_key: sk-asr", "api_key: ${PARLEY_TEST_ASR_KEY}", 1)
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Providers.Recognition.APIKey != "sk-from-env" {
		t.Errorf("recognition api key = %q, want %q", cfg.Providers.Recognition.APIKey, "sk-from-env")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	cfg.Server.LogLevel = "verbose"
	cfg.Retrieval.TopN = -1
	cfg.Answer.FallbackTemplate = "no verb here"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{
		"server.log_level",
		"providers.llm.name is required",
		"providers.recognition.name is required",
		"knowledge.postgres_dsn is required",
		"retrieval.top_n",
		"answer.fallback_template",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestValidateRequiresStreamCredentials(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	cfg.Providers.Recognition.APIKey = ""
	cfg.Providers.Synthesis.APIKey = ""

	verr := Validate(cfg)
	if verr == nil {
		t.Fatal("expected credential errors")
	}
	msg := verr.Error()
	if !strings.Contains(msg, "providers.recognition.api_key") || !strings.Contains(msg, "providers.synthesis.api_key") {
		t.Fatalf("error = %q", msg)
	}
}

func TestValidateAcceptsTemplateWithOneVerb(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	cfg.Answer.FallbackTemplate = `关于"%s"这个问题，我暂时还没有学到相关的知识。`
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

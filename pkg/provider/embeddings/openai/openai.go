// Package openai provides an embeddings provider for OpenAI-compatible APIs.
//
// Besides api.openai.com it works against any endpoint speaking the same
// protocol, notably DashScope's compatible-mode endpoint hosting the
// text-embedding-v{1..4} models the knowledge base is indexed with. Point it
// there with WithBaseURL.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/halvick/parley/pkg/provider/embeddings"
)

// DefaultModel is used when no model is configured.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider over the OpenAI embeddings API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API base URL, e.g. to target a DashScope or
// SiliconFlow compatible-mode endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new embeddings Provider.
// If model is empty, DefaultModel is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.request(ctx, oai.EmbeddingNewParamsInputUnion{
		OfString: param.NewOpt(text),
	}, 1)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	return vectors[0], nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := p.request(ctx, oai.EmbeddingNewParamsInputUnion{
		OfArrayOfStrings: texts,
	}, len(texts))
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed batch: %w", err)
	}
	return vectors, nil
}

// request issues one embeddings call and reorders the response by the
// server-reported index, which the API does not guarantee to match input order.
func (p *Provider) request(ctx context.Context, input oai.EmbeddingNewParamsInputUnion, want int) ([][]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: input,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != want {
		return nil, fmt.Errorf("want %d embeddings, got %d", want, len(resp.Data))
	}

	vectors := make([][]float32, want)
	for _, e := range resp.Data {
		if e.Index < 0 || int(e.Index) >= want {
			return nil, fmt.Errorf("embedding index %d out of range", e.Index)
		}
		vectors[e.Index] = float64ToFloat32(e.Embedding)
	}
	return vectors, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return modelDimensions(p.model)
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// modelDimensions returns the embedding dimensions for known models.
func modelDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"):
		return 1536
	case strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	case strings.Contains(lower, "text-embedding-v4"):
		return 1024
	case strings.Contains(lower, "text-embedding-v3"):
		return 1024
	case strings.Contains(lower, "text-embedding-v"):
		return 1536 // DashScope v1/v2
	default:
		return 1536
	}
}

// float64ToFloat32 converts a []float64 slice to []float32.
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// Package siliconflow provides a reranker backed by the SiliconFlow rerank API.
package siliconflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/halvick/parley/pkg/provider/rerank"
)

// DefaultBaseURL is the SiliconFlow API base URL.
const DefaultBaseURL = "https://api.siliconflow.cn/v1"

// DefaultModel is the default reranking model.
const DefaultModel = "BAAI/bge-reranker-v2-m3"

// DefaultTimeout bounds a single rerank request.
const DefaultTimeout = 30 * time.Second

// Ensure Provider implements rerank.Provider at compile time.
var _ rerank.Provider = (*Provider)(nil)

// Provider implements rerank.Provider using SiliconFlow's /rerank endpoint.
type Provider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout overrides the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new SiliconFlow reranker.
// If model is empty, DefaultModel is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("siliconflow: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{
		baseURL: DefaultBaseURL,
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(cfg)
	}

	return &Provider{
		baseURL:    strings.TrimRight(cfg.baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: cfg.timeout},
	}, nil
}

// rerankRequest is the JSON request body for the /rerank endpoint.
type rerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n"`
	ReturnDocuments bool     `json:"return_documents"`
}

// rerankResponse is the JSON response body from the /rerank endpoint.
type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank implements rerank.Provider.
func (p *Provider) Rerank(ctx context.Context, query string, documents []string, topN int) ([]rerank.Result, error) {
	if len(documents) == 0 || topN <= 0 {
		return []rerank.Result{}, nil
	}

	body, err := json.Marshal(rerankRequest{
		Model:           p.model,
		Query:           query,
		Documents:       documents,
		TopN:            topN,
		ReturnDocuments: false,
	})
	if err != nil {
		return nil, fmt.Errorf("siliconflow: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("siliconflow: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("siliconflow: rerank: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("siliconflow: rerank: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(slurp)))
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("siliconflow: decode response: %w", err)
	}

	out := make([]rerank.Result, 0, len(result.Results))
	for _, r := range result.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("siliconflow: result index %d out of range", r.Index)
		}
		out = append(out, rerank.Result{Index: r.Index, Score: r.RelevanceScore})
	}
	return out, nil
}

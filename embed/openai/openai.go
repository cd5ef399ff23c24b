// Package openai adapts the OpenAI embeddings API to the embed.Embedder
// contract.
package openai

import (
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/specmem/specmem/embed"
)

var _ embed.Embedder = (*Embedder)(nil)

// Config selects the embedding model.
type Config struct {
	// APIKey authenticates against the OpenAI API. Ignored when Client
	// is set.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies or compatible
	// servers. Ignored when Client is set.
	BaseURL string

	// Model is the embedding model; defaults to text-embedding-3-small.
	Model string

	// Dimensions is the expected output dimensionality; defaults to
	// 1536 to match text-embedding-3-small.
	Dimensions int

	// Client, when set, is used directly instead of constructing one.
	Client *goopenai.Client
}

// Embedder calls the OpenAI embeddings endpoint.
type Embedder struct {
	client *goopenai.Client
	model  string
	dim    int
}

// New creates an OpenAI-backed embedder.
func New(cfg Config) (*Embedder, error) {
	if cfg.Model == "" {
		cfg.Model = string(goopenai.SmallEmbedding3)
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}
	client := cfg.Client
	if client == nil {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("embed: openai: API key is required")
		}
		clientCfg := goopenai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
		client = goopenai.NewClientWithConfig(clientCfg)
	}
	return &Embedder{client: client, model: cfg.Model, dim: cfg.Dimensions}, nil
}

func (e *Embedder) Dimensions() int      { return e.dim }
func (e *Embedder) ModelVersion() string { return e.model }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: goopenai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", embed.ErrEmbeddingFailed, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty response", embed.ErrEmbeddingFailed)
	}
	vec := resp.Data[0].Embedding
	if len(vec) != e.dim {
		return nil, fmt.Errorf("embed: openai: got %d dimensions, want %d", len(vec), e.dim)
	}
	return vec, nil
}

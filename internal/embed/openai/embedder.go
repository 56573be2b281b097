// Package openai implements ingest.Embedder against OpenAI-compatible
// embedding APIs, including self-hosted services.
package openai

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Config holds embedding provider settings.
type Config struct {
	BaseURL string
	Token   string
	Model   string
}

// Embedder wraps a langchaingo embedder behind the ingest.Embedder contract.
type Embedder struct {
	embedder embeddings.Embedder
	logger   *zap.Logger
}

// New creates an embedder. An empty token is replaced with a placeholder for
// local OpenAI-compatible services that do not require authentication.
func New(cfg Config, logger *zap.Logger) (*Embedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	token := cfg.Token
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("wrap embedder: %w", err)
	}
	return &Embedder{embedder: embedder, logger: logger}, nil
}

// Embed generates a vector for one text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		e.logger.Error("embedding request failed", zap.Int("text_len", len(text)), zap.Error(err))
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedding provider returned no vector")
	}
	return vectors[0], nil
}

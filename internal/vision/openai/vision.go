// Package openai implements ingest.VisionModel against OpenAI-compatible
// multimodal chat APIs.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Config holds vision provider settings.
type Config struct {
	BaseURL string
	Token   string
	Model   string
}

// Vision sends images plus a prompt to a multimodal model and returns the
// generated text.
type Vision struct {
	client llms.Model
	logger *zap.Logger
}

// New creates a vision model client.
func New(cfg Config, logger *zap.Logger) (*Vision, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("vision model is required")
	}
	token := cfg.Token
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create vision client: %w", err)
	}
	return &Vision{client: client, logger: logger}, nil
}

// Describe runs the prompt over the images and returns the model's text.
func (v *Vision) Describe(ctx context.Context, prompt string, images [][]byte) (string, error) {
	parts := make([]llms.ContentPart, 0, len(images)+1)
	parts = append(parts, llms.TextPart(prompt))
	for _, image := range images {
		parts = append(parts, llms.BinaryPart("image/png", image))
	}
	content := []llms.MessageContent{{
		Role:  llms.ChatMessageTypeHuman,
		Parts: parts,
	}}

	response, err := v.client.GenerateContent(ctx, content, llms.WithTemperature(0.0))
	if err != nil {
		v.logger.Error("vision request failed", zap.Int("images", len(images)), zap.Error(err))
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("vision model returned no choices")
	}
	return strings.TrimSpace(response.Choices[0].Content), nil
}

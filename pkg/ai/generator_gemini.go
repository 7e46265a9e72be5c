package ai

import (
	"context"
	"strings"
)

// GeminiGenerator wraps GeminiClient with a default model.
type GeminiGenerator struct {
	client *GeminiClient
	model  string
}

// NewGeminiGenerator builds a Gemini-based ChatGenerator.
func NewGeminiGenerator(client *GeminiClient, model string) *GeminiGenerator {
	return &GeminiGenerator{client: client, model: model}
}

// Chat implements ChatGenerator using Gemini. Prompt caching is not requested.
func (g *GeminiGenerator) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	model := g.model
	if strings.TrimSpace(opts.Model) != "" && strings.HasPrefix(strings.TrimSpace(opts.Model), "gemini") {
		model = opts.Model
	}
	return g.client.GenerateContent(ctx, model, messages, opts.Temperature)
}

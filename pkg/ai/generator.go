package ai

import (
	"context"
	"strings"
)

// Message is one chat message sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions tunes a single generation call.
type ChatOptions struct {
	// Model overrides the provider's configured model when set.
	Model       string
	Temperature float64
	// CacheSystemPrompt asks the provider to cache system messages. Providers
	// that do not support prompt caching ignore it.
	CacheSystemPrompt bool
}

// ChatGenerator generates a reply from a list of chat messages.
// All LLM providers (OpenAI-compatible, Gemini, Ollama) implement this interface.
type ChatGenerator interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error)
}

// DefaultTemperature is used when the dialogue stage does not pick one.
const DefaultTemperature = 0.5

// TemperatureFor returns the sampling temperature for a dialogue stage.
func TemperatureFor(stage string) float64 {
	switch strings.TrimSpace(stage) {
	case "prediction", "reflection":
		return 1.0
	default:
		return DefaultTemperature
	}
}

// splitSystem separates system messages from the dialogue.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

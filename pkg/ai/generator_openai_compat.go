package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const maxOutputTokens = 2000

// OpenAICompatGenerator calls any OpenAI-compatible /v1/chat/completions endpoint.
// Works with OpenAI itself as well as vLLM, LiteLLM, OpenRouter and self-hosted models.
type OpenAICompatGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatGenerator builds an OpenAI-compatible ChatGenerator.
// baseURL should include the /v1 prefix, e.g. "https://api.openai.com/v1".
// apiKey can be empty for local models that do not require authentication.
func NewOpenAICompatGenerator(baseURL, apiKey, model string) *OpenAICompatGenerator {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAICompatGenerator{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Chat implements ChatGenerator using the OpenAI chat completions API.
func (g *OpenAICompatGenerator) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	model := g.model
	if strings.TrimSpace(opts.Model) != "" {
		model = strings.TrimSpace(opts.Model)
	}
	if model == "" {
		return "", fmt.Errorf("openai-compat generation model required")
	}

	reqBody := oaiChatRequest{
		Model:       model,
		Messages:    make([]oaiMessage, 0, len(messages)),
		Temperature: opts.Temperature,
	}
	for _, m := range messages {
		msg := oaiMessage{Role: m.Role, Content: m.Content}
		if opts.CacheSystemPrompt && m.Role == "system" {
			msg.CacheControl = &oaiCacheControl{Type: "ephemeral"}
		}
		reqBody.Messages = append(reqBody.Messages, msg)
	}
	if usesCompletionTokens(model) {
		reqBody.MaxCompletionTokens = maxOutputTokens
	} else {
		reqBody.MaxTokens = maxOutputTokens
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := g.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai-compat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return "", &ProviderError{
			Provider: "openai-compat",
			Status:   resp.StatusCode,
			Code:     firstNonEmpty(errResp.Error.Code, errResp.Error.Type),
			Message:  errResp.Error.Message,
		}
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("openai-compat decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// usesCompletionTokens reports whether model expects max_completion_tokens
// instead of max_tokens.
func usesCompletionTokens(model string) bool {
	return strings.Contains(model, "o1") || strings.Contains(model, "2024-08") || strings.Contains(model, "2025")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// OpenAI-compatible request/response types.

type oaiCacheControl struct {
	Type string `json:"type"`
}

type oaiMessage struct {
	Role         string           `json:"role"`
	Content      string           `json:"content"`
	CacheControl *oaiCacheControl `json:"cache_control,omitempty"`
}

type oaiChatRequest struct {
	Model               string       `json:"model"`
	Messages            []oaiMessage `json:"messages"`
	Temperature         float64      `json:"temperature"`
	MaxTokens           int          `json:"max_tokens,omitempty"`
	MaxCompletionTokens int          `json:"max_completion_tokens,omitempty"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

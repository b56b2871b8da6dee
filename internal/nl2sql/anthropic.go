package nl2sql

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	anthropicProvider = "anthropic"
	anthropicVersion  = "2023-06-01"
)

type AnthropicConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// AnthropicGenerator talks to the Messages API.
type AnthropicGenerator struct {
	client      *resty.Client
	model       string
	temperature float64
	maxTokens   int
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func NewAnthropicGenerator(cfg AnthropicConfig) (*AnthropicGenerator, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetTimeout(timeout)
	client.SetHeader("x-api-key", apiKey)
	client.SetHeader("anthropic-version", anthropicVersion)
	client.SetHeader("Content-Type", "application/json")

	return &AnthropicGenerator{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}, nil
}

func (g *AnthropicGenerator) Model() string {
	return g.model
}

func (g *AnthropicGenerator) Generate(ctx context.Context, spec PromptSpec) (string, error) {
	payload := anthropicRequest{
		Model:       g.model,
		System:      spec.System,
		Messages:    make([]anthropicMessage, 0, len(spec.Messages)),
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	}
	for _, message := range spec.Messages {
		payload.Messages = append(payload.Messages, anthropicMessage{Role: string(message.Role), Content: message.Content})
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post("/v1/messages")
	if err != nil {
		return "", &TransportError{Provider: anthropicProvider, Err: fmt.Errorf("request messages: %w", err)}
	}
	if resp.StatusCode() >= 400 {
		return "", &TransportError{
			Provider: anthropicProvider,
			Err:      fmt.Errorf("messages failed status=%d body=%s", resp.StatusCode(), truncateBody(resp.Body())),
		}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return "", &TransportError{Provider: anthropicProvider, Err: fmt.Errorf("decode messages response: %w", err)}
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", ErrEmptyResponse
	}
	return text.String(), nil
}

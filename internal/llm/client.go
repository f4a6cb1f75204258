package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Provider identifies an LLM API vendor.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenRouter Provider = "openrouter"
	ProviderOllama     Provider = "ollama"
)

// ErrOutputTruncated is returned when the response hit the max_tokens limit.
type ErrOutputTruncated struct {
	OutputTokens int
	MaxTokens    int
	Model        string
}

func (e *ErrOutputTruncated) Error() string {
	return fmt.Sprintf("LLM output truncated: generated %d tokens (limit %d) for model %s",
		e.OutputTokens, e.MaxTokens, e.Model)
}

// Request is one chat-completion call.
type Request struct {
	Provider    Provider
	Model       string
	System      string
	Prompt      string
	RequireJSON bool
	MaxTokens   int     // default 4096
	Temperature float64 // default 0.2
}

// Response is a completed call with token usage.
type Response struct {
	Content      string
	InputTokens  int
	OutputTokens int
	FinishReason string // normalised: "stop" or "length"
}

// Caller abstracts a single chat-completion call; the Router depends on this
// so tests can substitute a deterministic transport.
type Caller interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ClientConfig carries provider credentials and endpoint overrides.
type ClientConfig struct {
	OpenAIKey     string
	AnthropicKey  string
	OpenRouterKey string
	OllamaBaseURL string

	// BaseURLs overrides provider endpoints, keyed by provider. Used by
	// tests and self-hosted gateways.
	BaseURLs map[Provider]string
}

// Client makes direct chat-completion calls against provider APIs.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a provider client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger.With("component", "llm-client"),
	}
}

// Complete makes one call and parses the provider-specific response format.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}
	if req.Temperature == 0 {
		req.Temperature = 0.2
	}
	if c.key(req.Provider) == "" && req.Provider != ProviderOllama {
		return nil, fmt.Errorf("no API key configured for provider %s", req.Provider)
	}

	body, err := c.buildBody(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(req.Provider), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(httpReq, req.Provider)

	c.logger.Debug("making LLM API request",
		"provider", req.Provider,
		"model", req.Model,
		"prompt_length", len(req.Prompt),
		"max_tokens", req.MaxTokens,
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncateForLog(respBody))
	}

	parsed, err := parseResponse(req.Provider, respBody)
	if err != nil {
		return nil, err
	}
	if parsed.FinishReason == "length" {
		return parsed, &ErrOutputTruncated{
			OutputTokens: parsed.OutputTokens,
			MaxTokens:    req.MaxTokens,
			Model:        req.Model,
		}
	}
	return parsed, nil
}

func (c *Client) buildBody(req Request) ([]byte, error) {
	if req.Provider == ProviderAnthropic {
		body := map[string]any{
			"model":      req.Model,
			"max_tokens": req.MaxTokens,
			"messages": []map[string]string{
				{"role": "user", "content": req.Prompt},
			},
			"temperature": req.Temperature,
		}
		if req.System != "" {
			body["system"] = req.System
		}
		return json.Marshal(body)
	}

	messages := []map[string]string{}
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	body := map[string]any{
		"model":       req.Model,
		"messages":    messages,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	}
	if req.Provider == ProviderOllama {
		body["stream"] = false
	}
	// response_format is OpenAI-compatible only; Anthropic and Ollama rely
	// on prompt instructions for JSON output.
	if req.RequireJSON && (req.Provider == ProviderOpenAI || req.Provider == ProviderOpenRouter) {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	return json.Marshal(body)
}

func (c *Client) apiURL(p Provider) string {
	if u, ok := c.cfg.BaseURLs[p]; ok && u != "" {
		return u
	}
	switch p {
	case ProviderAnthropic:
		return "https://api.anthropic.com/v1/messages"
	case ProviderOpenAI:
		return "https://api.openai.com/v1/chat/completions"
	case ProviderOllama:
		base := c.cfg.OllamaBaseURL
		if base == "" {
			base = "http://localhost:11434"
		}
		return base + "/api/chat"
	default:
		return "https://openrouter.ai/api/v1/chat/completions"
	}
}

func (c *Client) key(p Provider) string {
	switch p {
	case ProviderAnthropic:
		return c.cfg.AnthropicKey
	case ProviderOpenAI:
		return c.cfg.OpenAIKey
	case ProviderOpenRouter:
		return c.cfg.OpenRouterKey
	default:
		return ""
	}
}

func (c *Client) setAuthHeaders(req *http.Request, p Provider) {
	switch p {
	case ProviderAnthropic:
		req.Header.Set("x-api-key", c.cfg.AnthropicKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	case ProviderOllama:
	default:
		req.Header.Set("Authorization", "Bearer "+c.key(p))
	}
}

// parseResponse handles the three response shapes: OpenAI-compatible,
// Anthropic messages, and Ollama chat.
func parseResponse(p Provider, body []byte) (*Response, error) {
	switch p {
	case ProviderAnthropic:
		var r struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
			Usage      struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("parsing anthropic response: %w", err)
		}
		if len(r.Content) == 0 {
			return nil, errors.New("anthropic response has no content blocks")
		}
		return &Response{
			Content:      r.Content[0].Text,
			InputTokens:  r.Usage.InputTokens,
			OutputTokens: r.Usage.OutputTokens,
			FinishReason: normalizeFinishReason(r.StopReason),
		}, nil

	case ProviderOllama:
		var r struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			DoneReason      string `json:"done_reason"`
			PromptEvalCount int    `json:"prompt_eval_count"`
			EvalCount       int    `json:"eval_count"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("parsing ollama response: %w", err)
		}
		return &Response{
			Content:      r.Message.Content,
			InputTokens:  r.PromptEvalCount,
			OutputTokens: r.EvalCount,
			FinishReason: normalizeFinishReason(r.DoneReason),
		}, nil

	default:
		var r struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("parsing chat completion response: %w", err)
		}
		if len(r.Choices) == 0 {
			return nil, errors.New("chat completion response has no choices")
		}
		return &Response{
			Content:      r.Choices[0].Message.Content,
			InputTokens:  r.Usage.PromptTokens,
			OutputTokens: r.Usage.CompletionTokens,
			FinishReason: normalizeFinishReason(r.Choices[0].FinishReason),
		}, nil
	}
}

// normalizeFinishReason maps provider-specific stop reasons onto "stop" or
// "length".
func normalizeFinishReason(reason string) string {
	switch reason {
	case "length", "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

func truncateForLog(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// Package llm is a minimal client for OpenAI-compatible chat completion APIs.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/metrics"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	systemPrompt   = "You are a helpful assistant that extracts structured job posting data and answers with JSON only."
)

// Config holds API settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client calls the chat completions endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New validates cfg and builds a Client. A missing API key is a configuration error.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, crawler.NewError(crawler.KindConfig, "llm client", "", crawler.ErrMissingAPIKey)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, httpClient: httpClient}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends prompt as the user message and returns the first choice's content.
// Rate limits, server errors and network timeouts come back as transient errors.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	content, err := c.complete(ctx, prompt)
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(crawler.KindOf(err)))
	}
	metrics.ObserveLLMCall(outcome, time.Since(start))
	return content, err
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	endpoint := c.cfg.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("chat request canceled: %w", ctx.Err())
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return "", crawler.NewError(crawler.KindFetchTransient, "llm complete", endpoint, err)
		}
		return "", crawler.NewError(crawler.KindFetchPermanent, "llm complete", endpoint, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", crawler.NewError(crawler.KindFetchTransient, "llm complete", endpoint, fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := fmt.Errorf("chat API returned status %d: %s", resp.StatusCode, truncate(string(bodyBytes), 300))
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return "", crawler.NewError(crawler.KindConfig, "llm complete", endpoint, apiErr)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return "", crawler.NewError(crawler.KindFetchTransient, "llm complete", endpoint, apiErr)
		default:
			return "", crawler.NewError(crawler.KindFetchPermanent, "llm complete", endpoint, apiErr)
		}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(bodyBytes, &chatResp); err != nil {
		return "", crawler.NewError(crawler.KindExtractionMalformed, "llm complete", endpoint, fmt.Errorf("decode response: %w", err))
	}
	if chatResp.Error != nil {
		return "", crawler.NewError(crawler.KindFetchPermanent, "llm complete", endpoint, fmt.Errorf("API error: %s", chatResp.Error.Message))
	}
	if len(chatResp.Choices) == 0 {
		return "", crawler.NewError(crawler.KindExtractionMalformed, "llm complete", endpoint, errors.New("no choices returned"))
	}
	return chatResp.Choices[0].Message.Content, nil
}

// CleanMarkdownJSON removes code fences and a leading "json" tag that models
// sometimes wrap around JSON answers.
func CleanMarkdownJSON(content string) string {
	content = strings.TrimSpace(content)
	switch {
	case strings.HasPrefix(content, "```json"):
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	case strings.HasPrefix(content, "```"):
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	case len(content) >= 4 && strings.EqualFold(content[:4], "json"):
		content = content[4:]
	}
	return strings.TrimSpace(content)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

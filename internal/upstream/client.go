// Package upstream talks to the LLM provider APIs. The resilience core sees
// providers only through the Invoker interface; this package supplies the
// HTTP implementation for OpenAI, Anthropic, and Google Gemini chat APIs.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

// Result is one successful provider invocation.
type Result struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Invoker is the opaque upstream call the breaker wraps. Implementations
// must honor ctx cancellation; a deadline hit is an ordinary invocation
// failure from the caller's point of view.
type Invoker interface {
	Invoke(ctx context.Context, provider models.LLMProvider, model, prompt string) (Result, error)
}

// ErrUnknownProvider is returned for providers with no configured endpoint.
var ErrUnknownProvider = errors.New("upstream: unknown provider")

// providerBaseURLs maps providers to their API base URLs.
var providerBaseURLs = map[models.LLMProvider]string{
	models.ProviderOpenAI:    "https://api.openai.com",
	models.ProviderAnthropic: "https://api.anthropic.com",
	models.ProviderGemini:    "https://generativelanguage.googleapis.com",
}

// Keys holds the per-provider API credentials.
type Keys struct {
	OpenAI    string
	Anthropic string
	Gemini    string
}

// Client is the HTTP Invoker.
type Client struct {
	httpClient *http.Client
	keys       Keys
	baseURLs   map[models.LLMProvider]string

	// maxOutputTokens is sent to providers that require an explicit cap.
	maxOutputTokens int
}

// NewClient creates a Client. Per-call deadlines come from the caller's
// context; the transport-level timeout is just a backstop.
func NewClient(keys Keys) *Client {
	return &Client{
		httpClient:      &http.Client{Timeout: 5 * time.Minute},
		keys:            keys,
		baseURLs:        providerBaseURLs,
		maxOutputTokens: 4096,
	}
}

// Invoke sends one chat request and extracts the reply text and token usage.
func (c *Client) Invoke(ctx context.Context, provider models.LLMProvider, model, prompt string) (Result, error) {
	url, body, err := c.buildRequest(provider, model, prompt)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setProviderAuth(req, provider)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("upstream: %s call: %w", provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Result{}, fmt.Errorf("upstream: read %s response: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("upstream: %s returned status %d", provider, resp.StatusCode)
	}

	return parseResponse(provider, respBody)
}

func (c *Client) buildRequest(provider models.LLMProvider, model, prompt string) (string, []byte, error) {
	base, ok := c.baseURLs[provider]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	switch provider {
	case models.ProviderOpenAI:
		body, err := json.Marshal(map[string]any{
			"model":    model,
			"messages": []map[string]string{{"role": "user", "content": prompt}},
		})
		return base + "/v1/chat/completions", body, err

	case models.ProviderAnthropic:
		body, err := json.Marshal(map[string]any{
			"model":      model,
			"max_tokens": c.maxOutputTokens,
			"messages":   []map[string]string{{"role": "user", "content": prompt}},
		})
		return base + "/v1/messages", body, err

	case models.ProviderGemini:
		body, err := json.Marshal(map[string]any{
			"contents": []map[string]any{
				{"parts": []map[string]string{{"text": prompt}}},
			},
		})
		return fmt.Sprintf("%s/v1beta/models/%s:generateContent", base, model), body, err
	}
	return "", nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
}

// setProviderAuth sets the appropriate authentication header per provider.
func (c *Client) setProviderAuth(req *http.Request, provider models.LLMProvider) {
	switch provider {
	case models.ProviderOpenAI:
		req.Header.Set("Authorization", "Bearer "+c.keys.OpenAI)
	case models.ProviderAnthropic:
		req.Header.Set("X-API-Key", c.keys.Anthropic)
		req.Header.Set("anthropic-version", "2023-06-01")
	case models.ProviderGemini:
		req.Header.Set("X-Goog-Api-Key", c.keys.Gemini)
	}
}

// Response shapes, one per provider wire format. Only the fields Bulwark
// consumes are declared.

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func parseResponse(provider models.LLMProvider, body []byte) (Result, error) {
	switch provider {
	case models.ProviderOpenAI:
		var r openAIResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return Result{}, fmt.Errorf("upstream: decode openai response: %w", err)
		}
		if len(r.Choices) == 0 {
			return Result{}, errors.New("upstream: openai response has no choices")
		}
		return Result{
			Text:         r.Choices[0].Message.Content,
			InputTokens:  r.Usage.PromptTokens,
			OutputTokens: r.Usage.CompletionTokens,
		}, nil

	case models.ProviderAnthropic:
		var r anthropicResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return Result{}, fmt.Errorf("upstream: decode anthropic response: %w", err)
		}
		var text string
		for _, block := range r.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		if text == "" {
			return Result{}, errors.New("upstream: anthropic response has no text content")
		}
		return Result{
			Text:         text,
			InputTokens:  r.Usage.InputTokens,
			OutputTokens: r.Usage.OutputTokens,
		}, nil

	case models.ProviderGemini:
		var r geminiResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return Result{}, fmt.Errorf("upstream: decode gemini response: %w", err)
		}
		if len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
			return Result{}, errors.New("upstream: gemini response has no candidates")
		}
		var text string
		for _, p := range r.Candidates[0].Content.Parts {
			text += p.Text
		}
		return Result{
			Text:         text,
			InputTokens:  r.UsageMetadata.PromptTokenCount,
			OutputTokens: r.UsageMetadata.CandidatesTokenCount,
		}, nil
	}
	return Result{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
}

// Package openrouter implements domain.LLMClient (the out-of-scope
// completion collaborator spec.md §1 names) against an OpenAI-compatible
// chat-completions API, grounded on the teacher's OpenRouter HTTP client
// (internal/adapter/ai/real/client.go): otelhttp-instrumented transport,
// exponential backoff around the request, and a non-retryable classification
// for 4xx responses other than 429.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashford-core/ashford-core/internal/config"
	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/observability"
)

// Client calls an OpenAI-compatible /chat/completions endpoint with
// function-calling (tools), forcing the model to invoke the single
// declared tool so the response always carries a parseable decision.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	hc      *http.Client
	backoff func() backoff.BackOff
}

// New constructs a Client from Config.
func New(cfg config.Config) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "llm.chat_completions"
		}))
	return &Client{
		baseURL: cfg.LLMBaseURL,
		apiKey:  cfg.LLMAPIKey,
		model:   cfg.LLMModel,
		hc:      &http.Client{Timeout: cfg.LLMTimeout, Transport: transport},
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = cfg.LLMTimeout
			return b
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type forcedToolChoice struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []tool        `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatToolCall struct {
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements domain.LLMClient.
func (c *Client) Complete(ctx context.Context, req domain.LLMRequest) (*domain.LLMResponse, error) {
	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, tool{Type: "function", Function: toolFunction{
			Name: t.Name, Description: t.Description, Parameters: t.Schema,
		}})
	}
	if len(body.Tools) == 1 {
		choice := forcedToolChoice{Type: "function"}
		choice.Function.Name = body.Tools[0].Function.Name
		body.ToolChoice = choice
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("op=llm.encode_request: %w", err)
	}

	var resp *chatResponse
	op := func() error {
		r, err := c.doRequest(ctx, payload)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	bo := backoff.WithContext(c.backoff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}

	out := &domain.LLMResponse{
		Usage: domain.LLMUsage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		for _, tc := range resp.Choices[0].Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, domain.LLMToolCall{
				Name: tc.Function.Name, Arguments: []byte(tc.Function.Arguments),
			})
		}
	}
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, payload []byte) (*chatResponse, error) {
	start := time.Now()
	status := "error"
	defer func() {
		observability.ExternalRequestsTotal.WithLabelValues("llm", "chat_completions", status).Inc()
		observability.ExternalRequestDuration.WithLabelValues("llm", "chat_completions").Observe(time.Since(start).Seconds())
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("op=llm.build_request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("op=llm.do_request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=llm.read_response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("op=llm.status: upstream returned %d: %w", resp.StatusCode, domain.ErrUpstreamTimeout)
	}
	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("op=llm.status: upstream returned %d: %s", resp.StatusCode, string(respBody)))
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("op=llm.decode_response: %w", err))
	}
	status = "ok"
	return &out, nil
}

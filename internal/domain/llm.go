package domain

import "context"

// LLMRequest is the input to the single LLM capability this core
// consumes (spec.md §1: "complete(request, context) -> {content,
// tool_calls, usage}").
type LLMRequest struct {
	SystemPrompt string
	UserPrompt   string
	Tools        []LLMTool
	Temperature  float64
	MaxTokens    int
}

// LLMTool describes one callable tool the model may invoke, matching a
// JSON schema (spec.md §4.6 step 5: the "record_decision" tool).
type LLMTool struct {
	Name        string
	Description string
	Schema      map[string]any
}

// LLMToolCall is one invocation the model made of a declared tool.
type LLMToolCall struct {
	Name      string
	Arguments []byte // raw JSON arguments
}

// LLMUsage reports token accounting for a single completion.
type LLMUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// LLMResponse is the output of a completion.
type LLMResponse struct {
	Content   string
	ToolCalls []LLMToolCall
	Usage     LLMUsage
}

// LLMClient is the out-of-scope external collaborator (spec.md §1): a
// single completion capability with optional tool-calling.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (*LLMResponse, error)
}

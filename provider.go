package aworld

import (
	"context"
	"encoding/json"
)

// Usage tracks token consumption for one agent or one LLM call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns the element-wise sum of u and v with TotalTokens recomputed.
func (u Usage) Add(v Usage) Usage {
	u.InputTokens += v.InputTokens
	u.OutputTokens += v.OutputTokens
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}

// --- LLM protocol types ---

// ChatMessage is one turn in an LLM conversation.
type ChatMessage struct {
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // provider-specific
}

// ToolCall is the canonical form of an LLM tool invocation. Anything that
// does not fit {id, name, arguments-json} is rejected at the boundary.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition describes one callable function to the LLM.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ChatRequest is a single LLM call.
type ChatRequest struct {
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

// ChatResponse is the LLM's reply.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Provider is the LLM client contract. Concrete providers live outside the
// core; provider/openai ships a default OpenAI-compatible client configured
// from the LLM_* environment.
type Provider interface {
	// Name identifies the provider for logging and error attribution.
	Name() string
	// Chat performs one blocking completion.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream performs one completion, pushing text deltas into chunks
	// as they arrive. The channel is not closed by the provider.
	ChatStream(ctx context.Context, req ChatRequest, chunks chan<- string) (ChatResponse, error)
}

// --- ChatMessage constructors ---

func UserChatMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemChatMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantChatMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultChatMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}

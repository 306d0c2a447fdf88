package openai

import (
	"encoding/json"

	aworld "github.com/nevindra/aworld"
)

// parseReply converts an OpenAI-format response to an aworld ChatResponse,
// extracting content, tool calls, and usage from choices[0].
func parseReply(resp chatReply) aworld.ChatResponse {
	var out aworld.ChatResponse
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		out.Content = resp.Choices[0].Message.Content
		out.ToolCalls = parseToolCalls(resp.Choices[0].Message.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = aworld.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		}
	}
	return out
}

// parseToolCalls converts OpenAI tool call requests to aworld ToolCalls.
// The API returns function.arguments as a JSON string; invalid JSON is
// replaced with an empty object so the call fails schema validation later
// rather than crashing the parse.
func parseToolCalls(tcs []wireToolCall) []aworld.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]aworld.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, aworld.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

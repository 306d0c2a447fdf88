package openai

import (
	"encoding/json"

	aworld "github.com/nevindra/aworld"
)

// buildBody converts an aworld ChatRequest into the OpenAI request body.
// System messages stay in the messages array as role:"system".
func buildBody(req aworld.ChatRequest, model string) chatBody {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var tcs []wireToolCall
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, wireToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: functionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, wireMessage{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: tcs,
			})
		case m.Role == "tool":
			msgs = append(msgs, wireMessage{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
		}
	}

	body := chatBody{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
	}
	if len(req.Tools) > 0 {
		body.Tools = buildToolDefs(req.Tools)
	}
	return body
}

// buildToolDefs converts aworld ToolDefinitions to the OpenAI tool format.
func buildToolDefs(tools []aworld.ToolDefinition) []wireTool {
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// defaultTemperature keeps tool selection deterministic enough for
// multi-round chains while leaving room for natural prose.
const defaultTemperature = 0.3

// OpenAIClient adapts the OpenAI chat completions API to [Client].
type OpenAIClient struct {
	client      *openai.Client
	logger      *slog.Logger
	temperature float32
}

// NewOpenAIClient creates an OpenAI client. baseURL may be empty for
// the public API, or point at any OpenAI-compatible endpoint.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(cfg),
		logger:      logger.With("provider", "openai"),
		temperature: defaultTemperature,
	}
}

// SetTemperature overrides the sampling temperature.
func (c *OpenAIClient) SetTemperature(t float32) {
	c.temperature = t
}

// Chat sends a chat completion request with optional tool definitions.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertToOpenAI(messages),
		Tools:       convertToolsToOpenAI(tools),
		Temperature: c.temperature,
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
	)

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	result := convertFromOpenAI(&resp)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// Ping verifies the API key by listing models.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

// convertToOpenAI converts internal messages to the OpenAI wire shape.
// Tool-call arguments are re-encoded to JSON strings as the API expects.
func convertToOpenAI(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			argsJSON := "{}"
			if tc.Function.Arguments != nil {
				if b, err := json.Marshal(tc.Function.Arguments); err == nil {
					argsJSON = string(b)
				}
			}
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: argsJSON,
				},
			})
		}
		out = append(out, m)
	}
	return out
}

// convertToolsToOpenAI converts function-format tool maps to typed
// definitions.
func convertToolsToOpenAI(tools []map[string]any) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}

	var out []openai.Tool
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}

		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params := fn["parameters"]
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        name,
				Description: desc,
				Parameters:  params,
			},
		})
	}
	return out
}

// convertFromOpenAI converts an API response to the internal format,
// decoding tool-call argument JSON into maps. Malformed argument JSON
// is preserved under "_raw" so the dispatcher can reject it with
// context instead of dropping the call silently.
func convertFromOpenAI(resp *openai.ChatCompletionResponse) *ChatResponse {
	choice := resp.Choices[0].Message

	var toolCalls []ToolCall
	for _, tc := range choice.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID: tc.ID,
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: args,
			},
		})
	}

	return &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:      choice.Role,
			Content:   choice.Content,
			ToolCalls: toolCalls,
		},
		Done:         true,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
}

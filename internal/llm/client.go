package llm

import "context"

// Client is the interface every reasoning-service provider implements.
// Tools are passed in OpenAI function format
// ({"type":"function","function":{"name",...,"parameters":...}});
// providers convert to their own wire shape as needed.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// A nil or empty tools slice forces a plain-text response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable and authenticated.
	Ping(ctx context.Context) error
}

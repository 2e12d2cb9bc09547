package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/calyptra/attache/internal/tools"
)

// RegisterMessageTools adds chat-history tools backed by the platform
// HTTP API: recent channel messages, the latest client message, text
// search, and thread context. All default to the channel the
// conversation is in when the model omits one.
func RegisterMessageTools(registry *tools.Registry, api *API, botUserID string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	channelProp := map[string]any{
		"type":        "string",
		"description": "Channel ID. Defaults to the channel the conversation is in.",
	}

	registry.Register(&tools.Tool{
		Name:        "recent_channel_messages",
		Description: "Get the most recent messages in a channel, newest first.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"channel_id": channelProp,
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of messages to return (default 10).",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			channel, err := resolveChannel(ctx, args)
			if err != nil {
				return "", err
			}
			msgs, err := api.conversationHistory(ctx, channel, intArg(args, "limit", 10))
			if err != nil {
				return "", err
			}
			return messagesJSON(channel, msgs), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "latest_client_message",
		Description: "Get the most recent message written by a person (not a bot) in a channel.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"channel_id": channelProp},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			channel, err := resolveChannel(ctx, args)
			if err != nil {
				return "", err
			}
			msgs, err := api.conversationHistory(ctx, channel, 30)
			if err != nil {
				return "", err
			}
			for _, m := range msgs {
				if isHumanMessage(m, botUserID) {
					return messageJSON(channel, m), nil
				}
			}
			return "", fmt.Errorf("no person-authored messages in channel %s: %w", channel, tools.ErrNotFound)
		},
	})

	registry.Register(&tools.Tool{
		Name:        "search_messages",
		Description: "Search recent channel messages for a text fragment (case-insensitive).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"channel_id": channelProp,
				"query": map[string]any{
					"type":        "string",
					"description": "Text to look for.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of matches to return (default 10).",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			channel, err := resolveChannel(ctx, args)
			if err != nil {
				return "", err
			}
			query, _ := args["query"].(string)
			limit := intArg(args, "limit", 10)

			msgs, err := api.conversationHistory(ctx, channel, 100)
			if err != nil {
				return "", err
			}
			needle := strings.ToLower(query)
			var matches []ChatMessage
			for _, m := range msgs {
				if strings.Contains(strings.ToLower(m.Text), needle) {
					matches = append(matches, m)
					if len(matches) >= limit {
						break
					}
				}
			}
			if len(matches) == 0 {
				return "", fmt.Errorf("no messages matching %q in channel %s: %w", query, channel, tools.ErrNotFound)
			}
			return messagesJSON(channel, matches), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "conversation_context",
		Description: "Get the full message history of a conversation thread, oldest first.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"channel_id": channelProp,
				"thread_ts": map[string]any{
					"type":        "string",
					"description": "Thread timestamp. Defaults to the current thread.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			channel, err := resolveChannel(ctx, args)
			if err != nil {
				return "", err
			}
			threadTS, _ := args["thread_ts"].(string)
			if threadTS == "" {
				threadTS = tools.ThreadTSFromContext(ctx)
			}
			if threadTS == "" {
				return "", fmt.Errorf("thread_ts is required when no thread is in context")
			}
			msgs, err := api.conversationReplies(ctx, channel, threadTS, 50)
			if err != nil {
				return "", err
			}
			return messagesJSON(channel, msgs), nil
		},
	})

	logger.Debug("message tools registered")
}

func resolveChannel(ctx context.Context, args map[string]any) (string, error) {
	if id, ok := args["channel_id"].(string); ok && id != "" {
		return id, nil
	}
	if id := tools.ChannelIDFromContext(ctx); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("channel_id is required when no channel is in context")
}

// intArg reads an integer argument; decoded JSON numbers arrive as
// float64.
func intArg(args map[string]any, key string, def int) int {
	if f, ok := args[key].(float64); ok && f > 0 {
		return int(f)
	}
	return def
}

func isHumanMessage(m ChatMessage, botUserID string) bool {
	return m.BotID == "" && m.User != "" && m.User != botUserID && strings.TrimSpace(m.Text) != ""
}

func messagesJSON(channel string, msgs []ChatMessage) string {
	return toJSON(map[string]any{
		"channel":  channel,
		"count":    len(msgs),
		"messages": msgs,
	})
}

func messageJSON(channel string, m ChatMessage) string {
	return toJSON(map[string]any{
		"channel": channel,
		"message": m,
	})
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"json encoding failed"}`
	}
	return string(b)
}

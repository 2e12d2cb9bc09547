package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/calyptra/attache/internal/tools"
)

// RegisterTools adds the directory tool set to a registry. Lookups run
// against the cache; mutations write through the store and invalidate
// the snapshot so later reads in the same TTL window see them.
func RegisterTools(registry *tools.Registry, store *Store, cache *Cache) {
	registry.Register(&tools.Tool{
		Name:        "lookup_client",
		Description: "Look up a client's full record by name. Accepts approximate names and aliases.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Client name, approximate names and aliases are matched",
				},
			},
			"required": []string{"name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, _ := args["name"].(string)
			client, err := findClient(ctx, cache, name)
			if err != nil {
				return "", err
			}
			return toJSON(client), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "search_clients",
		Description: "Search clients by a text query against names, aliases, channels, and notes. Returns matching records.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Free text to search for",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			clients, err := cache.Clients(ctx)
			if err != nil {
				return "", fmt.Errorf("load directory: %w", err)
			}

			q := strings.ToLower(query)
			var hits []*ClientEntry
			for _, c := range clients {
				hay := strings.ToLower(strings.Join([]string{
					c.Name, strings.Join(c.Aliases, " "),
					c.InternalChannelName, c.ExternalChannelName,
					c.ProjectType, c.Status, c.Notes,
				}, " "))
				if strings.Contains(hay, q) {
					hits = append(hits, c)
				}
			}
			if len(hits) == 0 {
				return "", fmt.Errorf("no clients matching %q: %w", query, tools.ErrNotFound)
			}
			return toJSON(hits), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "list_client_names",
		Description: "List the names of all clients in the directory.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			clients, err := cache.Clients(ctx)
			if err != nil {
				return "", fmt.Errorf("load directory: %w", err)
			}
			names := make([]string, 0, len(clients))
			for _, c := range clients {
				names = append(names, c.Name)
			}
			sort.Strings(names)
			return toJSON(names), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "lookup_client_by_channel",
		Description: "Find the client bound to a chat channel ID.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"channel_id": map[string]any{
					"type":        "string",
					"description": "The chat channel ID",
				},
			},
			"required": []string{"channel_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			channelID, _ := args["channel_id"].(string)
			client, err := store.GetClientByChannel(ctx, channelID)
			if errors.Is(err, sql.ErrNoRows) {
				return "", fmt.Errorf("no client bound to channel %s: %w", channelID, tools.ErrNotFound)
			}
			if err != nil {
				return "", err
			}
			return toJSON(client), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "create_client",
		Description: "Create a new client record. Fails if a client with the same name exists.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"client_name": map[string]any{
					"type":        "string",
					"description": "Display name for the client",
				},
				"list_id": map[string]any{
					"type":        "string",
					"description": "Tracker list ID for the client's tasks",
				},
				"internal_channel_id": map[string]any{
					"type":        "string",
					"description": "Internal chat channel ID",
				},
				"external_channel_id": map[string]any{
					"type":        "string",
					"description": "Shared chat channel ID with the client",
				},
				"project_type": map[string]any{
					"type":        "string",
					"description": "Engagement type, e.g. retainer or project",
				},
				"status": map[string]any{
					"type":        "string",
					"description": "Client status, e.g. active",
				},
				"notes": map[string]any{
					"type":        "string",
					"description": "Free-form notes",
				},
			},
			"required": []string{"client_name"},
		},
		Mutating: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, _ := args["client_name"].(string)
			if _, err := store.GetClientByName(ctx, name); err == nil {
				return "", fmt.Errorf("client %q already exists", name)
			} else if !errors.Is(err, sql.ErrNoRows) {
				return "", err
			}

			str := func(key string) string { s, _ := args[key].(string); return s }
			entry := &ClientEntry{
				Name:              name,
				ListID:            str("list_id"),
				InternalChannelID: str("internal_channel_id"),
				ExternalChannelID: str("external_channel_id"),
				ProjectType:       str("project_type"),
				Status:            str("status"),
				Notes:             str("notes"),
			}
			if err := store.UpsertClient(ctx, entry); err != nil {
				return "", fmt.Errorf("create client: %w", err)
			}
			cache.Invalidate()
			return toJSON(entry), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "update_client",
		Description: "Update fields on an existing client record. Only the provided fields change.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"client_name": map[string]any{
					"type":        "string",
					"description": "Name of the client to update",
				},
				"fields": map[string]any{
					"type":        "object",
					"description": "Field names and new values, e.g. {\"status\": \"paused\", \"available_hours\": 20}",
				},
			},
			"required": []string{"client_name", "fields"},
		},
		Mutating: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, _ := args["client_name"].(string)
			fields, _ := args["fields"].(map[string]any)
			if len(fields) == 0 {
				return "", fmt.Errorf("fields must not be empty")
			}

			// Resolve approximate names before writing.
			client, err := findClient(ctx, cache, name)
			if err != nil {
				return "", err
			}

			if err := store.UpdateClientFields(ctx, client.Name, fields); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return "", fmt.Errorf("client %q: %w", name, tools.ErrNotFound)
				}
				return "", fmt.Errorf("update client: %w", err)
			}
			cache.Invalidate()

			updated, err := store.GetClientByName(ctx, client.Name)
			if err != nil {
				return "", err
			}
			return toJSON(updated), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "list_staff",
		Description: "List all staff members with their roles and tracker identities.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			staff, err := cache.Staff(ctx)
			if err != nil {
				return "", fmt.Errorf("load staff: %w", err)
			}
			return toJSON(staff), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "lookup_staff_by_chat_id",
		Description: "Find a staff member by their chat user ID. Use to identify who is speaking.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"chat_user_id": map[string]any{
					"type":        "string",
					"description": "The chat platform user ID",
				},
			},
			"required": []string{"chat_user_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			chatID, _ := args["chat_user_id"].(string)
			staff, err := store.GetStaffByChatID(ctx, chatID)
			if errors.Is(err, sql.ErrNoRows) {
				return "", fmt.Errorf("no staff member with chat ID %s: %w", chatID, tools.ErrNotFound)
			}
			if err != nil {
				return "", err
			}
			return toJSON(staff), nil
		},
	})
}

// findClient resolves a possibly approximate name against the cached
// directory. Exact name and alias matches win; otherwise the best
// fuzzy match above the default threshold is taken.
func findClient(ctx context.Context, cache *Cache, name string) (*ClientEntry, error) {
	clients, err := cache.Clients(ctx)
	if err != nil {
		return nil, fmt.Errorf("load directory: %w", err)
	}

	for _, c := range clients {
		for _, n := range c.Names() {
			if strings.EqualFold(n, name) {
				return c, nil
			}
		}
	}

	var best *ClientEntry
	var bestScore, second float64
	for _, c := range clients {
		for _, n := range c.Names() {
			if s := matchScore(name, n); s > bestScore {
				if best != c {
					second = bestScore
				}
				best, bestScore = c, s
			} else if c != best && s > second {
				second = s
			}
		}
	}

	if best == nil || bestScore < DefaultThreshold {
		return nil, fmt.Errorf("no client matching %q: %w", name, tools.ErrNotFound)
	}
	if second >= DefaultThreshold && bestScore-second < defaultTieWindow {
		var names []string
		for _, c := range clients {
			for _, n := range c.Names() {
				if matchScore(name, n) >= DefaultThreshold {
					names = append(names, c.Name)
					break
				}
			}
		}
		return nil, &tools.AmbiguousSubjectError{Query: name, Candidates: names}
	}
	return best, nil
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"json encoding failed"}`
	}
	return string(b)
}

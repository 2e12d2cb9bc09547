package tracker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/calyptra/attache/internal/tools"
)

// RegisterTools adds the tracker tool set to a registry. Tools that
// operate on a list fall back to the resolved subject's list when the
// model omits list_id.
func RegisterTools(registry *tools.Registry, client *Client) {
	listIDProp := map[string]any{
		"type":        "string",
		"description": "Tracker list ID. Defaults to the current client's list when omitted.",
	}

	registry.Register(&tools.Tool{
		Name:        "list_tasks",
		Description: "List tasks in a tracker list, optionally filtered by status or assignee.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"list_id": listIDProp,
				"include_closed": map[string]any{
					"type":        "boolean",
					"description": "Include closed tasks (default false)",
				},
				"statuses": map[string]any{
					"type":        "array",
					"description": "Only tasks in these statuses",
					"items":       map[string]any{"type": "string"},
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			listID, err := resolveListID(ctx, args)
			if err != nil {
				return "", err
			}
			opts := ListTasksOptions{}
			if b, ok := args["include_closed"].(bool); ok {
				opts.IncludeClosed = b
			}
			if raw, ok := args["statuses"].([]any); ok {
				for _, s := range raw {
					if str, ok := s.(string); ok {
						opts.Statuses = append(opts.Statuses, str)
					}
				}
			}
			tasks, err := client.TasksByList(ctx, listID, opts)
			if err != nil {
				return "", err
			}
			return toJSON(map[string]any{"tasks": tasks, "count": len(tasks)}), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "recent_activity",
		Description: "List tasks updated recently in a tracker list, including closed tasks and subtasks.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"list_id": listIDProp,
				"hours_ago": map[string]any{
					"type":        "integer",
					"description": "Look-back window in hours (default 24)",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			listID, err := resolveListID(ctx, args)
			if err != nil {
				return "", err
			}
			hours := 24
			if h, ok := args["hours_ago"].(float64); ok && h > 0 {
				hours = int(h)
			}
			tasks, err := client.TasksUpdatedSince(ctx, listID, hours)
			if err != nil {
				return "", err
			}
			return toJSON(map[string]any{"tasks": tasks, "count": len(tasks), "hours_ago": hours}), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "create_task",
		Description: "Create a task in a tracker list. Priority accepts urgent, high, normal, or low.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"list_id": listIDProp,
				"name": map[string]any{
					"type":        "string",
					"description": "Task title",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Task body text",
				},
				"status": map[string]any{
					"type":        "string",
					"description": "Initial status; must exist on the list",
				},
				"priority": map[string]any{
					"type":        "string",
					"description": "urgent, high, normal, or low",
				},
				"due_date": map[string]any{
					"type":        "integer",
					"description": "Due date as unix milliseconds",
				},
				"assignees": map[string]any{
					"type":        "array",
					"description": "Tracker user IDs to assign",
					"items":       map[string]any{"type": "integer"},
				},
			},
			"required": []string{"name"},
		},
		Mutating: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			listID, err := resolveListID(ctx, args)
			if err != nil {
				return "", err
			}

			task := NewTask{}
			task.Name, _ = args["name"].(string)
			task.Description, _ = args["description"].(string)
			task.Status, _ = args["status"].(string)
			if p, ok := args["priority"]; ok {
				n, err := ParsePriority(p)
				if err != nil {
					return "", err
				}
				task.Priority = n
			}
			if d, ok := args["due_date"].(float64); ok {
				task.DueDate = int64(d)
			}
			if raw, ok := args["assignees"].([]any); ok {
				for _, a := range raw {
					if n, ok := a.(float64); ok {
						task.Assignees = append(task.Assignees, int(n))
					}
				}
			}

			created, err := client.CreateTask(ctx, listID, task)
			if err != nil {
				return "", err
			}
			return toJSON(created), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "update_task",
		Description: "Update fields on an existing task. Only the provided fields change.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task ID",
				},
				"updates": map[string]any{
					"type":        "object",
					"description": "Fields to change, e.g. {\"status\": \"in progress\", \"priority\": \"high\"}",
				},
			},
			"required": []string{"task_id", "updates"},
		},
		Mutating: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			taskID, _ := args["task_id"].(string)
			updates, _ := args["updates"].(map[string]any)
			updated, err := client.UpdateTask(ctx, taskID, updates)
			if err != nil {
				return "", err
			}
			return toJSON(updated), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "task_detail",
		Description: "Fetch one task with full metadata.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task ID",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			taskID, _ := args["task_id"].(string)
			task, err := client.TaskDetail(ctx, taskID)
			if err != nil {
				return "", err
			}
			return toJSON(task), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "list_detail",
		Description: "Fetch a tracker list's details, including its available statuses.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"list_id": listIDProp,
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			listID, err := resolveListID(ctx, args)
			if err != nil {
				return "", err
			}
			list, err := client.ListDetail(ctx, listID)
			if err != nil {
				return "", err
			}
			return toJSON(list), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "time_spent",
		Description: "Report hours logged against a list's tasks, with a per-task breakdown and total.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"list_id": listIDProp,
				"include_closed": map[string]any{
					"type":        "boolean",
					"description": "Include closed tasks (default true)",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			listID, err := resolveListID(ctx, args)
			if err != nil {
				return "", err
			}
			opts := ListTasksOptions{IncludeClosed: true, Subtasks: true}
			if b, ok := args["include_closed"].(bool); ok {
				opts.IncludeClosed = b
			}
			report, err := client.TimeSpent(ctx, listID, opts)
			if err != nil {
				return "", err
			}
			return toJSON(report), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "log_time",
		Description: "Log hours against a task as a billable time entry.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task ID",
				},
				"hours": map[string]any{
					"type":        "number",
					"description": "Duration in hours, e.g. 1.5",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "What the time was spent on",
				},
				"assignee_id": map[string]any{
					"type":        "integer",
					"description": "Tracker user ID to attribute the time to",
				},
				"billable": map[string]any{
					"type":        "boolean",
					"description": "Whether the time is billable (default true)",
				},
			},
			"required": []string{"task_id", "hours"},
		},
		Mutating: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			taskID, _ := args["task_id"].(string)
			hours, _ := args["hours"].(float64)
			description, _ := args["description"].(string)
			assignee := 0
			if a, ok := args["assignee_id"].(float64); ok {
				assignee = int(a)
			}
			billable := true
			if b, ok := args["billable"].(bool); ok {
				billable = b
			}

			entry, err := client.CreateTimeEntry(ctx, taskID, hours, description, assignee, billable)
			if err != nil {
				return "", err
			}
			return toJSON(entry), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "task_time_tracking",
		Description: "Summarize a task's time spent against its estimate, with progress and remaining hours.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task ID",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			taskID, _ := args["task_id"].(string)
			tt, err := client.TaskTimeTracking(ctx, taskID)
			if err != nil {
				return "", err
			}
			return toJSON(tt), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "list_team_members",
		Description: "List workspace members with their tracker user IDs, for task assignment.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			members, err := client.TeamMembers(ctx)
			if err != nil {
				return "", err
			}
			return toJSON(members), nil
		},
	})
}

// resolveListID takes list_id from the arguments, falling back to the
// subject list recorded on the context by the engine.
func resolveListID(ctx context.Context, args map[string]any) (string, error) {
	if id, ok := args["list_id"].(string); ok && id != "" {
		return id, nil
	}
	if id := tools.SubjectListIDFromContext(ctx); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("list_id is required when no client is in context")
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"json encoding failed"}`
	}
	return string(b)
}

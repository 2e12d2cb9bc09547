package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/calyptra/attache/internal/session"
)

const basePrompt = `You are Attaché, an assistant for an agency's leadership and delivery teams. You manage client projects through the task tracker and the client directory, and you answer with analysis, not raw data dumps.

How you work:
- Use the available tools to look things up rather than guessing. Tool results are JSON envelopes; a status of "error" explains what went wrong so you can adjust or tell the user.
- When a task or time operation needs a list and none was given, the current client's list is used automatically.
- Priorities are urgent, high, normal, or low. Time is reported in hours.
- Before assigning tasks, map people to their tracker user IDs with the staff tools.
- Keep replies concise and concrete: names, numbers, and links. Lead with the answer, then supporting detail.
- Never invent task IDs, client names, or figures. If something is not in a tool result, say so.`

// systemPrompt assembles the per-call system prompt: the persona, a
// fresh date/time block, and the resolved subject's facts. Rebuilt on
// every call so the model never reasons from a stale clock.
func (e *Engine) systemPrompt(now time.Time, subject *session.Subject) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)

	sb.WriteString("\n\nCurrent date and time:\n")
	fmt.Fprintf(&sb, "- Now: %s\n", now.Format("Monday, 2006-01-02 15:04 MST"))
	fmt.Fprintf(&sb, "- Today: %s\n", now.Format("2006-01-02"))
	fmt.Fprintf(&sb, "- This month: %s\n", now.Format("January 2006"))
	sb.WriteString(`- Interpret "this week", "recent", and "latest" relative to these values.`)

	if subject != nil {
		sb.WriteString("\n\nCurrent client context:\n")
		fmt.Fprintf(&sb, "- Client: %s\n", subject.ClientName)
		if subject.ListID != "" {
			fmt.Fprintf(&sb, "- Tracker list: %s\n", subject.ListID)
		}
		fmt.Fprintf(&sb, "- Determined by: %s", describeSource(subject.Source))
	}

	return sb.String()
}

func describeSource(source string) string {
	switch source {
	case "channel":
		return "the channel this conversation is in"
	case "message":
		return "a name mentioned in the message"
	case "cached":
		return "the earlier conversation"
	default:
		return "the conversation"
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/calyptra/attache/internal/llm"
	"github.com/calyptra/attache/internal/session"
	"github.com/calyptra/attache/internal/tools"
	"github.com/calyptra/attache/internal/usage"
)

// HandleMessage processes one incoming message to completion. It takes
// exclusive ownership of the session; a message arriving while the
// session is busy fails fast with session.ErrBusy. All completed turns
// are committed to the session whatever the outcome, so history stays
// ordered and tool exchanges stay paired.
func (e *Engine) HandleMessage(ctx context.Context, msg Message) (*Outcome, error) {
	sess, err := e.sessions.Acquire(msg.SessionID)
	if err != nil {
		return nil, err
	}

	runID, _ := uuid.NewV7()
	logger := e.logger.With("run_id", runID.String(), "session", msg.SessionID)

	newTurns := []llm.Message{{Role: "user", Content: msg.Text}}
	subject, clarify := e.resolveSubject(ctx, logger, msg, sess)
	if clarify != "" {
		// Ambiguous subject: ask the user to pick, with no tool calls.
		newTurns = append(newTurns, llm.Message{Role: "assistant", Content: clarify})
		e.sessions.Commit(msg.SessionID, newTurns, nil)
		logger.Info("clarification requested")
		return &Outcome{State: StateFinalized, Reply: clarify}, nil
	}

	ctx = tools.WithSessionID(ctx, msg.SessionID)
	ctx = tools.WithChannelID(ctx, msg.ChannelID)
	ctx = tools.WithThreadTS(ctx, msg.ThreadID)
	if subject != nil {
		ctx = tools.WithSubjectListID(ctx, subject.ListID)
	}

	messages := make([]llm.Message, 0, len(sess.Turns)+2)
	messages = append(messages, llm.Message{
		Role:    "system",
		Content: e.systemPrompt(time.Now(), subject),
	})
	messages = append(messages, sess.Turns...)
	messages = append(messages, newTurns[0])

	toolDefs := e.registry.List()
	outcome := &Outcome{State: StateAwaitingModel, Subject: subject}

	defer func() {
		e.sessions.Commit(msg.SessionID, newTurns, subject)
		if e.usage != nil {
			// Record even when the run's context was cancelled.
			rec := usage.Record{
				RunID:        runID.String(),
				SessionID:    msg.SessionID,
				Model:        e.model,
				State:        string(outcome.State),
				Rounds:       outcome.Rounds,
				ToolCalls:    outcome.ToolCalls,
				InputTokens:  outcome.InputTokens,
				OutputTokens: outcome.OutputTokens,
			}
			if err := e.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
				logger.Warn("usage record failed", "error", err)
			}
		}
	}()

	// Marks where the current round started appending, so a cancelled
	// round can be dropped wholesale.
	lastRoundStart := len(newTurns)

	for round := 0; round < e.maxRounds; round++ {
		// Cancellation is honored at round boundaries only. The round
		// the cancellation arrived in is discarded: an in-flight tool
		// call runs to completion, but its results never reach the
		// session. Earlier rounds and the user turn stay committed.
		if err := ctx.Err(); err != nil {
			newTurns = newTurns[:lastRoundStart]
			outcome.State = StateAborted
			logger.Warn("run cancelled", "round", round)
			return outcome, fmt.Errorf("run cancelled: %w", err)
		}
		lastRoundStart = len(newTurns)

		exchangeID, _ := uuid.NewV7()
		outcome.State = StateAwaitingModel
		outcome.Rounds = round + 1

		resp, err := e.chat(ctx, messages, toolDefs)
		if err != nil {
			outcome.State = StateAborted
			logger.Error("model call failed", "round", round, "error", err)
			return outcome, fmt.Errorf("model call (round %d): %w", round, err)
		}
		outcome.InputTokens += resp.InputTokens
		outcome.OutputTokens += resp.OutputTokens

		logger.Debug("model response",
			"exchange_id", exchangeID.String(),
			"round", round,
			"tool_calls", len(resp.Message.ToolCalls),
			"output_tokens", resp.OutputTokens,
		)

		// Plain text means the model is done.
		if len(resp.Message.ToolCalls) == 0 {
			messages = append(messages, resp.Message)
			newTurns = append(newTurns, resp.Message)
			outcome.State = StateFinalized
			outcome.Reply = resp.Message.Content
			logger.Info("run finalized",
				"rounds", outcome.Rounds,
				"tool_calls", outcome.ToolCalls,
			)
			return outcome, nil
		}

		outcome.State = StateExecutingTools
		messages = append(messages, resp.Message)
		newTurns = append(newTurns, resp.Message)

		for _, tc := range resp.Message.ToolCalls {
			result := e.dispatcher.Dispatch(ctx, tools.Call{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
			outcome.ToolCalls++

			toolMsg := llm.Message{
				Role:       "tool",
				Content:    result.ForModel(),
				ToolCallID: tc.ID,
			}
			messages = append(messages, toolMsg)
			newTurns = append(newTurns, toolMsg)
		}
	}

	// Round ceiling reached: surrender the loop but never go silent.
	logger.Warn("round ceiling reached", "max_rounds", e.maxRounds)
	outcome.State = StateAborted
	outcome.Reply = e.partialSummary(ctx, logger, messages, newTurns)

	summaryMsg := llm.Message{Role: "assistant", Content: outcome.Reply}
	newTurns = append(newTurns, summaryMsg)
	return outcome, nil
}

// chat performs one model call under the per-call timeout.
func (e *Engine) chat(ctx context.Context, messages []llm.Message, toolDefs []map[string]any) (*llm.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.modelTO)
	defer cancel()
	return e.llm.Chat(callCtx, e.model, messages, toolDefs)
}

// partialSummary produces the reply for an aborted run. It first asks
// the model to summarize progress with tools withheld; if even that
// fails, it synthesizes a listing of the work performed so the user
// never gets an empty reply.
func (e *Engine) partialSummary(ctx context.Context, logger *slog.Logger, messages, newTurns []llm.Message) string {
	prompt := append(messages, llm.Message{
		Role: "user",
		Content: "You have hit the limit of actions for this request. " +
			"Summarize what you found and did so far, and say what remains unfinished.",
	})

	resp, err := e.chat(ctx, prompt, nil)
	if err == nil && strings.TrimSpace(resp.Message.Content) != "" {
		return resp.Message.Content
	}
	if err != nil {
		logger.Error("summary call failed", "error", err)
	}

	var sb strings.Builder
	sb.WriteString("I ran out of room to finish this request. Work performed so far:\n")
	count := 0
	for _, m := range newTurns {
		if m.Role != "assistant" {
			continue
		}
		for _, tc := range m.ToolCalls {
			count++
			fmt.Fprintf(&sb, "- %s\n", tc.Function.Name)
		}
	}
	if count == 0 {
		sb.WriteString("- (no tool calls completed)\n")
	}
	sb.WriteString("Please narrow the request and try again.")
	return sb.String()
}

// resolveSubject runs the subject resolver for the message. It returns
// the subject to pin on the session, or a clarifying question when the
// match is ambiguous. Resolution failures degrade to no subject rather
// than blocking the message.
func (e *Engine) resolveSubject(ctx context.Context, logger *slog.Logger, msg Message, sess *session.Session) (*session.Subject, string) {
	if e.resolver == nil {
		return sess.Subject, ""
	}

	cached := ""
	if sess.Subject != nil {
		cached = sess.Subject.ClientName
	}

	res, err := e.resolver.Resolve(ctx, msg.ChannelID, msg.Text, cached)
	if err != nil {
		var ambiguous *tools.AmbiguousSubjectError
		if errors.As(err, &ambiguous) {
			return nil, clarifyQuestion(ambiguous, msg.ChannelID)
		}
		logger.Warn("subject resolution failed", "error", err)
		return sess.Subject, ""
	}
	if res == nil {
		return sess.Subject, ""
	}

	return &session.Subject{
		ClientName: res.Client.Name,
		ListID:     res.Client.ListID,
		Source:     res.Source,
		ResolvedAt: time.Now(),
	}, ""
}

// clarifyQuestion phrases the ambiguity for the user. A query equal to
// the originating channel ID means the channel itself is bound to
// several clients; echoing the raw ID would read as noise.
func clarifyQuestion(ambiguous *tools.AmbiguousSubjectError, channelID string) string {
	var sb strings.Builder
	if channelID != "" && ambiguous.Query == channelID {
		sb.WriteString("This channel is linked to more than one client. Which one did you mean?\n")
	} else {
		fmt.Fprintf(&sb, "I found more than one client matching %q. Which one did you mean?\n", ambiguous.Query)
	}
	for _, name := range ambiguous.Candidates {
		fmt.Fprintf(&sb, "- %s\n", name)
	}
	return sb.String()
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/calyptra/attache/internal/directory"
	"github.com/calyptra/attache/internal/llm"
	"github.com/calyptra/attache/internal/session"
	"github.com/calyptra/attache/internal/tools"
)

// mockLLM serves queued responses and records each call.
type mockLLM struct {
	queue []*llm.ChatResponse
	errs  []error
	calls []mockCall
}

type mockCall struct {
	messages []llm.Message
	tools    []map[string]any
}

func (m *mockLLM) Chat(_ context.Context, _ string, messages []llm.Message, toolDefs []map[string]any) (*llm.ChatResponse, error) {
	m.calls = append(m.calls, mockCall{messages: messages, tools: toolDefs})
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(m.queue) == 0 {
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "done"}, Done: true}, nil
	}
	resp := m.queue[0]
	m.queue = m.queue[1:]
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{Role: "assistant", Content: content},
		Done:    true,
	}
}

func toolCallResponse(id, name string, args map[string]any) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{
			Role: "assistant",
			ToolCalls: []llm.ToolCall{{
				ID:       id,
				Function: llm.FunctionCall{Name: name, Arguments: args},
			}},
		},
		Done: true,
	}
}

func newTestEngine(t *testing.T, client llm.Client, maxRounds int) (*Engine, *session.Store, *tools.Registry) {
	t.Helper()
	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{
		Name:        "probe",
		Description: "test probe",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"value": map[string]any{"type": "string"}},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			v, _ := args["value"].(string)
			return "probe:" + v, nil
		},
	})
	registry.Register(&tools.Tool{
		Name: "broken",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", fmt.Errorf("backend gone: %w", tools.ErrUpstream)
		},
	})

	dispatcher := tools.NewDispatcher(registry, time.Second, nil)
	sessions := session.NewStore(time.Hour, 80, nil)
	eng := New(client, registry, dispatcher, nil, sessions, Config{
		Model:     "gpt-4o",
		MaxRounds: maxRounds,
	}, nil)
	return eng, sessions, registry
}

func TestHandleMessagePlainReply(t *testing.T) {
	mock := &mockLLM{queue: []*llm.ChatResponse{textResponse("All quiet today.")}}
	eng, sessions, _ := newTestEngine(t, mock, 10)

	out, err := eng.HandleMessage(context.Background(), Message{
		SessionID: "C1:U1",
		Text:      "anything new?",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.State != StateFinalized {
		t.Errorf("state = %s", out.State)
	}
	if out.Reply != "All quiet today." {
		t.Errorf("reply = %q", out.Reply)
	}
	if out.Rounds != 1 || out.ToolCalls != 0 {
		t.Errorf("rounds = %d, tool calls = %d", out.Rounds, out.ToolCalls)
	}

	sess := sessions.Get("C1:U1")
	if len(sess.Turns) != 2 {
		t.Fatalf("turns = %d", len(sess.Turns))
	}
	if sess.Turns[0].Role != "user" || sess.Turns[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", sess.Turns[0].Role, sess.Turns[1].Role)
	}
}

func TestHandleMessageToolRound(t *testing.T) {
	mock := &mockLLM{queue: []*llm.ChatResponse{
		toolCallResponse("call_1", "probe", map[string]any{"value": "x"}),
		textResponse("The probe says x."),
	}}
	eng, sessions, _ := newTestEngine(t, mock, 10)

	out, err := eng.HandleMessage(context.Background(), Message{SessionID: "C1:U1", Text: "probe it"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.State != StateFinalized || out.Rounds != 2 || out.ToolCalls != 1 {
		t.Errorf("outcome = %+v", out)
	}

	// Session history: user, assistant(tool call), tool, assistant.
	sess := sessions.Get("C1:U1")
	roles := make([]string, len(sess.Turns))
	for i, m := range sess.Turns {
		roles[i] = m.Role
	}
	want := []string{"user", "assistant", "tool", "assistant"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}

	// The tool message carries the uniform envelope.
	if !strings.Contains(sess.Turns[2].Content, `"status":"ok"`) {
		t.Errorf("tool turn = %q", sess.Turns[2].Content)
	}
	if sess.Turns[2].ToolCallID != "call_1" {
		t.Errorf("tool call id = %q", sess.Turns[2].ToolCallID)
	}
}

func TestHandleMessageToolErrorContinues(t *testing.T) {
	mock := &mockLLM{queue: []*llm.ChatResponse{
		toolCallResponse("call_1", "broken", nil),
		textResponse("The tracker is unreachable right now."),
	}}
	eng, _, _ := newTestEngine(t, mock, 10)

	out, err := eng.HandleMessage(context.Background(), Message{SessionID: "C1:U1", Text: "try it"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.State != StateFinalized {
		t.Errorf("state = %s", out.State)
	}

	// The model saw the error envelope on its second call.
	second := mock.calls[1]
	last := second.messages[len(second.messages)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "upstream_unavailable") {
		t.Errorf("model saw %q", last.Content)
	}
}

func TestHandleMessageRoundCeiling(t *testing.T) {
	// Model insists on tools every round; queue them beyond the limit,
	// then a summary response for the forced text call.
	const maxRounds = 3
	var queue []*llm.ChatResponse
	for i := 0; i < maxRounds; i++ {
		queue = append(queue, toolCallResponse(fmt.Sprintf("call_%d", i), "probe", map[string]any{"value": "x"}))
	}
	queue = append(queue, textResponse("Partial: probed three times, more to do."))
	mock := &mockLLM{queue: queue}
	eng, sessions, _ := newTestEngine(t, mock, maxRounds)

	out, err := eng.HandleMessage(context.Background(), Message{SessionID: "C1:U1", Text: "loop forever"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.State != StateAborted {
		t.Errorf("state = %s, want ABORTED", out.State)
	}
	if out.Rounds != maxRounds || out.ToolCalls != maxRounds {
		t.Errorf("rounds = %d, tool calls = %d", out.Rounds, out.ToolCalls)
	}
	if out.Reply != "Partial: probed three times, more to do." {
		t.Errorf("reply = %q", out.Reply)
	}

	// The summary call must withhold tools.
	summaryCall := mock.calls[len(mock.calls)-1]
	if summaryCall.tools != nil {
		t.Error("summary call was made with tools available")
	}

	// The partial summary lands in the session too.
	sess := sessions.Get("C1:U1")
	last := sess.Turns[len(sess.Turns)-1]
	if last.Role != "assistant" || last.Content != out.Reply {
		t.Errorf("last turn = %+v", last)
	}
}

func TestHandleMessageCeilingSummaryFallback(t *testing.T) {
	const maxRounds = 2
	var queue []*llm.ChatResponse
	for i := 0; i < maxRounds; i++ {
		queue = append(queue, toolCallResponse(fmt.Sprintf("call_%d", i), "probe", map[string]any{"value": "x"}))
	}
	mock := &mockLLM{
		queue: queue,
		// Two successful tool rounds, then the summary call fails.
		errs: []error{nil, nil, errors.New("model offline")},
	}
	eng, _, _ := newTestEngine(t, mock, maxRounds)

	out, err := eng.HandleMessage(context.Background(), Message{SessionID: "C1:U1", Text: "go"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.State != StateAborted {
		t.Errorf("state = %s", out.State)
	}
	// Synthesized fallback still names the work done.
	if out.Reply == "" || !strings.Contains(out.Reply, "probe") {
		t.Errorf("fallback reply = %q", out.Reply)
	}
}

func TestHandleMessageBusySession(t *testing.T) {
	mock := &mockLLM{}
	eng, sessions, _ := newTestEngine(t, mock, 10)

	// Hold the session as if another message were mid-flight.
	if _, err := sessions.Acquire("C1:U1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err := eng.HandleMessage(context.Background(), Message{SessionID: "C1:U1", Text: "hello"})
	if !errors.Is(err, session.ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	if len(mock.calls) != 0 {
		t.Error("busy session still reached the model")
	}
}

func TestHandleMessageModelFailure(t *testing.T) {
	mock := &mockLLM{errs: []error{errors.New("rate limited")}}
	eng, sessions, _ := newTestEngine(t, mock, 10)

	out, err := eng.HandleMessage(context.Background(), Message{SessionID: "C1:U1", Text: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if out.State != StateAborted {
		t.Errorf("state = %s", out.State)
	}

	// The user turn is still recorded and the session is released.
	sess := sessions.Get("C1:U1")
	if len(sess.Turns) != 1 || sess.Turns[0].Role != "user" {
		t.Errorf("turns = %+v", sess.Turns)
	}
	if _, err := sessions.Acquire("C1:U1"); err != nil {
		t.Errorf("session not released: %v", err)
	}
}

func TestHandleMessageCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	mock := &mockLLM{queue: []*llm.ChatResponse{
		toolCallResponse("call_1", "probe", map[string]any{"value": "x"}),
	}}
	eng, sessions, registry := newTestEngine(t, mock, 10)

	// Cancel mid-run from inside a tool, so the next round boundary
	// sees a dead context.
	registry.Register(&tools.Tool{
		Name: "probe",
		Handler: func(context.Context, map[string]any) (string, error) {
			cancel()
			return "ok", nil
		},
	})

	out, err := eng.HandleMessage(ctx, Message{SessionID: "C1:U1", Text: "go"})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if out.State != StateAborted {
		t.Errorf("state = %s", out.State)
	}

	// The cancelled round's tool results are discarded: only the user
	// turn reaches the session, and the session is usable again.
	sess := sessions.Get("C1:U1")
	if len(sess.Turns) != 1 || sess.Turns[0].Role != "user" {
		roles := make([]string, len(sess.Turns))
		for i, m := range sess.Turns {
			roles[i] = m.Role
		}
		t.Errorf("committed roles = %v, want only the user turn", roles)
	}
	if _, err := sessions.Acquire("C1:U1"); err != nil {
		t.Errorf("session not released: %v", err)
	}
}

func TestHandleMessageCancellationKeepsCompletedRounds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	mock := &mockLLM{queue: []*llm.ChatResponse{
		toolCallResponse("call_1", "probe", map[string]any{"value": "first"}),
		toolCallResponse("call_2", "probe", map[string]any{"value": "second"}),
	}}
	eng, sessions, registry := newTestEngine(t, mock, 10)

	// The second probe cancels; the first round must survive intact.
	calls := 0
	registry.Register(&tools.Tool{
		Name: "probe",
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			calls++
			if calls == 2 {
				cancel()
			}
			v, _ := args["value"].(string)
			return "probe:" + v, nil
		},
	})

	if _, err := eng.HandleMessage(ctx, Message{SessionID: "C1:T1", Text: "go"}); err == nil {
		t.Fatal("expected cancellation error")
	}

	sess := sessions.Get("C1:T1")
	roles := make([]string, len(sess.Turns))
	for i, m := range sess.Turns {
		roles[i] = m.Role
	}
	want := []string{"user", "assistant", "tool"}
	if len(roles) != len(want) {
		t.Fatalf("committed roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("committed roles = %v, want %v", roles, want)
		}
	}
	if !strings.Contains(sess.Turns[2].Content, "probe:first") {
		t.Errorf("surviving tool turn = %q, want the first round's result", sess.Turns[2].Content)
	}
}

func TestHandleMessageAmbiguousSubject(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := directory.NewStore(db)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctx := context.Background()
	for _, name := range []string{"Clarity Ventures", "Clarity Labs"} {
		if err := store.UpsertClient(ctx, &directory.ClientEntry{Name: name}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	cache := directory.NewCache(store, time.Hour, nil)
	resolver := directory.NewResolver(cache, 0, nil)

	mock := &mockLLM{}
	registry := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(registry, time.Second, nil)
	sessions := session.NewStore(time.Hour, 80, nil)
	eng := New(mock, registry, dispatcher, resolver, sessions, Config{Model: "gpt-4o"}, nil)

	out, err := eng.HandleMessage(ctx, Message{
		SessionID: "C1:U1",
		ChannelID: "C0UNBOUND",
		Text:      "status on Clarity please",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.State != StateFinalized {
		t.Errorf("state = %s", out.State)
	}
	if !strings.Contains(out.Reply, "Clarity Ventures") || !strings.Contains(out.Reply, "Clarity Labs") {
		t.Errorf("clarifying reply = %q", out.Reply)
	}
	if len(mock.calls) != 0 {
		t.Error("ambiguous subject still reached the model")
	}
	if out.ToolCalls != 0 {
		t.Errorf("tool calls = %d, want 0", out.ToolCalls)
	}
}

func TestClarifyQuestionPhrasing(t *testing.T) {
	candidates := []string{"Clarity Ventures", "Clarity Labs"}

	byName := clarifyQuestion(&tools.AmbiguousSubjectError{
		Query: "Clarity", Candidates: candidates,
	}, "C0UNBOUND")
	if !strings.Contains(byName, `"Clarity"`) {
		t.Errorf("name ambiguity should quote the fragment: %q", byName)
	}

	// A channel bound to several clients must not echo the raw ID.
	byChannel := clarifyQuestion(&tools.AmbiguousSubjectError{
		Query: "C0SHARED", Candidates: candidates,
	}, "C0SHARED")
	if strings.Contains(byChannel, "C0SHARED") {
		t.Errorf("channel ambiguity leaked the channel ID: %q", byChannel)
	}
	if !strings.Contains(byChannel, "channel") {
		t.Errorf("channel ambiguity should mention the channel: %q", byChannel)
	}
	for _, name := range candidates {
		if !strings.Contains(byChannel, name) {
			t.Errorf("candidates missing from %q", byChannel)
		}
	}
}

func TestSystemPromptCarriesDateAndSubject(t *testing.T) {
	eng, _, _ := newTestEngine(t, &mockLLM{}, 10)

	now := time.Date(2026, time.March, 9, 14, 30, 0, 0, time.UTC)
	prompt := eng.systemPrompt(now, &session.Subject{
		ClientName: "Webconnex",
		ListID:     "901",
		Source:     "channel",
	})

	for _, want := range []string{"2026-03-09", "Monday", "March 2026", "Webconnex", "901"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	bare := eng.systemPrompt(now, nil)
	if strings.Contains(bare, "Current client context") {
		t.Error("subject block present without a subject")
	}
}

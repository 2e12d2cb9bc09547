package session

import (
	"errors"
	"testing"
	"time"

	"github.com/calyptra/attache/internal/llm"
)

func TestAcquireCommitPreservesOrder(t *testing.T) {
	store := NewStore(time.Hour, 80, nil)

	sess, err := store.Acquire("C1:U1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(sess.Turns) != 0 {
		t.Fatalf("new session has %d turns", len(sess.Turns))
	}

	store.Commit("C1:U1", []llm.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply one"},
	}, nil)

	sess, err = store.Acquire("C1:U1")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	store.Commit("C1:U1", []llm.Message{
		{Role: "user", Content: "second"},
		{Role: "assistant", Content: "reply two"},
	}, nil)

	got := store.Get("C1:U1")
	want := []string{"first", "reply one", "second", "reply two"}
	if len(got.Turns) != len(want) {
		t.Fatalf("turns = %d, want %d", len(got.Turns), len(want))
	}
	for i, content := range want {
		if got.Turns[i].Content != content {
			t.Errorf("turn %d = %q, want %q", i, got.Turns[i].Content, content)
		}
	}
}

func TestAcquireWhileBusy(t *testing.T) {
	store := NewStore(time.Hour, 80, nil)

	if _, err := store.Acquire("C1:U1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := store.Acquire("C1:U1"); !errors.Is(err, ErrBusy) {
		t.Errorf("second acquire err = %v, want ErrBusy", err)
	}

	// A different session is unaffected.
	if _, err := store.Acquire("C1:U2"); err != nil {
		t.Errorf("other session: %v", err)
	}

	// Release frees the lock without recording turns.
	store.Release("C1:U1")
	if _, err := store.Acquire("C1:U1"); err != nil {
		t.Errorf("after release: %v", err)
	}
}

func TestCommitStoresSubject(t *testing.T) {
	store := NewStore(time.Hour, 80, nil)

	store.Acquire("C1:U1")
	store.Commit("C1:U1", nil, &Subject{ClientName: "Webconnex", ListID: "901", Source: "channel"})

	got := store.Get("C1:U1")
	if got.Subject == nil || got.Subject.ClientName != "Webconnex" {
		t.Fatalf("subject = %+v", got.Subject)
	}

	// Later commit without a subject keeps the old one.
	store.Acquire("C1:U1")
	store.Commit("C1:U1", []llm.Message{{Role: "user", Content: "hi"}}, nil)
	if got := store.Get("C1:U1"); got.Subject == nil {
		t.Error("subject lost on subject-less commit")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	store := NewStore(time.Hour, 80, nil)

	store.Acquire("C1:U1")
	store.Commit("C1:U1", []llm.Message{{Role: "user", Content: "original"}}, nil)

	snap := store.Get("C1:U1")
	snap.Turns[0].Content = "mutated"

	if got := store.Get("C1:U1"); got.Turns[0].Content != "original" {
		t.Error("snapshot mutation leaked into the store")
	}
}

func TestTrimPreservesToolPairing(t *testing.T) {
	store := NewStore(time.Hour, 4, nil)

	store.Acquire("C1:U1")
	store.Commit("C1:U1", []llm.Message{
		{Role: "user", Content: "q1"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "call_1"}}},
		{Role: "tool", Content: "r1", ToolCallID: "call_1"},
		{Role: "tool", Content: "r2", ToolCallID: "call_1"},
		{Role: "assistant", Content: "answer"},
		{Role: "user", Content: "q2"},
	}, nil)

	got := store.Get("C1:U1")
	if len(got.Turns) > 4 {
		t.Fatalf("turns = %d, want <= 4", len(got.Turns))
	}
	// A window of 4 would start at the orphaned tool results; trimming
	// must skip past them.
	if got.Turns[0].Role == "tool" {
		t.Errorf("history starts with orphaned tool result: %+v", got.Turns[0])
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	store := NewStore(10*time.Millisecond, 80, nil)

	store.Acquire("stale")
	store.Commit("stale", []llm.Message{{Role: "user", Content: "old"}}, nil)

	// Busy sessions survive the sweep no matter how old.
	store.Acquire("active")

	time.Sleep(20 * time.Millisecond)

	evicted := store.Sweep()
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if store.Get("stale") != nil {
		t.Error("stale session not evicted")
	}

	stats := store.Stats()
	if stats["busy"] != 1 {
		t.Errorf("busy = %v", stats["busy"])
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	store := NewStore(time.Hour, 80, nil)

	const n = 16
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := store.Acquire("contested")
			errs <- err
		}()
	}

	winners := 0
	for i := 0; i < n; i++ {
		if err := <-errs; err == nil {
			winners++
		} else if !errors.Is(err, ErrBusy) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestCommitAfterEviction(t *testing.T) {
	store := NewStore(time.Hour, 80, nil)

	store.Acquire("C1:U1")
	store.Clear("C1:U1")

	// Commit for an evicted session must not lose the turns.
	store.Commit("C1:U1", []llm.Message{{Role: "user", Content: "turn"}}, nil)
	if got := store.Get("C1:U1"); got == nil || len(got.Turns) != 1 {
		t.Errorf("session = %+v", got)
	}
}

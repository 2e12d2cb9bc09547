package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recs := []Record{
		{RunID: "r1", SessionID: "C1:U1", Model: "gpt-4o", State: "FINALIZED",
			Rounds: 2, ToolCalls: 1, InputTokens: 500, OutputTokens: 120},
		{RunID: "r2", SessionID: "C1:U1", Model: "gpt-4o", State: "FINALIZED",
			Rounds: 1, ToolCalls: 0, InputTokens: 300, OutputTokens: 80},
		{RunID: "r3", SessionID: "C2:U2", Model: "claude-sonnet-4", State: "ABORTED",
			Rounds: 100, ToolCalls: 100, InputTokens: 90000, OutputTokens: 4000},
	}
	for _, r := range recs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)

	sum, err := s.Summary(start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRuns != 3 {
		t.Errorf("TotalRuns = %d, want 3", sum.TotalRuns)
	}
	if sum.TotalRounds != 103 {
		t.Errorf("TotalRounds = %d, want 103", sum.TotalRounds)
	}
	if sum.TotalInputTokens != 90800 {
		t.Errorf("TotalInputTokens = %d, want 90800", sum.TotalInputTokens)
	}
}

func TestSummaryWindowExcludesOutside(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := Record{RunID: "old", Model: "gpt-4o", State: "FINALIZED",
		Timestamp: time.Now().Add(-48 * time.Hour), Rounds: 1, InputTokens: 100}
	fresh := Record{RunID: "fresh", Model: "gpt-4o", State: "FINALIZED",
		Rounds: 1, InputTokens: 200}
	for _, r := range []Record{old, fresh} {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRuns != 1 || sum.TotalInputTokens != 200 {
		t.Errorf("window summary = %+v, want only the fresh record", sum)
	}
}

func TestSummaryByModelAndState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, r := range []Record{
		{RunID: "a", Model: "gpt-4o", State: "FINALIZED", Rounds: 1, InputTokens: 10},
		{RunID: "b", Model: "gpt-4o", State: "ABORTED", Rounds: 100, InputTokens: 20},
		{RunID: "c", Model: "claude-sonnet-4", State: "FINALIZED", Rounds: 3, InputTokens: 30},
	} {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)

	byModel, err := s.SummaryByModel(start, end)
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if byModel["gpt-4o"].TotalRuns != 2 || byModel["claude-sonnet-4"].TotalRuns != 1 {
		t.Errorf("byModel = %+v", byModel)
	}

	byState, err := s.SummaryByState(start, end)
	if err != nil {
		t.Fatalf("SummaryByState: %v", err)
	}
	if byState["ABORTED"].TotalRuns != 1 || byState["FINALIZED"].TotalRuns != 2 {
		t.Errorf("byState = %+v", byState)
	}
}

func TestRecordGeneratesID(t *testing.T) {
	s := newTestStore(t)
	if err := s.Record(context.Background(), Record{RunID: "r", Model: "m", State: "FINALIZED"}); err != nil {
		t.Fatalf("Record without ID: %v", err)
	}
	sum, err := s.Summary(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRuns != 1 {
		t.Errorf("TotalRuns = %d, want 1", sum.TotalRuns)
	}
}

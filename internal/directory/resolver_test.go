package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calyptra/attache/internal/tools"
)

func newTestResolver(t *testing.T) (*Resolver, *Store, *Cache) {
	t.Helper()
	store := newTestStore(t)
	seedClients(t, store)
	cache := NewCache(store, 5*time.Minute, nil)
	return NewResolver(cache, 0, nil), store, cache
}

func TestResolveChannelBinding(t *testing.T) {
	r, _, _ := newTestResolver(t)

	res, err := r.Resolve(context.Background(), "C0INTWBX", "how are we doing on hours?", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res == nil || res.Client.Name != "Webconnex" {
		t.Fatalf("res = %+v", res)
	}
	if res.Source != "channel" {
		t.Errorf("source = %q", res.Source)
	}
}

func TestResolveChannelBeatsMessageMention(t *testing.T) {
	r, _, _ := newTestResolver(t)

	// Message names a different client, but the channel binding wins.
	res, err := r.Resolve(context.Background(), "C0EXTWBX", "did Clarity Ventures ship yet?", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Client.Name != "Webconnex" || res.Source != "channel" {
		t.Errorf("res = %+v", res)
	}
}

func TestResolveFuzzyFromMessage(t *testing.T) {
	r, _, _ := newTestResolver(t)

	tests := []struct {
		message string
		want    string
	}{
		{"whats the status on Webconnex?", "Webconnex"},
		{"any open tasks for Webconex", "Webconnex"}, // one letter off
		{`log two hours against "Clarity Ventures" please`, "Clarity Ventures"},
		{"WBX budget check", "Webconnex"}, // alias
	}
	for _, tt := range tests {
		res, err := r.Resolve(context.Background(), "C0UNBOUND", tt.message, "")
		if err != nil {
			t.Fatalf("%q: %v", tt.message, err)
		}
		if res == nil || res.Client.Name != tt.want {
			t.Errorf("%q → %+v, want %s", tt.message, res, tt.want)
		}
		if res != nil && res.Source != "message" {
			t.Errorf("%q source = %q", tt.message, res.Source)
		}
	}
}

func TestResolveAmbiguous(t *testing.T) {
	r, _, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), "", "any update from Clarity?", "")
	var ambiguous *tools.AmbiguousSubjectError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("err = %v, want AmbiguousSubjectError", err)
	}
	if len(ambiguous.Candidates) != 2 {
		t.Errorf("candidates = %v", ambiguous.Candidates)
	}
}

func TestResolveCachedSubject(t *testing.T) {
	r, _, _ := newTestResolver(t)

	res, err := r.Resolve(context.Background(), "C0UNBOUND", "and how much of their budget is left?", "Webconnex")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res == nil || res.Client.Name != "Webconnex" {
		t.Fatalf("res = %+v", res)
	}
	if res.Source != "cached" {
		t.Errorf("source = %q", res.Source)
	}
}

func TestResolveNoSubject(t *testing.T) {
	r, _, _ := newTestResolver(t)

	res, err := r.Resolve(context.Background(), "C0UNBOUND", "good morning!", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res != nil {
		t.Errorf("expected no subject, got %+v", res)
	}
}

func TestCacheInvalidateOnMutation(t *testing.T) {
	store := newTestStore(t)
	seedClients(t, store)
	cache := NewCache(store, time.Hour, nil)
	ctx := context.Background()

	// Warm the snapshot.
	before, err := cache.Clients(ctx)
	if err != nil {
		t.Fatalf("warm: %v", err)
	}
	if len(before) != 3 {
		t.Fatalf("clients = %d", len(before))
	}

	if err := store.UpsertClient(ctx, &ClientEntry{Name: "Northwind"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Within TTL the stale snapshot is still served until invalidated.
	stale, _ := cache.Clients(ctx)
	if len(stale) != 3 {
		t.Fatalf("expected stale snapshot of 3, got %d", len(stale))
	}

	cache.Invalidate()
	fresh, _ := cache.Clients(ctx)
	if len(fresh) != 4 {
		t.Errorf("after invalidate: clients = %d, want 4", len(fresh))
	}
}

func TestMatchScore(t *testing.T) {
	tests := []struct {
		candidate, name string
		min, max        float64
	}{
		{"Webconnex", "Webconnex", 1.0, 1.0},
		{"webconnex", "Webconnex", 1.0, 1.0},
		{"Webconex", "Webconnex", 0.85, 0.95},
		{"Acme", "Zenith Group", 0.0, 0.3},
		{"Clarity", "Clarity Ventures", 0.8, 0.9},
	}
	for _, tt := range tests {
		got := matchScore(tt.candidate, tt.name)
		if got < tt.min || got > tt.max {
			t.Errorf("matchScore(%q, %q) = %.3f, want [%.2f, %.2f]",
				tt.candidate, tt.name, got, tt.min, tt.max)
		}
	}
}

func TestExtractCandidates(t *testing.T) {
	got := extractCandidates(`Can you check "Acme Labs" and also Clarity Ventures today?`)

	want := map[string]bool{"Acme Labs": false, "Clarity Ventures": false}
	for _, c := range got {
		if _, ok := want[c]; ok {
			want[c] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("candidate %q not extracted, got %v", name, got)
		}
	}

	if got := extractCandidates("whats up today"); len(got) != 0 {
		t.Errorf("lowercase message should yield no candidates, got %v", got)
	}
}

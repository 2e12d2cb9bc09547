package directory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/calyptra/attache/internal/tools"
)

// Resolution describes how a subject was determined for a message.
type Resolution struct {
	Client *ClientEntry
	Source string  // "channel", "message", or "cached"
	Score  float64 // match confidence, 1.0 for channel and cached
}

// Resolver determines which client a conversation is about. The checks
// run in priority order: a channel bound to exactly one client wins,
// then a fuzzy match against names in the message text, then the
// session's previously resolved subject.
type Resolver struct {
	cache     *Cache
	threshold float64
	tieWindow float64
	logger    *slog.Logger
}

// Default match tuning. Exact and near-exact names clear the threshold
// comfortably; unrelated names score well below it.
const (
	DefaultThreshold = 0.72
	defaultTieWindow = 0.08
)

// NewResolver creates a resolver over the directory cache. threshold
// is the minimum fuzzy score to accept; zero selects the default.
func NewResolver(cache *Cache, threshold float64, logger *slog.Logger) *Resolver {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cache:     cache,
		threshold: threshold,
		tieWindow: defaultTieWindow,
		logger:    logger.With("component", "resolver"),
	}
}

// Resolve determines the subject for a message. cachedSubject is the
// client name the session last resolved, or empty. A nil Resolution
// with nil error means no subject could be determined; the caller
// proceeds without one. Ambiguous matches return
// *tools.AmbiguousSubjectError listing the contenders.
func (r *Resolver) Resolve(ctx context.Context, channelID, message, cachedSubject string) (*Resolution, error) {
	clients, err := r.cache.Clients(ctx)
	if err != nil {
		return nil, err
	}

	// Channel binding is authoritative when exactly one client claims
	// the channel.
	if channelID != "" {
		var bound []*ClientEntry
		for _, c := range clients {
			if c.InternalChannelID == channelID || c.ExternalChannelID == channelID {
				bound = append(bound, c)
			}
		}
		if len(bound) == 1 {
			r.logger.Debug("subject resolved by channel", "channel", channelID, "client", bound[0].Name)
			return &Resolution{Client: bound[0], Source: "channel", Score: 1.0}, nil
		}
		if len(bound) > 1 {
			names := make([]string, len(bound))
			for i, c := range bound {
				names[i] = c.Name
			}
			return nil, &tools.AmbiguousSubjectError{Query: channelID, Candidates: names}
		}
	}

	// Fuzzy match candidate names pulled from the message text.
	if res, err := r.matchMessage(message, clients); err != nil || res != nil {
		return res, err
	}

	// Fall back to the session's previous subject.
	if cachedSubject != "" {
		for _, c := range clients {
			if strings.EqualFold(c.Name, cachedSubject) {
				r.logger.Debug("subject resolved from session", "client", c.Name)
				return &Resolution{Client: c, Source: "cached", Score: 1.0}, nil
			}
		}
	}

	return nil, nil
}

type scored struct {
	client *ClientEntry
	score  float64
}

func (r *Resolver) matchMessage(message string, clients []*ClientEntry) (*Resolution, error) {
	candidates := extractCandidates(message)
	if len(candidates) == 0 {
		return nil, nil
	}

	var matches []scored
	for _, c := range clients {
		best := 0.0
		for _, name := range c.Names() {
			for _, candidate := range candidates {
				if s := matchScore(candidate, name); s > best {
					best = s
				}
			}
		}
		if best >= r.threshold {
			matches = append(matches, scored{client: c, score: best})
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})

	// Distinct clients inside the tie window cannot be told apart.
	if len(matches) > 1 && matches[0].score-matches[1].score < r.tieWindow {
		var names []string
		for _, m := range matches {
			if matches[0].score-m.score < r.tieWindow {
				names = append(names, m.client.Name)
			}
		}
		return nil, &tools.AmbiguousSubjectError{Query: candidates[0], Candidates: names}
	}

	best := matches[0]
	r.logger.Debug("subject resolved by match",
		"client", best.client.Name,
		"score", best.score,
	)
	return &Resolution{Client: best.client, Source: "message", Score: best.score}, nil
}

// extractCandidates pulls likely subject names from a message:
// quoted spans and runs of capitalized words. Results are deduplicated
// preserving first occurrence.
func extractCandidates(message string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if len(s) > 1 && !seen[key] {
			seen[key] = true
			out = append(out, s)
		}
	}

	// Quoted spans.
	for _, quote := range []string{`"`, "'", "“"} {
		rest := message
		for {
			start := strings.Index(rest, quote)
			if start < 0 {
				break
			}
			closeQuote := quote
			if quote == "“" {
				closeQuote = "”"
			}
			end := strings.Index(rest[start+len(quote):], closeQuote)
			if end < 0 {
				break
			}
			add(rest[start+len(quote) : start+len(quote)+end])
			rest = rest[start+len(quote)+end+len(closeQuote):]
		}
	}

	// Runs of capitalized words ("Webconnex", "Acme Labs").
	words := strings.Fields(message)
	var run []string
	flush := func() {
		if len(run) > 0 {
			add(strings.Join(run, " "))
			run = nil
		}
	}
	for _, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if trimmed == "" {
			flush()
			continue
		}
		first := []rune(trimmed)[0]
		// Capitalized sentence openers like "What" or "Show" start
		// sentences, not names; skip them unless they continue a run.
		if unicode.IsUpper(first) && !(len(run) == 0 && isCommonOpener(trimmed)) {
			run = append(run, trimmed)
		} else {
			flush()
		}
		// Trailing punctuation ends the run.
		if strings.IndexAny(w, ".,!?;:") >= 0 {
			flush()
		}
	}
	flush()

	return out
}

// isCommonOpener filters capitalized words that start sentences but
// never name clients.
func isCommonOpener(word string) bool {
	switch strings.ToLower(word) {
	case "the", "a", "an", "what", "whats", "who", "how", "when", "where",
		"why", "can", "could", "please", "show", "list", "give", "tell",
		"is", "are", "do", "does", "did", "i", "we", "hey", "hi", "hello",
		"create", "update", "add", "log", "check":
		return true
	}
	return false
}

// matchScore scores a candidate string against a client name in [0,1].
// Exact (case-insensitive) match is 1.0. A whole-word subset ("Clarity"
// against "Clarity Ventures") is a strong 0.85. Bare substring
// containment scores 0.8 scaled by length ratio, and everything else
// falls back to normalized edit distance.
func matchScore(candidate, name string) float64 {
	a := strings.ToLower(strings.TrimSpace(candidate))
	b := strings.ToLower(strings.TrimSpace(name))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1.0
	}

	if tokenSubset(a, b) || tokenSubset(b, a) {
		return 0.85
	}

	if strings.Contains(b, a) || strings.Contains(a, b) {
		shorter, longer := len(a), len(b)
		if shorter > longer {
			shorter, longer = longer, shorter
		}
		return 0.8 * float64(shorter) / float64(longer)
	}

	dist := levenshtein(a, b)
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	return 1.0 - float64(dist)/float64(longest)
}

// tokenSubset reports whether every word of a appears as a word of b.
func tokenSubset(a, b string) bool {
	aTokens := strings.Fields(a)
	if len(aTokens) == 0 {
		return false
	}
	bTokens := strings.Fields(b)
	if len(aTokens) >= len(bTokens) {
		return false
	}
	for _, at := range aTokens {
		found := false
		for _, bt := range bTokens {
			if at == bt {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// levenshtein computes edit distance with a two-row table.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

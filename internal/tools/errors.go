package tools

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds carried in result envelopes. The set is closed: every
// failed dispatch maps to exactly one of these so downstream consumers
// can switch on the kind without string matching messages.
const (
	KindInvalidArguments    = "invalid_arguments"
	KindUnknownTool         = "unknown_tool"
	KindUpstreamUnavailable = "upstream_unavailable"
	KindNotFound            = "not_found"
	KindPermissionDenied    = "permission_denied"
	KindTimeout             = "timeout"
	KindAmbiguousSubject    = "ambiguous_subject"
	KindRoundLimitReached   = "round_limit_reached"
)

// Sentinel errors handlers wrap to signal a classification. The
// dispatcher maps them to error kinds with errors.Is.
var (
	// ErrNotFound indicates the referenced entity does not exist
	// upstream.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied indicates the upstream rejected the
	// credentials or scope for this operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUpstream indicates the upstream service could not be reached
	// or returned a server-side failure.
	ErrUpstream = errors.New("upstream unavailable")
)

// AmbiguousSubjectError is returned when a query matches multiple
// subjects too closely to pick one. Candidates lists the contenders in
// score order so the caller can ask the user to choose.
type AmbiguousSubjectError struct {
	Query      string
	Candidates []string
}

func (e *AmbiguousSubjectError) Error() string {
	return fmt.Sprintf("ambiguous subject %q: could be %s", e.Query, strings.Join(e.Candidates, ", "))
}

// classify maps a handler error to an error kind.
func classify(err error) string {
	var ambiguous *AmbiguousSubjectError
	switch {
	case errors.As(err, &ambiguous):
		return KindAmbiguousSubject
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case isTimeout(err):
		return KindTimeout
	default:
		// Unexpected handler failures look like upstream trouble to
		// the model, which is the retry-safe interpretation.
		return KindUpstreamUnavailable
	}
}

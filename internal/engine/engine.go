// Package engine runs the orchestration loop that turns an incoming
// chat message into a final reply: it resolves the conversation's
// subject, hands history and tool definitions to the model, executes
// requested tool calls, and feeds results back until the model answers
// in plain text or the round ceiling is hit.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/calyptra/attache/internal/directory"
	"github.com/calyptra/attache/internal/llm"
	"github.com/calyptra/attache/internal/session"
	"github.com/calyptra/attache/internal/tools"
	"github.com/calyptra/attache/internal/usage"
)

// Loop states. A run starts awaiting the model and alternates with
// tool execution until it lands in one of the two terminal states.
type State string

const (
	StateAwaitingModel  State = "AWAITING_MODEL"
	StateExecutingTools State = "EXECUTING_TOOLS"
	StateFinalized      State = "FINALIZED"
	StateAborted        State = "ABORTED"
)

// DefaultMaxRounds bounds model/tool round trips per message.
const DefaultMaxRounds = 100

// Message is one incoming chat message. ThreadID identifies the
// conversation thread; sessions are scoped to it.
type Message struct {
	SessionID string
	ChannelID string
	ThreadID  string
	UserID    string
	Text      string
}

// Outcome is the result of processing one message.
type Outcome struct {
	State        State
	Reply        string
	Rounds       int
	ToolCalls    int
	InputTokens  int
	OutputTokens int
	Subject      *session.Subject
}

// Config tunes the engine.
type Config struct {
	Model        string
	MaxRounds    int
	ModelTimeout time.Duration
}

// UsageRecorder receives a per-run accounting record after each
// processed message. Satisfied by *usage.Store.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Engine orchestrates message processing.
type Engine struct {
	llm        llm.Client
	model      string
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	resolver   *directory.Resolver
	sessions   *session.Store
	usage      UsageRecorder
	maxRounds  int
	modelTO    time.Duration
	logger     *slog.Logger
}

// New creates an engine.
func New(client llm.Client, registry *tools.Registry, dispatcher *tools.Dispatcher, resolver *directory.Resolver, sessions *session.Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		llm:        client,
		model:      cfg.Model,
		registry:   registry,
		dispatcher: dispatcher,
		resolver:   resolver,
		sessions:   sessions,
		maxRounds:  cfg.MaxRounds,
		modelTO:    cfg.ModelTimeout,
		logger:     logger.With("component", "engine"),
	}
}

// SetUsageRecorder enables per-run accounting. Optional; a nil engine
// recorder means runs are not persisted.
func (e *Engine) SetUsageRecorder(r UsageRecorder) {
	e.usage = r
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"
)

// Call is a single tool invocation requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Result is the uniform envelope every dispatch produces. Status is
// "ok" or "error"; ErrorKind is set only on error.
type Result struct {
	Status    string `json:"status"`
	Payload   string `json:"payload,omitempty"`
	ErrorKind string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ForModel renders the result as the JSON document fed back to the
// model as the tool message body.
func (r Result) ForModel() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"status":"error","error":"upstream_unavailable","message":"result encoding failed"}`
	}
	return string(b)
}

// OK builds a success result.
func OK(payload string) Result {
	return Result{Status: "ok", Payload: payload}
}

// Errorf builds an error result with the given kind.
func Errorf(kind, format string, args ...any) Result {
	return Result{Status: "error", ErrorKind: kind, Message: fmt.Sprintf(format, args...)}
}

// Dispatcher validates and executes tool calls against a registry.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	timeout  time.Duration
}

// NewDispatcher creates a dispatcher. timeout bounds each handler
// invocation; zero means no per-call limit beyond the caller's context.
func NewDispatcher(registry *Registry, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger.With("component", "dispatcher"),
		timeout:  timeout,
	}
}

// Dispatch runs one tool call and always returns a result envelope.
// Arguments are validated against the tool's parameter schema before
// the handler runs, so mutating handlers never see malformed input.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Result {
	tool := d.registry.Get(call.Name)
	if tool == nil {
		d.logger.Warn("unknown tool requested", "tool", call.Name)
		return Errorf(KindUnknownTool, "no tool named %q is available", call.Name)
	}

	if raw, ok := call.Arguments["_raw"]; ok {
		return Errorf(KindInvalidArguments, "arguments were not valid JSON: %v", raw)
	}
	if err := validateArgs(tool.Parameters, call.Arguments); err != nil {
		d.logger.Warn("argument validation failed", "tool", call.Name, "error", err)
		return Errorf(KindInvalidArguments, "%v", err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	payload, err := tool.Handler(ctx, call.Arguments)
	elapsed := time.Since(start)

	if err != nil {
		kind := classify(err)
		d.logger.Warn("tool call failed",
			"tool", call.Name,
			"kind", kind,
			"elapsed", elapsed,
			"error", err,
		)
		return Errorf(kind, "%v", err)
	}

	d.logger.Debug("tool call completed", "tool", call.Name, "elapsed", elapsed)
	return OK(payload)
}

// validateArgs checks args against a JSON Schema object definition:
// required properties must be present, and present properties must
// match their declared type. Properties not in the schema pass through
// untouched.
func validateArgs(schema, args map[string]any) error {
	if schema == nil {
		return nil
	}

	properties, _ := schema["properties"].(map[string]any)

	if required := requiredNames(schema["required"]); len(required) > 0 {
		var missing []string
		for _, name := range required {
			if _, ok := args[name]; !ok {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("missing required argument(s): %s", strings.Join(missing, ", "))
		}
	}

	for name, value := range args {
		prop, ok := properties[name].(map[string]any)
		if !ok {
			continue
		}
		declared, _ := prop["type"].(string)
		if declared == "" || value == nil {
			continue
		}
		if !matchesType(declared, value) {
			return fmt.Errorf("argument %q must be of type %s", name, declared)
		}
	}
	return nil
}

// requiredNames normalizes the "required" field, which arrives as
// []string when built in code and []any when decoded from JSON.
func requiredNames(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		var names []string
		for _, item := range req {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
		return names
	}
	return nil
}

// matchesType checks a decoded JSON value against a schema type name.
// Numbers arrive as float64; "integer" additionally requires a whole
// value.
func matchesType(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "integer":
		switch n := value.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	}
	return true
}

// isTimeout reports whether an error represents a deadline expiry,
// either from the dispatch context or a network timeout underneath.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

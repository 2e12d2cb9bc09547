// Attache is a project-management assistant for chat.
//
// It connects to the chat platform's socket-mode gateway, resolves
// which client a conversation is about, and answers questions by
// orchestrating task-tracker and client-directory tools through a
// reasoning model. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	attache serve            Connect to chat and serve messages
//	attache ask <question>   Ask a single question (for testing)
//	attache version          Print version and build information
//	attache -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/calyptra/attache/internal/buildinfo"
	"github.com/calyptra/attache/internal/config"
	"github.com/calyptra/attache/internal/directory"
	"github.com/calyptra/attache/internal/engine"
	"github.com/calyptra/attache/internal/gateway"
	"github.com/calyptra/attache/internal/llm"
	"github.com/calyptra/attache/internal/session"
	"github.com/calyptra/attache/internal/tools"
	"github.com/calyptra/attache/internal/tracker"
	"github.com/calyptra/attache/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit and os.Args out of the application logic so the lifecycle can
// be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the attache command. Arguments are
// parsed by hand; the flag package relies on package-level globals that
// interfere with calling run() concurrently from tests, and the
// argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: attache ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Attache - Project Management Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: attache [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Connect to chat and serve messages")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runAsk handles "attache ask <question>". It boots the engine without
// the chat gateway and processes one question against a throwaway
// session, printing the reply to stdout. Useful for smoke tests.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	deps, err := buildDeps(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	outcome, err := deps.engine.HandleMessage(ctx, engine.Message{
		SessionID: "cli",
		Text:      strings.Join(args, " "),
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, outcome.Reply)
	return nil
}

// runServe is the primary operating mode: loads config, opens the
// client directory, builds the tool registry and engine, starts the
// session janitor and ops endpoint, and holds the gateway connection
// until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Attache", "version", buildinfo.String())

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"model", cfg.OpenAI.Model,
		"max_rounds", cfg.Engine.MaxRounds,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildDeps(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	// Sweep idle sessions in the background for the life of the process.
	go deps.sessions.Run(ctx)

	// Ops endpoint: liveness and build info for monitoring.
	if cfg.Listen.Port > 0 {
		go serveOps(ctx, cfg.Listen, deps.usage, logger)
	}

	gw := gateway.New(gateway.Config{
		APIURL:    cfg.Chat.GatewayURL,
		AppToken:  cfg.Chat.AppToken,
		BotToken:  cfg.Chat.BotToken,
		BotUserID: cfg.Chat.BotUserID,
	}, deps.gwAPI, deps.engine, logger)

	err = gw.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("gateway: %w", err)
	}

	logger.Info("Attache stopped")
	return nil
}

// deps bundles the wired application components so serve and ask share
// one construction path.
type deps struct {
	engine   *engine.Engine
	sessions *session.Store
	dir      *directory.Store
	usage    *usage.Store
	gwAPI    *gateway.API
}

func (d *deps) Close() {
	if d.usage != nil {
		d.usage.Close()
	}
	if d.dir != nil {
		d.dir.Close()
	}
}

// buildDeps wires the directory, tracker, tool registry, model client,
// sessions, and engine from config.
func buildDeps(cfg *config.Config, logger *slog.Logger) (*deps, error) {
	if cfg.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("openai.api_key is required")
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	dirPath := filepath.Join(dataDir, "directory.db")
	dirStore, err := directory.Open(dirPath)
	if err != nil {
		return nil, fmt.Errorf("open client directory %s: %w", dirPath, err)
	}

	cache := directory.NewCache(dirStore, cfg.Resolver.CacheTTL, logger)
	resolver := directory.NewResolver(cache, cfg.Resolver.MatchThreshold, logger)

	registry := tools.NewRegistry()
	directory.RegisterTools(registry, dirStore, cache)

	if cfg.Tracker.Token != "" {
		trackerClient := tracker.NewClient(cfg.Tracker.BaseURL, cfg.Tracker.Token, cfg.Tracker.TeamID, logger)
		tracker.RegisterTools(registry, trackerClient)
	} else {
		logger.Warn("tracker not configured - task tools unavailable")
	}

	// Message-history tools share one API client with the socket gateway.
	var gwAPI *gateway.API
	if cfg.Chat.BotToken != "" {
		gwAPI = gateway.NewAPI(gateway.Config{
			APIURL:   cfg.Chat.GatewayURL,
			AppToken: cfg.Chat.AppToken,
			BotToken: cfg.Chat.BotToken,
		}, logger)
		gateway.RegisterMessageTools(registry, gwAPI, cfg.Chat.BotUserID, logger)
	} else {
		logger.Warn("chat not configured - message tools unavailable")
	}
	logger.Info("tools registered", "count", len(registry.Names()))

	dispatcher := tools.NewDispatcher(registry, cfg.Engine.ToolTimeout, logger)

	llmClient := createLLMClient(cfg, logger)

	sessions := session.NewStore(cfg.Sessions.TTL, cfg.Sessions.MaxTurns, logger)

	eng := engine.New(llmClient, registry, dispatcher, resolver, sessions, engine.Config{
		Model:        cfg.OpenAI.Model,
		MaxRounds:    cfg.Engine.MaxRounds,
		ModelTimeout: cfg.Engine.ModelTimeout,
	}, logger)

	usagePath := filepath.Join(dataDir, "usage.db")
	usageStore, err := usage.NewStore(usagePath)
	if err != nil {
		dirStore.Close()
		return nil, fmt.Errorf("open usage store %s: %w", usagePath, err)
	}
	eng.SetUsageRecorder(usageStore)

	return &deps{engine: eng, sessions: sessions, dir: dirStore, usage: usageStore, gwAPI: gwAPI}, nil
}

// createLLMClient builds the model client. OpenAI is the default
// provider; when an Anthropic key is configured, claude-prefixed models
// route there.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	openaiClient := llm.NewOpenAIClient(cfg.OpenAI.APIKey, "", logger)

	if cfg.Anthropic.APIKey == "" {
		return openaiClient
	}

	multi := llm.NewMultiClient(openaiClient)
	multi.AddProvider("openai", openaiClient)
	multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
	if cfg.Anthropic.Model != "" {
		multi.AddModel(cfg.Anthropic.Model, "anthropic")
	}
	logger.Info("Anthropic provider configured")
	return multi
}

// serveOps runs the small HTTP endpoint for liveness checks and build
// information. Failures here are logged, never fatal — the chat
// gateway is the product, the ops port is a convenience.
func serveOps(ctx context.Context, listen config.ListenConfig, usageStore *usage.Store, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(buildinfo.Info())
	})
	mux.HandleFunc("/usage", func(w http.ResponseWriter, r *http.Request) {
		end := time.Now()
		start := end.Add(-24 * time.Hour)
		total, err := usageStore.Summary(start, end)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		byState, err := usageStore.SummaryByState(start, end)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"window_hours": 24,
			"total":        total,
			"by_state":     byState,
		})
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", listen.Address, listen.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("ops endpoint listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("ops endpoint failed", "error", err)
	}
}

// newLogger creates the structured logger all output goes through.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

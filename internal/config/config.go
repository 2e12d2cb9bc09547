// Package config handles Attache configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/attache/config.yaml, /etc/attache/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "attache", "config.yaml"))
	}

	paths = append(paths, "/etc/attache/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Attache configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Chat      ChatConfig      `yaml:"chat"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Engine    EngineConfig    `yaml:"engine"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the ops HTTP endpoint settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ChatConfig defines the chat-platform gateway connection. AppToken
// opens the socket connection; BotToken posts messages.
type ChatConfig struct {
	AppToken   string `yaml:"app_token"`
	BotToken   string `yaml:"bot_token"`
	BotUserID  string `yaml:"bot_user_id"`
	GatewayURL string `yaml:"gateway_url"`
}

// OpenAIConfig defines OpenAI API settings.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// TrackerConfig defines the task-tracker API connection.
type TrackerConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	TeamID  string `yaml:"team_id"`
}

// EngineConfig bounds the orchestration loop.
type EngineConfig struct {
	// MaxRounds is the hard ceiling on model/tool rounds per message.
	// The ceiling guarantees termination; it is deliberately high so
	// legitimate long tool chains are not truncated.
	MaxRounds int `yaml:"max_rounds"`
	// ModelTimeout bounds each reasoning-service call.
	ModelTimeout time.Duration `yaml:"model_timeout"`
	// ToolTimeout bounds each individual tool dispatch.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// ResolverConfig tunes subject resolution.
type ResolverConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// MatchThreshold is the minimum fuzzy score (0..1) for a name
	// candidate to count as a match.
	MatchThreshold float64 `yaml:"match_threshold"`
}

// SessionsConfig tunes conversation session retention.
type SessionsConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	MaxTurns int           `yaml:"max_turns"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets stay out of the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with all tunables at their defaults.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		OpenAI: OpenAIConfig{Model: "gpt-4o"},
		Engine: EngineConfig{
			MaxRounds:    100,
			ModelTimeout: 120 * time.Second,
			ToolTimeout:  30 * time.Second,
		},
		Resolver: ResolverConfig{
			CacheTTL:       5 * time.Minute,
			MatchThreshold: 0.72,
		},
		Sessions: SessionsConfig{
			TTL:      8 * time.Hour,
			MaxTurns: 80,
		},
	}
}

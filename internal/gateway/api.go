package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/calyptra/attache/internal/httpkit"
	"github.com/calyptra/attache/internal/tools"
)

const defaultAPIURL = "https://slack.com/api"

// API is the chat platform's HTTP API client. The socket client uses
// it to open connections and post replies; the message tools use it to
// read channel history.
type API struct {
	baseURL  string
	appToken string
	botToken string
	http     *http.Client
	logger   *slog.Logger
}

// NewAPI creates an HTTP API client from the gateway config.
func NewAPI(cfg Config, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.APIURL
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	return &API{
		baseURL:  strings.TrimRight(baseURL, "/"),
		appToken: cfg.AppToken,
		botToken: cfg.BotToken,
		http: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// ChatMessage is one message returned by the history calls.
type ChatMessage struct {
	User     string `json:"user"`
	BotID    string `json:"bot_id,omitempty"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// apiResponse is the common shape of API call results.
type apiResponse struct {
	OK       bool          `json:"ok"`
	Error    string        `json:"error"`
	URL      string        `json:"url"`
	Messages []ChatMessage `json:"messages"`
}

// openConnection requests a fresh WebSocket URL. Authorized with the
// app-level token.
func (a *API) openConnection(ctx context.Context) (string, error) {
	resp, err := a.call(ctx, "apps.connections.open", a.appToken, nil)
	if err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("apps.connections.open: empty url")
	}
	if _, err := url.Parse(resp.URL); err != nil {
		return "", fmt.Errorf("apps.connections.open: bad url: %w", err)
	}
	return resp.URL, nil
}

// postMessage posts text to a channel, threading under threadTS when
// set. Authorized with the bot token.
func (a *API) postMessage(ctx context.Context, channel, text, threadTS string) error {
	body := map[string]string{
		"channel": channel,
		"text":    text,
	}
	if threadTS != "" {
		body["thread_ts"] = threadTS
	}
	_, err := a.call(ctx, "chat.postMessage", a.botToken, body)
	return err
}

// conversationHistory fetches the most recent messages in a channel,
// newest first. Authorized with the bot token.
func (a *API) conversationHistory(ctx context.Context, channel string, limit int) ([]ChatMessage, error) {
	resp, err := a.call(ctx, "conversations.history", a.botToken, map[string]any{
		"channel": channel,
		"limit":   limit,
	})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// conversationReplies fetches one thread's messages, oldest first.
func (a *API) conversationReplies(ctx context.Context, channel, threadTS string, limit int) ([]ChatMessage, error) {
	resp, err := a.call(ctx, "conversations.replies", a.botToken, map[string]any{
		"channel": channel,
		"ts":      threadTS,
		"limit":   limit,
	})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (a *API) call(ctx context.Context, method, token string, body any) (*apiResponse, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode: %w", method, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	httpResp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 4096)

	if httpResp.StatusCode != http.StatusOK {
		detail := httpkit.ReadErrorBody(httpResp.Body, 2048)
		return nil, fmt.Errorf("%s: status %d: %s", method, httpResp.StatusCode, detail)
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", method, err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("%s: api error %q: %w", method, resp.Error, classifyAPIError(resp.Error))
	}
	return &resp, nil
}

// classifyAPIError maps the platform's error strings onto the tool
// sentinel errors so dispatch classification stays mechanical.
func classifyAPIError(apiError string) error {
	switch {
	case strings.HasSuffix(apiError, "_not_found"):
		return tools.ErrNotFound
	case apiError == "not_in_channel" || apiError == "missing_scope" || apiError == "invalid_auth":
		return tools.ErrPermissionDenied
	default:
		return tools.ErrUpstream
	}
}

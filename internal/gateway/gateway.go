// Package gateway connects the engine to the chat platform over its
// socket-mode WebSocket. It opens a connection URL via the HTTP API,
// reads event envelopes, acks them, and forwards user messages to the
// engine, posting replies back through the HTTP API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/calyptra/attache/internal/engine"
	"github.com/calyptra/attache/internal/session"
)

// Handler processes one inbound chat message. Satisfied by
// *engine.Engine.
type Handler interface {
	HandleMessage(ctx context.Context, msg engine.Message) (*engine.Outcome, error)
}

const (
	reconnectBase = 2 * time.Second
	reconnectMax  = time.Minute
)

// Client is the socket-mode gateway client.
type Client struct {
	api       *API
	botUserID string
	handler   Handler
	logger    *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// Config for the gateway client.
type Config struct {
	APIURL    string // HTTP API base; empty for the platform default
	AppToken  string
	BotToken  string
	BotUserID string
}

// New creates a gateway client. A nil api gets one built from cfg;
// passing one in lets the socket client share it with the message
// tools.
func New(cfg Config, api *API, handler Handler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")
	if api == nil {
		api = NewAPI(cfg, logger)
	}
	return &Client{
		api:       api,
		botUserID: cfg.BotUserID,
		handler:   handler,
		logger:    logger,
	}
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff after connection loss.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.connectAndServe(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("connection lost", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Orderly disconnect (e.g. refresh requested): reconnect
		// immediately.
		backoff = reconnectBase
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	wsURL, err := c.api.openConnection(ctx)
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	c.logger.Info("gateway connected")

	g, gctx := errgroup.WithContext(ctx)

	// Close the socket when the context dies so the read pump unblocks.
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return gctx.Err()
	})

	// Events are handled under the outer ctx, not the connection's: a
	// socket drop must not abort in-flight runs, since replies go out
	// over the HTTP API anyway.
	g.Go(func() error {
		return c.readPump(ctx, conn)
	})

	err = g.Wait()
	if errors.Is(err, errDisconnectRequested) {
		c.logger.Info("gateway requested reconnect")
		return nil
	}
	return err
}

var errDisconnectRequested = errors.New("disconnect requested")

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read envelope: %w", err)
		}

		switch env.Type {
		case "hello":
			c.logger.Debug("hello received")

		case "disconnect":
			c.logger.Debug("disconnect envelope", "reason", env.Reason)
			return errDisconnectRequested

		case "events_api":
			// Ack before processing so the platform does not redeliver
			// while a long orchestration runs.
			if err := c.ack(env.EnvelopeID); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
			var payload eventPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				c.logger.Warn("bad event payload", "error", err)
				continue
			}
			go c.handleEvent(ctx, payload.Event)

		default:
			c.logger.Debug("unhandled envelope type", "type", env.Type)
		}
	}
}

func (c *Client) ack(envelopeID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(ack{EnvelopeID: envelopeID})
}

// handleEvent forwards one message event to the engine and posts the
// reply. Events from bots (ourselves included) are dropped to avoid
// feedback loops.
func (c *Client) handleEvent(ctx context.Context, ev chatEvent) {
	if ev.Type != "message" && ev.Type != "app_mention" {
		return
	}
	if ev.BotID != "" || ev.User == "" || ev.User == c.botUserID {
		return
	}
	// Message edits and other subtyped events are not user requests.
	if ev.Subtype != "" {
		return
	}

	text := stripMention(ev.Text, c.botUserID)
	if text == "" {
		return
	}

	// Sessions are scoped to the conversation thread. A thread root has
	// no thread_ts yet; its own ts anchors the thread it starts.
	threadTS := ev.ThreadTS
	if threadTS == "" {
		threadTS = ev.TS
	}

	msg := engine.Message{
		SessionID: ev.Channel + ":" + threadTS,
		ChannelID: ev.Channel,
		ThreadID:  threadTS,
		UserID:    ev.User,
		Text:      text,
	}

	logger := c.logger.With("channel", ev.Channel, "user", ev.User)
	logger.Info("message received", "chars", len(text))

	outcome, err := c.handler.HandleMessage(ctx, msg)
	switch {
	case errors.Is(err, session.ErrBusy):
		c.post(ctx, ev, "Still working on your previous message, one moment.")
		return
	case err != nil:
		logger.Error("message processing failed", "error", err)
		if outcome != nil && outcome.Reply != "" {
			c.post(ctx, ev, outcome.Reply)
			return
		}
		c.post(ctx, ev, "Something went wrong handling that, please try again.")
		return
	}

	if outcome.Reply != "" {
		c.post(ctx, ev, outcome.Reply)
	}
}

func (c *Client) post(ctx context.Context, ev chatEvent, text string) {
	// Replies always anchor a thread: the existing one, or the message
	// itself when it was posted at channel level.
	threadTS := ev.ThreadTS
	if threadTS == "" {
		threadTS = ev.TS
	}
	if err := c.api.postMessage(ctx, ev.Channel, text, threadTS); err != nil {
		c.logger.Error("post reply failed", "channel", ev.Channel, "error", err)
	}
}

// stripMention removes a leading bot mention like "<@U123ABC>" and
// surrounding whitespace.
func stripMention(text, botUserID string) string {
	text = strings.TrimSpace(text)
	if botUserID != "" {
		mention := "<@" + botUserID + ">"
		text = strings.TrimSpace(strings.TrimPrefix(text, mention))
	}
	return text
}

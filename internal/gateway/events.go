package gateway

import "encoding/json"

// envelope is the socket-mode frame wrapping every server message.
type envelope struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id"`
	Payload    json.RawMessage `json:"payload"`
	Reason     string          `json:"reason,omitempty"`
}

// ack acknowledges receipt of an envelope.
type ack struct {
	EnvelopeID string `json:"envelope_id"`
}

type eventPayload struct {
	Event chatEvent `json:"event"`
}

// chatEvent is the subset of the events API message event we act on.
type chatEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

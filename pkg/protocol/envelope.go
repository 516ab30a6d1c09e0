// Package protocol defines the socket-mode wire format exchanged between the
// bot and the platform's event gateway.
//
// Every inbound frame is a JSON envelope whose "type" field decides how its
// payload is interpreted. Envelopes carrying an envelope_id must be
// acknowledged exactly once with an Ack frame on the same connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope types sent by the gateway.
const (
	TypeHello         = "hello"
	TypeDisconnect    = "disconnect"
	TypeEventsAPI     = "events_api"
	TypeSlashCommands = "slash_commands"
	TypeInteractive   = "interactive"

	// TypeAppMention is not documented as a top-level envelope type but some
	// gateways deliver mentions this way; its payload is the event itself.
	TypeAppMention = "app_mention"
)

// Inner event types carried by events_api envelopes.
const (
	EventMessage    = "message"
	EventAppMention = "app_mention"
)

// Disconnect reasons.
const (
	ReasonRefreshRequested = "refresh_requested"
	ReasonLinkDisabled     = "link_disabled"
	ReasonWarning          = "warning"
)

// ErrMalformedFrame is returned by Decode for frames that are not a valid envelope.
var ErrMalformedFrame = errors.New("malformed frame")

// Envelope is one inbound unit of data on the socket.
type Envelope struct {
	Type                   string          `json:"type"`
	EnvelopeID             string          `json:"envelope_id,omitempty"`
	AcceptsResponsePayload bool            `json:"accepts_response_payload,omitempty"`
	Payload                json.RawMessage `json:"payload,omitempty"`
	ConnectionInfo         json.RawMessage `json:"connection_info,omitempty"`
	Reason                 string          `json:"reason,omitempty"`
	RetryAttempt           int             `json:"retry_attempt,omitempty"`
	RetryReason            string          `json:"retry_reason,omitempty"`
	NumConnections         int             `json:"num_connections,omitempty"`
}

// NeedsAck reports whether the envelope must be acknowledged.
func (e *Envelope) NeedsAck() bool {
	return e.EnvelopeID != ""
}

// ConnectionInfo is the connection_info block of a hello envelope.
type ConnectionInfo struct {
	AppID string `json:"app_id"`
}

// EventsAPIPayload is the payload of an events_api envelope.
type EventsAPIPayload struct {
	TeamID    string `json:"team_id,omitempty"`
	APIAppID  string `json:"api_app_id,omitempty"`
	Type      string `json:"type,omitempty"` // "event_callback"
	EventID   string `json:"event_id,omitempty"`
	EventTime int64  `json:"event_time,omitempty"`
	Event     Event  `json:"event"`
}

// Event is the inner event of an events_api envelope.
type Event struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	Text     string `json:"text"`
	BotID    string `json:"bot_id,omitempty"`
	TS       string `json:"ts,omitempty"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// FromBot reports whether the event was produced by a bot user.
func (e *Event) FromBot() bool {
	return e.BotID != ""
}

// SlashCommand is the payload of a slash_commands envelope.
type SlashCommand struct {
	Command     string `json:"command"`
	Text        string `json:"text"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	UserName    string `json:"user_name,omitempty"`
	TeamID      string `json:"team_id,omitempty"`
	ResponseURL string `json:"response_url,omitempty"`
	TriggerID   string `json:"trigger_id,omitempty"`
}

// Ack is the outbound acknowledgment frame.
type Ack struct {
	EnvelopeID string `json:"envelope_id"`
	Payload    any    `json:"payload,omitempty"`
}

// Decode parses a raw frame into an Envelope. Frames that are not JSON objects
// or that lack a type are rejected with ErrMalformedFrame.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &env, nil
}

// DecodeEvent extracts the inner event of an events_api envelope. For a
// top-level app_mention envelope the payload is the event itself.
func (e *Envelope) DecodeEvent() (*Event, error) {
	if len(e.Payload) == 0 {
		return nil, fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if e.Type == TypeAppMention {
		var ev Event
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal app_mention: %w", err)
		}
		if ev.Type == "" {
			ev.Type = EventAppMention
		}
		return &ev, nil
	}

	var p EventsAPIPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal events_api payload: %w", err)
	}
	return &p.Event, nil
}

// DedupKey identifies the delivery for redelivery detection. events_api
// envelopes use the inner event_id when present since a retried event may
// arrive under a new envelope id.
func (e *Envelope) DedupKey() string {
	if e.Type == TypeEventsAPI && len(e.Payload) > 0 {
		var p struct {
			EventID string `json:"event_id"`
		}
		if json.Unmarshal(e.Payload, &p) == nil && p.EventID != "" {
			return p.EventID
		}
	}
	return e.EnvelopeID
}

// DecodeSlashCommand extracts the payload of a slash_commands envelope.
func (e *Envelope) DecodeSlashCommand() (*SlashCommand, error) {
	if len(e.Payload) == 0 {
		return nil, fmt.Errorf("%s envelope has no payload", e.Type)
	}
	var cmd SlashCommand
	if err := json.Unmarshal(e.Payload, &cmd); err != nil {
		return nil, fmt.Errorf("unmarshal slash command: %w", err)
	}
	return &cmd, nil
}

// DecodeConnectionInfo extracts connection_info from a hello envelope.
// A missing block yields a zero value.
func (e *Envelope) DecodeConnectionInfo() (ConnectionInfo, error) {
	var info ConnectionInfo
	if len(e.ConnectionInfo) == 0 {
		return info, nil
	}
	if err := json.Unmarshal(e.ConnectionInfo, &info); err != nil {
		return info, fmt.Errorf("unmarshal connection_info: %w", err)
	}
	return info, nil
}

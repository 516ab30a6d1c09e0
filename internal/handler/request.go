package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/socketbot/socketbot/pkg/protocol"
)

// Poster sends chat messages on behalf of the bot.
type Poster interface {
	PostMessage(ctx context.Context, channel, text string) error
	PostThreadReply(ctx context.Context, channel, threadTS, text string) error
}

// Request is passed to a handler for a single invocation. It must not be
// retained after the handler returns.
type Request struct {
	Kind    Kind
	Key     string   // command key or pattern source
	RawText string   // text as received
	Text    string   // text with a leading mention token removed
	Matches []string // pattern submatches; Matches[0] is the whole match
	Channel string
	User    string

	Event   *protocol.Event        // set for mentions and messages
	Command *protocol.SlashCommand // set for commands

	Client Poster
	Logger *slog.Logger
}

// Reply posts text to the request's channel.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.Client.PostMessage(ctx, r.Channel, text)
}

// ReplyInThread posts text in the thread of the triggering event, starting
// one at the event when it is not already threaded. Commands have no thread
// and fall back to Reply.
func (r *Request) ReplyInThread(ctx context.Context, text string) error {
	if r.Event == nil {
		return r.Reply(ctx, text)
	}
	ts := r.Event.ThreadTS
	if ts == "" {
		ts = r.Event.TS
	}
	if ts == "" {
		return r.Reply(ctx, text)
	}
	return r.Client.PostThreadReply(ctx, r.Channel, ts, text)
}

// Response is a command result sent back as the acknowledgment payload.
type Response struct {
	ResponseType string          `json:"response_type,omitempty"`
	Text         string          `json:"text,omitempty"`
	Blocks       json.RawMessage `json:"blocks,omitempty"`
}

// Ephemeral builds a response visible only to the invoking user.
func Ephemeral(text string) *Response {
	return &Response{ResponseType: "ephemeral", Text: text}
}

// InChannel builds a response visible to the whole channel.
func InChannel(text string) *Response {
	return &Response{ResponseType: "in_channel", Text: text}
}

// Empty reports whether the response carries nothing to send.
func (r *Response) Empty() bool {
	return r == nil || (r.ResponseType == "" && r.Text == "" && len(r.Blocks) == 0)
}

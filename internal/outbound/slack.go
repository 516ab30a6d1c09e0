// Package outbound posts messages through the platform web API.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/slack-go/slack"
)

// Config holds the bot credentials for web API calls.
type Config struct {
	BotToken   string
	APIURL     string // must end in "/"; empty uses the public API
	HTTPClient *http.Client
}

// Client posts chat messages as the bot user.
type Client struct {
	api    *slack.Client
	logger *slog.Logger
}

// New creates an outbound client.
func New(cfg Config, logger *slog.Logger) *Client {
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, slack.OptionHTTPClient(cfg.HTTPClient))
	}
	return &Client{
		api:    slack.New(cfg.BotToken, opts...),
		logger: logger.With("component", "outbound"),
	}
}

// PostMessage sends text to channel.
func (c *Client) PostMessage(ctx context.Context, channel, text string) error {
	_, ts, err := c.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("chat.postMessage to %s: %w", channel, err)
	}
	c.logger.Debug("message posted", "channel", channel, "ts", ts)
	return nil
}

// PostThreadReply sends text as a reply in the thread rooted at threadTS.
func (c *Client) PostThreadReply(ctx context.Context, channel, threadTS, text string) error {
	_, _, err := c.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		return fmt.Errorf("chat.postMessage reply to %s: %w", channel, err)
	}
	return nil
}

// Package negotiate obtains socket-mode endpoint URLs from the platform API.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
)

const debugReconnectsParam = "debug_reconnects=true"

// Config holds what a negotiation needs.
type Config struct {
	AppToken        string
	APIURL          string // must end in "/"; empty uses the public API
	DebugReconnects bool
	HTTPClient      *http.Client
}

// Negotiator performs apps.connections.open exchanges.
type Negotiator struct {
	api             *slack.Client
	debugReconnects bool
	logger          *slog.Logger
}

// New creates a negotiator authenticated with the app-level token.
func New(cfg Config, logger *slog.Logger) *Negotiator {
	opts := []slack.Option{slack.OptionAppLevelToken(cfg.AppToken)}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, slack.OptionHTTPClient(cfg.HTTPClient))
	}
	return &Negotiator{
		api:             slack.New("", opts...),
		debugReconnects: cfg.DebugReconnects,
		logger:          logger.With("component", "negotiate"),
	}
}

// Negotiate requests a one-time socket URL. Rejections carry the platform's
// error string (e.g. "invalid_auth"); HTTP failures carry the status.
func (n *Negotiator) Negotiate(ctx context.Context) (string, error) {
	_, endpoint, err := n.api.StartSocketModeContext(ctx)
	if err != nil {
		return "", fmt.Errorf("apps.connections.open: %w", err)
	}
	if endpoint == "" {
		return "", errors.New("apps.connections.open: response has no url")
	}
	if n.debugReconnects {
		endpoint = appendQuery(endpoint, debugReconnectsParam)
	}
	n.logger.Debug("session negotiated")
	return endpoint, nil
}

func appendQuery(endpoint, param string) string {
	if strings.Contains(endpoint, "?") {
		return endpoint + "&" + param
	}
	return endpoint + "?" + param
}

// Package bundles provides ready-made handler groups for the bot.
package bundles

import (
	"context"
	"fmt"
	"time"

	"github.com/socketbot/socketbot/internal/handler"
)

// Default returns every bundle in this package.
func Default() []handler.Bundle {
	return []handler.Bundle{Echo(), Greetings(), Clock(time.Now)}
}

// Echo registers /echo, which answers privately with the command text, and
// /echoe, which announces itself in the channel and answers with the text
// reversed.
func Echo() handler.Bundle {
	return func(r *handler.Registry) {
		r.RegisterCommand("/echo", func(_ context.Context, req *handler.Request) (*handler.Response, error) {
			return handler.Ephemeral(req.Text), nil
		})
		r.RegisterCommand("/echoe", func(ctx context.Context, req *handler.Request) (*handler.Response, error) {
			if err := req.Reply(ctx, "Did a reverse!"); err != nil {
				return nil, fmt.Errorf("announce reverse: %w", err)
			}
			return handler.Ephemeral(reverse(req.Text)), nil
		})
	}
}

// Greetings answers hello and goodbye mentions.
func Greetings() handler.Bundle {
	return func(r *handler.Registry) {
		r.Mention(`(?i)hello`, func(ctx context.Context, req *handler.Request) error {
			return req.Reply(ctx, fmt.Sprintf("Hello <@%s>!", req.User))
		})
		r.Mention(`(?i)good\s?bye`, func(ctx context.Context, req *handler.Request) error {
			return req.Reply(ctx, fmt.Sprintf("Catch you soon, <@%s>!", req.User))
		})
	}
}

// ClockLayout formats the time reported by the Clock bundle.
const ClockLayout = "January 2, 2006 at 03:04PM"

// Clock tells the time when a channel message asks for it.
func Clock(now func() time.Time) handler.Bundle {
	return func(r *handler.Registry) {
		r.Message(`(?i)what time (is it|it is)`, func(ctx context.Context, req *handler.Request) error {
			return req.Reply(ctx, "The time is now "+now().Format(ClockLayout))
		})
	}
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

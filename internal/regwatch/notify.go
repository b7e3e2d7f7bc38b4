package regwatch

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// Notifier signals downstream consumers that a new register was published.
type Notifier interface {
	Notify(ctx context.Context) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context) error { return nil }

// HTTPNotifier performs a GET on the configured callback URL.
type HTTPNotifier struct {
	target  string
	fetcher *Fetcher
	log     zerolog.Logger
}

// NewNotifier returns a no-op notifier when callbackURL is blank. parameter,
// if set, is appended verbatim as the query string.
func NewNotifier(callbackURL, parameter string, f *Fetcher, log zerolog.Logger) Notifier {
	callbackURL = strings.TrimSpace(callbackURL)
	if callbackURL == "" {
		return nopNotifier{}
	}
	target := callbackURL
	if p := strings.TrimSpace(parameter); p != "" {
		target += "?" + p
	}
	return &HTTPNotifier{target: target, fetcher: f, log: log}
}

func (n *HTTPNotifier) Notify(ctx context.Context) error {
	body, err := n.fetcher.Get(ctx, n.target)
	if err != nil {
		return &StageError{Stage: StageNotify, URL: n.target, Err: err}
	}
	n.log.Info().
		Str("callback", n.target).
		Str("response", truncate(string(body), 512)).
		Msg("callback executed")
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

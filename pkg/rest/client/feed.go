// Package client provides a Go client for the Mailsink live event feed.
// The Feed maintains a websocket subscription to the server, reconnecting
// with exponential backoff and degrading to HTTP polling when the socket
// cannot be re-established.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/mailsink/mailsink/pkg/msgbus"
	"github.com/mailsink/mailsink/pkg/rest/model"
)

// Config controls feed behavior; zero values select the defaults noted.
type Config struct {
	// BaseURL is the root of the Mailsink HTTP API, e.g. "http://localhost:1080".
	BaseURL string

	// HandshakeTimeout bounds the websocket handshake; an overrun counts as
	// a failed connection attempt. Default 5s.
	HandshakeTimeout time.Duration

	// ReconnectBaseDelay is doubled on each failed attempt. Default 1s.
	ReconnectBaseDelay time.Duration

	// MaxReconnectAttempts is the number of delayed reconnects before the
	// feed degrades to polling. Default 10.
	MaxReconnectAttempts int

	// PollInterval is the message list refresh period while degraded.
	// Default 1s.
	PollInterval time.Duration

	// PushRetryInterval is how often a degraded feed retries the websocket.
	// Default 15s.
	PushRetryInterval time.Duration
}

// wsConn is the subset of *websocket.Conn the feed uses; tests substitute
// their own implementation.
type wsConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Feed delivers server events through callbacks. Callbacks are invoked from
// the goroutine running Run; they must not block for long.
type Feed struct {
	// OnEvent receives every add, remove, clear and quit event.
	OnEvent func(msgbus.Event)

	// OnRefresh receives the full message list on each poll while the feed
	// is degraded to polling.
	OnRefresh func([]*model.JSONMessageHeader)

	cfg      Config
	attempts int

	// Indirections for unit tests.
	dial  func(ctx context.Context) (wsConn, error)
	list  func(ctx context.Context) ([]*model.JSONMessageHeader, error)
	after func(d time.Duration) <-chan time.Time
}

// NewFeed creates an unstarted Feed for the server at cfg.BaseURL.
func NewFeed(cfg Config) (*Feed, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing BaseURL")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PushRetryInterval <= 0 {
		cfg.PushRetryInterval = 15 * time.Second
	}

	wsURL := *baseURL
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimSuffix(wsURL.Path, "/") + "/events"
	listURL := strings.TrimSuffix(baseURL.String(), "/") + "/messages"

	dialer := &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	httpClient := &http.Client{Timeout: cfg.HandshakeTimeout}
	return &Feed{
		cfg: cfg,
		dial: func(ctx context.Context) (wsConn, error) {
			conn, _, err := dialer.DialContext(ctx, wsURL.String(), nil)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		list: func(ctx context.Context) ([]*model.JSONMessageHeader, error) {
			req, err := http.NewRequestWithContext(ctx, "GET", listURL, nil)
			if err != nil {
				return nil, err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("unexpected status %v", resp.StatusCode)
			}
			var headers []*model.JSONMessageHeader
			if err := json.NewDecoder(resp.Body).Decode(&headers); err != nil {
				return nil, err
			}
			return headers, nil
		},
		after: time.After,
	}, nil
}

// Run connects and dispatches events until ctx is canceled. A dropped
// connection is retried with delays of base*2^n for the first
// MaxReconnectAttempts attempts; after that the feed polls the message list
// every PollInterval while retrying the websocket every PushRetryInterval.
// Any successful connection resets the schedule.
func (f *Feed) Run(ctx context.Context) error {
	for {
		conn, err := f.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if f.attempts < f.cfg.MaxReconnectAttempts {
				delay := f.cfg.ReconnectBaseDelay << uint(f.attempts)
				f.attempts++
				log.Debug().Str("module", "client").Err(err).
					Int("attempt", f.attempts).Stringer("delay", delay).
					Msg("Websocket connect failed, waiting to retry")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-f.after(delay):
				}
				continue
			}
			// Backoff schedule exhausted, degrade to polling.
			conn, err = f.pollUntilConnected(ctx)
			if err != nil {
				return err
			}
		}
		// Connected; the backoff schedule starts over on the next failure.
		f.attempts = 0
		log.Debug().Str("module", "client").Msg("Websocket connected")
		f.readLoop(conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// pollUntilConnected refreshes the message list on the poll timer while an
// independent timer retries the websocket. Returns the first successful
// connection; both timers die with this call's return.
func (f *Feed) pollUntilConnected(ctx context.Context) (wsConn, error) {
	log.Info().Str("module", "client").Msg("Degrading to polling")
	poll := f.after(f.cfg.PollInterval)
	retry := f.after(f.cfg.PushRetryInterval)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-poll:
			headers, err := f.list(ctx)
			if err != nil {
				log.Warn().Str("module", "client").Err(err).Msg("Poll failed")
			} else if f.OnRefresh != nil {
				f.OnRefresh(headers)
			}
			poll = f.after(f.cfg.PollInterval)
		case <-retry:
			conn, err := f.dial(ctx)
			if err == nil {
				return conn, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Debug().Str("module", "client").Err(err).
				Msg("Websocket still unavailable")
			retry = f.after(f.cfg.PushRetryInterval)
		}
	}
}

// readLoop dispatches incoming events until the connection fails. Pings
// from the server are answered with pongs, not surfaced to callbacks.
func (f *Feed) readLoop(conn wsConn) {
	for {
		var ev msgbus.Event
		if err := conn.ReadJSON(&ev); err != nil {
			log.Debug().Str("module", "client").Err(err).Msg("Websocket closed")
			return
		}
		if ev.Type == msgbus.EventPing {
			if err := conn.WriteJSON(msgbus.Event{Type: msgbus.EventPong}); err != nil {
				log.Debug().Str("module", "client").Err(err).Msg("Pong failed")
				return
			}
			continue
		}
		if f.OnEvent != nil {
			f.OnEvent(ev)
		}
	}
}

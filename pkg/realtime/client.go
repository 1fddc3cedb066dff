// Package realtime is a single-shot websocket client for an OpenAI or Azure
// OpenAI realtime speech session. A Client never reconnects; once its event
// channel closes a new Client must be dialed.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voicebridge/pkg/errorsx"
	"github.com/harunnryd/voicebridge/pkg/resilience"
)

type AuthMode string

const (
	AuthAzure  AuthMode = "azure"
	AuthOpenAI AuthMode = "openai"
)

// ErrClosed is returned by Send after the connection has ended.
var ErrClosed = errorsx.Wrap(errors.New("realtime connection closed"), errorsx.ReasonUpstreamClosed)

type Config struct {
	URL              string
	APIKey           string
	AuthMode         AuthMode
	Session          SessionConfig
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.AuthMode == "" {
		c.AuthMode = AuthAzure
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) header() http.Header {
	h := http.Header{}
	switch AuthMode(strings.ToLower(string(c.AuthMode))) {
	case AuthOpenAI:
		h.Set("Authorization", "Bearer "+c.APIKey)
		h.Set("OpenAI-Beta", "realtime=v1")
	default:
		h.Set("api-key", c.APIKey)
	}
	return h
}

type Client struct {
	conn   *websocket.Conn
	log    *slog.Logger
	events chan ServerEvent
	done   chan struct{}

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Dial opens the backend connection and negotiates the session. On success
// exactly one session.update has been written.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.URL) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errorsx.Wrap(errors.New("realtime url and api key are required"), errorsx.ReasonConfiguration)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.header())
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, errorsx.Wrap(resilience.RateLimitError{Provider: "realtime", Message: resp.Status}, errorsx.ReasonUpstreamRateLimit)
		}
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, errorsx.Errorf(errorsx.ReasonUpstreamConnect, "dial realtime: %w", err)
	}

	c := &Client{
		conn:   conn,
		log:    cfg.Logger,
		events: make(chan ServerEvent, 256),
		done:   make(chan struct{}),
	}
	go c.readLoop()

	if err := c.Send(ctx, SessionUpdate(cfg.Session)); err != nil {
		_ = c.Close()
		return nil, errorsx.Errorf(errorsx.ReasonUpstreamConnect, "session update: %w", err)
	}
	c.log.Debug("realtime_session_update_sent", "voice", cfg.Session.Voice, "tools", len(cfg.Session.Tools))
	return c, nil
}

// Send writes one event. Writes are serialized; the ctx deadline, if any,
// bounds the write.
func (c *Client) Send(ctx context.Context, ev ClientEvent) error {
	if c.closed.Load() {
		return ErrClosed
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return errorsx.Errorf(errorsx.ReasonUpstreamSend, "marshal %s: %w", ev.Type(), err)
	}
	c.writeMu.Lock()
	if c.closed.Load() {
		c.writeMu.Unlock()
		return ErrClosed
	}
	deadline := time.Time{}
	if ctx != nil {
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
	}
	_ = c.conn.SetWriteDeadline(deadline)
	err = c.conn.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		// gorilla connections are unusable after a failed write.
		err = errorsx.Errorf(errorsx.ReasonUpstreamClosed, "send %s: %w", ev.Type(), err)
		c.setErr(err)
		_ = c.Close()
		return err
	}
	return nil
}

// Events yields backend events until the connection ends, then closes.
func (c *Client) Events() <-chan ServerEvent { return c.events }

// Err reports why the event stream ended; nil after a normal close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close ends the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		ev, err := DecodeServerEvent(msg)
		if err != nil {
			c.log.Warn("realtime_event_malformed", "type", ev.Type, "error", err.Error(), "reason_code", string(errorsx.Reason(err)))
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			c.finish(nil)
			return
		}
	}
}

func (c *Client) finish(err error) {
	c.closed.Store(true)
	if err != nil && (c.isLocallyClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)) {
		err = nil
	}
	if err != nil {
		err = errorsx.Errorf(errorsx.ReasonUpstreamClosed, "realtime read: %w", err)
	}
	c.setErr(err)
}

// setErr keeps the first cause.
func (c *Client) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Client) isLocallyClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Package relay bridges one telephony media stream to one realtime speech
// session. Each stream runs an inbound pump (caller audio to the backend) and an
// outbound pump (assistant audio and events to the caller) that share a single
// playback record, plus a teardown that runs exactly once.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/voicebridge/pkg/frames"
	"github.com/harunnryd/voicebridge/pkg/logging"
	"github.com/harunnryd/voicebridge/pkg/metrics"
	"github.com/harunnryd/voicebridge/pkg/notify"
	"github.com/harunnryd/voicebridge/pkg/realtime"
	"github.com/harunnryd/voicebridge/pkg/session"
	"github.com/harunnryd/voicebridge/pkg/tools"
)

const (
	// MarkName is the acknowledgement token attached to every relayed chunk.
	MarkName = "responsePart"

	AssistantPlaceholder = "Assistant message not found"
	NoResultsOutput      = "Sorry, no results found for that question."
	ApologyInstructions  = "I apologize, but I'm having trouble processing your request right now. Is there anything else I can help you with?"

	followUpTemplate = "Summarize the news and respond to the user's question %s based on this news summary: %s. Be concise and friendly. Do not use bullet points in your response."
)

// Telephony is the caller side of a stream. Frames is closed when the
// connection ends.
type Telephony interface {
	Frames() <-chan frames.Inbound
	Send(ctx context.Context, f frames.Outbound) error
	Close() error
}

// Upstream is one realtime backend session.
type Upstream interface {
	Send(ctx context.Context, ev realtime.ClientEvent) error
	Events() <-chan realtime.ServerEvent
	Err() error
	Close() error
}

// DialFunc opens a fresh upstream session advertising the given tools.
type DialFunc func(ctx context.Context, tools []realtime.Tool) (Upstream, error)

type Options struct {
	Registry *session.Registry
	Dial     DialFunc
	// Tools may be nil; tool calls then get the apology response.
	Tools    tools.Registry
	Notifier notify.Sink
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// LogEventTypes are backend event types logged as they arrive.
	LogEventTypes  []string
	ShowTimingMath bool
	// SendTimeout bounds each individual write to either side.
	SendTimeout time.Duration
}

// Engine serves media streams. It is safe for concurrent use; every Serve
// call owns its own playback state.
type Engine struct {
	opts     Options
	logTypes map[string]struct{}
	logger   *slog.Logger
}

func New(opts Options) *Engine {
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry("")
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	logTypes := make(map[string]struct{}, len(opts.LogEventTypes))
	for _, t := range opts.LogEventTypes {
		logTypes[t] = struct{}{}
	}
	return &Engine{
		opts:     opts,
		logTypes: logTypes,
		logger:   logging.NewComponentLogger(opts.Logger, "relay"),
	}
}

// Serve relays tel until either side closes or ctx ends. Teardown has run by
// the time Serve returns.
func (e *Engine) Serve(ctx context.Context, tel Telephony) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := newCall(e, tel)
	defer c.teardown()

	up, err := e.opts.Dial(ctx, e.toolDeclarations())
	if err != nil {
		c.logger().Error("relay_upstream_dial_failed", "error", err)
		return err
	}
	c.up = up
	c.logger().Info("relay_connected")
	return c.run(ctx, cancel)
}

func (e *Engine) toolDeclarations() []realtime.Tool {
	if e.opts.Tools == nil {
		return nil
	}
	defs := e.opts.Tools.Definitions()
	out := make([]realtime.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, realtime.Tool{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}

func (e *Engine) logWorthy(eventType string) bool {
	_, ok := e.logTypes[eventType]
	return ok
}

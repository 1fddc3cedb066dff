// Package notify delivers call lifecycle notifications to external systems:
// the opening-utterance lookup when a call arrives and the transcript when it ends.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// CallSummary describes a finished call.
type CallSummary struct {
	CallID     string    `json:"call_id"`
	Caller     string    `json:"caller"`
	Transcript string    `json:"transcript"`
	EndedAt    time.Time `json:"ended_at"`
}

// Sink receives call-ended notifications.
type Sink interface {
	CallEnded(ctx context.Context, summary CallSummary) error
}

// Greeter supplies a personalized opening utterance for a caller.
type Greeter interface {
	OpeningUtterance(ctx context.Context, caller string) (string, error)
}

// Notifier is the full collaborator used by the transport and relay.
type Notifier interface {
	Greeter
	Sink
}

// ErrDisabled is returned by a Greeter that has nowhere to ask.
var ErrDisabled = errors.New("notify: disabled")

// Multi fans a call-ended notification out to every sink.
type Multi struct {
	Sinks []Sink
}

func NewMulti(sinks ...Sink) Multi {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return Multi{Sinks: out}
}

func (m Multi) CallEnded(ctx context.Context, summary CallSummary) error {
	var errs []error
	for _, s := range m.Sinks {
		if err := s.CallEnded(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async delivers call-ended notifications in the background so that call
// teardown never waits on the network.
type Async struct {
	greeter Greeter
	sink    Sink
	timeout time.Duration
	logger  *slog.Logger
	onDone  func(error)
	wg      sync.WaitGroup
}

type AsyncOptions struct {
	Timeout time.Duration
	Logger  *slog.Logger
	// OnDone observes every delivery result.
	OnDone func(error)
}

func NewAsync(greeter Greeter, sink Sink, opts AsyncOptions) *Async {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Async{
		greeter: greeter,
		sink:    sink,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		onDone:  opts.OnDone,
	}
}

// OpeningUtterance is synchronous; the caller bounds it with ctx.
func (a *Async) OpeningUtterance(ctx context.Context, caller string) (string, error) {
	if a.greeter == nil {
		return "", ErrDisabled
	}
	return a.greeter.OpeningUtterance(ctx, caller)
}

// CallEnded schedules delivery and returns immediately.
func (a *Async) CallEnded(_ context.Context, summary CallSummary) error {
	if a.sink == nil {
		return nil
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		err := a.sink.CallEnded(ctx, summary)
		if err != nil {
			a.logger.Warn("call_ended_notify_failed", "call_id", summary.CallID, "error", err)
		} else {
			a.logger.Debug("call_ended_notified", "call_id", summary.CallID)
		}
		if a.onDone != nil {
			a.onDone(err)
		}
	}()
	return nil
}

// Wait blocks until pending deliveries finish or ctx ends.
func (a *Async) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

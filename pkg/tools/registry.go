// Package tools holds the functions the realtime backend may call during a
// conversation and the dispatcher that runs them with bounded time and retries.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/harunnryd/voicebridge/pkg/errorsx"
	"github.com/harunnryd/voicebridge/pkg/resilience"
)

var (
	// ErrNoResults means the tool ran but found nothing to report.
	ErrNoResults = errorsx.Wrap(errors.New("no results"), errorsx.ReasonToolNoResults)
	// ErrUnknownTool means the backend asked for a tool that is not registered.
	ErrUnknownTool = errorsx.Wrap(errors.New("unknown tool"), errorsx.ReasonToolNotFound)
	ErrToolTimeout = errorsx.Wrap(errors.New("tool timeout"), errorsx.ReasonToolInvocation)
)

// Definition is a function declaration advertised to the backend.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Result is the outcome of one tool call.
type Result struct {
	// Query is the caller's question as the backend phrased it, if the tool has one.
	Query   string
	Content string
}

type Tool interface {
	Definition() Definition
	Call(ctx context.Context, rawArgs string) (Result, error)
}

// Registry dispatches tool calls by name.
type Registry interface {
	Definitions() []Definition
	Call(ctx context.Context, name, rawArgs string) (Result, error)
}

type DispatcherOptions struct {
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	Logger       *slog.Logger
}

// Dispatcher is a Registry over a fixed tool set.
type Dispatcher struct {
	tools map[string]Tool
	opts  DispatcherOptions
	retry resilience.RetryPolicy
}

func NewDispatcher(opts DispatcherOptions, tools ...Tool) *Dispatcher {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 150 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{
		tools: make(map[string]Tool, len(tools)),
		opts:  opts,
		retry: resilience.NewRetryPolicy(opts.Retries, opts.RetryBackoff),
	}
	d.retry.Retryable = retryable
	for _, t := range tools {
		if t == nil {
			continue
		}
		d.tools[t.Definition().Name] = t
	}
	return d
}

func (d *Dispatcher) Definitions() []Definition {
	out := make([]Definition, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, t.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d *Dispatcher) Call(ctx context.Context, name, rawArgs string) (Result, error) {
	tool, ok := d.tools[name]
	if !ok {
		return Result{}, fmt.Errorf("%s: %w", name, ErrUnknownTool)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	var res Result
	err := d.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = d.callWithTimeout(ctx, tool, rawArgs)
		return err
	})
	status := "ok"
	switch {
	case errors.Is(err, ErrNoResults):
		status = "no_results"
	case errors.Is(err, ErrToolTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	d.opts.Logger.Info("tool_call_done",
		"tool_name", name,
		"status", status,
		"latency_ms", time.Since(start).Milliseconds())
	if err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.ReasonToolInvocation)
	}
	return res, nil
}

func (d *Dispatcher) callWithTimeout(ctx context.Context, tool Tool, rawArgs string) (Result, error) {
	if d.opts.Timeout <= 0 {
		return tool.Call(ctx, rawArgs)
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	type result struct {
		res Result
		err error
	}
	ch := make(chan result, 1)
	go func() {
		res, err := tool.Call(ctx, rawArgs)
		ch <- result{res: res, err: err}
	}()
	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, ErrToolTimeout
	}
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrNoResults),
		errors.Is(err, ErrInvalidArguments),
		errors.Is(err, resilience.ErrCircuitOpen),
		resilience.IsRateLimit(err):
		return false
	default:
		return true
	}
}

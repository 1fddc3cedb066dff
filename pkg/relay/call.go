package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/voicebridge/pkg/errorsx"
	"github.com/harunnryd/voicebridge/pkg/frames"
	"github.com/harunnryd/voicebridge/pkg/notify"
	"github.com/harunnryd/voicebridge/pkg/realtime"
	"github.com/harunnryd/voicebridge/pkg/redact"
	"github.com/harunnryd/voicebridge/pkg/session"
	"github.com/harunnryd/voicebridge/pkg/tools"
	"github.com/harunnryd/voicebridge/pkg/turn"
)

var errStreamStopped = errors.New("stream stopped")

// call is the state of one served stream.
type call struct {
	e   *Engine
	tel Telephony
	up  Upstream
	log atomic.Pointer[slog.Logger]

	provisional string

	mu       sync.Mutex
	playback turn.Playback
	sess     *session.Session

	streamDone func()
	once       sync.Once
}

func (c *call) logger() *slog.Logger { return c.log.Load() }

func newCall(e *Engine, tel Telephony) *call {
	id := session.NewProvisionalID()
	c := &call{
		e:           e,
		tel:         tel,
		provisional: id,
		sess:        e.opts.Registry.CreateProvisional(id),
		streamDone:  e.opts.Metrics.StreamStarted(),
	}
	c.log.Store(e.logger.With("call_id", id))
	return c
}

func (c *call) run(ctx context.Context, cancel context.CancelFunc) error {
	var (
		wg       sync.WaitGroup
		firstErr error
		errOnce  sync.Once
	)
	record := func(err error) {
		if err == nil {
			return
		}
		errOnce.Do(func() { firstErr = err })
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		record(c.inbound(ctx))
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		record(c.outbound(ctx))
	}()

	<-ctx.Done()
	// Closing both sides unblocks whichever pump is still waiting.
	c.teardown()
	wg.Wait()

	if errors.Is(firstErr, errStreamStopped) || errors.Is(firstErr, context.Canceled) {
		return nil
	}
	return firstErr
}

// inbound pumps telephony frames to the backend.
func (c *call) inbound(ctx context.Context) error {
	in := c.tel.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-in:
			if !ok {
				c.logger().Info("relay_telephony_closed")
				return nil
			}
			if err := c.handleInbound(ctx, f); err != nil {
				if errors.Is(err, errStreamStopped) || errorsx.Terminal(errorsx.Reason(err)) {
					return err
				}
				c.logger().Warn("relay_inbound_error", "error", err, "reason_code", errorsx.Reason(err))
				c.e.opts.Metrics.Error(string(errorsx.Reason(err)))
			}
		}
	}
}

func (c *call) handleInbound(ctx context.Context, f frames.Inbound) error {
	c.e.opts.Metrics.InboundFrame(string(f.Kind))
	switch f.Kind {
	case frames.KindMedia:
		c.mu.Lock()
		c.playback.OnMedia(f.Media.TimestampMS)
		c.mu.Unlock()
		return c.sendUpstream(ctx, realtime.AppendAudio(f.Media.Payload))
	case frames.KindStart:
		return c.onStart(ctx, f.Start)
	case frames.KindMark:
		c.mu.Lock()
		_, popped := c.playback.OnMark()
		c.mu.Unlock()
		if !popped {
			c.logger().Debug("relay_mark_ignored")
		}
		return nil
	case frames.KindStop:
		c.logger().Info("relay_stream_stopped")
		return errStreamStopped
	default:
		return nil
	}
}

func (c *call) onStart(ctx context.Context, start *frames.Start) error {
	c.mu.Lock()
	c.playback.Start(start.StreamSID)
	callID := start.CallSID
	if callID == "" {
		callID = c.provisional
	}
	sess := c.e.opts.Registry.Adopt(c.provisional, callID)
	if caller := start.CustomParameters["caller_number"]; caller != "" {
		sess.SetCaller(caller)
	}
	c.sess = sess
	c.mu.Unlock()
	c.log.Store(c.e.logger.With("call_id", sess.CallID, "stream_sid", start.StreamSID))

	c.logger().Info("relay_stream_started", "caller", redact.Caller(sess.Caller()))

	opening, ok := sess.TakeOpeningUtterance()
	if !ok || opening == "" {
		return nil
	}
	if err := c.sendUpstream(ctx, realtime.UserMessage(opening)); err != nil {
		return err
	}
	return c.sendUpstream(ctx, realtime.CreateResponse(""))
}

// outbound pumps backend events to the caller.
func (c *call) outbound(ctx context.Context) error {
	events := c.up.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if err := c.up.Err(); err != nil {
					c.logger().Warn("relay_upstream_closed", "error", err, "reason_code", errorsx.Reason(err))
					return err
				}
				c.logger().Info("relay_upstream_closed")
				return nil
			}
			if err := c.handleUpstream(ctx, ev); err != nil {
				if errorsx.Terminal(errorsx.Reason(err)) {
					return err
				}
				c.logger().Warn("relay_event_error", "type", ev.Type, "error", err, "reason_code", errorsx.Reason(err))
				c.e.opts.Metrics.Error(string(errorsx.Reason(err)))
			}
		}
	}
}

func (c *call) handleUpstream(ctx context.Context, ev realtime.ServerEvent) error {
	c.e.opts.Metrics.UpstreamEvent(ev.Type)
	if c.e.logWorthy(ev.Type) {
		if ev.Kind == realtime.KindError {
			c.logger().Warn("relay_upstream_event", "type", ev.Type, "error", ev.Error)
		} else {
			c.logger().Info("relay_upstream_event", "type", ev.Type)
		}
	}

	switch ev.Kind {
	case realtime.KindAudioDelta:
		return c.relayAudio(ctx, ev)
	case realtime.KindSpeechStarted:
		return c.interrupt(ctx)
	case realtime.KindResponseDone:
		text := AssistantPlaceholder
		if ev.HasResponseTranscript {
			text = ev.ResponseTranscript
		}
		c.appendTranscript(session.RoleAssistant, text)
	case realtime.KindInputTranscriptionCompleted:
		if ev.HasTranscript {
			c.appendTranscript(session.RoleCaller, strings.TrimSpace(ev.Transcript))
		}
	case realtime.KindFunctionCallArgumentsDone:
		return c.callTool(ctx, ev)
	}
	return nil
}

func (c *call) relayAudio(ctx context.Context, ev realtime.ServerEvent) error {
	payload, err := frames.NormalizePayload(ev.Delta)
	if err != nil {
		return err
	}

	c.mu.Lock()
	streamSID := c.playback.StreamSID()
	if streamSID == "" {
		c.mu.Unlock()
		c.logger().Debug("relay_audio_dropped_unbound")
		return nil
	}
	if c.playback.OnAudioChunk(ev.ItemID) && c.e.opts.ShowTimingMath {
		c.logger().Debug("relay_utterance_started", "item_id", ev.ItemID, "started_at_ms", c.playback.LatestMS())
	}
	c.mu.Unlock()

	if err := c.sendTelephony(ctx, frames.MediaFrame(streamSID, payload)); err != nil {
		return err
	}
	c.e.opts.Metrics.AudioChunk()

	c.mu.Lock()
	pushed := false
	// a start handled while the chunk was in flight rebinds the queue
	if c.playback.StreamSID() == streamSID {
		pushed = c.playback.PushMark(MarkName)
	}
	c.mu.Unlock()
	if !pushed {
		return nil
	}
	return c.sendTelephony(ctx, frames.MarkFrame(streamSID, MarkName))
}

// interrupt cuts the active utterance at what the caller has heard and
// flushes audio the telephony side has buffered.
func (c *call) interrupt(ctx context.Context) error {
	c.mu.Lock()
	in, ok := c.playback.Interrupt()
	latest := c.playback.LatestMS()
	c.mu.Unlock()
	if !ok {
		return nil
	}
	c.e.opts.Metrics.Interruption(in.Truncate)
	c.logger().Info("relay_interrupt", "item_id", in.ItemID, "truncate", in.Truncate)
	if !in.Truncate {
		return nil
	}
	if in.RawElapsedMS < 0 {
		c.logger().Warn("relay_negative_elapsed", "item_id", in.ItemID, "elapsed_ms", in.RawElapsedMS)
	}
	if c.e.opts.ShowTimingMath {
		c.logger().Debug("relay_timing",
			"latest_ms", latest,
			"started_at_ms", latest-in.RawElapsedMS,
			"elapsed_ms", in.ElapsedMS)
	}
	err := c.sendUpstream(ctx, realtime.Truncate(in.ItemID, 0, in.ElapsedMS))
	if errorsx.Terminal(errorsx.Reason(err)) {
		return err
	}
	if in.Clear {
		// the caller must stop hearing stale audio even if truncate failed
		cerr := c.sendTelephony(ctx, frames.ClearFrame(in.StreamSID))
		if errorsx.Terminal(errorsx.Reason(cerr)) {
			return cerr
		}
		err = errors.Join(err, cerr)
	}
	return err
}

func (c *call) callTool(ctx context.Context, ev realtime.ServerEvent) error {
	reg := c.e.opts.Tools
	if reg == nil {
		c.logger().Warn("relay_tool_unavailable", "tool_name", ev.Name)
		c.e.opts.Metrics.ToolCall(ev.Name, "unavailable")
		return c.sendUpstream(ctx, realtime.CreateResponse(ApologyInstructions))
	}

	res, err := reg.Call(ctx, ev.Name, ev.Arguments)
	content := res.Content
	switch {
	case errors.Is(err, tools.ErrNoResults):
		c.e.opts.Metrics.ToolCall(ev.Name, "no_results")
		content = NoResultsOutput
	case err != nil:
		c.e.opts.Metrics.ToolCall(ev.Name, "error")
		c.logger().Warn("relay_tool_failed", "tool_name", ev.Name, "error", err, "reason_code", errorsx.Reason(err))
		return c.sendUpstream(ctx, realtime.CreateResponse(ApologyInstructions))
	default:
		c.e.opts.Metrics.ToolCall(ev.Name, "ok")
	}

	if err := c.sendUpstream(ctx, realtime.FunctionCallOutput(ev.CallID, content)); err != nil {
		return err
	}
	query := res.Query
	if query == "" {
		query = toolQuery(ev.Arguments)
	}
	return c.sendUpstream(ctx, realtime.CreateResponse(fmt.Sprintf(followUpTemplate, query, content)))
}

func (c *call) appendTranscript(role session.Role, text string) {
	c.mu.Lock()
	sess := c.sess
	sess.Append(role, text)
	c.mu.Unlock()
	c.logger().Debug("relay_transcript", "role", string(role), "text", redact.Text(text))
}

func (c *call) sendUpstream(ctx context.Context, ev realtime.ClientEvent) error {
	ctx, cancel := context.WithTimeout(ctx, c.e.opts.SendTimeout)
	defer cancel()
	if err := c.up.Send(ctx, ev); err != nil {
		return errorsx.Errorf(errorsx.ReasonUpstreamSend, "send %s: %w", ev.Type(), err)
	}
	return nil
}

func (c *call) sendTelephony(ctx context.Context, f frames.Outbound) error {
	ctx, cancel := context.WithTimeout(ctx, c.e.opts.SendTimeout)
	defer cancel()
	if err := c.tel.Send(ctx, f); err != nil {
		return errorsx.Errorf(errorsx.ReasonTelephonySend, "send %s: %w", f.Event, err)
	}
	return nil
}

// teardown runs once per stream no matter which side ended it.
func (c *call) teardown() {
	c.once.Do(func() {
		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()
		log := c.logger()

		transcript := sess.TranscriptText()
		log.Info("relay_call_ended",
			"caller", redact.Caller(sess.Caller()),
			"duration_ms", time.Since(sess.Created).Milliseconds(),
			"transcript", redact.Text(transcript))

		if c.up != nil {
			if err := c.up.Close(); err != nil {
				log.Debug("relay_upstream_close_failed", "error", err)
			}
		}
		if err := c.tel.Close(); err != nil {
			log.Debug("relay_telephony_close_failed", "error", err)
		}

		if sink := c.e.opts.Notifier; sink != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := sink.CallEnded(ctx, notify.CallSummary{
				CallID:     sess.CallID,
				Caller:     sess.Caller(),
				Transcript: transcript,
				EndedAt:    time.Now().UTC(),
			})
			cancel()
			if err != nil {
				log.Warn("relay_notify_failed", "error", err, "reason_code", errorsx.Reason(err))
			}
		}

		c.e.opts.Registry.Remove(sess.CallID)
		c.e.opts.Registry.Remove(c.provisional)
		c.streamDone()
	})
}

// toolQuery pulls the query argument for the follow-up instructions when the
// tool did not report one.
func toolQuery(rawArgs string) string {
	var args struct {
		Query string `json:"query"`
	}
	_ = json.Unmarshal([]byte(rawArgs), &args)
	return args.Query
}

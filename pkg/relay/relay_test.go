package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voicebridge/pkg/errorsx"
	"github.com/harunnryd/voicebridge/pkg/frames"
	"github.com/harunnryd/voicebridge/pkg/notify"
	"github.com/harunnryd/voicebridge/pkg/realtime"
	"github.com/harunnryd/voicebridge/pkg/session"
	"github.com/harunnryd/voicebridge/pkg/tools"
)

type fakeTelephony struct {
	in     chan frames.Inbound
	mu     sync.Mutex
	sent   []frames.Outbound
	closes int
	// onSend runs before a frame is recorded; set it before feeding frames.
	onSend func(frames.Outbound)
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{in: make(chan frames.Inbound, 16)}
}

func (f *fakeTelephony) Frames() <-chan frames.Inbound { return f.in }

func (f *fakeTelephony) Send(ctx context.Context, out frames.Outbound) error {
	if f.onSend != nil {
		f.onSend(out)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, out)
	return nil
}

func (f *fakeTelephony) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTelephony) outbound(event string) []frames.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []frames.Outbound
	for _, o := range f.sent {
		if o.Event == event {
			out = append(out, o)
		}
	}
	return out
}

type fakeUpstream struct {
	events    chan realtime.ServerEvent
	mu        sync.Mutex
	sent      []realtime.ClientEvent
	closeOnce sync.Once
	closes    int
	sendErr   error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan realtime.ServerEvent, 16)}
}

func (f *fakeUpstream) Send(ctx context.Context, ev realtime.ClientEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeUpstream) failSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeUpstream) Events() <-chan realtime.ServerEvent { return f.events }

func (f *fakeUpstream) Err() error { return nil }

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeUpstream) ofType(t string) []realtime.ClientEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []realtime.ClientEvent
	for _, ev := range f.sent {
		if ev.Type() == t {
			out = append(out, ev)
		}
	}
	return out
}

type recordingSink struct {
	mu    sync.Mutex
	calls []notify.CallSummary
}

func (r *recordingSink) CallEnded(ctx context.Context, s notify.CallSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
	return nil
}

func (r *recordingSink) summaries() []notify.CallSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.CallSummary(nil), r.calls...)
}

type stubTools struct {
	res tools.Result
	err error
}

func (s stubTools) Definitions() []tools.Definition {
	return []tools.Definition{{Name: tools.SearchToolName}}
}

func (s stubTools) Call(ctx context.Context, name, rawArgs string) (tools.Result, error) {
	return s.res, s.err
}

type harness struct {
	t    *testing.T
	reg  *session.Registry
	tel  *fakeTelephony
	up   *fakeUpstream
	sink *recordingSink
	done chan error
}

func startHarness(t *testing.T, reg *session.Registry, reg2 tools.Registry) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		reg:  reg,
		tel:  newFakeTelephony(),
		up:   newFakeUpstream(),
		sink: &recordingSink{},
		done: make(chan error, 1),
	}
	engine := New(Options{
		Registry: reg,
		Dial: func(ctx context.Context, _ []realtime.Tool) (Upstream, error) {
			return h.up, nil
		},
		Tools:       reg2,
		Notifier:    h.sink,
		SendTimeout: time.Second,
	})
	go func() { h.done <- engine.Serve(context.Background(), h.tel) }()
	return h
}

func (h *harness) inbound(f frames.Inbound) { h.tel.in <- f }

func (h *harness) upstream(ev realtime.ServerEvent) { h.up.events <- ev }

func (h *harness) hangup() error {
	h.t.Helper()
	close(h.tel.in)
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatalf("serve did not return after hangup")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startFrame(callSID string) frames.Inbound {
	return frames.Inbound{Kind: frames.KindStart, Event: "start", Start: &frames.Start{StreamSID: "MZ1", CallSID: callSID}}
}

func mediaFrame(ts int64) frames.Inbound {
	return frames.Inbound{Kind: frames.KindMedia, Event: "media", Media: &frames.Media{TimestampMS: ts, Payload: "AAAA"}}
}

func audioDelta(itemID string) realtime.ServerEvent {
	return realtime.ServerEvent{Type: realtime.TypeResponseAudioDelta, Kind: realtime.KindAudioDelta, ItemID: itemID, Delta: "//8="}
}

func speechStarted() realtime.ServerEvent {
	return realtime.ServerEvent{Type: realtime.TypeSpeechStarted, Kind: realtime.KindSpeechStarted}
}

func responseDone(text string) realtime.ServerEvent {
	return realtime.ServerEvent{Type: realtime.TypeResponseDone, Kind: realtime.KindResponseDone, ResponseTranscript: text, HasResponseTranscript: true}
}

func transcriptLen(reg *session.Registry, callID string) int {
	s, ok := reg.Get(callID)
	if !ok {
		return -1
	}
	return len(s.Transcript())
}

func userMessageText(ev realtime.ClientEvent) string {
	item, _ := ev["item"].(map[string]any)
	content, _ := item["content"].([]map[string]any)
	if len(content) == 0 {
		return ""
	}
	text, _ := content[0]["text"].(string)
	return text
}

func responseInstructions(ev realtime.ClientEvent) string {
	resp, _ := ev["response"].(map[string]any)
	text, _ := resp["instructions"].(string)
	return text
}

func TestOpeningUtteranceSentOnce(t *testing.T) {
	reg := session.NewRegistry("default greeting")
	reg.Create("CA1", "+15550001111", "Hello?")
	h := startHarness(t, reg, nil)

	h.inbound(startFrame("CA1"))
	waitFor(t, "opening response", func() bool {
		return len(h.up.ofType(realtime.TypeClientResponseCreate)) == 1
	})
	h.inbound(startFrame("CA1"))
	h.inbound(mediaFrame(20))
	waitFor(t, "audio append", func() bool {
		return len(h.up.ofType(realtime.TypeClientInputAudioBufferAppend)) == 1
	})

	items := h.up.ofType(realtime.TypeClientConversationItemCreate)
	if len(items) != 1 || userMessageText(items[0]) != "Hello?" {
		t.Fatalf("expected one opening turn, got %+v", items)
	}
	if got := len(h.up.ofType(realtime.TypeClientResponseCreate)); got != 1 {
		t.Fatalf("expected one generation trigger, got %d", got)
	}
	if err := h.hangup(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if reg.Count() != 0 {
		t.Fatalf("expected registry empty after hangup, got %d", reg.Count())
	}
}

func TestAudioRelayedWithMarks(t *testing.T) {
	reg := session.NewRegistry("")
	h := startHarness(t, reg, nil)
	h.inbound(startFrame("CA1"))
	waitFor(t, "session adopted", func() bool { return transcriptLen(reg, "CA1") == 0 })

	h.upstream(audioDelta("item_1"))
	h.upstream(audioDelta("item_1"))
	waitFor(t, "marks", func() bool { return len(h.tel.outbound(frames.EventMark)) == 2 })

	media := h.tel.outbound(frames.EventMedia)
	if len(media) != 2 || media[0].StreamSID != "MZ1" || media[0].Media.Payload != "//8=" {
		t.Fatalf("unexpected media frames %+v", media)
	}
	for _, m := range h.tel.outbound(frames.EventMark) {
		if m.Mark.Name != MarkName || m.StreamSID != "MZ1" {
			t.Fatalf("unexpected mark %+v", m)
		}
	}
	_ = h.hangup()
}

func TestAudioBeforeStartIsDropped(t *testing.T) {
	reg := session.NewRegistry("")
	h := startHarness(t, reg, nil)
	h.upstream(audioDelta("item_1"))
	h.upstream(realtime.ServerEvent{Type: realtime.TypeFunctionCallArgumentsDone, Kind: realtime.KindFunctionCallArgumentsDone, Name: "x"})
	waitFor(t, "apology", func() bool { return len(h.up.ofType(realtime.TypeClientResponseCreate)) == 1 })
	if got := len(h.tel.outbound(frames.EventMedia)); got != 0 {
		t.Fatalf("expected no media without a stream, got %d", got)
	}
	_ = h.hangup()
}

func TestInterruptTruncatesAndClears(t *testing.T) {
	reg := session.NewRegistry("")
	h := startHarness(t, reg, nil)
	h.inbound(startFrame("CA1"))
	h.inbound(mediaFrame(1000))
	waitFor(t, "first append", func() bool { return len(h.up.ofType(realtime.TypeClientInputAudioBufferAppend)) == 1 })

	h.upstream(audioDelta("item_1"))
	waitFor(t, "mark", func() bool { return len(h.tel.outbound(frames.EventMark)) == 1 })

	h.inbound(mediaFrame(1600))
	waitFor(t, "second append", func() bool { return len(h.up.ofType(realtime.TypeClientInputAudioBufferAppend)) == 2 })

	h.upstream(speechStarted())
	h.upstream(speechStarted())
	h.upstream(responseDone("cut"))
	waitFor(t, "transcript", func() bool { return transcriptLen(reg, "CA1") == 1 })

	truncates := h.up.ofType(realtime.TypeClientConversationItemTruncate)
	if len(truncates) != 1 {
		t.Fatalf("expected exactly one truncate, got %d", len(truncates))
	}
	tr := truncates[0]
	if tr["item_id"] != "item_1" || tr["content_index"] != 0 || tr["audio_end_ms"] != int64(600) {
		t.Fatalf("unexpected truncate %+v", tr)
	}
	clears := h.tel.outbound(frames.EventClear)
	if len(clears) != 1 || clears[0].StreamSID != "MZ1" {
		t.Fatalf("expected exactly one clear, got %+v", clears)
	}
	_ = h.hangup()
}

func TestInterruptWithoutPendingMarksOnlyResets(t *testing.T) {
	reg := session.NewRegistry("")
	h := startHarness(t, reg, nil)
	h.inbound(startFrame("CA1"))
	waitFor(t, "session adopted", func() bool { return transcriptLen(reg, "CA1") == 0 })
	h.upstream(audioDelta("item_1"))
	waitFor(t, "mark", func() bool { return len(h.tel.outbound(frames.EventMark)) == 1 })

	h.inbound(frames.Inbound{Kind: frames.KindMark, Event: "mark", Mark: &frames.Mark{Name: MarkName}})
	h.inbound(frames.Inbound{Kind: frames.KindMark, Event: "mark", Mark: &frames.Mark{Name: MarkName}})
	h.inbound(mediaFrame(500))
	waitFor(t, "append", func() bool { return len(h.up.ofType(realtime.TypeClientInputAudioBufferAppend)) == 1 })

	h.upstream(speechStarted())
	h.upstream(responseDone("done"))
	waitFor(t, "transcript", func() bool { return transcriptLen(reg, "CA1") == 1 })

	if got := len(h.up.ofType(realtime.TypeClientConversationItemTruncate)); got != 0 {
		t.Fatalf("expected no truncate, got %d", got)
	}
	if got := len(h.tel.outbound(frames.EventClear)); got != 0 {
		t.Fatalf("expected no clear, got %d", got)
	}
	_ = h.hangup()
}

func TestTranscriptOrderAndPlaceholder(t *testing.T) {
	reg := session.NewRegistry("")
	h := startHarness(t, reg, nil)
	h.inbound(startFrame("CA1"))
	waitFor(t, "session adopted", func() bool { return transcriptLen(reg, "CA1") == 0 })

	h.upstream(responseDone("hi"))
	h.upstream(realtime.ServerEvent{
		Type:          realtime.TypeInputTranscriptionCompleted,
		Kind:          realtime.KindInputTranscriptionCompleted,
		Transcript:    "  hello \n",
		HasTranscript: true,
	})
	h.upstream(realtime.ServerEvent{Type: realtime.TypeResponseDone, Kind: realtime.KindResponseDone})
	waitFor(t, "transcript", func() bool { return transcriptLen(reg, "CA1") == 3 })

	s, _ := reg.Get("CA1")
	want := []session.Entry{
		{Role: session.RoleAssistant, Text: "hi"},
		{Role: session.RoleCaller, Text: "hello"},
		{Role: session.RoleAssistant, Text: AssistantPlaceholder},
	}
	got := s.Transcript()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: got %+v want %+v", i, got[i], want[i])
		}
	}
	_ = h.hangup()

	sums := h.sink.summaries()
	if len(sums) != 1 {
		t.Fatalf("expected one notification, got %d", len(sums))
	}
	if sums[0].Transcript != "\nAgent: hi\n\nUser: hello\n\nAgent: "+AssistantPlaceholder+"\n" {
		t.Fatalf("unexpected transcript %q", sums[0].Transcript)
	}
}

func TestToolFailureSendsApologyAndContinues(t *testing.T) {
	reg := session.NewRegistry("")
	h := startHarness(t, reg, stubTools{err: errors.New("search exploded")})
	h.inbound(startFrame("CA1"))
	waitFor(t, "session adopted", func() bool { return transcriptLen(reg, "CA1") == 0 })

	h.upstream(realtime.ServerEvent{
		Type:      realtime.TypeFunctionCallArgumentsDone,
		Kind:      realtime.KindFunctionCallArgumentsDone,
		Name:      tools.SearchToolName,
		Arguments: `{"query":"weather today"}`,
		CallID:    "call_1",
	})
	h.upstream(responseDone("still here"))
	waitFor(t, "transcript", func() bool { return transcriptLen(reg, "CA1") == 1 })

	responses := h.up.ofType(realtime.TypeClientResponseCreate)
	if len(responses) != 1 || responseInstructions(responses[0]) != ApologyInstructions {
		t.Fatalf("expected one apology, got %+v", responses)
	}
	if got := len(h.up.ofType(realtime.TypeClientConversationItemCreate)); got != 0 {
		t.Fatalf("expected no function output on failure, got %d", got)
	}
	_ = h.hangup()
}

func TestToolResultSentWithFollowUp(t *testing.T) {
	reg := session.NewRegistry("")
	h := startHarness(t, reg, stubTools{res: tools.Result{Query: "weather today", Content: "Sunny"}})
	h.upstream(realtime.ServerEvent{
		Type:      realtime.TypeFunctionCallArgumentsDone,
		Kind:      realtime.KindFunctionCallArgumentsDone,
		Name:      tools.SearchToolName,
		Arguments: `{"query":"weather today"}`,
		CallID:    "call_1",
	})
	waitFor(t, "follow up", func() bool { return len(h.up.ofType(realtime.TypeClientResponseCreate)) == 1 })

	outputs := h.up.ofType(realtime.TypeClientConversationItemCreate)
	if len(outputs) != 1 {
		t.Fatalf("expected one function output, got %d", len(outputs))
	}
	item := outputs[0]["item"].(map[string]any)
	if item["call_id"] != "call_1" || item["output"] != "Sunny" || item["type"] != "function_call_output" {
		t.Fatalf("unexpected output item %+v", item)
	}
	instr := responseInstructions(h.up.ofType(realtime.TypeClientResponseCreate)[0])
	if !strings.Contains(instr, "question weather today based on this news summary: Sunny.") {
		t.Fatalf("unexpected follow-up %q", instr)
	}
	_ = h.hangup()
}

func TestToolNoResults(t *testing.T) {
	reg := session.NewRegistry("")
	h := startHarness(t, reg, stubTools{res: tools.Result{Query: "q"}, err: tools.ErrNoResults})
	h.upstream(realtime.ServerEvent{
		Type:      realtime.TypeFunctionCallArgumentsDone,
		Kind:      realtime.KindFunctionCallArgumentsDone,
		Name:      tools.SearchToolName,
		Arguments: `{"query":"q"}`,
		CallID:    "call_2",
	})
	waitFor(t, "follow up", func() bool { return len(h.up.ofType(realtime.TypeClientResponseCreate)) == 1 })
	item := h.up.ofType(realtime.TypeClientConversationItemCreate)[0]["item"].(map[string]any)
	if item["output"] != NoResultsOutput {
		t.Fatalf("expected no-results output, got %v", item["output"])
	}
	_ = h.hangup()
}

func TestTeardownRunsOnceWhenBothSidesClose(t *testing.T) {
	reg := session.NewRegistry("")
	reg.Create("CA1", "+15550001111", "")
	h := startHarness(t, reg, nil)
	h.inbound(startFrame("CA1"))
	waitFor(t, "session adopted", func() bool { return reg.Count() == 1 })

	_ = h.up.Close()
	close(h.tel.in)
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return")
	}

	if got := len(h.sink.summaries()); got != 1 {
		t.Fatalf("expected exactly one notification, got %d", got)
	}
	if h.sink.summaries()[0].Caller != "+15550001111" || h.sink.summaries()[0].CallID != "CA1" {
		t.Fatalf("unexpected summary %+v", h.sink.summaries()[0])
	}
	if reg.Count() != 0 {
		t.Fatalf("expected session removed, got %d", reg.Count())
	}
	h.tel.mu.Lock()
	closes := h.tel.closes
	h.tel.mu.Unlock()
	if closes != 1 {
		t.Fatalf("expected telephony closed once, got %d", closes)
	}
}

func TestProvisionalStateCarriedToCall(t *testing.T) {
	reg := session.NewRegistry("")
	reg.Create("CA1", "+15550001111", "")
	h := startHarness(t, reg, nil)

	h.upstream(realtime.ServerEvent{
		Type:          realtime.TypeInputTranscriptionCompleted,
		Kind:          realtime.KindInputTranscriptionCompleted,
		Transcript:    "early words",
		HasTranscript: true,
	})
	h.upstream(realtime.ServerEvent{Type: realtime.TypeFunctionCallArgumentsDone, Kind: realtime.KindFunctionCallArgumentsDone, Name: "x"})
	waitFor(t, "apology", func() bool { return len(h.up.ofType(realtime.TypeClientResponseCreate)) == 1 })

	h.inbound(startFrame("CA1"))
	waitFor(t, "adopted", func() bool { return transcriptLen(reg, "CA1") == 1 })
	if reg.Count() != 1 {
		t.Fatalf("expected provisional entry dropped, got %d sessions", reg.Count())
	}
	_ = h.hangup()

	sums := h.sink.summaries()
	if len(sums) != 1 || !strings.Contains(sums[0].Transcript, "User: early words") || sums[0].Caller != "+15550001111" {
		t.Fatalf("unexpected summary %+v", sums)
	}
}

func TestStopEndsStream(t *testing.T) {
	reg := session.NewRegistry("")
	h := startHarness(t, reg, nil)
	h.inbound(startFrame("CA1"))
	h.inbound(frames.Inbound{Kind: frames.KindStop, Event: "stop"})
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return after stop")
	}
	if len(h.sink.summaries()) != 1 {
		t.Fatalf("expected one notification")
	}
}

func TestDialFailureCleansUp(t *testing.T) {
	reg := session.NewRegistry("")
	tel := newFakeTelephony()
	sink := &recordingSink{}
	engine := New(Options{
		Registry: reg,
		Dial: func(ctx context.Context, _ []realtime.Tool) (Upstream, error) {
			return nil, errors.New("refused")
		},
		Notifier: sink,
	})
	if err := engine.Serve(context.Background(), tel); err == nil {
		t.Fatalf("expected dial error")
	}
	if reg.Count() != 0 {
		t.Fatalf("expected provisional session removed, got %d", reg.Count())
	}
	if tel.closes != 1 || len(sink.summaries()) != 1 {
		t.Fatalf("expected teardown once, closes=%d notifications=%d", tel.closes, len(sink.summaries()))
	}
}

func TestToolDeclarationsAdvertised(t *testing.T) {
	var got []realtime.Tool
	engine := New(Options{
		Tools: stubTools{},
		Dial: func(ctx context.Context, decls []realtime.Tool) (Upstream, error) {
			got = decls
			return nil, errors.New("stop here")
		},
	})
	_ = engine.Serve(context.Background(), newFakeTelephony())
	if len(got) != 1 || got[0].Name != tools.SearchToolName {
		t.Fatalf("unexpected declarations %+v", got)
	}
}

func TestUpstreamWriteFailureEndsCall(t *testing.T) {
	reg := session.NewRegistry("")
	h := startHarness(t, reg, nil)
	h.inbound(startFrame("CA-write"))
	waitFor(t, "adoption", func() bool { _, ok := reg.Get("CA-write"); return ok })

	h.up.failSends(errorsx.Errorf(errorsx.ReasonUpstreamClosed, "send input_audio_buffer.append: i/o timeout"))
	h.inbound(mediaFrame(20))

	var err error
	select {
	case err = <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("serve kept running after the upstream write failed")
	}
	if !errorsx.HasReason(err, errorsx.ReasonUpstreamClosed) {
		t.Fatalf("expected upstream_closed, got %v", err)
	}
	h.tel.mu.Lock()
	telCloses := h.tel.closes
	h.tel.mu.Unlock()
	h.up.mu.Lock()
	upCloses := h.up.closes
	h.up.mu.Unlock()
	if telCloses != 1 || upCloses != 1 {
		t.Fatalf("expected single teardown, telephony closes=%d upstream closes=%d", telCloses, upCloses)
	}
	if got := len(h.sink.summaries()); got != 1 {
		t.Fatalf("expected one call-ended notification, got %d", got)
	}
	if reg.Count() != 0 {
		t.Fatalf("expected registry emptied, got %d", reg.Count())
	}
}

func TestInterruptClearsWhenTruncateFails(t *testing.T) {
	reg := session.NewRegistry("")
	h := startHarness(t, reg, nil)
	h.inbound(startFrame("CA1"))
	h.inbound(mediaFrame(1000))
	waitFor(t, "first append", func() bool { return len(h.up.ofType(realtime.TypeClientInputAudioBufferAppend)) == 1 })
	h.upstream(audioDelta("item_1"))
	waitFor(t, "mark", func() bool { return len(h.tel.outbound(frames.EventMark)) == 1 })

	h.up.failSends(errorsx.Errorf(errorsx.ReasonUpstreamSend, "send conversation.item.truncate: rejected"))
	h.upstream(speechStarted())
	waitFor(t, "clear", func() bool { return len(h.tel.outbound(frames.EventClear)) == 1 })

	select {
	case err := <-h.done:
		t.Fatalf("a failed truncate must not end the call, got %v", err)
	default:
	}
	h.up.failSends(nil)
	_ = h.hangup()
}

func TestMarkNotPushedAcrossStreamRestart(t *testing.T) {
	reg := session.NewRegistry("")
	h := startHarness(t, reg, nil)
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.tel.onSend = func(out frames.Outbound) {
		if out.Event == frames.EventMedia {
			once.Do(func() {
				close(inFlight)
				<-release
			})
		}
	}

	h.inbound(startFrame("CA-a"))
	waitFor(t, "first stream", func() bool { _, ok := reg.Get("CA-a"); return ok })
	h.upstream(audioDelta("item_1"))
	<-inFlight

	h.inbound(frames.Inbound{Kind: frames.KindStart, Event: "start", Start: &frames.Start{StreamSID: "MZ2", CallSID: "CA-b"}})
	waitFor(t, "second stream", func() bool { _, ok := reg.Get("CA-b"); return ok })
	close(release)

	waitFor(t, "media", func() bool { return len(h.tel.outbound(frames.EventMedia)) == 1 })
	h.upstream(audioDelta("item_2"))
	waitFor(t, "second media", func() bool { return len(h.tel.outbound(frames.EventMedia)) == 2 })

	marks := h.tel.outbound(frames.EventMark)
	waitFor(t, "second mark", func() bool { marks = h.tel.outbound(frames.EventMark); return len(marks) >= 1 })
	for _, m := range marks {
		if m.StreamSID != "MZ2" {
			t.Fatalf("mark sent for a stream that was replaced: %+v", m)
		}
	}
	if len(marks) != 1 {
		t.Fatalf("expected only the new stream's mark, got %d", len(marks))
	}
	_ = h.hangup()
}

// Package turn tracks what the caller has heard of the assistant's speech on
// one media stream, and decides how to cut it short when the caller barges in.
//
// Playback is not safe for concurrent use; the relay serializes access with
// its per-call lock.
package turn

// Playback is the per-stream playback record.
//
// Invariants: startedAt is meaningful iff activeItem is non-empty, and
// len(marks) never exceeds the audio chunks relayed since the last Start or
// Interrupt.
type Playback struct {
	streamSID  string
	latestMS   int64
	activeItem string
	startedAt  int64
	started    bool
	marks      []string
}

// Interruption describes the control traffic a barge-in requires.
type Interruption struct {
	StreamSID string
	ItemID    string
	// ElapsedMS is the audio the caller actually heard, clamped at zero.
	ElapsedMS int64
	// RawElapsedMS is the unclamped difference; negative means clock skew.
	RawElapsedMS int64
	// Truncate and Clear are set only when audio is still pending playback.
	Truncate bool
	Clear    bool
}

// Start binds a new stream handle and forgets everything about the previous one.
func (p *Playback) Start(streamSID string) {
	p.streamSID = streamSID
	p.latestMS = 0
	p.reset()
}

func (p *Playback) StreamSID() string { return p.streamSID }

// OnMedia records the timestamp of the latest inbound caller frame.
func (p *Playback) OnMedia(timestampMS int64) {
	p.latestMS = timestampMS
}

func (p *Playback) LatestMS() int64 { return p.latestMS }

// OnAudioChunk registers one relayed assistant audio chunk. A chunk whose item
// differs from the active one begins a new utterance anchored at the latest
// inbound timestamp. Chunks without an item id never start tracking.
func (p *Playback) OnAudioChunk(itemID string) bool {
	if itemID == "" || itemID == p.activeItem {
		return false
	}
	p.activeItem = itemID
	p.startedAt = p.latestMS
	p.started = true
	return true
}

// PushMark queues an acknowledgement token. Without a bound stream no mark can
// be sent, so nothing is queued.
func (p *Playback) PushMark(name string) bool {
	if p.streamSID == "" {
		return false
	}
	p.marks = append(p.marks, name)
	return true
}

// OnMark pops the oldest pending token. Late acknowledgements after an
// interruption find the queue empty and are dropped.
func (p *Playback) OnMark() (string, bool) {
	if len(p.marks) == 0 {
		return "", false
	}
	name := p.marks[0]
	p.marks[0] = ""
	p.marks = p.marks[1:]
	return name, true
}

func (p *Playback) PendingMarks() int { return len(p.marks) }

func (p *Playback) ActiveItem() string { return p.activeItem }

// StartedAt returns the playback anchor of the active utterance.
func (p *Playback) StartedAt() (int64, bool) {
	return p.startedAt, p.started
}

// Interrupt computes the barge-in actions for the active utterance and resets
// playback tracking. It reports false when nothing is playing.
func (p *Playback) Interrupt() (Interruption, bool) {
	if p.activeItem == "" {
		return Interruption{}, false
	}
	out := Interruption{StreamSID: p.streamSID, ItemID: p.activeItem}
	if len(p.marks) > 0 && p.started {
		out.RawElapsedMS = p.latestMS - p.startedAt
		out.ElapsedMS = max(out.RawElapsedMS, 0)
		out.Truncate = true
		out.Clear = true
	}
	p.reset()
	return out, true
}

func (p *Playback) reset() {
	p.activeItem = ""
	p.startedAt = 0
	p.started = false
	p.marks = nil
}

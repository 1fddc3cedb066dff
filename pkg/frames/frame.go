// Package frames models the telephony media-stream wire protocol: the JSON
// frames a Twilio Media Stream sends to us and the ones we send back.
package frames

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/harunnryd/voicebridge/pkg/errorsx"
)

// Kind tags an inbound frame.
type Kind string

const (
	KindUnknown   Kind = ""
	KindConnected Kind = "connected"
	KindStart     Kind = "start"
	KindMedia     Kind = "media"
	KindMark      Kind = "mark"
	KindStop      Kind = "stop"
	KindDTMF      Kind = "dtmf"
)

// Event names written to the telephony side.
const (
	EventMedia = "media"
	EventMark  = "mark"
	EventClear = "clear"
)

// Inbound is one decoded frame from the telephony side. Exactly one of the
// payload pointers is set for kinds that carry one.
type Inbound struct {
	Kind  Kind
	Event string
	Start *Start
	Media *Media
	Mark  *Mark
}

type Start struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	CustomParameters map[string]string
}

type Media struct {
	TimestampMS int64
	Track       string
	Payload     string
}

type Mark struct {
	Name string
}

type wireInbound struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid"`
	Start     *wireStart `json:"start"`
	Media     *wireMedia `json:"media"`
	Mark      *wireMark  `json:"mark"`
}

type wireStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type wireMedia struct {
	Timestamp millis `json:"timestamp"`
	Track     string `json:"track"`
	Payload   string `json:"payload"`
}

type wireMark struct {
	Name string `json:"name"`
}

// millis accepts both the quoted and bare integer forms of a timestamp.
type millis int64

func (m *millis) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	*m = millis(v)
	return nil
}

// DecodeInbound parses one telephony frame. Unknown event names decode to
// KindUnknown without error; known kinds missing their required fields fail
// with a malformed_event reason.
func DecodeInbound(data []byte) (Inbound, error) {
	var w wireInbound
	if err := json.Unmarshal(data, &w); err != nil {
		return Inbound{}, errorsx.Errorf(errorsx.ReasonMalformedEvent, "decode frame: %w", err)
	}
	in := Inbound{Event: w.Event}
	switch Kind(w.Event) {
	case KindMedia:
		if w.Media == nil {
			return in, malformed("media frame without media")
		}
		in.Kind = KindMedia
		in.Media = &Media{
			TimestampMS: int64(w.Media.Timestamp),
			Track:       w.Media.Track,
			Payload:     w.Media.Payload,
		}
	case KindStart:
		if w.Start == nil {
			return in, malformed("start frame without start")
		}
		streamSID := w.Start.StreamSID
		if streamSID == "" {
			streamSID = w.StreamSID
		}
		if streamSID == "" {
			return in, malformed("start frame without streamSid")
		}
		in.Kind = KindStart
		in.Start = &Start{
			StreamSID:        streamSID,
			CallSID:          w.Start.CallSID,
			AccountSID:       w.Start.AccountSID,
			CustomParameters: w.Start.CustomParameters,
		}
	case KindMark:
		in.Kind = KindMark
		in.Mark = &Mark{}
		if w.Mark != nil {
			in.Mark.Name = w.Mark.Name
		}
	case KindStop:
		in.Kind = KindStop
	case KindConnected:
		in.Kind = KindConnected
	case KindDTMF:
		in.Kind = KindDTMF
	default:
		in.Kind = KindUnknown
	}
	return in, nil
}

func malformed(msg string) error {
	return errorsx.Errorf(errorsx.ReasonMalformedEvent, "%s", msg)
}

// Outbound is a frame written to the telephony side.
type Outbound struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     *OutboundData `json:"media,omitempty"`
	Mark      *OutboundMark `json:"mark,omitempty"`
}

type OutboundData struct {
	Payload string `json:"payload"`
}

type OutboundMark struct {
	Name string `json:"name"`
}

// MediaFrame carries one chunk of encoded audio to the caller.
func MediaFrame(streamSID, payload string) Outbound {
	return Outbound{Event: EventMedia, StreamSID: streamSID, Media: &OutboundData{Payload: payload}}
}

// MarkFrame asks the telephony side to echo name back once preceding audio has played.
func MarkFrame(streamSID, name string) Outbound {
	return Outbound{Event: EventMark, StreamSID: streamSID, Mark: &OutboundMark{Name: name}}
}

// ClearFrame drops any audio buffered but not yet played on the telephony side.
func ClearFrame(streamSID string) Outbound {
	return Outbound{Event: EventClear, StreamSID: streamSID}
}

package frames

import (
	"encoding/json"
	"testing"

	"github.com/harunnryd/voicebridge/pkg/errorsx"
)

func TestDecodeInboundMediaAcceptsQuotedTimestamp(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"event":"media","media":{"track":"inbound","timestamp":"1280","payload":"//8="}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Kind != KindMedia || in.Media == nil {
		t.Fatalf("expected media frame, got %+v", in)
	}
	if in.Media.TimestampMS != 1280 {
		t.Fatalf("expected timestamp 1280, got %d", in.Media.TimestampMS)
	}

	in, err = DecodeInbound([]byte(`{"event":"media","media":{"timestamp":40,"payload":"AA=="}}`))
	if err != nil || in.Media.TimestampMS != 40 {
		t.Fatalf("expected bare timestamp 40, got %+v err=%v", in.Media, err)
	}
}

func TestDecodeInboundStart(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"caller_number":"+1555"}}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Kind != KindStart || in.Start.StreamSID != "MZ1" || in.Start.CallSID != "CA1" {
		t.Fatalf("unexpected start %+v", in.Start)
	}
	if in.Start.CustomParameters["caller_number"] != "+1555" {
		t.Fatalf("expected custom parameters, got %v", in.Start.CustomParameters)
	}
}

func TestDecodeInboundUnknownIsIgnored(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"event":"something_new","foo":1}`))
	if err != nil {
		t.Fatalf("unknown kinds must not fail: %v", err)
	}
	if in.Kind != KindUnknown || in.Event != "something_new" {
		t.Fatalf("unexpected frame %+v", in)
	}
}

func TestDecodeInboundMalformed(t *testing.T) {
	cases := []string{
		`{"event":"media"}`,
		`{"event":"start","start":{}}`,
		`{"event":"media","media":{"timestamp":"abc"}}`,
		`not json`,
	}
	for _, c := range cases {
		_, err := DecodeInbound([]byte(c))
		if !errorsx.HasReason(err, errorsx.ReasonMalformedEvent) {
			t.Fatalf("expected malformed_event for %s, got %v", c, err)
		}
	}
}

func TestOutboundShapes(t *testing.T) {
	b, _ := json.Marshal(ClearFrame("MZ1"))
	if string(b) != `{"event":"clear","streamSid":"MZ1"}` {
		t.Fatalf("unexpected clear frame %s", b)
	}
	b, _ = json.Marshal(MarkFrame("MZ1", "responsePart"))
	if string(b) != `{"event":"mark","streamSid":"MZ1","mark":{"name":"responsePart"}}` {
		t.Fatalf("unexpected mark frame %s", b)
	}
	b, _ = json.Marshal(MediaFrame("MZ1", "AA=="))
	if string(b) != `{"event":"media","streamSid":"MZ1","media":{"payload":"AA=="}}` {
		t.Fatalf("unexpected media frame %s", b)
	}
}

func TestNormalizePayload(t *testing.T) {
	got, err := NormalizePayload("//8")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "//8=" {
		t.Fatalf("expected padded payload, got %q", got)
	}
	if _, err := NormalizePayload("***"); !errorsx.HasReason(err, errorsx.ReasonMalformedEvent) {
		t.Fatalf("expected malformed_event, got %v", err)
	}
}

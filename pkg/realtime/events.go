package realtime

import (
	"encoding/json"

	"github.com/harunnryd/voicebridge/pkg/errorsx"
)

// Server event types the relay reacts to.
const (
	TypeError                          = "error"
	TypeSessionCreated                 = "session.created"
	TypeSessionUpdated                 = "session.updated"
	TypeResponseAudioDelta             = "response.audio.delta"
	TypeSpeechStarted                  = "input_audio_buffer.speech_started"
	TypeResponseDone                   = "response.done"
	TypeInputTranscriptionCompleted    = "conversation.item.input_audio_transcription.completed"
	TypeFunctionCallArgumentsDone      = "response.function_call_arguments.done"
	TypeClientSessionUpdate            = "session.update"
	TypeClientInputAudioBufferAppend   = "input_audio_buffer.append"
	TypeClientConversationItemCreate   = "conversation.item.create"
	TypeClientResponseCreate           = "response.create"
	TypeClientConversationItemTruncate = "conversation.item.truncate"
)

// Kind is the closed set of server events the relay distinguishes.
type Kind int

const (
	KindUnknown Kind = iota
	KindError
	KindSessionCreated
	KindSessionUpdated
	KindAudioDelta
	KindSpeechStarted
	KindResponseDone
	KindInputTranscriptionCompleted
	KindFunctionCallArgumentsDone
)

var kindByType = map[string]Kind{
	TypeError:                       KindError,
	TypeSessionCreated:              KindSessionCreated,
	TypeSessionUpdated:              KindSessionUpdated,
	TypeResponseAudioDelta:          KindAudioDelta,
	TypeSpeechStarted:               KindSpeechStarted,
	TypeResponseDone:                KindResponseDone,
	TypeInputTranscriptionCompleted: KindInputTranscriptionCompleted,
	TypeFunctionCallArgumentsDone:   KindFunctionCallArgumentsDone,
}

// ServerEvent is one decoded backend event. Fields not relevant to Kind are empty.
type ServerEvent struct {
	Type   string
	Kind   Kind
	ItemID string
	// Delta is the base64 audio of an audio delta.
	Delta string
	// Transcript is set for input transcription events.
	Transcript    string
	HasTranscript bool
	// ResponseTranscript is the first output's first content transcript of a
	// response.done event, when that structure is present.
	ResponseTranscript    string
	HasResponseTranscript bool
	Name                  string
	Arguments             string
	CallID                string
	Error                 *APIError
	Raw                   json.RawMessage
}

type APIError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

type wireServerEvent struct {
	Type       string    `json:"type"`
	ItemID     string    `json:"item_id"`
	Delta      *string   `json:"delta"`
	Transcript *string   `json:"transcript"`
	Name       string    `json:"name"`
	Arguments  string    `json:"arguments"`
	CallID     string    `json:"call_id"`
	Error      *APIError `json:"error"`
	Response   *struct {
		Output []struct {
			Content []struct {
				Transcript *string `json:"transcript"`
			} `json:"content"`
		} `json:"output"`
	} `json:"response"`
}

// DecodeServerEvent parses one backend message. Unknown types decode to
// KindUnknown; a known type missing its required field is malformed.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var w wireServerEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return ServerEvent{}, errorsx.Errorf(errorsx.ReasonMalformedEvent, "decode server event: %w", err)
	}
	ev := ServerEvent{
		Type:      w.Type,
		Kind:      kindByType[w.Type],
		ItemID:    w.ItemID,
		Name:      w.Name,
		Arguments: w.Arguments,
		CallID:    w.CallID,
		Error:     w.Error,
		Raw:       append(json.RawMessage(nil), data...),
	}
	if w.Transcript != nil {
		ev.Transcript = *w.Transcript
		ev.HasTranscript = true
	}
	if w.Response != nil && len(w.Response.Output) > 0 && len(w.Response.Output[0].Content) > 0 {
		if t := w.Response.Output[0].Content[0].Transcript; t != nil {
			ev.ResponseTranscript = *t
			ev.HasResponseTranscript = true
		}
	}
	switch ev.Kind {
	case KindAudioDelta:
		if w.Delta == nil {
			return ev, errorsx.Errorf(errorsx.ReasonMalformedEvent, "%s without delta", w.Type)
		}
		ev.Delta = *w.Delta
	case KindFunctionCallArgumentsDone:
		if w.Name == "" {
			return ev, errorsx.Errorf(errorsx.ReasonMalformedEvent, "%s without name", w.Type)
		}
	}
	return ev, nil
}

// ClientEvent is one message sent to the backend.
type ClientEvent map[string]any

func (e ClientEvent) Type() string {
	t, _ := e["type"].(string)
	return t
}

// Tool is a function declaration advertised in session.update.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SessionConfig is negotiated once per connection.
type SessionConfig struct {
	Voice              string
	Instructions       string
	Temperature        float64
	TranscriptionModel string
	Tools              []Tool
}

func SessionUpdate(cfg SessionConfig) ClientEvent {
	session := map[string]any{
		"turn_detection":      map[string]any{"type": "server_vad"},
		"input_audio_format":  "g711_ulaw",
		"output_audio_format": "g711_ulaw",
		"voice":               cfg.Voice,
		"instructions":        cfg.Instructions,
		"modalities":          []string{"text", "audio"},
		"temperature":         cfg.Temperature,
	}
	if cfg.TranscriptionModel != "" {
		session["input_audio_transcription"] = map[string]any{"model": cfg.TranscriptionModel}
	}
	if len(cfg.Tools) > 0 {
		tools := make([]map[string]any, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		}
		session["tools"] = tools
		session["tool_choice"] = "auto"
	}
	return ClientEvent{"type": TypeClientSessionUpdate, "session": session}
}

func AppendAudio(payload string) ClientEvent {
	return ClientEvent{"type": TypeClientInputAudioBufferAppend, "audio": payload}
}

// UserMessage adds a user-authored text turn to the conversation.
func UserMessage(text string) ClientEvent {
	return ClientEvent{
		"type": TypeClientConversationItemCreate,
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
}

func FunctionCallOutput(callID, output string) ClientEvent {
	return ClientEvent{
		"type": TypeClientConversationItemCreate,
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}
}

// CreateResponse triggers generation; non-empty instructions override the
// session instructions for this response only.
func CreateResponse(instructions string) ClientEvent {
	ev := ClientEvent{"type": TypeClientResponseCreate}
	if instructions != "" {
		ev["response"] = map[string]any{
			"modalities":   []string{"text", "audio"},
			"instructions": instructions,
		}
	}
	return ev
}

func Truncate(itemID string, contentIndex int, audioEndMS int64) ClientEvent {
	return ClientEvent{
		"type":          TypeClientConversationItemTruncate,
		"item_id":       itemID,
		"content_index": contentIndex,
		"audio_end_ms":  audioEndMS,
	}
}

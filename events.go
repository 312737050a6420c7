package realtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

type EventType string

// Server event types the tutor reacts to. Everything else is still delivered
// as a generic Event.
const (
	EventTypeError                              EventType = "error"
	EventTypeSessionCreated                     EventType = "session.created"
	EventTypeSessionUpdated                     EventType = "session.updated"
	EventTypeInputAudioBufferSpeechStarted      EventType = "input_audio_buffer.speech_started"
	EventTypeInputAudioBufferSpeechStopped      EventType = "input_audio_buffer.speech_stopped"
	EventTypeInputAudioTranscriptionCompleted   EventType = "conversation.item.input_audio_transcription.completed"
	EventTypeInputAudioTranscriptionDelta       EventType = "conversation.item.input_audio_transcription.delta"
	EventTypeResponseCreated                    EventType = "response.created"
	EventTypeResponseDone                       EventType = "response.done"
	EventTypeResponseOutputAudioTranscriptDelta EventType = "response.output_audio_transcript.delta"
	EventTypeResponseOutputAudioTranscriptDone  EventType = "response.output_audio_transcript.done"
	EventTypeResponseOutputTextDone             EventType = "response.output_text.done"
	EventTypeRatelimitsUpdated                  EventType = "rate_limits.updated"
	EventTypeAssistant                          EventType = "assistant"
	ClientEventTypeResponseCreate               EventType = "response.create"
	ClientEventTypeSessionUpdate                EventType = "session.update"
	ClientEventTypeInputAudioBufferClear        EventType = "input_audio_buffer.clear"
)

// Event is a structured JSON payload carrying a "type" field. Every other
// top-level field is kept in Param.
type Event struct {
	EventId string
	Type    EventType
	Param   map[string]any
}

func NewClientEvent(t EventType, param map[string]any) *Event {
	return &Event{Type: t, Param: param}
}

func (e *Event) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	return sonic.Marshal(e.flatten())
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	t, ok := raw["type"].(string)
	if !ok || t == "" {
		return errors.New("missing type")
	}
	e.Type = EventType(t)
	delete(raw, "type")
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	e.Param = raw
	return nil
}

func (e *Event) MarshalYAML() ([]byte, error) {
	return yaml.MarshalWithOptions(e.flatten(), yaml.UseJSONMarshaler())
}

func (e *Event) flatten() map[string]any {
	out := make(map[string]any, len(e.Param)+2)
	for k, v := range e.Param {
		out[k] = v
	}
	if e.EventId != "" {
		out["event_id"] = e.EventId
	}
	out["type"] = string(e.Type)
	return out
}

// String returns a top-level string parameter.
func (e *Event) String(key string) string {
	v, _ := e.Param[key].(string)
	return v
}

// ErrorMessage returns the message of an "error" event.
func (e *Event) ErrorMessage() (string, bool) {
	if e.Type != EventTypeError {
		return "", false
	}
	if obj, ok := e.Param["error"].(map[string]any); ok {
		msg, _ := obj["message"].(string)
		code, _ := obj["code"].(string)
		if code != "" {
			return fmt.Sprintf("%s (%s)", msg, code), true
		}
		return msg, true
	}
	return e.String("message"), true
}

type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

type Transcript struct {
	Role   Role
	ItemId string
	Text   string
}

// Transcript extracts a finished line of conversation, if the event carries one.
func (e *Event) Transcript() (Transcript, bool) {
	var tr Transcript
	switch e.Type {
	case EventTypeResponseOutputAudioTranscriptDone:
		tr = Transcript{Role: RoleAssistant, Text: e.String("transcript")}
	case EventTypeResponseOutputTextDone:
		tr = Transcript{Role: RoleAssistant, Text: e.String("text")}
	case EventTypeInputAudioTranscriptionCompleted:
		tr = Transcript{Role: RoleUser, Text: e.String("transcript")}
	case EventTypeAssistant:
		tr = Transcript{Role: RoleAssistant, Text: e.String("text")}
	default:
		return tr, false
	}
	tr.ItemId = e.String("item_id")
	tr.Text = strings.TrimSpace(tr.Text)
	return tr, tr.Text != ""
}

// Message is one data channel payload: either a structured Event or, when the
// payload is not a JSON object with a type, the opaque text.
type Message struct {
	Event *Event
	Text  string
}

func (m Message) IsEvent() bool { return m.Event != nil }

func ParseMessage(data []byte) Message {
	ev := new(Event)
	if err := ev.UnmarshalJSON(data); err != nil {
		return Message{Text: strings.TrimSpace(string(data))}
	}
	return Message{Event: ev}
}

type MessageHandler func(msg Message)

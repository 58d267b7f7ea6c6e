package transport

// Media Streams event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventClear     = "clear"
)

// Message is one Twilio Media Streams event.
type Message struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *StartMessage `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkMessage  `json:"mark,omitempty"`
	Stop           *StopMessage  `json:"stop,omitempty"`
	DTMF           *DTMFMessage  `json:"dtmf,omitempty"`
}

// StartMessage carries stream metadata and the TwiML <Parameter> values.
type StartMessage struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaFormat describes the stream's audio encoding.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one base64 audio frame.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkMessage names a playback position.
type MarkMessage struct {
	Name string `json:"name"`
}

// StopMessage is sent when the stream ends.
type StopMessage struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// DTMFMessage carries a detected keypress.
type DTMFMessage struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// Param returns a custom start parameter, or "" when absent.
func (s *StartMessage) Param(name string) string {
	if s == nil || s.CustomParameters == nil {
		return ""
	}
	return s.CustomParameters[name]
}

// validate reports whether m carries the fields its event requires.
func (m *Message) validate() bool {
	switch m.Event {
	case "":
		return false
	case EventStart:
		return m.Start != nil && m.Start.StreamSID != "" && m.Start.CallSID != ""
	case EventMedia:
		return m.Media != nil && m.Media.Payload != ""
	}
	return true
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaOutBody `json:"media"`
}

type mediaOutBody struct {
	Payload string `json:"payload"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

type outboundMark struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      MarkMessage `json:"mark"`
}

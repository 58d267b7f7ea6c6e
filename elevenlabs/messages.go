package elevenlabs

import (
	"encoding/json"
	"strings"
)

// Inbound message types.
const (
	TypeInitiationMetadata = "conversation_initiation_metadata"
	TypeAudio              = "audio"
	TypeInterruption       = "interruption"
	TypePing               = "ping"
	TypeAgentResponse      = "agent_response"
	TypeUserTranscript     = "user_transcript"
)

// Outbound message types.
const (
	TypeInitiationClientData = "conversation_initiation_client_data"
	TypePong                 = "pong"
)

// Message is one decoded server event. Only the sub-event matching Type is set.
type Message struct {
	Type string `json:"type"`

	InitiationMetadata *InitiationMetadataEvent `json:"conversation_initiation_metadata_event,omitempty"`
	Audio              *AudioChunk              `json:"audio,omitempty"`
	AudioEvent         *AudioEvent              `json:"audio_event,omitempty"`
	Interruption       *InterruptionEvent       `json:"interruption_event,omitempty"`
	Ping               *PingEvent               `json:"ping_event,omitempty"`
	AgentResponse      *AgentResponseEvent      `json:"agent_response_event,omitempty"`
	UserTranscription  *UserTranscriptionEvent  `json:"user_transcription_event,omitempty"`
}

// InitiationMetadataEvent describes the conversation the server started.
type InitiationMetadataEvent struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format"`
	UserInputAudioFormat   string `json:"user_input_audio_format"`
}

// AudioChunk is the legacy audio shape.
type AudioChunk struct {
	Chunk string `json:"chunk"`
}

// AudioEvent carries base64 agent audio.
type AudioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int64  `json:"event_id"`
}

// InterruptionEvent signals that the agent stopped speaking mid-turn.
type InterruptionEvent struct {
	EventID int64 `json:"event_id"`
}

// PingEvent is a keepalive that must be answered with a pong echoing EventID.
// EventID is kept raw so the pong carries the identical value.
type PingEvent struct {
	EventID json.RawMessage `json:"event_id"`
	PingMS  *int64          `json:"ping_ms,omitempty"`
}

// AgentResponseEvent carries the text of an agent turn.
type AgentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

// UserTranscriptionEvent carries the recognized text of a caller turn.
type UserTranscriptionEvent struct {
	UserTranscript string `json:"user_transcript"`
}

// AudioPayload returns the base64 audio carried by an audio message, whichever
// of the two shapes the server used.
func (m Message) AudioPayload() string {
	if m.Audio != nil && m.Audio.Chunk != "" {
		return m.Audio.Chunk
	}
	if m.AudioEvent != nil {
		return m.AudioEvent.AudioBase64
	}
	return ""
}

// PingEventID returns the correlation id of a ping, or nil when absent.
func (m Message) PingEventID() json.RawMessage {
	if m.Ping == nil || len(m.Ping.EventID) == 0 || string(m.Ping.EventID) == "null" {
		return nil
	}
	return m.Ping.EventID
}

// AgentText returns the agent response text.
func (m Message) AgentText() string {
	if m.AgentResponse == nil {
		return ""
	}
	return strings.TrimSpace(m.AgentResponse.AgentResponse)
}

// UserText returns the caller transcript text.
func (m Message) UserText() string {
	if m.UserTranscription == nil {
		return ""
	}
	return strings.TrimSpace(m.UserTranscription.UserTranscript)
}

// Initiation overrides the agent configuration for one conversation.
type Initiation struct {
	Prompt       string
	FirstMessage string
}

type initiationClientData struct {
	Type     string             `json:"type"`
	Override conversationConfig `json:"conversation_config_override"`
}

type conversationConfig struct {
	Agent agentConfig `json:"agent"`
}

type agentConfig struct {
	Prompt       promptConfig `json:"prompt"`
	FirstMessage string       `json:"first_message"`
}

type promptConfig struct {
	Prompt string `json:"prompt"`
}

func (i Initiation) message() initiationClientData {
	return initiationClientData{
		Type: TypeInitiationClientData,
		Override: conversationConfig{
			Agent: agentConfig{
				Prompt:       promptConfig{Prompt: i.Prompt},
				FirstMessage: i.FirstMessage,
			},
		},
	}
}

type userAudioMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongMessage struct {
	Type    string          `json:"type"`
	EventID json.RawMessage `json:"event_id"`
}

func decodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

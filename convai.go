// Package convai bridges Twilio Media Streams calls to an ElevenLabs
// Conversational AI agent.
//
// A call is placed through the Twilio REST API, Twilio fetches a TwiML
// document that opens a bidirectional media stream back to this service, and
// each stream is relayed to a freshly signed ElevenLabs conversation socket:
//   - callsystem: call placement, call termination, TwiML generation
//   - transport: Twilio Media Streams telephony leg
//   - elevenlabs: signed URL fetcher and conversation leg
//   - bridge: per-call relay and teardown state machine
//   - registry: pending call setup data keyed by session token
//   - transcript: per-call transcript accumulation and flush sinks
//
// # Environment Variables
//
//	TWILIO_ACCOUNT_SID  - Your Twilio Account SID
//	TWILIO_AUTH_TOKEN   - Your Twilio Auth Token
//	TWILIO_PHONE_NUMBER - Caller ID for outbound calls
//	ELEVENLABS_API_KEY  - ElevenLabs API key
//	ELEVENLABS_AGENT_ID - ElevenLabs Conversational AI agent
//
// # Quick Start
//
//	go run ./cmd/convai-bridge
//
//	curl -X POST localhost:8000/outbound-call \
//	    -H 'Content-Type: application/json' \
//	    -d '{"number":"+15551234567","prompt":"Ask about availability"}'
package convai

// Version is the service version.
const Version = "0.1.0"

// Agent defaults used when a call carries no setup overrides.
const (
	DefaultPrompt       = "you are gary from the phone store"
	DefaultFirstMessage = "hey there! how can I help you today?"
)

// HTTP paths served to Twilio and to callers placing calls.
const (
	PathOutboundCall = "/outbound-call"
	PathCallTwiML    = "/outbound-call-twiml"
	PathMediaStream  = "/outbound-media-stream"
)

// Custom stream parameters carried from the TwiML document into the
// Media Streams start event.
const (
	ParamPrompt       = "prompt"
	ParamFirstMessage = "first_message"
	ParamSessionToken = "session_token"
)

// Call status constants.
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)

// Transcript speaker labels.
const (
	DefaultAgentLabel  = "Agent"
	DefaultCallerLabel = "Caller"
)

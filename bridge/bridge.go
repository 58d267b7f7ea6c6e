// Package bridge relays one Twilio media stream to one ElevenLabs
// conversation and tears both down together.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	convai "github.com/agentplexus/omnivoice-convai"
	"github.com/agentplexus/omnivoice-convai/elevenlabs"
	"github.com/agentplexus/omnivoice-convai/registry"
	"github.com/agentplexus/omnivoice-convai/transcript"
	"github.com/agentplexus/omnivoice-convai/transport"
)

// State is the lifecycle position of a Bridge.
type State int32

const (
	// StateAwaitingStart waits for the stream's start event. Everything else is ignored.
	StateAwaitingStart State = iota
	// StateConnecting is dialing the conversation. Caller audio is dropped.
	StateConnecting
	// StateActive relays audio both ways.
	StateActive
	// StateClosing is closing both legs and ending the call.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	defaultHangupTimeout  = 10 * time.Second
	defaultFlushTimeout   = 30 * time.Second
	defaultConnectTimeout = 15 * time.Second
)

// MediaStream is the telephony leg.
type MediaStream interface {
	Messages() <-chan transport.Message
	SendMedia(streamSID, payload string) error
	SendClear(streamSID string) error
	Err() error
	Close() error
}

// Agent is the AI conversation leg.
type Agent interface {
	Messages() <-chan elevenlabs.Message
	SendInitiation(ctx context.Context, init elevenlabs.Initiation) error
	SendUserAudio(ctx context.Context, chunk string) error
	SendPong(ctx context.Context, eventID json.RawMessage) error
	Err() error
	Close() error
}

// DialFunc opens the AI leg. Implementations fetch a signed URL and dial it.
type DialFunc func(ctx context.Context) (Agent, error)

// CallController terminates the provider call.
type CallController interface {
	HangupCall(ctx context.Context, callSID string) error
}

// SetupSource yields setup data registered at call placement.
type SetupSource interface {
	TakeIfPresent(token string) (registry.Setup, bool)
}

// TranscriptStore accumulates per-call transcripts.
type TranscriptStore interface {
	Start(callSID, streamSID string)
	Append(callSID string, speaker transcript.Speaker, text string) error
	Flush(ctx context.Context, callSID string) error
}

// Stats counts frames relayed by a bridge.
type Stats struct {
	ToAgent   int64
	ToCaller  int64
	Dropped   int64
	Malformed int64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// WithSetupSource sets where session tokens are resolved.
func WithSetupSource(s SetupSource) Option {
	return func(b *Bridge) {
		b.setups = s
	}
}

// WithTranscripts sets the transcript store.
func WithTranscripts(s TranscriptStore) Option {
	return func(b *Bridge) {
		b.transcripts = s
	}
}

// WithCallController sets the client used to terminate the call on teardown.
func WithCallController(c CallController) Option {
	return func(b *Bridge) {
		b.controller = c
	}
}

// WithCallTracker registers the bridge by call SID so one call has one bridge.
func WithCallTracker(t *Tracker) Option {
	return func(b *Bridge) {
		b.calls = t
	}
}

// WithDefaults sets the prompt and first message used when a call carries none.
func WithDefaults(setup registry.Setup) Option {
	return func(b *Bridge) {
		b.defaults = setup
	}
}

// WithConnectTimeout bounds signed URL fetch plus dial.
func WithConnectTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.connectTimeout = d
	}
}

// WithHangupTimeout bounds the call termination request.
func WithHangupTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.hangupTimeout = d
	}
}

// WithFlushTimeout bounds transcript delivery at teardown.
func WithFlushTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.flushTimeout = d
	}
}

// Bridge owns both legs of one call. All state below is mutated only by the
// goroutine running Run.
type Bridge struct {
	phone          MediaStream
	dial           DialFunc
	logger         *slog.Logger
	setups         SetupSource
	transcripts    TranscriptStore
	controller     CallController
	calls          *Tracker
	defaults       registry.Setup
	connectTimeout time.Duration
	hangupTimeout  time.Duration
	flushTimeout   time.Duration

	state   atomic.Int32
	running atomic.Bool

	toAgent   atomic.Int64
	toCaller  atomic.Int64
	dropped   atomic.Int64
	malformed atomic.Int64

	log        *slog.Logger
	cancel     context.CancelCauseFunc
	streamSID  string
	callSID    string
	setup      registry.Setup
	agent      Agent
	dialed     chan dialResult
	unregister func()
}

type dialResult struct {
	agent Agent
	err   error
}

// New creates a bridge for an accepted media stream.
func New(phone MediaStream, dial DialFunc, opts ...Option) *Bridge {
	b := &Bridge{
		phone:          phone,
		dial:           dial,
		defaults:       registry.Setup{Prompt: convai.DefaultPrompt, FirstMessage: convai.DefaultFirstMessage},
		connectTimeout: defaultConnectTimeout,
		hangupTimeout:  defaultHangupTimeout,
		flushTimeout:   defaultFlushTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.log = b.logger
	return b
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Stats returns relay counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		ToAgent:   b.toAgent.Load(),
		ToCaller:  b.toCaller.Load(),
		Dropped:   b.dropped.Load(),
		Malformed: b.malformed.Load(),
	}
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
}

// Run relays until either leg ends or ctx is canceled, then tears both legs
// down. It returns nil when Twilio stopped the stream; otherwise the cause of
// teardown joined with any hangup failure.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("bridge: Run called more than once")
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	b.cancel = cancel

	phoneMsgs := b.phone.Messages()
	var agentMsgs <-chan elevenlabs.Message

	var cause error
	for cause == nil {
		select {
		case msg, ok := <-phoneMsgs:
			if !ok {
				cause = b.phoneEnded()
				continue
			}
			cause = b.handleTelephony(ctx, msg)

		case res := <-b.dialed:
			b.dialed = nil
			cause = b.activate(ctx, res)
			if cause == nil {
				agentMsgs = b.agent.Messages()
			}

		case msg, ok := <-agentMsgs:
			if !ok {
				cause = b.agentEnded()
				continue
			}
			cause = b.handleAgent(ctx, msg)

		case <-ctx.Done():
			cause = context.Cause(ctx)
			if !errors.Is(cause, ErrSuperseded) && !errors.Is(cause, ErrShutdown) {
				cause = fmt.Errorf("%w: %w", ErrShutdown, cause)
			}
		}
	}

	cancel(cause)
	return b.teardown(cause)
}

func (b *Bridge) handleTelephony(ctx context.Context, msg transport.Message) error {
	switch b.State() {
	case StateAwaitingStart:
		if msg.Event != transport.EventStart {
			b.log.Debug("ignoring media stream event before start", "event", msg.Event)
			return nil
		}
		if msg.Start == nil || msg.Start.CallSID == "" {
			b.malformedMessage(LegTelephony, msg.Event, "start without call metadata")
			return nil
		}
		b.begin(ctx, msg.Start)
		return nil

	case StateConnecting:
		switch msg.Event {
		case transport.EventMedia:
			b.dropped.Add(1)
		case transport.EventStop:
			return legErr(LegTelephony, ErrStreamStopped, nil)
		default:
			b.log.Debug("ignoring media stream event while connecting", "event", msg.Event)
		}
		return nil
	}

	switch msg.Event {
	case transport.EventMedia:
		if msg.Media == nil {
			b.malformedMessage(LegTelephony, msg.Event, "media without payload")
			return nil
		}
		if err := b.agent.SendUserAudio(ctx, msg.Media.Payload); err != nil {
			return legErr(LegAI, ErrLegFailed, err)
		}
		b.toAgent.Add(1)
	case transport.EventStop:
		return legErr(LegTelephony, ErrStreamStopped, nil)
	default:
		b.log.Debug("ignoring media stream event", "event", msg.Event)
	}
	return nil
}

// begin captures the stream identity, resolves setup data and starts dialing.
func (b *Bridge) begin(ctx context.Context, start *transport.StartMessage) {
	b.streamSID = start.StreamSID
	b.callSID = start.CallSID
	b.log = b.logger.With("call_sid", b.callSID, "stream_sid", b.streamSID)
	b.setup = b.resolveSetup(start)

	if b.transcripts != nil {
		b.transcripts.Start(b.callSID, b.streamSID)
	}
	if b.calls != nil {
		b.unregister = b.calls.Register(b.callSID, Handle{Cancel: b.cancel})
	}

	b.setState(StateConnecting)
	b.log.Info("media stream started", "state", StateConnecting)

	b.dialed = make(chan dialResult)
	go b.connect(ctx, b.dialed)
}

func (b *Bridge) resolveSetup(start *transport.StartMessage) registry.Setup {
	var stored registry.Setup
	if token := start.Param(convai.ParamSessionToken); token != "" && b.setups != nil {
		if s, ok := b.setups.TakeIfPresent(token); ok {
			stored = s
		}
	}
	return registry.Setup{
		Prompt:       firstNonEmpty(stored.Prompt, start.Param(convai.ParamPrompt), b.defaults.Prompt),
		FirstMessage: firstNonEmpty(stored.FirstMessage, start.Param(convai.ParamFirstMessage), b.defaults.FirstMessage),
	}
}

func (b *Bridge) connect(ctx context.Context, out chan<- dialResult) {
	dialCtx := ctx
	if b.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, b.connectTimeout)
		defer cancel()
	}

	agent, err := b.dial(dialCtx)
	select {
	case out <- dialResult{agent: agent, err: err}:
	case <-ctx.Done():
		if agent != nil {
			_ = agent.Close()
		}
	}
}

func (b *Bridge) activate(ctx context.Context, res dialResult) error {
	if res.err != nil {
		return legErr(LegAI, ErrSetupFailed, res.err)
	}
	if res.agent == nil {
		return legErr(LegAI, ErrSetupFailed, errors.New("dial returned no connection"))
	}
	b.agent = res.agent

	init := elevenlabs.Initiation{Prompt: b.setup.Prompt, FirstMessage: b.setup.FirstMessage}
	if err := b.agent.SendInitiation(ctx, init); err != nil {
		return legErr(LegAI, ErrSetupFailed, err)
	}

	b.setState(StateActive)
	b.log.Info("conversation connected", "state", StateActive, "dropped_frames", b.dropped.Load())
	return nil
}

func (b *Bridge) handleAgent(ctx context.Context, msg elevenlabs.Message) error {
	switch msg.Type {
	case elevenlabs.TypeAudio:
		payload := msg.AudioPayload()
		if payload == "" {
			b.malformedMessage(LegAI, msg.Type, "audio without payload")
			return nil
		}
		if b.streamSID == "" {
			b.dropped.Add(1)
			return nil
		}
		if err := b.phone.SendMedia(b.streamSID, payload); err != nil {
			return legErr(LegTelephony, ErrLegFailed, err)
		}
		b.toCaller.Add(1)

	case elevenlabs.TypeInterruption:
		if err := b.phone.SendClear(b.streamSID); err != nil {
			return legErr(LegTelephony, ErrLegFailed, err)
		}

	case elevenlabs.TypePing:
		id := msg.PingEventID()
		if id == nil {
			b.malformedMessage(LegAI, msg.Type, "ping without event_id")
			return nil
		}
		if err := b.agent.SendPong(ctx, id); err != nil {
			return legErr(LegAI, ErrLegFailed, err)
		}

	case elevenlabs.TypeAgentResponse:
		b.record(transcript.SpeakerAgent, msg.AgentText())

	case elevenlabs.TypeUserTranscript:
		b.record(transcript.SpeakerCaller, msg.UserText())

	case elevenlabs.TypeInitiationMetadata:
		if md := msg.InitiationMetadata; md != nil {
			b.log.Info("conversation initiated",
				"conversation_id", md.ConversationID,
				"output_format", md.AgentOutputAudioFormat,
				"input_format", md.UserInputAudioFormat)
		}

	default:
		b.log.Debug("ignoring conversation message", "type", msg.Type)
	}
	return nil
}

func (b *Bridge) record(speaker transcript.Speaker, text string) {
	if text == "" || b.transcripts == nil {
		return
	}
	if err := b.transcripts.Append(b.callSID, speaker, text); err != nil {
		b.log.Warn("transcript append failed", "speaker", speaker, "error", err)
	}
}

func (b *Bridge) malformedMessage(leg Leg, kind, detail string) {
	b.malformed.Add(1)
	b.log.Warn("dropping malformed message",
		"leg", leg,
		"type", kind,
		"error", legErr(leg, ErrMalformedMessage, errors.New(detail)))
}

func (b *Bridge) phoneEnded() error {
	if err := b.phone.Err(); err != nil {
		return legErr(LegTelephony, ErrLegFailed, err)
	}
	return legErr(LegTelephony, ErrLegClosed, nil)
}

func (b *Bridge) agentEnded() error {
	if err := b.agent.Err(); err != nil {
		return legErr(LegAI, ErrLegFailed, err)
	}
	return legErr(LegAI, ErrLegClosed, nil)
}

func (b *Bridge) teardown(cause error) error {
	prev := b.State()
	b.setState(StateClosing)

	if b.agent != nil {
		_ = b.agent.Close()
	}
	_ = b.phone.Close()

	var hangupErr error
	if b.shouldHangup(cause) {
		ctx, cancel := context.WithTimeout(context.Background(), b.hangupTimeout)
		if err := b.controller.HangupCall(ctx, b.callSID); err != nil {
			hangupErr = legErr(LegTelephony, ErrHangupFailed, err)
			b.log.Error("call termination failed", "error", err)
		}
		cancel()
	}

	// A superseding bridge owns the call's transcript from here on.
	if b.transcripts != nil && b.callSID != "" && !errors.Is(cause, ErrSuperseded) {
		ctx, cancel := context.WithTimeout(context.Background(), b.flushTimeout)
		if err := b.transcripts.Flush(ctx, b.callSID); err != nil {
			b.log.Error("transcript flush failed", "error", err)
		}
		cancel()
	}

	if b.unregister != nil {
		b.unregister()
	}

	stats := b.Stats()
	b.log.Info("bridge closed",
		"from_state", prev,
		"cause", cause,
		"to_agent", stats.ToAgent,
		"to_caller", stats.ToCaller,
		"dropped", stats.Dropped,
		"malformed", stats.Malformed)
	b.setState(StateClosed)

	if errors.Is(cause, ErrStreamStopped) {
		return hangupErr
	}
	return errors.Join(cause, hangupErr)
}

// shouldHangup reports whether the provider call may still be live and is
// owned by this bridge.
func (b *Bridge) shouldHangup(cause error) bool {
	if b.callSID == "" || b.controller == nil {
		return false
	}
	return !errors.Is(cause, ErrStreamStopped) && !errors.Is(cause, ErrSuperseded)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package callsystem places and terminates Twilio calls for the conversation bridge.
package callsystem

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	convai "github.com/agentplexus/omnivoice-convai"
	"github.com/agentplexus/omnivoice-convai/internal/client"
	"github.com/agentplexus/omnivoice-convai/registry"
	"github.com/agentplexus/omnivoice/callsystem"
	"github.com/google/uuid"
)

// ErrMissingDestination is returned when a call request has no destination number.
var ErrMissingDestination = errors.New("callsystem: destination number is required")

// Provider places outbound calls whose media stream is bridged to the AI agent.
type Provider struct {
	client      *client.Client
	registry    *registry.Registry
	defaultFrom string
	newToken    func() string
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	accountSID  string
	authToken   string
	phoneNumber string
	baseURL     string
	registry    *registry.Registry
	newToken    func() string
}

// WithAccountSID sets the Twilio Account SID.
func WithAccountSID(sid string) Option {
	return func(o *options) {
		o.accountSID = sid
	}
}

// WithAuthToken sets the Twilio Auth Token.
func WithAuthToken(token string) Option {
	return func(o *options) {
		o.authToken = token
	}
}

// WithPhoneNumber sets the caller ID for outbound calls.
func WithPhoneNumber(number string) Option {
	return func(o *options) {
		o.phoneNumber = number
	}
}

// WithBaseURL overrides the Twilio REST API base URL.
func WithBaseURL(u string) Option {
	return func(o *options) {
		o.baseURL = u
	}
}

// WithRegistry sets the registry receiving call setup data.
func WithRegistry(r *registry.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithTokenGenerator overrides session token generation.
func WithTokenGenerator(fn func() string) Option {
	return func(o *options) {
		o.newToken = fn
	}
}

// New creates a Twilio call provider.
func New(opts ...Option) (*Provider, error) {
	cfg := &options{
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	twilioClient, err := client.New(&client.Config{
		AccountSID: cfg.accountSID,
		AuthToken:  cfg.authToken,
		BaseURL:    cfg.baseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}

	from := cfg.phoneNumber
	if from == "" {
		from = os.Getenv("TWILIO_PHONE_NUMBER")
	}

	reg := cfg.registry
	if reg == nil {
		reg = registry.New()
	}

	return &Provider{
		client:      twilioClient,
		registry:    reg,
		defaultFrom: from,
		newToken:    cfg.newToken,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "twilio"
}

// PlaceCallRequest describes an outbound call.
type PlaceCallRequest struct {
	To           string
	From         string
	Prompt       string
	FirstMessage string

	// TwiMLURL is the absolute URL Twilio fetches when the call connects.
	// The session token is appended as the "id" query parameter.
	TwiMLURL string

	StatusCallback string
	Timeout        time.Duration
}

// PlaceCall stores the setup data under a fresh session token and places the call.
// The setup data is registered before Twilio is contacted, so the TwiML fetch
// always finds it.
func (p *Provider) PlaceCall(ctx context.Context, req PlaceCallRequest) (*Call, error) {
	to := strings.TrimSpace(req.To)
	if to == "" {
		return nil, ErrMissingDestination
	}
	from := req.From
	if from == "" {
		from = p.defaultFrom
	}
	if from == "" {
		return nil, fmt.Errorf("from number is required (use WithPhoneNumber or TWILIO_PHONE_NUMBER)")
	}

	token := p.newToken()
	twimlURL, err := withQuery(req.TwiMLURL, "id", token)
	if err != nil {
		return nil, err
	}

	p.registry.Put(token, registry.Setup{Prompt: req.Prompt, FirstMessage: req.FirstMessage})

	params := &client.MakeCallParams{
		To:     to,
		From:   from,
		URL:    twimlURL,
		Method: "POST",
	}
	if req.StatusCallback != "" {
		params.StatusCallback = req.StatusCallback
		params.StatusCallbackEvent = []string{"initiated", "ringing", "answered", "completed"}
	}
	if req.Timeout > 0 {
		params.Timeout = int(req.Timeout.Seconds())
	}

	twilioCall, err := p.client.MakeCall(ctx, params)
	if err != nil {
		p.registry.Delete(token)
		return nil, fmt.Errorf("failed to make call: %w", err)
	}

	return &Call{
		SID:          twilioCall.SID,
		SessionToken: token,
		From:         from,
		To:           to,
		Direction:    callsystem.Outbound,
		Status:       mapCallStatus(twilioCall.Status),
		TwilioStatus: twilioCall.Status,
	}, nil
}

// GetCall retrieves a call by SID.
func (p *Provider) GetCall(ctx context.Context, callSID string) (*Call, error) {
	twilioCall, err := p.client.GetCall(ctx, callSID)
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return &Call{
		SID:          twilioCall.SID,
		From:         twilioCall.From,
		To:           twilioCall.To,
		Direction:    mapDirection(twilioCall.Direction),
		Status:       mapCallStatus(twilioCall.Status),
		TwilioStatus: twilioCall.Status,
	}, nil
}

// HangupCall ends a call. A call Twilio already reports as finished is left
// alone and an unanswered call is canceled. When the lookup fails the call is
// marked completed anyway.
func (p *Provider) HangupCall(ctx context.Context, callSID string) error {
	status := convai.CallStatusCompleted
	if call, err := p.GetCall(ctx, callSID); err == nil {
		switch call.Status {
		case callsystem.StatusEnded, callsystem.StatusFailed, callsystem.StatusBusy, callsystem.StatusNoAnswer:
			return nil
		case callsystem.StatusRinging:
			status = convai.CallStatusCanceled
		}
	}

	if _, err := p.client.UpdateCall(ctx, callSID, status); err != nil {
		return fmt.Errorf("failed to hangup: %w", err)
	}
	return nil
}

// Call is a placed or looked-up Twilio call.
type Call struct {
	SID          string
	SessionToken string
	From         string
	To           string
	Direction    callsystem.CallDirection
	Status       callsystem.CallStatus
	TwilioStatus string
}

func withQuery(rawURL, key, value string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("twiml url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid twiml url: %w", err)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// mapCallStatus maps Twilio status to OmniVoice status.
func mapCallStatus(status string) callsystem.CallStatus {
	switch status {
	case convai.CallStatusQueued, convai.CallStatusRinging:
		return callsystem.StatusRinging
	case convai.CallStatusInProgress:
		return callsystem.StatusAnswered
	case convai.CallStatusCompleted:
		return callsystem.StatusEnded
	case convai.CallStatusBusy:
		return callsystem.StatusBusy
	case convai.CallStatusNoAnswer:
		return callsystem.StatusNoAnswer
	case convai.CallStatusFailed, convai.CallStatusCanceled:
		return callsystem.StatusFailed
	default:
		return callsystem.StatusRinging
	}
}

// mapDirection maps Twilio direction to OmniVoice direction.
func mapDirection(dir string) callsystem.CallDirection {
	if strings.HasPrefix(dir, "inbound") {
		return callsystem.Inbound
	}
	return callsystem.Outbound
}

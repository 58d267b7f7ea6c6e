// Package elevenlabs connects to the ElevenLabs Conversational AI websocket API.
package elevenlabs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultAPIBaseURL is the ElevenLabs REST API base URL.
const DefaultAPIBaseURL = "https://api.elevenlabs.io"

const signedURLPath = "/v1/convai/conversation/get_signed_url"

// Client fetches signed conversation URLs and opens conversation sockets.
// It holds no per-call state and is safe for concurrent use.
type Client struct {
	apiKey     string
	agentID    string
	baseURL    string
	httpClient *http.Client
	dialOpts   []DialOption
}

// Option configures the Client.
type Option func(*options)

type options struct {
	apiKey     string
	agentID    string
	baseURL    string
	httpClient *http.Client
	dialOpts   []DialOption
}

// WithAPIKey sets the ElevenLabs API key.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithAgentID sets the Conversational AI agent.
func WithAgentID(id string) Option {
	return func(o *options) {
		o.agentID = id
	}
}

// WithBaseURL overrides the REST API base URL.
func WithBaseURL(u string) Option {
	return func(o *options) {
		o.baseURL = u
	}
}

// WithHTTPClient overrides the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithDialOptions sets options applied to every conversation socket.
func WithDialOptions(opts ...DialOption) Option {
	return func(o *options) {
		o.dialOpts = append(o.dialOpts, opts...)
	}
}

// New creates a Client. Missing credentials fall back to
// ELEVENLABS_API_KEY and ELEVENLABS_AGENT_ID.
func New(opts ...Option) (*Client, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	apiKey := strings.TrimSpace(cfg.apiKey)
	if apiKey == "" {
		apiKey = os.Getenv("ELEVENLABS_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ELEVENLABS_API_KEY is required")
	}

	agentID := strings.TrimSpace(cfg.agentID)
	if agentID == "" {
		agentID = os.Getenv("ELEVENLABS_AGENT_ID")
	}
	if agentID == "" {
		return nil, fmt.Errorf("ELEVENLABS_AGENT_ID is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		apiKey:     apiKey,
		agentID:    agentID,
		baseURL:    baseURL,
		httpClient: httpClient,
		dialOpts:   cfg.dialOpts,
	}, nil
}

// AgentID returns the configured agent.
func (c *Client) AgentID() string {
	return c.agentID
}

// Error represents an ElevenLabs API error.
type Error struct {
	StatusCode int
	Status     string `json:"status"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("elevenlabs error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("elevenlabs error %d: %s", e.StatusCode, e.Message)
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// SignedURL obtains a short-lived, pre-authenticated conversation URL.
func (c *Client) SignedURL(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("agent_id", c.agentID)
	endpoint := c.baseURL + signedURLPath + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get signed url: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		var envelope struct {
			Detail json.RawMessage `json:"detail"`
		}
		if json.Unmarshal(body, &envelope) == nil && len(envelope.Detail) > 0 {
			if json.Unmarshal(envelope.Detail, apiErr) != nil {
				apiErr.Message = decodeString(envelope.Detail)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return "", apiErr
	}

	var out signedURLResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to parse signed url response: %w", err)
	}
	if strings.TrimSpace(out.SignedURL) == "" {
		return "", fmt.Errorf("signed url response missing signed_url")
	}
	return out.SignedURL, nil
}

// Connect fetches a signed URL and opens a conversation socket on it.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	signedURL, err := c.SignedURL(ctx)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, signedURL, c.dialOpts...)
}

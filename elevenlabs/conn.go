package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned when writing to a closed conversation socket.
var ErrClosed = errors.New("elevenlabs: connection closed")

const defaultWriteTimeout = 5 * time.Second

// DialOption configures a conversation socket.
type DialOption func(*dialOptions)

type dialOptions struct {
	writeTimeout time.Duration
	logger       *slog.Logger
}

// WithWriteTimeout bounds every outbound write when the caller's context has no deadline.
func WithWriteTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) {
		o.writeTimeout = d
	}
}

// WithLogger sets the logger used for dropped frames.
func WithLogger(l *slog.Logger) DialOption {
	return func(o *dialOptions) {
		o.logger = l
	}
}

// Conn is one conversation socket. Inbound events are delivered in arrival
// order on Messages; writes are serialized.
type Conn struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex

	messages  chan Message
	closed    core.Fuse
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Dial opens a conversation socket on a signed URL.
func Dial(ctx context.Context, signedURL string, opts ...DialOption) (*Conn, error) {
	cfg := applyDialOptions(opts)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial conversation: %w", err)
	}
	return newConn(ws, cfg), nil
}

func applyDialOptions(opts []DialOption) *dialOptions {
	cfg := &dialOptions{writeTimeout: defaultWriteTimeout}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg
}

func newConn(ws *websocket.Conn, cfg *dialOptions) *Conn {
	c := &Conn{
		conn:         ws,
		logger:       cfg.logger,
		writeTimeout: cfg.writeTimeout,
		messages:     make(chan Message, 256),
	}
	go c.readLoop()
	return c
}

// Messages returns inbound events. The channel is closed when the socket closes.
func (c *Conn) Messages() <-chan Message {
	return c.messages
}

// Err returns the transport error that ended the read loop, if any.
// It is nil when the socket was closed locally.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// SendInitiation sends the conversation initiation overrides.
func (c *Conn) SendInitiation(ctx context.Context, init Initiation) error {
	return c.writeJSON(ctx, init.message())
}

// SendUserAudio forwards one base64 caller audio chunk unchanged.
func (c *Conn) SendUserAudio(ctx context.Context, chunk string) error {
	return c.writeJSON(ctx, userAudioMessage{UserAudioChunk: chunk})
}

// SendPong answers a ping with the identical event id.
func (c *Conn) SendPong(ctx context.Context, eventID json.RawMessage) error {
	if len(eventID) == 0 {
		return fmt.Errorf("pong requires an event id")
	}
	return c.writeJSON(ctx, pongMessage{Type: TypePong, EventID: eventID})
}

// Close closes the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Break()

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		_ = c.conn.Close()
	})
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.messages)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.IsBroken() {
				c.setErr(err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || strings.TrimSpace(msg.Type) == "" {
			c.logger.Warn("dropping malformed conversation message", "bytes", len(data), "error", err)
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.closed.Watch():
			return
		}
	}
}

func (c *Conn) writeJSON(ctx context.Context, payload any) error {
	if c.closed.IsBroken() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("write conversation message: %w", err)
	}
	return nil
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

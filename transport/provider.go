// Package transport provides the Twilio Media Streams telephony leg.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/agentplexus/omnivoice/transport"
	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned when writing to a closed media stream.
var ErrClosed = errors.New("transport: media stream closed")

const (
	defaultReadLimit    = 64 << 10
	defaultWriteTimeout = 5 * time.Second
)

// Provider upgrades Media Streams websockets and tracks live streams by stream SID.
type Provider struct {
	upgrader     websocket.Upgrader
	readLimit    int64
	writeTimeout time.Duration
	logger       *slog.Logger

	mu          sync.RWMutex
	connections map[string]*Conn
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	writeTimeout time.Duration
	logger       *slog.Logger
}

// WithWriteTimeout bounds every outbound write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// New creates a Media Streams provider.
func New(opts ...Option) *Provider {
	cfg := &options{
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	return &Provider{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		readLimit:    defaultReadLimit,
		writeTimeout: cfg.writeTimeout,
		logger:       cfg.logger,
		connections:  make(map[string]*Conn),
	}
}

// Name returns the transport name.
func (p *Provider) Name() string {
	return "twilio-media-streams"
}

// Accept upgrades an incoming Media Streams request and starts its read loop.
func (p *Provider) Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	wsConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return p.Wrap(wsConn), nil
}

// Wrap adopts an established websocket as a media stream.
func (p *Provider) Wrap(wsConn *websocket.Conn) *Conn {
	if p.readLimit > 0 {
		wsConn.SetReadLimit(p.readLimit)
	}
	conn := &Conn{
		wsConn:       wsConn,
		provider:     p,
		logger:       p.logger,
		writeTimeout: p.writeTimeout,
		messages:     make(chan Message, 256),
		events:       make(chan transport.Event, 16),
		remoteAddr:   wsConn.RemoteAddr(),
	}
	go conn.readLoop()
	return conn
}

// Lookup returns the live stream with streamSID.
func (p *Provider) Lookup(streamSID string) (*Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.connections[streamSID]
	return c, ok
}

// Count returns the number of started, unclosed streams.
func (p *Provider) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

// Close closes every tracked stream.
func (p *Provider) Close() error {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.connections))
	for _, c := range p.connections {
		conns = append(conns, c)
	}
	p.connections = make(map[string]*Conn)
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (p *Provider) register(streamSID string, c *Conn) {
	p.mu.Lock()
	p.connections[streamSID] = c
	p.mu.Unlock()
}

func (p *Provider) unregister(streamSID string, c *Conn) {
	p.mu.Lock()
	if p.connections[streamSID] == c {
		delete(p.connections, streamSID)
	}
	p.mu.Unlock()
}

// Conn is one Media Streams websocket. Inbound events are delivered in
// arrival order on Messages; lifecycle notifications are mirrored on Events.
type Conn struct {
	wsConn       *websocket.Conn
	provider     *Provider
	logger       *slog.Logger
	writeTimeout time.Duration
	remoteAddr   net.Addr

	writeMu sync.Mutex

	messages  chan Message
	events    chan transport.Event
	closed    core.Fuse
	closeOnce sync.Once

	mu        sync.RWMutex
	streamSID string
	callSID   string
	err       error
}

// Messages returns inbound events. The channel is closed when the socket closes.
func (c *Conn) Messages() <-chan Message {
	return c.messages
}

// Events returns lifecycle notifications. Slow consumers miss events rather
// than stall the read loop. The channel is closed when the socket closes.
func (c *Conn) Events() <-chan transport.Event {
	return c.events
}

// StreamSID returns the stream SID once the start event has arrived.
func (c *Conn) StreamSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamSID
}

// CallSID returns the call SID once the start event has arrived.
func (c *Conn) CallSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callSID
}

// RemoteAddr returns the remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// Err returns the transport error that ended the read loop, if any.
// It is nil for a clean close by either side.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// SendMedia sends a base64 audio payload for playback to the caller.
func (c *Conn) SendMedia(streamSID, payload string) error {
	return c.writeJSON(outboundMedia{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     mediaOutBody{Payload: payload},
	})
}

// SendClear discards audio Twilio has buffered for playback.
func (c *Conn) SendClear(streamSID string) error {
	return c.writeJSON(outboundClear{Event: EventClear, StreamSID: streamSID})
}

// SendMark sends a mark message for playback synchronization.
func (c *Conn) SendMark(streamSID, name string) error {
	return c.writeJSON(outboundMark{Event: EventMark, StreamSID: streamSID, Mark: MarkMessage{Name: name}})
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Break()

		c.writeMu.Lock()
		_ = c.wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		_ = c.wsConn.Close()

		if sid := c.StreamSID(); sid != "" {
			c.provider.unregister(sid, c)
		}
	})
	return nil
}

func (c *Conn) readLoop() {
	defer func() {
		c.emit(transport.Event{Type: transport.EventDisconnected})
		close(c.events)
		close(c.messages)
	}()

	for {
		_, data, err := c.wsConn.ReadMessage()
		if err != nil {
			if !c.closed.IsBroken() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
				c.emit(transport.Event{Type: transport.EventError, Error: err})
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || !msg.validate() {
			c.logger.Warn("dropping malformed media stream message",
				"stream_sid", c.StreamSID(),
				"event", msg.Event,
				"error", err)
			continue
		}

		switch msg.Event {
		case EventConnected:
			c.emit(transport.Event{Type: transport.EventConnected})
		case EventStart:
			c.mu.Lock()
			c.streamSID = msg.Start.StreamSID
			c.callSID = msg.Start.CallSID
			c.mu.Unlock()
			c.provider.register(msg.Start.StreamSID, c)
			if c.closed.IsBroken() {
				c.provider.unregister(msg.Start.StreamSID, c)
			}
			c.emit(transport.Event{Type: transport.EventAudioStarted})
		case EventDTMF:
			c.emit(transport.Event{Type: transport.EventDTMF})
		case EventStop:
			c.emit(transport.Event{Type: transport.EventAudioStopped})
		}

		select {
		case c.messages <- msg:
		case <-c.closed.Watch():
			return
		}
	}
}

func (c *Conn) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Conn) writeJSON(msg any) error {
	if c.closed.IsBroken() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.wsConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.wsConn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write media stream message: %w", err)
	}
	return nil
}

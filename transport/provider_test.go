package transport

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	omnitransport "github.com/agentplexus/omnivoice/transport"
	"github.com/gorilla/websocket"
)

type harness struct {
	provider *Provider
	conns    chan *Conn
	client   *websocket.Conn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		provider: New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))),
		conns:    make(chan *Conn, 1),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := h.provider.Accept(w, r)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		h.conns <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	h.client = client
	return h
}

func (h *harness) conn(t *testing.T) *Conn {
	t.Helper()
	select {
	case c := <-h.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("no connection accepted")
		return nil
	}
}

func (h *harness) send(t *testing.T, frame string) {
	t.Helper()
	if err := h.client.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func nextMessage(t *testing.T, c *Conn) Message {
	t.Helper()
	select {
	case m, ok := <-c.Messages():
		if !ok {
			t.Fatalf("messages closed")
		}
		return m
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for message")
		return Message{}
	}
}

func TestConn_StartRegistersStream(t *testing.T) {
	h := newHarness(t)
	c := h.conn(t)

	h.send(t, `{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	h.send(t, `{"event":"start","start":{"streamSid":"ST1","callSid":"CA1","customParameters":{"prompt":"Ask about availability"}}}`)

	if m := nextMessage(t, c); m.Event != EventConnected {
		t.Fatalf("event=%q, want connected", m.Event)
	}
	m := nextMessage(t, c)
	if m.Event != EventStart || m.Start.Param("prompt") != "Ask about availability" {
		t.Fatalf("start=%+v", m.Start)
	}
	if c.StreamSID() != "ST1" || c.CallSID() != "CA1" {
		t.Fatalf("sids=%q/%q", c.StreamSID(), c.CallSID())
	}
	if got, ok := h.provider.Lookup("ST1"); !ok || got != c {
		t.Fatalf("stream not registered")
	}

	_ = c.Close()
	if _, ok := h.provider.Lookup("ST1"); ok {
		t.Fatalf("stream still registered after close")
	}
}

func TestConn_DropsMalformedAndKeepsOrder(t *testing.T) {
	h := newHarness(t)
	c := h.conn(t)

	h.send(t, `{not json`)
	h.send(t, `{"event":"start","start":{"streamSid":"ST1"}}`)
	h.send(t, `{"event":"media","media":{}}`)
	h.send(t, `{"event":"media","media":{"payload":"AAAA"}}`)
	h.send(t, `{"event":"media","media":{"payload":"BBBB"}}`)

	for _, want := range []string{"AAAA", "BBBB"} {
		m := nextMessage(t, c)
		if m.Event != EventMedia || m.Media.Payload != want {
			t.Fatalf("message=%+v, want media %s", m, want)
		}
	}
}

func TestConn_OutboundFrames(t *testing.T) {
	h := newHarness(t)
	c := h.conn(t)

	if err := c.SendMedia("ST1", "QUJD"); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if err := c.SendClear("ST1"); err != nil {
		t.Fatalf("SendClear: %v", err)
	}
	if err := c.SendMark("ST1", "turn-1"); err != nil {
		t.Fatalf("SendMark: %v", err)
	}

	read := func() map[string]any {
		_ = h.client.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := h.client.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var out map[string]any
		_ = json.Unmarshal(data, &out)
		return out
	}

	media := read()
	if media["event"] != "media" || media["streamSid"] != "ST1" || media["media"].(map[string]any)["payload"] != "QUJD" {
		t.Fatalf("media=%v", media)
	}
	clear := read()
	if clear["event"] != "clear" || clear["streamSid"] != "ST1" {
		t.Fatalf("clear=%v", clear)
	}
	mark := read()
	if mark["event"] != "mark" || mark["mark"].(map[string]any)["name"] != "turn-1" {
		t.Fatalf("mark=%v", mark)
	}
}

func TestConn_ClientCloseEndsStream(t *testing.T) {
	h := newHarness(t)
	c := h.conn(t)

	_ = h.client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	select {
	case _, ok := <-c.Messages():
		if ok {
			t.Fatalf("unexpected message")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("messages not closed")
	}
	if c.Err() != nil {
		t.Fatalf("clean close recorded err=%v", c.Err())
	}

	var sawDisconnect bool
	for ev := range c.Events() {
		if ev.Type == omnitransport.EventDisconnected {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Fatalf("expected disconnected event")
	}
}

func TestConn_WriteAfterClose(t *testing.T) {
	h := newHarness(t)
	c := h.conn(t)
	_ = c.Close()

	if err := c.SendClear("ST1"); err != ErrClosed {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}

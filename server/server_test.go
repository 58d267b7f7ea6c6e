package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentplexus/omnivoice-convai/bridge"
	"github.com/agentplexus/omnivoice-convai/callsystem"
	"github.com/agentplexus/omnivoice-convai/elevenlabs"
	"github.com/agentplexus/omnivoice-convai/registry"
	"github.com/agentplexus/omnivoice-convai/transport"
	omnicallsystem "github.com/agentplexus/omnivoice/callsystem"
	"github.com/gorilla/websocket"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePlacer struct {
	mu  sync.Mutex
	req callsystem.PlaceCallRequest
	err error
}

func (f *fakePlacer) PlaceCall(_ context.Context, req callsystem.PlaceCallRequest) (*callsystem.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &callsystem.Call{
		SID:          "CA1",
		Direction:    omnicallsystem.Outbound,
		Status:       omnicallsystem.StatusRinging,
		TwilioStatus: "queued",
	}, nil
}

type fakeHangup struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeHangup) HangupCall(_ context.Context, callSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, callSID)
	return nil
}

func (f *fakeHangup) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	cfg.Logger = quietLogger()
	if cfg.NewBridge == nil {
		cfg.NewBridge = func(phone bridge.MediaStream) *bridge.Bridge {
			return bridge.New(phone, func(context.Context) (bridge.Agent, error) {
				return nil, errors.New("no agent configured")
			}, bridge.WithLogger(quietLogger()))
		}
	}
	s := New(cfg)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["message"] != "Server is running" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
}

func TestOutboundCall_JSON(t *testing.T) {
	placer := &fakePlacer{}
	_, srv := newTestServer(t, Config{Calls: placer, PublicHost: "bridge.example.test"})

	resp, err := http.Post(srv.URL+"/outbound-call", "application/json",
		strings.NewReader(`{"number":"+15551234567","prompt":"Ask about availability","first_message":"Hi"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["success"] != true || body["callSid"] != "CA1" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
	if body["status"] != "ringing" {
		t.Fatalf("call status=%v, want ringing", body["status"])
	}
	if placer.req.To != "+15551234567" || placer.req.Prompt != "Ask about availability" || placer.req.FirstMessage != "Hi" {
		t.Fatalf("request=%+v", placer.req)
	}
	if placer.req.TwiMLURL != "https://bridge.example.test/outbound-call-twiml" {
		t.Fatalf("twiml url=%q", placer.req.TwiMLURL)
	}
}

func TestOutboundCall_Form(t *testing.T) {
	placer := &fakePlacer{}
	_, srv := newTestServer(t, Config{Calls: placer})

	resp, err := http.PostForm(srv.URL+"/outbound-call", url.Values{"number": {"+15551234567"}})
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if body := decodeBody(t, resp); resp.StatusCode != http.StatusOK || body["message"] != "Call initiated" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
}

func TestOutboundCall_MissingNumber(t *testing.T) {
	placer := &fakePlacer{}
	_, srv := newTestServer(t, Config{Calls: placer})

	resp, err := http.Post(srv.URL+"/outbound-call", "application/json", strings.NewReader(`{"prompt":"x"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "Phone number is required" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
}

func TestOutboundCall_ProviderFailure(t *testing.T) {
	placer := &fakePlacer{err: errors.New("twilio error 21211")}
	_, srv := newTestServer(t, Config{Calls: placer})

	resp, err := http.Post(srv.URL+"/outbound-call", "application/json", strings.NewReader(`{"number":"+1"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusInternalServerError || body["success"] != false || body["error"] != "Failed to initiate call" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
}

type twimlDoc struct {
	Connect struct {
		Stream struct {
			URL        string `xml:"url,attr"`
			Parameters []struct {
				Name  string `xml:"name,attr"`
				Value string `xml:"value,attr"`
			} `xml:"Parameter"`
		} `xml:"Stream"`
	} `xml:"Connect"`
}

func fetchTwiML(t *testing.T, target string) (twimlDoc, map[string]string) {
	t.Helper()
	resp, err := http.Post(target, "application/x-www-form-urlencoded", strings.NewReader("CallSid=CA1"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("content-type=%q", ct)
	}
	var doc twimlDoc
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode twiml: %v", err)
	}
	params := map[string]string{}
	for _, p := range doc.Connect.Stream.Parameters {
		params[p.Name] = p.Value
	}
	return doc, params
}

func TestCallTwiML_CarriesEscapedSetup(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	reg.Put("tok-1", registry.Setup{Prompt: `Ask "Bob" about <shifts> & pay`, FirstMessage: "Hi"})

	_, srv := newTestServer(t, Config{Setups: reg, PublicHost: "bridge.example.test"})
	doc, params := fetchTwiML(t, srv.URL+"/outbound-call-twiml?id=tok-1")

	if doc.Connect.Stream.URL != "wss://bridge.example.test/outbound-media-stream" {
		t.Fatalf("stream url=%q", doc.Connect.Stream.URL)
	}
	if params["prompt"] != `Ask "Bob" about <shifts> & pay` || params["first_message"] != "Hi" || params["session_token"] != "tok-1" {
		t.Fatalf("params=%v", params)
	}
	if reg.Len() != 1 {
		t.Fatalf("twiml fetch consumed the setup")
	}
}

func TestCallTwiML_UnknownToken(t *testing.T) {
	_, srv := newTestServer(t, Config{Setups: registry.New()})
	_, params := fetchTwiML(t, srv.URL+"/outbound-call-twiml?id=missing")
	if params["prompt"] != "" || params["first_message"] != "" {
		t.Fatalf("params=%v, want empty setup", params)
	}
}

func TestUnknownPathIsNotFound(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/other-stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected upgrade failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resp=%v", resp)
	}
}

func TestShutdownCancelsLiveBridges(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/outbound-media-stream"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(5 * time.Second)
	for s.LiveStreams() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("bridge never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !s.Shutdown(ctx) {
		t.Fatalf("bridges did not finish")
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatalf("expected stream to be closed")
	}

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("draining server accepted a stream")
	}
}

// fakeConversation is a minimal conversation service: it records client
// frames and speaks once the initiation arrives.
func fakeConversation(t *testing.T, received chan<- map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			_ = json.Unmarshal(data, &msg)
			received <- msg
			if msg["type"] == elevenlabs.TypeInitiationClientData {
				_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio","audio_event":{"audio_base_64":"REVG","event_id":1}}`))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMediaStream_EndToEnd(t *testing.T) {
	received := make(chan map[string]any, 16)
	ai := fakeConversation(t, received)
	aiURL := "ws" + strings.TrimPrefix(ai.URL, "http")

	reg := registry.New()
	defer reg.Close()
	reg.Put("tok-1", registry.Setup{Prompt: "Ask about availability"})
	hangups := &fakeHangup{}

	_, srv := newTestServer(t, Config{
		Setups:  reg,
		Streams: transport.New(transport.WithLogger(quietLogger())),
		NewBridge: func(phone bridge.MediaStream) *bridge.Bridge {
			dial := func(ctx context.Context) (bridge.Agent, error) {
				c, err := elevenlabs.Dial(ctx, aiURL, elevenlabs.WithLogger(quietLogger()))
				if err != nil {
					return nil, err
				}
				return c, nil
			}
			return bridge.New(phone, dial,
				bridge.WithLogger(quietLogger()),
				bridge.WithSetupSource(reg),
				bridge.WithCallController(hangups))
		},
	})

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/outbound-media-stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	send := func(frame string) {
		if err := client.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	next := func() map[string]any {
		select {
		case m := <-received:
			return m
		case <-time.After(5 * time.Second):
			t.Fatalf("conversation service received nothing")
			return nil
		}
	}

	send(`{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	send(`{"event":"start","sequenceNumber":"1","start":{"streamSid":"ST1","callSid":"CA1","customParameters":{"session_token":"tok-1"}},"streamSid":"ST1"}`)

	init := next()
	agent := init["conversation_config_override"].(map[string]any)["agent"].(map[string]any)
	if agent["prompt"].(map[string]any)["prompt"] != "Ask about availability" {
		t.Fatalf("initiation=%v", init)
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read media: %v", err)
	}
	var media map[string]any
	_ = json.Unmarshal(data, &media)
	if media["event"] != "media" || media["streamSid"] != "ST1" || media["media"].(map[string]any)["payload"] != "REVG" {
		t.Fatalf("media=%v", media)
	}

	send(`{"event":"media","media":{"track":"inbound","payload":"QUJD"}}`)
	if audio := next(); audio["user_audio_chunk"] != "QUJD" {
		t.Fatalf("audio=%v", audio)
	}

	send(`{"event":"stop","stop":{"callSid":"CA1"}}`)
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			break
		}
	}
	if hangups.count() != 0 {
		t.Fatalf("hung up after provider stop")
	}
}

// Package server exposes call placement, the TwiML call-setup document and
// the Media Streams websocket over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"

	convai "github.com/agentplexus/omnivoice-convai"
	"github.com/agentplexus/omnivoice-convai/bridge"
	"github.com/agentplexus/omnivoice-convai/callsystem"
	"github.com/agentplexus/omnivoice-convai/registry"
	"github.com/agentplexus/omnivoice-convai/transport"
	omnitransport "github.com/agentplexus/omnivoice/transport"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// CallPlacer places outbound calls.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req callsystem.PlaceCallRequest) (*callsystem.Call, error)
}

// SetupLookup reads pending setup data without consuming it.
type SetupLookup interface {
	Get(token string) (registry.Setup, bool)
}

// BridgeFactory builds the bridge serving one accepted media stream.
type BridgeFactory func(phone bridge.MediaStream) *bridge.Bridge

// Config wires the server's collaborators.
type Config struct {
	// PublicHost is the host Twilio reaches this service on. When empty the
	// request's Host header is used.
	PublicHost string

	Logger    *slog.Logger
	Calls     CallPlacer
	Setups    SetupLookup
	Streams   *transport.Provider
	NewBridge BridgeFactory
}

// Server is the HTTP surface of the bridge service.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router *mux.Router

	live     *bridge.Tracker
	draining atomic.Bool
}

// New creates a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Streams == nil {
		cfg.Streams = transport.New(transport.WithLogger(logger))
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: mux.NewRouter(),
		live:   bridge.NewTracker(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc(convai.PathOutboundCall, s.handleOutboundCall).Methods(http.MethodPost)
	s.router.HandleFunc(convai.PathCallTwiML, s.handleCallTwiML).Methods(http.MethodGet, http.MethodPost)
	s.router.HandleFunc(convai.PathMediaStream, s.handleMediaStream).Methods(http.MethodGet)
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = AccessLog(s.logger, h)
	h = Recover(s.logger, h)
	return h
}

// SetDraining stops the server accepting new media streams.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

// LiveStreams returns the number of running bridges.
func (s *Server) LiveStreams() int {
	return s.live.Count()
}

// Shutdown drains, cancels every running bridge with bridge.ErrShutdown and
// waits for them to finish tearing down. It reports whether all finished
// before ctx was done.
func (s *Server) Shutdown(ctx context.Context) bool {
	s.SetDraining()
	if n := s.live.CancelAll(bridge.ErrShutdown); n > 0 {
		s.logger.Info("canceling live bridges", "count", n)
	}
	return s.live.Wait(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"message": "Server is running"})
}

type outboundCallRequest struct {
	Number       string `json:"number"`
	Prompt       string `json:"prompt"`
	FirstMessage string `json:"first_message"`
}

func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	req, err := decodeOutboundCall(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid request body"})
		return
	}
	if strings.TrimSpace(req.Number) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Phone number is required"})
		return
	}
	if s.cfg.Calls == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Failed to initiate call"})
		return
	}

	call, err := s.cfg.Calls.PlaceCall(r.Context(), callsystem.PlaceCallRequest{
		To:           req.Number,
		Prompt:       req.Prompt,
		FirstMessage: req.FirstMessage,
		TwiMLURL:     "https://" + s.publicHost(r) + convai.PathCallTwiML,
	})
	if errors.Is(err, callsystem.ErrMissingDestination) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Phone number is required"})
		return
	}
	if err != nil {
		s.logger.Error("call placement failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Failed to initiate call"})
		return
	}

	s.logger.Info("call initiated",
		"call_sid", call.SID,
		"status", call.Status,
		"twilio_status", call.TwilioStatus,
		"direction", call.Direction)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Call initiated",
		"callSid": call.SID,
		"status":  call.Status,
	})
}

func decodeOutboundCall(r *http.Request) (outboundCallRequest, error) {
	var req outboundCallRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		err := json.NewDecoder(r.Body).Decode(&req)
		return req, err
	}
	if err := r.ParseForm(); err != nil {
		return req, err
	}
	req.Number = r.PostForm.Get("number")
	req.Prompt = r.PostForm.Get("prompt")
	req.FirstMessage = r.PostForm.Get("first_message")
	return req, nil
}

func (s *Server) handleCallTwiML(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("id")

	var setup registry.Setup
	if token != "" && s.cfg.Setups != nil {
		setup, _ = s.cfg.Setups.Get(token)
	}

	doc, err := callsystem.BuildStreamTwiML("wss://"+s.publicHost(r)+convai.PathMediaStream,
		callsystem.Parameter{Name: convai.ParamPrompt, Value: setup.Prompt},
		callsystem.Parameter{Name: convai.ParamFirstMessage, Value: setup.FirstMessage},
		callsystem.Parameter{Name: convai.ParamSessionToken, Value: token},
	)
	if err != nil {
		s.logger.Error("twiml generation failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.cfg.Streams.Accept(w, r)
	if err != nil {
		s.logger.Warn("media stream upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	logger := s.logger.With("stream_id", id)
	logger.Info("media stream connected", "remote_addr", conn.RemoteAddr().String())

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	unregister := s.live.Register(id, bridge.Handle{Cancel: cancel})
	defer unregister()

	go observe(logger, conn)

	b := s.cfg.NewBridge(conn)
	if err := b.Run(ctx); err != nil {
		logger.Warn("bridge ended", "call_sid", conn.CallSID(), "error", err)
		return
	}
	logger.Info("bridge ended", "call_sid", conn.CallSID())
}

// observe logs telephony lifecycle notifications until the stream closes.
func observe(logger *slog.Logger, conn *transport.Conn) {
	for ev := range conn.Events() {
		switch ev.Type {
		case omnitransport.EventError:
			logger.Warn("media stream error", "error", ev.Error)
		case omnitransport.EventAudioStarted:
			logger.Debug("media stream audio started", "stream_sid", conn.StreamSID(), "call_sid", conn.CallSID())
		default:
			logger.Debug("media stream event", "event", ev.Type)
		}
	}
}

func (s *Server) publicHost(r *http.Request) string {
	if s.cfg.PublicHost != "" {
		return s.cfg.PublicHost
	}
	return r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

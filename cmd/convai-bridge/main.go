package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentplexus/omnivoice-convai/bridge"
	"github.com/agentplexus/omnivoice-convai/callsystem"
	"github.com/agentplexus/omnivoice-convai/elevenlabs"
	"github.com/agentplexus/omnivoice-convai/internal/config"
	"github.com/agentplexus/omnivoice-convai/registry"
	"github.com/agentplexus/omnivoice-convai/server"
	"github.com/agentplexus/omnivoice-convai/transcript"
	"github.com/agentplexus/omnivoice-convai/transport"
)

type appDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// buildSinks returns the transcript sinks enabled by cfg and a function
// releasing their resources.
func buildSinks(ctx context.Context, cfg config.Config, logger *slog.Logger) (transcript.Sink, func(), error) {
	labels := transcript.Labels{Agent: cfg.AgentLabel, Caller: cfg.CallerLabel}
	sinks := transcript.MultiSink{transcript.LogSink{Logger: logger, Labels: labels}}
	cleanup := func() {}

	if cfg.DatabaseURL != "" {
		pool, err := transcript.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, err
		}
		if err := transcript.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, cleanup, err
		}
		sinks = append(sinks, transcript.NewPostgresSink(pool, labels))
		cleanup = pool.Close
		logger.Info("transcript persistence enabled")
	}

	if cfg.WebhookURL != "" {
		sinks = append(sinks, transcript.NewWebhookSink(cfg.WebhookURL,
			transcript.WithWebhookToken(cfg.WebhookToken),
			transcript.WithWebhookDelay(cfg.WebhookDelay),
			transcript.WithWebhookRetries(uint64(cfg.WebhookMaxRetries), 250*time.Millisecond),
			transcript.WithWebhookLogger(logger),
		))
		logger.Info("evaluation webhook enabled", "url", cfg.WebhookURL)
	}

	return sinks, cleanup, nil
}

func runServer(ctx context.Context, logger *slog.Logger, deps appDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	setups := registry.New(
		registry.WithTTL(cfg.SetupTTL),
		registry.WithSweepInterval(time.Minute),
	)
	defer setups.Close()

	sink, closeSinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("transcript sinks: %w", err)
	}
	defer closeSinks()
	transcripts := transcript.NewStore(transcript.WithSink(sink))

	agents, err := elevenlabs.New(
		elevenlabs.WithAPIKey(cfg.ElevenLabsAPIKey),
		elevenlabs.WithAgentID(cfg.ElevenLabsAgentID),
		elevenlabs.WithBaseURL(cfg.ElevenLabsBaseURL),
		elevenlabs.WithDialOptions(elevenlabs.WithLogger(logger)),
	)
	if err != nil {
		return fmt.Errorf("elevenlabs client: %w", err)
	}

	calls, err := callsystem.New(
		callsystem.WithAccountSID(cfg.TwilioAccountSID),
		callsystem.WithAuthToken(cfg.TwilioAuthToken),
		callsystem.WithPhoneNumber(cfg.TwilioPhoneNumber),
		callsystem.WithBaseURL(cfg.TwilioBaseURL),
		callsystem.WithRegistry(setups),
	)
	if err != nil {
		return fmt.Errorf("twilio client: %w", err)
	}

	streams := transport.New(transport.WithLogger(logger))
	defer streams.Close()

	liveCalls := bridge.NewTracker()
	dial := func(ctx context.Context) (bridge.Agent, error) {
		conn, err := agents.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	srv := server.New(server.Config{
		PublicHost: cfg.PublicHost,
		Logger:     logger,
		Calls:      calls,
		Setups:     setups,
		Streams:    streams,
		NewBridge: func(phone bridge.MediaStream) *bridge.Bridge {
			return bridge.New(phone, dial,
				bridge.WithLogger(logger),
				bridge.WithSetupSource(setups),
				bridge.WithTranscripts(transcripts),
				bridge.WithCallController(calls),
				bridge.WithCallTracker(liveCalls),
				bridge.WithDefaults(registry.Setup{Prompt: cfg.DefaultPrompt, FirstMessage: cfg.DefaultFirstMessage}),
				bridge.WithConnectTimeout(cfg.ConnectTimeout),
				bridge.WithHangupTimeout(cfg.HangupTimeout),
				bridge.WithFlushTimeout(cfg.FlushTimeout),
			)
		},
	})
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting convai bridge", "addr", httpSrv.Addr, "public_host", cfg.PublicHost, "agent_id", agents.AgentID())

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	srv.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !srv.Shutdown(waitCtx) {
		logger.Warn("bridges still running after grace period", "count", srv.LiveStreams())
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("convai bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps appDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "convai-bridge: %v\n", err)
		return 1
	}

	if err := runServer(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "convai-bridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultAppDeps()))
}

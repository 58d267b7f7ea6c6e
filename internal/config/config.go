// Package config loads service configuration from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	convai "github.com/agentplexus/omnivoice-convai"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the service settings. Durations in the YAML file use Go
// duration syntax ("15s", "10m").
type Config struct {
	ElevenLabsAPIKey  string `yaml:"elevenlabs_api_key"`
	ElevenLabsAgentID string `yaml:"elevenlabs_agent_id"`
	ElevenLabsBaseURL string `yaml:"elevenlabs_api_base_url"`

	TwilioAccountSID  string `yaml:"twilio_account_sid"`
	TwilioAuthToken   string `yaml:"twilio_auth_token"`
	TwilioPhoneNumber string `yaml:"twilio_phone_number"`
	TwilioBaseURL     string `yaml:"twilio_api_base_url"`

	Port int `yaml:"port"`

	// PublicHost is the host Twilio uses to reach this service. Empty means
	// the Host header of each request.
	PublicHost string `yaml:"public_host"`

	DefaultPrompt       string `yaml:"default_prompt"`
	DefaultFirstMessage string `yaml:"default_first_message"`

	SetupTTL            time.Duration `yaml:"setup_ttl"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	HangupTimeout       time.Duration `yaml:"hangup_timeout"`
	FlushTimeout        time.Duration `yaml:"flush_timeout"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`

	AgentLabel  string `yaml:"transcript_agent_label"`
	CallerLabel string `yaml:"transcript_caller_label"`

	// Optional transcript sinks.
	DatabaseURL       string        `yaml:"database_url"`
	WebhookURL        string        `yaml:"transcript_webhook_url"`
	WebhookToken      string        `yaml:"transcript_webhook_token"`
	WebhookDelay      time.Duration `yaml:"transcript_webhook_delay"`
	WebhookMaxRetries int           `yaml:"transcript_webhook_max_retries"`
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Defaults returns the configuration used before the file and environment apply.
func Defaults() Config {
	return Config{
		Port:                8000,
		DefaultPrompt:       convai.DefaultPrompt,
		DefaultFirstMessage: convai.DefaultFirstMessage,
		SetupTTL:            10 * time.Minute,
		ConnectTimeout:      15 * time.Second,
		HangupTimeout:       10 * time.Second,
		FlushTimeout:        30 * time.Second,
		ShutdownGracePeriod: 30 * time.Second,
		AgentLabel:          convai.DefaultAgentLabel,
		CallerLabel:         convai.DefaultCallerLabel,
		WebhookDelay:        time.Second,
		WebhookMaxRetries:   3,
	}
}

// LoadDotEnv loads path into the environment. A missing file is not an error.
// Variables already set are kept.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv builds the configuration from defaults, the YAML file named by
// CONVAI_CONFIG_FILE when set, and environment overrides, then validates it.
func LoadFromEnv() (Config, error) {
	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv("CONVAI_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ElevenLabsAPIKey = envOr("ELEVENLABS_API_KEY", cfg.ElevenLabsAPIKey)
	cfg.ElevenLabsAgentID = envOr("ELEVENLABS_AGENT_ID", cfg.ElevenLabsAgentID)
	cfg.ElevenLabsBaseURL = envOr("ELEVENLABS_API_BASE_URL", cfg.ElevenLabsBaseURL)
	cfg.TwilioAccountSID = envOr("TWILIO_ACCOUNT_SID", cfg.TwilioAccountSID)
	cfg.TwilioAuthToken = envOr("TWILIO_AUTH_TOKEN", cfg.TwilioAuthToken)
	cfg.TwilioPhoneNumber = envOr("TWILIO_PHONE_NUMBER", cfg.TwilioPhoneNumber)
	cfg.TwilioBaseURL = envOr("TWILIO_API_BASE_URL", cfg.TwilioBaseURL)
	cfg.Port = envIntOr("PORT", cfg.Port)
	cfg.PublicHost = envOr("CONVAI_PUBLIC_HOST", cfg.PublicHost)
	cfg.DefaultPrompt = envOr("CONVAI_DEFAULT_PROMPT", cfg.DefaultPrompt)
	cfg.DefaultFirstMessage = envOr("CONVAI_DEFAULT_FIRST_MESSAGE", cfg.DefaultFirstMessage)
	cfg.SetupTTL = envDurationOr("CONVAI_SETUP_TTL", cfg.SetupTTL)
	cfg.ConnectTimeout = envDurationOr("CONVAI_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.HangupTimeout = envDurationOr("CONVAI_HANGUP_TIMEOUT", cfg.HangupTimeout)
	cfg.FlushTimeout = envDurationOr("CONVAI_FLUSH_TIMEOUT", cfg.FlushTimeout)
	cfg.ShutdownGracePeriod = envDurationOr("CONVAI_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod)
	cfg.AgentLabel = envOr("TRANSCRIPT_AGENT_LABEL", cfg.AgentLabel)
	cfg.CallerLabel = envOr("TRANSCRIPT_CALLER_LABEL", cfg.CallerLabel)
	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)
	cfg.WebhookURL = envOr("TRANSCRIPT_WEBHOOK_URL", cfg.WebhookURL)
	cfg.WebhookToken = envOr("TRANSCRIPT_WEBHOOK_TOKEN", cfg.WebhookToken)
	cfg.WebhookDelay = envDurationOr("TRANSCRIPT_WEBHOOK_DELAY", cfg.WebhookDelay)
	cfg.WebhookMaxRetries = envIntOr("TRANSCRIPT_WEBHOOK_MAX_RETRIES", cfg.WebhookMaxRetries)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports missing credentials and out-of-range values.
func (c Config) Validate() error {
	var missing []string
	for _, req := range []struct{ key, val string }{
		{"ELEVENLABS_API_KEY", c.ElevenLabsAPIKey},
		{"ELEVENLABS_AGENT_ID", c.ElevenLabsAgentID},
		{"TWILIO_ACCOUNT_SID", c.TwilioAccountSID},
		{"TWILIO_AUTH_TOKEN", c.TwilioAuthToken},
		{"TWILIO_PHONE_NUMBER", c.TwilioPhoneNumber},
	} {
		if strings.TrimSpace(req.val) == "" {
			missing = append(missing, req.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"CONVAI_SETUP_TTL", c.SetupTTL},
		{"CONVAI_CONNECT_TIMEOUT", c.ConnectTimeout},
		{"CONVAI_HANGUP_TIMEOUT", c.HangupTimeout},
		{"CONVAI_FLUSH_TIMEOUT", c.FlushTimeout},
		{"CONVAI_SHUTDOWN_GRACE_PERIOD", c.ShutdownGracePeriod},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be > 0", d.key)
		}
	}
	if c.WebhookDelay < 0 {
		return fmt.Errorf("TRANSCRIPT_WEBHOOK_DELAY must be >= 0")
	}
	if c.WebhookMaxRetries < 0 {
		return fmt.Errorf("TRANSCRIPT_WEBHOOK_MAX_RETRIES must be >= 0")
	}
	// The webhook sink waits out its delay inside the flush deadline.
	if c.WebhookURL != "" && c.FlushTimeout <= c.WebhookDelay {
		return fmt.Errorf("CONVAI_FLUSH_TIMEOUT must exceed TRANSCRIPT_WEBHOOK_DELAY")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

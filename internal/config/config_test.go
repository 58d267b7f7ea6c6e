package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"CONVAI_CONFIG_FILE",
	"ELEVENLABS_API_KEY",
	"ELEVENLABS_AGENT_ID",
	"ELEVENLABS_API_BASE_URL",
	"TWILIO_ACCOUNT_SID",
	"TWILIO_AUTH_TOKEN",
	"TWILIO_PHONE_NUMBER",
	"TWILIO_API_BASE_URL",
	"PORT",
	"CONVAI_PUBLIC_HOST",
	"CONVAI_DEFAULT_PROMPT",
	"CONVAI_DEFAULT_FIRST_MESSAGE",
	"CONVAI_SETUP_TTL",
	"CONVAI_CONNECT_TIMEOUT",
	"CONVAI_HANGUP_TIMEOUT",
	"CONVAI_FLUSH_TIMEOUT",
	"CONVAI_SHUTDOWN_GRACE_PERIOD",
	"TRANSCRIPT_AGENT_LABEL",
	"TRANSCRIPT_CALLER_LABEL",
	"DATABASE_URL",
	"TRANSCRIPT_WEBHOOK_URL",
	"TRANSCRIPT_WEBHOOK_TOKEN",
	"TRANSCRIPT_WEBHOOK_DELAY",
	"TRANSCRIPT_WEBHOOK_MAX_RETRIES",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func setCredentials(t *testing.T) {
	t.Helper()
	t.Setenv("ELEVENLABS_API_KEY", "xi-key")
	t.Setenv("ELEVENLABS_AGENT_ID", "agent-1")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")
	t.Setenv("TWILIO_PHONE_NUMBER", "+15550000000")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)
	setCredentials(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr() != ":8000" {
		t.Fatalf("addr=%q, want :8000", cfg.Addr())
	}
	if cfg.DefaultPrompt != "you are gary from the phone store" {
		t.Fatalf("default prompt=%q", cfg.DefaultPrompt)
	}
	if cfg.SetupTTL != 10*time.Minute || cfg.WebhookDelay != time.Second || cfg.WebhookMaxRetries != 3 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.AgentLabel != "Agent" || cfg.CallerLabel != "Caller" {
		t.Fatalf("labels=%q/%q", cfg.AgentLabel, cfg.CallerLabel)
	}
	if cfg.FlushTimeout != 30*time.Second {
		t.Fatalf("flush timeout=%v, want 30s", cfg.FlushTimeout)
	}
}

func TestLoadFromEnv_MissingCredentials(t *testing.T) {
	clearEnv(t)
	t.Setenv("ELEVENLABS_API_KEY", "xi-key")

	_, err := LoadFromEnv()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, key := range []string{"ELEVENLABS_AGENT_ID", "TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_PHONE_NUMBER"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("err=%v, want mention of %s", err, key)
		}
	}
	if strings.Contains(err.Error(), "ELEVENLABS_API_KEY") {
		t.Fatalf("err=%v names a key that is set", err)
	}
}

func TestLoadFromEnv_FileThenEnv(t *testing.T) {
	clearEnv(t)
	setCredentials(t)

	path := filepath.Join(t.TempDir(), "convai.yaml")
	body := "port: 9000\n" +
		"public_host: file.example.test\n" +
		"connect_timeout: 3s\n" +
		"transcript_agent_label: Gary\n" +
		"twilio_phone_number: +15559999999\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONVAI_CONFIG_FILE", path)
	t.Setenv("CONVAI_PUBLIC_HOST", "env.example.test")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Port != 9000 || cfg.ConnectTimeout != 3*time.Second || cfg.AgentLabel != "Gary" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.PublicHost != "env.example.test" {
		t.Fatalf("public host=%q, want env override", cfg.PublicHost)
	}
	if cfg.TwilioPhoneNumber != "+15550000000" {
		t.Fatalf("phone=%q, want env override", cfg.TwilioPhoneNumber)
	}
	if cfg.HangupTimeout != 10*time.Second {
		t.Fatalf("hangup timeout=%v, want default kept", cfg.HangupTimeout)
	}
}

func TestLoadFromEnv_BadFile(t *testing.T) {
	clearEnv(t)
	setCredentials(t)
	t.Setenv("CONVAI_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	clearEnv(t)
	setCredentials(t)
	t.Setenv("CONVAI_HANGUP_TIMEOUT", "-1s")
	if _, err := LoadFromEnv(); err == nil || !strings.Contains(err.Error(), "CONVAI_HANGUP_TIMEOUT") {
		t.Fatalf("err=%v, want hangup timeout error", err)
	}

	t.Setenv("CONVAI_HANGUP_TIMEOUT", "")
	t.Setenv("PORT", "70000")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected port error")
	}
}

func TestLoadFromEnv_FlushTimeout(t *testing.T) {
	clearEnv(t)
	setCredentials(t)
	t.Setenv("CONVAI_FLUSH_TIMEOUT", "2m")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.FlushTimeout != 2*time.Minute {
		t.Fatalf("flush timeout=%v, want 2m", cfg.FlushTimeout)
	}

	t.Setenv("CONVAI_FLUSH_TIMEOUT", "0s")
	if _, err := LoadFromEnv(); err == nil || !strings.Contains(err.Error(), "CONVAI_FLUSH_TIMEOUT") {
		t.Fatalf("err=%v, want flush timeout error", err)
	}
}

func TestLoadFromEnv_FlushTimeoutMustCoverWebhookDelay(t *testing.T) {
	clearEnv(t)
	setCredentials(t)
	t.Setenv("TRANSCRIPT_WEBHOOK_URL", "https://eval.example.test/evaluate")
	t.Setenv("TRANSCRIPT_WEBHOOK_DELAY", "5s")
	t.Setenv("CONVAI_FLUSH_TIMEOUT", "5s")

	if _, err := LoadFromEnv(); err == nil || !strings.Contains(err.Error(), "CONVAI_FLUSH_TIMEOUT") {
		t.Fatalf("err=%v, want flush timeout error", err)
	}

	t.Setenv("TRANSCRIPT_WEBHOOK_URL", "")
	if _, err := LoadFromEnv(); err != nil {
		t.Fatalf("without webhook: %v", err)
	}
}

func TestLoadFromEnv_UnparseableFallsBack(t *testing.T) {
	clearEnv(t)
	setCredentials(t)
	t.Setenv("CONVAI_CONNECT_TIMEOUT", "soon")
	t.Setenv("PORT", "eighty")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.ConnectTimeout != 15*time.Second || cfg.Port != 8000 {
		t.Fatalf("cfg=%+v, want defaults", cfg)
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("CONVAI_DOTENV_MARKER=loaded\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONVAI_DOTENV_MARKER", "")
	os.Unsetenv("CONVAI_DOTENV_MARKER")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("CONVAI_DOTENV_MARKER"); got != "loaded" {
		t.Fatalf("marker=%q", got)
	}
}

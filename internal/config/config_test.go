package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"basic_config": {"server_address": ":9000", "upload_dir": "uploads"},
		"credential": {"endpoint": "http://issuer", "access_key_id": "id", "access_key_secret": "secret"},
		"databases": {"sqlite3": {"dsn": ":memory:"}},
		"conversation": {"max_workers": 4, "turn_timeout": 30}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":9000" {
		t.Fatalf("server address mismatch: %q", cfg.BasicConfig.ServerAddress)
	}
	if want := filepath.Join(filepath.Dir(path), "uploads"); cfg.BasicConfig.UploadDir != want {
		t.Fatalf("upload dir not resolved: got %q want %q", cfg.BasicConfig.UploadDir, want)
	}
	if cfg.Databases["sqlite3"].DSN != ":memory:" {
		t.Fatalf("database dsn missing")
	}
	if cfg.Conversation.TurnTimeoutDuration() != 30*time.Second {
		t.Fatalf("turn timeout mismatch: %v", cfg.Conversation.TurnTimeoutDuration())
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
credential:
  endpoint: http://issuer
  access_key_id: id
  access_key_secret: secret
  refresh_interval: 10
kafka:
  brokers: ["localhost:9092"]
  status_topic: ingestion-status
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Credential.RefreshIntervalDuration() != 10*time.Hour {
		t.Fatalf("refresh interval mismatch: %v", cfg.Credential.RefreshIntervalDuration())
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.StatusTopic != "ingestion-status" {
		t.Fatalf("kafka config mismatch: %+v", cfg.Kafka)
	}
}

func TestLoadRejectsMissingCredential(t *testing.T) {
	path := writeFile(t, "config.json", `{"credential": {"endpoint": "http://issuer"}}`)
	if _, err := Load(path); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}

func TestDurationDefaults(t *testing.T) {
	var cred CredentialConfig
	if cred.AdvanceWindowDuration() != 5*time.Minute {
		t.Fatalf("advance window default: %v", cred.AdvanceWindowDuration())
	}
	if cred.RefreshIntervalDuration() != 20*time.Hour {
		t.Fatalf("refresh interval default: %v", cred.RefreshIntervalDuration())
	}
	if cred.InitialDelayDuration() != time.Hour {
		t.Fatalf("initial delay default: %v", cred.InitialDelayDuration())
	}
}

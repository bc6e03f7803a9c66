package config

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestServerDefaults(t *testing.T) {
	cfg, _, err := LoadServer("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Store.Profile != ProfileDurableLocal {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Server.RateLimitWindow != time.Minute || cfg.Collab.PresenceTTL != 30*time.Second {
		t.Fatalf("expected duration defaults, got %s %s", cfg.Server.RateLimitWindow, cfg.Collab.PresenceTTL)
	}
}

func TestServerFileAndEnvLayers(t *testing.T) {
	path := writeFile(t, "server.yaml", `
server:
  addr: ":9090"
  rate_limit_max: 10
  rate_limit_window: 30s
store:
  profile: memory
kafka:
  brokers: ["k1:9092"]
`)
	t.Setenv("NOTESYNC_SERVER_ADDR", ":7070")
	t.Setenv("NOTESYNC_KAFKA_BROKERS", "a:9092,b:9092")

	cfg, _, err := LoadServer(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("expected env to win over file, got %q", cfg.Server.Addr)
	}
	if cfg.Server.RateLimitMax != 10 || cfg.Server.RateLimitWindow != 30*time.Second {
		t.Fatalf("expected file rate limit, got %d/%s", cfg.Server.RateLimitMax, cfg.Server.RateLimitWindow)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Fatalf("expected env broker list, got %v", cfg.Kafka.Brokers)
	}
}

func TestServerValidation(t *testing.T) {
	t.Setenv("NOTESYNC_STORE_PROFILE", "production")
	if _, _, err := LoadServer(""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected production without dsn to be invalid, got %v", err)
	}
	t.Setenv("NOTESYNC_STORE_PROFILE", "cloud")
	if _, _, err := LoadServer(""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected unknown profile to be invalid, got %v", err)
	}
}

func TestClientLayers(t *testing.T) {
	path := writeFile(t, "client.yaml", `
client:
  base_url: "http://sync.example"
  max_attempts: 5
  interval_jitter: 0.5
`)
	t.Setenv("NOTESYNC_CLIENT_TOKEN", "tok")
	cfg, _, err := LoadClient(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Client.BaseURL != "http://sync.example" || cfg.Client.MaxAttempts != 5 || cfg.Client.Token != "tok" {
		t.Fatalf("unexpected client config %+v", cfg.Client)
	}
	if cfg.Client.BaseDelay != time.Second || cfg.Client.MaxDelay != 30*time.Second {
		t.Fatalf("expected backoff defaults, got %s %s", cfg.Client.BaseDelay, cfg.Client.MaxDelay)
	}

	t.Setenv("NOTESYNC_CLIENT_INTERVAL_JITTER", "2")
	if _, _, err := LoadClient(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected jitter above 1 to be invalid, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, _, err := LoadClient(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestWatchReportsRewrite(t *testing.T) {
	path := writeFile(t, "server.yaml", "server:\n  rate_limit_max: 1\nstore:\n  profile: memory\n")
	_, v, err := LoadServer(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	changed := make(chan int, 4)
	Watch(v, func(fsnotify.Event) {
		cfg, err := DecodeServer(v)
		if err == nil {
			changed <- cfg.Server.RateLimitMax
		}
	})
	if err := os.WriteFile(path, []byte("server:\n  rate_limit_max: 7\nstore:\n  profile: memory\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-changed:
			if got == 7 {
				return
			}
		case <-timeout:
			t.Fatalf("expected a reload with rate_limit_max 7")
		}
	}
}

func TestSplitList(t *testing.T) {
	got := splitList([]string{"a, b", "", "c"})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected split %v", got)
	}
}

func TestSetupLogWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notesync.log")
	closer := SetupLog(Log{File: path, MaxSizeMB: 1, MaxBackups: 1})
	log.Printf("hello from the log test")
	if err := closer.Close(); err != nil {
		t.Fatalf("close log: %v", err)
	}
	SetupLog(Log{})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello from the log test") {
		t.Fatalf("expected the line in the log file, got %q", data)
	}
}

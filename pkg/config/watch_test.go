package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		})
	}()

	// Give the watcher time to establish before touching the file.
	time.Sleep(100 * time.Millisecond)

	updated := `
logging:
  level: "INFO"
  format: "json"

packer:
  archive_bucket: "archive"
`
	if err := os.WriteFile(path, []byte(updated), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Logging.Format != "json" {
			t.Fatalf("reloaded format = %q, want json", cfg.Logging.Format)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed within 5s")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatch_SkipsInvalidConfig(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	go func() {
		_ = Watch(ctx, path, func(cfg *Config) { reloaded <- cfg })
	}()

	time.Sleep(100 * time.Millisecond)

	// Broken YAML must not reach the callback.
	if err := os.WriteFile(path, []byte("logging: [unclosed"), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config reached callback: %+v", cfg.Logging)
	case <-time.After(1 * time.Second):
	}

	// A subsequent good write recovers.
	if err := os.WriteFile(path, []byte(minimalConfig), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config was fixed")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConnectTimeout != 30*time.Second {
		t.Fatalf("unexpected connect timeout %v", cfg.ConnectTimeout)
	}
	if cfg.PendingQueueSize != 50 {
		t.Fatalf("unexpected queue size %d", cfg.PendingQueueSize)
	}
	if cfg.SampleRate != 16000 {
		t.Fatalf("unexpected sample rate %d", cfg.SampleRate)
	}
	if cfg.IdleCaptureFPS != 1 || cfg.ActiveCaptureFPS != 10 {
		t.Fatalf("unexpected fps pair %d/%d", cfg.IdleCaptureFPS, cfg.ActiveCaptureFPS)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("COVIEW_PENDING_QUEUE_SIZE", "10")
	t.Setenv("COVIEW_SILENCE_MS", "800ms")
	t.Setenv("COVIEW_RECONNECT_MULTIPLIER", "1.5")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PendingQueueSize != 10 {
		t.Fatalf("queue size override not applied: %d", cfg.PendingQueueSize)
	}
	if cfg.SilenceTimeout != 800*time.Millisecond {
		t.Fatalf("silence timeout override not applied: %v", cfg.SilenceTimeout)
	}
	if cfg.ReconnectMultiplier != 1.5 {
		t.Fatalf("multiplier override not applied: %v", cfg.ReconnectMultiplier)
	}
}

func TestLoadFromEnv_RejectsInvalid(t *testing.T) {
	t.Setenv("COVIEW_LIVENESS_INTERVAL", "20s")
	t.Setenv("COVIEW_LIVENESS_TIMEOUT", "15s")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected validation error when liveness timeout <= interval")
	}
}

func TestLoadFromEnv_RejectsFPSInversion(t *testing.T) {
	t.Setenv("COVIEW_IDLE_CAPTURE_FPS", "10")
	t.Setenv("COVIEW_ACTIVE_CAPTURE_FPS", "1")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected validation error when idle fps > active fps")
	}
}

func TestLoadFromEnv_YAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coview.yaml")
	overlay := "server_url: ws://example.test/ws\nidle_capture_fps: 2\n"
	if err := os.WriteFile(path, []byte(overlay), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("COVIEW_CONFIG", path)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != "ws://example.test/ws" {
		t.Fatalf("overlay not applied: %q", cfg.ServerURL)
	}
	if cfg.IdleCaptureFPS != 2 {
		t.Fatalf("overlay fps not applied: %d", cfg.IdleCaptureFPS)
	}
}

func TestLoadFromEnv_EnvBeatsOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coview.yaml")
	if err := os.WriteFile(path, []byte("pending_queue_size: 7\n"), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("COVIEW_CONFIG", path)
	t.Setenv("COVIEW_PENDING_QUEUE_SIZE", "9")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PendingQueueSize != 9 {
		t.Fatalf("env should win over overlay, got %d", cfg.PendingQueueSize)
	}
}

// Package config loads the client configuration from the environment with an
// optional YAML overlay file. Every tuning knob of the streaming pipeline is
// configurable; none of the defaults are load-bearing contracts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all externally configurable values for a panel client and the
// ownership broker.
type Config struct {
	// ServerURL is the assistant backend websocket endpoint.
	ServerURL string `yaml:"server_url"`

	// BrokerURL is the ownership broker websocket endpoint (panel side).
	BrokerURL string `yaml:"broker_url"`

	// BrokerAddr is the listen address for `coview broker`.
	BrokerAddr string `yaml:"broker_addr"`

	// Duplex channel.
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	LivenessInterval  time.Duration `yaml:"liveness_interval"`
	LivenessTimeout   time.Duration `yaml:"liveness_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`

	// Reconnect backoff.
	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMultiplier   float64       `yaml:"reconnect_multiplier"`
	ReconnectJitter       time.Duration `yaml:"reconnect_jitter"`
	ReconnectMaxAttempts  int           `yaml:"reconnect_max_attempts"` // 0 = unlimited

	// Pending control/text queue while disconnected.
	PendingQueueSize int `yaml:"pending_queue_size"`

	// Audio capture.
	SampleRate      int `yaml:"sample_rate"`
	FrameSamples    int `yaml:"frame_samples"`
	PrefixPaddingMs int `yaml:"prefix_padding_ms"`

	// Endpoint detection. Both timeouts are empirically chosen; they are
	// independent knobs, not one constant.
	SpeechLevelThreshold float64       `yaml:"speech_level_threshold"`
	SilenceTimeout       time.Duration `yaml:"silence_timeout"`
	OrphanFlushTimeout   time.Duration `yaml:"orphan_flush_timeout"`

	// Video capture.
	IdleCaptureFPS     int           `yaml:"idle_capture_fps"`
	ActiveCaptureFPS   int           `yaml:"active_capture_fps"`
	FrameInterval      time.Duration `yaml:"frame_interval"`
	TabSwitchSettle    time.Duration `yaml:"tab_switch_settle"`
	CaptureRetryBudget int           `yaml:"capture_retry_budget"`
	CDPAddr            string        `yaml:"cdp_addr"`

	// Broker.
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	SessionInfoInterval time.Duration `yaml:"session_info_interval"`
}

// LoadFromEnv builds a Config from COVIEW_* environment variables, applying
// the overlay file named by COVIEW_CONFIG (if any) first.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		ServerURL:             "ws://127.0.0.1:8000/ws",
		BrokerURL:             "ws://127.0.0.1:8787/ws",
		BrokerAddr:            ":8787",
		ConnectTimeout:        30 * time.Second,
		LivenessInterval:      5 * time.Second,
		LivenessTimeout:       15 * time.Second,
		KeepAliveInterval:     20 * time.Second,
		WriteTimeout:          5 * time.Second,
		ReconnectInitialDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:     30 * time.Second,
		ReconnectMultiplier:   2.0,
		ReconnectJitter:       250 * time.Millisecond,
		ReconnectMaxAttempts:  0,
		PendingQueueSize:      50,
		SampleRate:            16000,
		FrameSamples:          320,
		PrefixPaddingMs:       300,
		SpeechLevelThreshold:  0.02,
		SilenceTimeout:        1200 * time.Millisecond,
		OrphanFlushTimeout:    3 * time.Second,
		IdleCaptureFPS:        1,
		ActiveCaptureFPS:      10,
		FrameInterval:         100 * time.Millisecond,
		TabSwitchSettle:       150 * time.Millisecond,
		CaptureRetryBudget:    3,
		CDPAddr:               "http://127.0.0.1:9222",
		HeartbeatInterval:     time.Second,
		SessionInfoInterval:   15 * time.Second,
	}

	if path := strings.TrimSpace(os.Getenv("COVIEW_CONFIG")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.ServerURL = envOr("COVIEW_SERVER_URL", cfg.ServerURL)
	cfg.BrokerURL = envOr("COVIEW_BROKER_URL", cfg.BrokerURL)
	cfg.BrokerAddr = envOr("COVIEW_BROKER_ADDR", cfg.BrokerAddr)
	cfg.ConnectTimeout = envDurationOr("COVIEW_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.LivenessInterval = envDurationOr("COVIEW_LIVENESS_INTERVAL", cfg.LivenessInterval)
	cfg.LivenessTimeout = envDurationOr("COVIEW_LIVENESS_TIMEOUT", cfg.LivenessTimeout)
	cfg.KeepAliveInterval = envDurationOr("COVIEW_KEEPALIVE_INTERVAL", cfg.KeepAliveInterval)
	cfg.WriteTimeout = envDurationOr("COVIEW_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.ReconnectInitialDelay = envDurationOr("COVIEW_RECONNECT_INITIAL_DELAY", cfg.ReconnectInitialDelay)
	cfg.ReconnectMaxDelay = envDurationOr("COVIEW_RECONNECT_MAX_DELAY", cfg.ReconnectMaxDelay)
	cfg.ReconnectMultiplier = envFloat64Or("COVIEW_RECONNECT_MULTIPLIER", cfg.ReconnectMultiplier)
	cfg.ReconnectJitter = envDurationOr("COVIEW_RECONNECT_JITTER", cfg.ReconnectJitter)
	cfg.ReconnectMaxAttempts = envIntOr("COVIEW_RECONNECT_MAX_ATTEMPTS", cfg.ReconnectMaxAttempts)
	cfg.PendingQueueSize = envIntOr("COVIEW_PENDING_QUEUE_SIZE", cfg.PendingQueueSize)
	cfg.SampleRate = envIntOr("COVIEW_SAMPLE_RATE", cfg.SampleRate)
	cfg.FrameSamples = envIntOr("COVIEW_FRAME_SAMPLES", cfg.FrameSamples)
	cfg.PrefixPaddingMs = envIntOr("COVIEW_PREFIX_PADDING_MS", cfg.PrefixPaddingMs)
	cfg.SpeechLevelThreshold = envFloat64Or("COVIEW_SPEECH_LEVEL_THRESHOLD", cfg.SpeechLevelThreshold)
	cfg.SilenceTimeout = envDurationOr("COVIEW_SILENCE_MS", cfg.SilenceTimeout)
	cfg.OrphanFlushTimeout = envDurationOr("COVIEW_ORPHAN_FLUSH_MS", cfg.OrphanFlushTimeout)
	cfg.IdleCaptureFPS = envIntOr("COVIEW_IDLE_CAPTURE_FPS", cfg.IdleCaptureFPS)
	cfg.ActiveCaptureFPS = envIntOr("COVIEW_ACTIVE_CAPTURE_FPS", cfg.ActiveCaptureFPS)
	cfg.FrameInterval = envDurationOr("COVIEW_FRAME_INTERVAL", cfg.FrameInterval)
	cfg.TabSwitchSettle = envDurationOr("COVIEW_TAB_SWITCH_SETTLE", cfg.TabSwitchSettle)
	cfg.CaptureRetryBudget = envIntOr("COVIEW_CAPTURE_RETRY_BUDGET", cfg.CaptureRetryBudget)
	cfg.CDPAddr = envOr("COVIEW_CDP_ADDR", cfg.CDPAddr)
	cfg.HeartbeatInterval = envDurationOr("COVIEW_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.SessionInfoInterval = envDurationOr("COVIEW_SESSION_INFO_INTERVAL", cfg.SessionInfoInterval)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("COVIEW_SERVER_URL must not be empty")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("COVIEW_CONNECT_TIMEOUT must be > 0")
	}
	if c.LivenessInterval <= 0 {
		return fmt.Errorf("COVIEW_LIVENESS_INTERVAL must be > 0")
	}
	if c.LivenessTimeout <= c.LivenessInterval {
		return fmt.Errorf("COVIEW_LIVENESS_TIMEOUT must be > COVIEW_LIVENESS_INTERVAL")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("COVIEW_WRITE_TIMEOUT must be > 0")
	}
	if c.ReconnectInitialDelay <= 0 {
		return fmt.Errorf("COVIEW_RECONNECT_INITIAL_DELAY must be > 0")
	}
	if c.ReconnectMaxDelay < c.ReconnectInitialDelay {
		return fmt.Errorf("COVIEW_RECONNECT_MAX_DELAY must be >= COVIEW_RECONNECT_INITIAL_DELAY")
	}
	if c.ReconnectMultiplier < 1 {
		return fmt.Errorf("COVIEW_RECONNECT_MULTIPLIER must be >= 1")
	}
	if c.ReconnectJitter < 0 {
		return fmt.Errorf("COVIEW_RECONNECT_JITTER must be >= 0")
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("COVIEW_RECONNECT_MAX_ATTEMPTS must be >= 0")
	}
	if c.PendingQueueSize <= 0 {
		return fmt.Errorf("COVIEW_PENDING_QUEUE_SIZE must be > 0")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("COVIEW_SAMPLE_RATE must be > 0")
	}
	if c.FrameSamples <= 0 {
		return fmt.Errorf("COVIEW_FRAME_SAMPLES must be > 0")
	}
	if c.SpeechLevelThreshold <= 0 || c.SpeechLevelThreshold >= 1 {
		return fmt.Errorf("COVIEW_SPEECH_LEVEL_THRESHOLD must be in (0, 1)")
	}
	if c.SilenceTimeout <= 0 {
		return fmt.Errorf("COVIEW_SILENCE_MS must be > 0")
	}
	if c.OrphanFlushTimeout <= 0 {
		return fmt.Errorf("COVIEW_ORPHAN_FLUSH_MS must be > 0")
	}
	if c.IdleCaptureFPS <= 0 || c.ActiveCaptureFPS <= 0 {
		return fmt.Errorf("capture FPS values must be > 0")
	}
	if c.IdleCaptureFPS > c.ActiveCaptureFPS {
		return fmt.Errorf("COVIEW_IDLE_CAPTURE_FPS must be <= COVIEW_ACTIVE_CAPTURE_FPS")
	}
	if c.FrameInterval <= 0 {
		return fmt.Errorf("COVIEW_FRAME_INTERVAL must be > 0")
	}
	if c.TabSwitchSettle < 0 {
		return fmt.Errorf("COVIEW_TAB_SWITCH_SETTLE must be >= 0")
	}
	if c.CaptureRetryBudget <= 0 {
		return fmt.Errorf("COVIEW_CAPTURE_RETRY_BUDGET must be > 0")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("COVIEW_HEARTBEAT_INTERVAL must be > 0")
	}
	if c.SessionInfoInterval <= 0 {
		return fmt.Errorf("COVIEW_SESSION_INFO_INTERVAL must be > 0")
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

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
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

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CTXASR_"

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	Audio     AudioConfig     `yaml:"audio" json:"audio"`
	VAD       VADConfig       `yaml:"vad" json:"vad"`
	Commit    CommitConfig    `yaml:"commit" json:"commit"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Engine    EngineConfig    `yaml:"engine" json:"engine"`
	Journal   JournalConfig   `yaml:"journal" json:"journal"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig contains WebSocket server configuration
type ServerConfig struct {
	Port         int     `yaml:"port" json:"port"`
	Address      string  `yaml:"address" json:"address"`
	MaxSessions  int     `yaml:"max_sessions" json:"max_sessions"`
	ReadLimit    int64   `yaml:"read_limit" json:"read_limit"`       // bytes per frame
	WriteTimeout float64 `yaml:"write_timeout" json:"write_timeout"` // seconds
}

// HTTPConfig contains monitoring API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" json:"port"`
	Address string `yaml:"address" json:"address"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// AudioConfig contains audio buffering parameters
type AudioConfig struct {
	SampleRate        int     `yaml:"sample_rate" json:"sample_rate"`
	MaxBufferDuration float64 `yaml:"max_buffer_duration" json:"max_buffer_duration"` // seconds
	IdleTimeout       int     `yaml:"idle_timeout" json:"idle_timeout"`               // seconds, 0 disables
	CleanupInterval   int     `yaml:"cleanup_interval" json:"cleanup_interval"`       // seconds
}

// VADConfig contains Voice Activity Detection and endpointing configuration
type VADConfig struct {
	Threshold       float32 `yaml:"threshold" json:"threshold"`
	WindowSize      int     `yaml:"window_size" json:"window_size"` // samples
	Smoothing       float32 `yaml:"smoothing" json:"smoothing"`
	TriggerDuration float64 `yaml:"trigger_duration" json:"trigger_duration"` // seconds
	EndpointSilence float64 `yaml:"endpoint_silence" json:"endpoint_silence"` // seconds
}

// CommitConfig contains commit policy configuration
type CommitConfig struct {
	Margin float64 `yaml:"margin" json:"margin"` // seconds of look-ahead before a token is final
}

// SchedulerConfig contains context scheduler configuration
type SchedulerConfig struct {
	MaxPassDuration float64 `yaml:"max_pass_duration" json:"max_pass_duration"` // seconds, 0 means unbounded
}

// EngineConfig selects and configures the decoding engine
type EngineConfig struct {
	Kind          string  `yaml:"kind" json:"kind"`                     // stub or remote
	FrameDuration float64 `yaml:"frame_duration" json:"frame_duration"` // seconds
	LevelStep     float32 `yaml:"level_step" json:"level_step"`
	Endpoint      string  `yaml:"endpoint" json:"endpoint"`
	APIKey        string  `yaml:"api_key" json:"-"`
	Timeout       int     `yaml:"timeout" json:"timeout"` // seconds
	MaxRetries    int     `yaml:"max_retries" json:"max_retries"`
	RetryBackoff  float64 `yaml:"retry_backoff" json:"retry_backoff"` // seconds
}

// JournalConfig contains transcript journal configuration
type JournalConfig struct {
	Backend    string `yaml:"backend" json:"backend"` // memory or badger
	Dir        string `yaml:"dir" json:"dir"`
	KeepClosed bool   `yaml:"keep_closed" json:"keep_closed"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Default returns a configuration that runs the reference engine locally
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8765,
			Address:      "0.0.0.0",
			MaxSessions:  64,
			ReadLimit:    1 << 20,
			WriteTimeout: 10,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Audio: AudioConfig{
			SampleRate:        16000,
			MaxBufferDuration: 30,
			IdleTimeout:       300,
			CleanupInterval:   30,
		},
		VAD: VADConfig{
			Threshold:       0.02,
			WindowSize:      512,
			TriggerDuration: 1.0,
			EndpointSilence: 0.5,
		},
		Commit: CommitConfig{
			Margin: 0.3,
		},
		Scheduler: SchedulerConfig{
			MaxPassDuration: 2.0,
		},
		Engine: EngineConfig{
			Kind:          "stub",
			FrameDuration: 0.1,
			LevelStep:     0.05,
			Timeout:       30,
			MaxRetries:    3,
			RetryBackoff:  0.1,
		},
		Journal: JournalConfig{
			Backend: "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file, applies a .env file from the
// working directory when one exists and then CTXASR_* environment overrides.
// An empty path starts from Default.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		config = &Config{}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.applyEnv(lookup); err != nil {
		return nil, fmt.Errorf("environment override failed: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	overrideString(lookup, "SERVER_ADDRESS", &c.Server.Address)
	overrideString(lookup, "HTTP_ADDRESS", &c.HTTP.Address)
	overrideString(lookup, "ENGINE_KIND", &c.Engine.Kind)
	overrideString(lookup, "ENGINE_ENDPOINT", &c.Engine.Endpoint)
	overrideString(lookup, "ENGINE_API_KEY", &c.Engine.APIKey)
	overrideString(lookup, "JOURNAL_BACKEND", &c.Journal.Backend)
	overrideString(lookup, "JOURNAL_DIR", &c.Journal.Dir)
	overrideString(lookup, "LOG_LEVEL", &c.Logging.Level)
	overrideString(lookup, "LOG_FORMAT", &c.Logging.Format)
	overrideString(lookup, "LOG_OUTPUT", &c.Logging.Output)

	for _, o := range []struct {
		key    string
		target *int
	}{
		{"SERVER_PORT", &c.Server.Port},
		{"HTTP_PORT", &c.HTTP.Port},
		{"MAX_SESSIONS", &c.Server.MaxSessions},
		{"SAMPLE_RATE", &c.Audio.SampleRate},
		{"IDLE_TIMEOUT", &c.Audio.IdleTimeout},
	} {
		if err := overrideInt(lookup, o.key, o.target); err != nil {
			return err
		}
	}

	if err := overrideBool(lookup, "HTTP_ENABLED", &c.HTTP.Enabled); err != nil {
		return err
	}
	return overrideBool(lookup, "JOURNAL_KEEP_CLOSED", &c.Journal.KeepClosed)
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(EnvPrefix + key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	value, ok := lookup(EnvPrefix + key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*target = n
	return nil
}

func overrideBool(lookup func(string) (string, bool), key string, target *bool) error {
	value, ok := lookup(EnvPrefix + key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*target = b
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Commit.Validate(); err != nil {
		return fmt.Errorf("commit config: %w", err)
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Journal.Validate(); err != nil {
		return fmt.Errorf("journal config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	// A token is only final once the engine has heard the frame after it
	if c.Engine.Kind == "stub" && c.Commit.Margin < c.Engine.FrameDuration {
		return fmt.Errorf("commit margin (%gs) must be at least one engine frame (%gs)", c.Commit.Margin, c.Engine.FrameDuration)
	}

	if c.HTTP.Enabled && c.HTTP.Port == c.Server.Port && c.HTTP.Address == c.Server.Address {
		return fmt.Errorf("http and server cannot share %s:%d", c.Server.Address, c.Server.Port)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", s.ReadLimit)
	}

	if s.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %f", s.WriteTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.MaxBufferDuration <= 0 {
		return fmt.Errorf("max_buffer_duration must be positive, got %f", a.MaxBufferDuration)
	}

	if a.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", a.IdleTimeout)
	}

	if a.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", a.CleanupInterval)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold <= 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %f", v.Threshold)
	}

	if v.WindowSize < 128 || v.WindowSize > 4096 {
		return fmt.Errorf("window_size must be between 128 and 4096 samples, got %d", v.WindowSize)
	}

	if v.Smoothing < 0 || v.Smoothing >= 1 {
		return fmt.Errorf("smoothing must be in [0, 1), got %f", v.Smoothing)
	}

	if v.TriggerDuration <= 0 {
		return fmt.Errorf("trigger_duration must be positive, got %f", v.TriggerDuration)
	}

	if v.EndpointSilence <= 0 {
		return fmt.Errorf("endpoint_silence must be positive, got %f", v.EndpointSilence)
	}

	return nil
}

// Validate validates commit configuration
func (c *CommitConfig) Validate() error {
	if c.Margin < 0 {
		return fmt.Errorf("margin cannot be negative, got %f", c.Margin)
	}
	return nil
}

// Validate validates scheduler configuration
func (s *SchedulerConfig) Validate() error {
	if s.MaxPassDuration < 0 {
		return fmt.Errorf("max_pass_duration cannot be negative, got %f", s.MaxPassDuration)
	}
	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	switch e.Kind {
	case "stub":
		if e.FrameDuration <= 0 {
			return fmt.Errorf("frame_duration must be positive, got %f", e.FrameDuration)
		}
		if e.LevelStep <= 0 || e.LevelStep > 1 {
			return fmt.Errorf("level_step must be in (0, 1], got %f", e.LevelStep)
		}
	case "remote":
		if e.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the remote engine")
		}
		if e.Timeout < 1 {
			return fmt.Errorf("timeout must be at least 1 second, got %d", e.Timeout)
		}
		if e.MaxRetries < 0 {
			return fmt.Errorf("max_retries cannot be negative, got %d", e.MaxRetries)
		}
		if e.RetryBackoff < 0 {
			return fmt.Errorf("retry_backoff cannot be negative, got %f", e.RetryBackoff)
		}
	default:
		return fmt.Errorf("kind must be 'stub' or 'remote', got '%s'", e.Kind)
	}

	return nil
}

// Validate validates journal configuration
func (j *JournalConfig) Validate() error {
	switch j.Backend {
	case "memory":
	case "badger":
		if j.Dir == "" {
			return fmt.Errorf("dir cannot be empty for the badger backend")
		}
	default:
		return fmt.Errorf("backend must be 'memory' or 'badger', got '%s'", j.Backend)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// GetWriteTimeout returns the per-message write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return seconds(s.WriteTimeout)
}

// GetMaxBufferDuration returns the buffer capacity as a time.Duration
func (a *AudioConfig) GetMaxBufferDuration() time.Duration {
	return seconds(a.MaxBufferDuration)
}

// GetIdleTimeoutDuration returns the idle timeout as a time.Duration
func (a *AudioConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(a.IdleTimeout) * time.Second
}

// GetCleanupInterval returns the cleanup interval as a time.Duration
func (a *AudioConfig) GetCleanupInterval() time.Duration {
	return time.Duration(a.CleanupInterval) * time.Second
}

// GetTriggerDuration returns the trigger duration as a time.Duration
func (v *VADConfig) GetTriggerDuration() time.Duration {
	return seconds(v.TriggerDuration)
}

// GetEndpointSilence returns the endpoint silence as a time.Duration
func (v *VADConfig) GetEndpointSilence() time.Duration {
	return seconds(v.EndpointSilence)
}

// GetMargin returns the commit margin as a time.Duration
func (c *CommitConfig) GetMargin() time.Duration {
	return seconds(c.Margin)
}

// GetMaxPassDuration returns the pass bound as a time.Duration
func (s *SchedulerConfig) GetMaxPassDuration() time.Duration {
	return seconds(s.MaxPassDuration)
}

// GetFrameDuration returns the engine frame as a time.Duration
func (e *EngineConfig) GetFrameDuration() time.Duration {
	return seconds(e.FrameDuration)
}

// GetTimeoutDuration returns the remote engine timeout as a time.Duration
func (e *EngineConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// GetRetryBackoff returns the first retry delay as a time.Duration
func (e *EngineConfig) GetRetryBackoff() time.Duration {
	return seconds(e.RetryBackoff)
}

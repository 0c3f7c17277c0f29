package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/tutorline/pkg/provider"
)

// Config represents the main tutorline configuration
type Config struct {
	// Server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Session
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Video rendering
	Video VideoConfig `json:"video" mapstructure:"video"`

	// Capability providers
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds the websocket server configuration
type ServerConfig struct {
	Host            string   `json:"host" mapstructure:"host"`
	Port            int      `json:"port" mapstructure:"port"`
	AllowedOrigins  []string `json:"allowed_origins" mapstructure:"allowed_origins"`
	ReadLimitBytes  int64    `json:"read_limit_bytes" mapstructure:"read_limit_bytes"`
	WriteTimeoutMs  int      `json:"write_timeout_ms" mapstructure:"write_timeout_ms"`
	PongWaitSeconds int      `json:"pong_wait_seconds" mapstructure:"pong_wait_seconds"`
	FramesPerMinute int      `json:"frames_per_minute" mapstructure:"frames_per_minute"`
	ShutdownSeconds int      `json:"shutdown_seconds" mapstructure:"shutdown_seconds"`
}

// SessionConfig holds per-session turn-taking settings
type SessionConfig struct {
	MaxHistory int `json:"max_history" mapstructure:"max_history"`
	// LaneDepth bounds running plus queued inputs per session
	LaneDepth        int    `json:"lane_depth" mapstructure:"lane_depth"`
	TurnWarnMs       int    `json:"turn_warn_ms" mapstructure:"turn_warn_ms"`
	PersistTimeoutMs int    `json:"persist_timeout_ms" mapstructure:"persist_timeout_ms"`
	StarterLevel     string `json:"starter_level" mapstructure:"starter_level"`
}

// VideoConfig holds render polling settings
type VideoConfig struct {
	PollIntervalMs int `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	MaxWaitSeconds int `json:"max_wait_seconds" mapstructure:"max_wait_seconds"`
}

// ProvidersConfig selects the vendor behind each capability
type ProvidersConfig struct {
	LLM    LLMConfig    `json:"llm" mapstructure:"llm"`
	Speech SpeechConfig `json:"speech" mapstructure:"speech"`
	Avatar AvatarConfig `json:"avatar" mapstructure:"avatar"`
}

// LLMConfig configures replies, corrections and conversation starters
type LLMConfig struct {
	Provider        string            `json:"provider" mapstructure:"provider"` // openai, anthropic
	APIKey          string            `json:"api_key" mapstructure:"api_key"`
	BaseURL         string            `json:"base_url" mapstructure:"base_url"`
	Headers         map[string]string `json:"headers" mapstructure:"headers"`
	Model           string            `json:"model" mapstructure:"model"`
	CorrectionModel string            `json:"correction_model" mapstructure:"correction_model"`
	NativeLanguage  string            `json:"native_language" mapstructure:"native_language"`
	Temperature     float64           `json:"temperature" mapstructure:"temperature"`
	MaxTokens       int               `json:"max_tokens" mapstructure:"max_tokens"`
}

// SpeechConfig configures transcription and synthesis
type SpeechConfig struct {
	Provider           string `json:"provider" mapstructure:"provider"` // openai
	APIKey             string `json:"api_key" mapstructure:"api_key"`
	BaseURL            string `json:"base_url" mapstructure:"base_url"`
	TranscriptionModel string `json:"transcription_model" mapstructure:"transcription_model"`
	Language           string `json:"language" mapstructure:"language"`
	SpeechModel        string `json:"speech_model" mapstructure:"speech_model"`
	Voice              string `json:"voice" mapstructure:"voice"`
}

// AvatarConfig configures the talking-head renderer
type AvatarConfig struct {
	Provider       string `json:"provider" mapstructure:"provider"` // http, disabled
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
	APIKey         string `json:"api_key" mapstructure:"api_key"`
	SourceURL      string `json:"source_url" mapstructure:"source_url"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// StorageConfig holds persistence and audio file settings
type StorageConfig struct {
	DBPath              string `json:"db_path" mapstructure:"db_path"`
	AudioDir            string `json:"audio_dir" mapstructure:"audio_dir"`
	AudioRetentionHours int    `json:"audio_retention_hours" mapstructure:"audio_retention_hours"`
	AudioSweepSchedule  string `json:"audio_sweep_schedule" mapstructure:"audio_sweep_schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	MaxSize    int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`   // days
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile  string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			AllowedOrigins:  []string{},
			ReadLimitBytes:  10 << 20,
			WriteTimeoutMs:  10000,
			PongWaitSeconds: 60,
			FramesPerMinute: 60,
			ShutdownSeconds: 15,
		},
		Session: SessionConfig{
			MaxHistory:       20,
			LaneDepth:        2,
			TurnWarnMs:       5000,
			PersistTimeoutMs: 5000,
			StarterLevel:     "intermediate",
		},
		Video: VideoConfig{
			PollIntervalMs: 2000,
			MaxWaitSeconds: 60,
		},
		Providers: ProvidersConfig{
			LLM: LLMConfig{
				Provider:       "openai",
				Model:          "gpt-4o-mini",
				NativeLanguage: "Korean",
				Temperature:    0.7,
				MaxTokens:      512,
			},
			Speech: SpeechConfig{
				Provider:           "openai",
				TranscriptionModel: "whisper-1",
				Language:           "en",
				SpeechModel:        "tts-1",
				Voice:              "alloy",
			},
			Avatar: AvatarConfig{
				Provider:       "disabled",
				TimeoutSeconds: 30,
			},
		},
		Storage: StorageConfig{
			AudioRetentionHours: 24,
			AudioSweepSchedule:  "@every 10m",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
			Compress:   true,
			Redaction:  true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			SampleRatio: 1.0,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Addr returns the server listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", c.Server.Port)
	}

	switch c.Providers.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("invalid llm provider %s (must be: openai, anthropic)", c.Providers.LLM.Provider)
	}
	if c.Providers.LLM.APIKey == "" {
		return fmt.Errorf("no LLM credentials configured: providers.llm.api_key is required")
	}

	if c.Providers.Speech.Provider != "openai" {
		return fmt.Errorf("invalid speech provider %s (must be: openai)", c.Providers.Speech.Provider)
	}
	if c.Providers.Speech.APIKey == "" {
		return fmt.Errorf("no speech credentials configured: providers.speech.api_key is required")
	}

	switch c.Providers.Avatar.Provider {
	case "disabled", "":
	case "http":
		if c.Providers.Avatar.BaseURL == "" {
			return fmt.Errorf("providers.avatar.base_url is required when the http avatar provider is enabled")
		}
	default:
		return fmt.Errorf("invalid avatar provider %s (must be: http, disabled)", c.Providers.Avatar.Provider)
	}

	if c.Session.LaneDepth < 1 {
		return fmt.Errorf("session.lane_depth must be at least 1")
	}
	if c.Session.MaxHistory < 0 {
		return fmt.Errorf("session.max_history must be >= 0")
	}

	return nil
}

// ProviderConfig maps the providers section onto the capability factory config
func (c *Config) ProviderConfig() provider.Config {
	p := c.Providers
	return provider.Config{
		LLM: provider.LLMConfig{
			Provider: p.LLM.Provider,
			APIKey:   p.LLM.APIKey,
			BaseURL:  p.LLM.BaseURL,
			Headers:  p.LLM.Headers,
		},
		Speech: provider.SpeechSettings{
			Provider: p.Speech.Provider,
			APIKey:   p.Speech.APIKey,
			BaseURL:  p.Speech.BaseURL,
			SpeechConfig: provider.SpeechConfig{
				TranscriptionModel: p.Speech.TranscriptionModel,
				Language:           p.Speech.Language,
				SpeechModel:        p.Speech.SpeechModel,
				Voice:              p.Speech.Voice,
			},
		},
		Avatar: provider.AvatarSettings{
			Provider: p.Avatar.Provider,
			AvatarConfig: provider.AvatarConfig{
				BaseURL:   p.Avatar.BaseURL,
				APIKey:    p.Avatar.APIKey,
				SourceURL: p.Avatar.SourceURL,
				Timeout:   seconds(p.Avatar.TimeoutSeconds),
			},
		},
		Tutor: provider.TutorConfig{
			Model:           p.LLM.Model,
			CorrectionModel: p.LLM.CorrectionModel,
			NativeLanguage:  p.LLM.NativeLanguage,
			Temperature:     p.LLM.Temperature,
			MaxTokens:       p.LLM.MaxTokens,
		},
	}
}

// WriteTimeout returns the per-frame write deadline
func (s ServerConfig) WriteTimeout() time.Duration { return millis(s.WriteTimeoutMs) }

// PongWait returns how long a silent connection is kept
func (s ServerConfig) PongWait() time.Duration { return seconds(s.PongWaitSeconds) }

// ShutdownTimeout returns the graceful shutdown budget
func (s ServerConfig) ShutdownTimeout() time.Duration { return seconds(s.ShutdownSeconds) }

// TurnWarnAfter returns the lane wait that triggers a warning
func (s SessionConfig) TurnWarnAfter() time.Duration { return millis(s.TurnWarnMs) }

// PersistTimeout returns the bound on a single persistence write
func (s SessionConfig) PersistTimeout() time.Duration { return millis(s.PersistTimeoutMs) }

// PollInterval returns the render status polling interval
func (v VideoConfig) PollInterval() time.Duration { return millis(v.PollIntervalMs) }

// MaxWait returns how long a render job is watched
func (v VideoConfig) MaxWait() time.Duration { return seconds(v.MaxWaitSeconds) }

// AudioRetention returns how long stored reply audio is kept
func (s StorageConfig) AudioRetention() time.Duration {
	return time.Duration(s.AudioRetentionHours) * time.Hour
}

func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

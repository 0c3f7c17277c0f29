package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateBaseURL validates an optional provider endpoint
func (v *Validator) ValidateBaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid base url %q: host is required", raw)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule validates a cron expression or descriptor such as "@every 10m"
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	llm := cfg.Providers.LLM
	if llm.APIKey != "" && llm.BaseURL == "" {
		if err := v.ValidateAPIKey(llm.APIKey, llm.Provider); err != nil {
			errors = append(errors, fmt.Errorf("providers.llm: %w", err))
		}
	}
	if err := v.ValidateBaseURL(llm.BaseURL); err != nil {
		errors = append(errors, fmt.Errorf("providers.llm: %w", err))
	}
	if err := v.ValidateTemperature(llm.Temperature); err != nil {
		errors = append(errors, fmt.Errorf("providers.llm: %w", err))
	}
	if llm.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(llm.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("providers.llm: %w", err))
		}
	}

	if err := v.ValidateBaseURL(cfg.Providers.Speech.BaseURL); err != nil {
		errors = append(errors, fmt.Errorf("providers.speech: %w", err))
	}
	if err := v.ValidateBaseURL(cfg.Providers.Avatar.BaseURL); err != nil {
		errors = append(errors, fmt.Errorf("providers.avatar: %w", err))
	}

	if cfg.Server.FramesPerMinute < 0 {
		errors = append(errors, fmt.Errorf("server.frames_per_minute must be >= 0"))
	}
	if cfg.Server.WriteTimeoutMs < 0 {
		errors = append(errors, fmt.Errorf("server.write_timeout_ms must be >= 0"))
	}
	if cfg.Video.PollIntervalMs < 0 {
		errors = append(errors, fmt.Errorf("video.poll_interval_ms must be >= 0"))
	}
	if cfg.Video.MaxWaitSeconds < 0 {
		errors = append(errors, fmt.Errorf("video.max_wait_seconds must be >= 0"))
	}
	if cfg.Storage.AudioRetentionHours < 0 {
		errors = append(errors, fmt.Errorf("storage.audio_retention_hours must be >= 0"))
	}
	if err := v.ValidateSchedule(cfg.Storage.AudioSweepSchedule); err != nil {
		errors = append(errors, fmt.Errorf("storage: %w", err))
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errors = append(errors, fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}

package provider

import (
	"fmt"
	"strings"
)

// Config selects and configures the vendor behind each capability
type Config struct {
	LLM    LLMConfig
	Speech SpeechSettings
	Avatar AvatarSettings
	Tutor  TutorConfig
}

// LLMConfig selects the chat model vendor used for replies and corrections
type LLMConfig struct {
	// Provider is "openai" or "anthropic"
	Provider string
	APIKey   string
	BaseURL  string
	Headers  map[string]string
}

// SpeechSettings configures transcription and synthesis
type SpeechSettings struct {
	// Provider is "openai" or "disabled". Transcription requires openai.
	Provider string
	APIKey   string
	BaseURL  string
	SpeechConfig
}

// AvatarSettings configures avatar rendering
type AvatarSettings struct {
	// Provider is "http" or "disabled"
	Provider string
	AvatarConfig
}

// Build assembles an instrumented capability set from cfg
func Build(cfg Config) (Set, error) {
	var (
		set   Set
		names Names
	)

	var llm LLMProvider
	switch strings.ToLower(cfg.LLM.Provider) {
	case "openai", "":
		llm = NewOpenAIProvider(OpenAIConfig{APIKey: cfg.LLM.APIKey, BaseURL: cfg.LLM.BaseURL, Headers: cfg.LLM.Headers})
	case "anthropic":
		llm = NewAnthropicProvider(cfg.LLM.APIKey)
	default:
		return Set{}, fmt.Errorf("unsupported llm provider: %s", cfg.LLM.Provider)
	}
	tutorBackend := NewLLMTutor(llm, cfg.Tutor)
	set.Corrector = tutorBackend
	set.Responder = tutorBackend
	names.Corrector = llm.Provider()
	names.Responder = llm.Provider()

	switch strings.ToLower(cfg.Speech.Provider) {
	case "openai", "":
		speech := NewOpenAISpeech(OpenAIConfig{APIKey: cfg.Speech.APIKey, BaseURL: cfg.Speech.BaseURL}, cfg.Speech.SpeechConfig)
		set.Transcriber = speech
		set.Synthesizer = speech
		names.Transcriber = "openai"
		names.Synthesizer = "openai"
	case "disabled":
		return Set{}, fmt.Errorf("speech provider cannot be disabled: transcription is required")
	default:
		return Set{}, fmt.Errorf("unsupported speech provider: %s", cfg.Speech.Provider)
	}

	switch strings.ToLower(cfg.Avatar.Provider) {
	case "http":
		if cfg.Avatar.BaseURL == "" {
			return Set{}, fmt.Errorf("avatar base url is required")
		}
		set.Renderer = NewHTTPAvatarRenderer(cfg.Avatar.AvatarConfig)
		names.Renderer = "http"
	case "disabled", "":
		set.Renderer = NoopRenderer{}
		names.Renderer = "disabled"
	default:
		return Set{}, fmt.Errorf("unsupported avatar provider: %s", cfg.Avatar.Provider)
	}

	if err := set.Validate(); err != nil {
		return Set{}, err
	}
	return Instrument(set, names), nil
}

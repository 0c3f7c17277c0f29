package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go"
)

const maxSpeechBytes = 10 << 20

// SpeechConfig configures OpenAI transcription and speech synthesis
type SpeechConfig struct {
	TranscriptionModel string
	Language           string
	SpeechModel        string
	Voice              string
}

// OpenAISpeech implements Transcriber and Synthesizer with the OpenAI audio API
type OpenAISpeech struct {
	client openai.Client
	cfg    SpeechConfig
}

// NewOpenAISpeech creates a speech client
func NewOpenAISpeech(conn OpenAIConfig, cfg SpeechConfig) *OpenAISpeech {
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = "whisper-1"
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	return &OpenAISpeech{
		client: openai.NewClient(conn.options()...),
		cfg:    cfg,
	}
}

// Transcribe converts recorded audio to text. Empty transcripts are failures.
func (s *OpenAISpeech) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("%w: no audio", ErrTranscription)
	}

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), "audio.webm", "audio/webm"),
		Model: openai.AudioModel(s.cfg.TranscriptionModel),
	}
	if s.cfg.Language != "" {
		params.Language = openai.String(s.cfg.Language)
	}

	resp, err := s.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty transcript", ErrTranscription)
	}
	return text, nil
}

// Synthesize renders reply text as MP3 audio
func (s *OpenAISpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(s.cfg.SpeechModel),
		Voice:          openai.AudioSpeechNewParamsVoice(s.cfg.Voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxSpeechBytes))
	if err != nil {
		return nil, fmt.Errorf("synthesize: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, nil
	}
	return audio, nil
}

package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/tutorline/pkg/tutor"
)

var (
	// ErrTranscription is returned when audio yields no usable text
	ErrTranscription = errors.New("transcription failed")
	// ErrRenderUnavailable is returned by renderers that cannot start a job
	ErrRenderUnavailable = errors.New("avatar rendering unavailable")
)

// Transcriber turns recorded speech into text
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Corrector finds language errors in a learner utterance
type Corrector interface {
	Analyze(ctx context.Context, text string) (tutor.CorrectionResult, error)
}

// Responder produces the tutor's side of the conversation
type Responder interface {
	// Generate replies to text given the conversation so far, oldest first
	Generate(ctx context.Context, text string, history []tutor.Turn) (string, error)
	// Starter opens a conversation for a learner of the given level
	Starter(ctx context.Context, level string) (string, error)
}

// Synthesizer turns reply text into speech. A nil slice with a nil error means no audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// RenderStatus is the state of an avatar render job
type RenderStatus string

const (
	RenderPending RenderStatus = "pending"
	RenderDone    RenderStatus = "done"
	RenderError   RenderStatus = "error"
)

// RenderResult is one observation of a render job
type RenderResult struct {
	Status   RenderStatus
	VideoRef string
	Reason   string
}

// AvatarRenderer renders a talking-avatar video for reply text
type AvatarRenderer interface {
	StartRender(ctx context.Context, text string) (jobID string, err error)
	PollStatus(ctx context.Context, jobID string) (RenderResult, error)
}

// Set bundles one implementation of every capability
type Set struct {
	Transcriber Transcriber
	Corrector   Corrector
	Responder   Responder
	Synthesizer Synthesizer
	Renderer    AvatarRenderer
}

// Validate reports the first missing capability
func (s Set) Validate() error {
	switch {
	case s.Transcriber == nil:
		return fmt.Errorf("transcriber is required")
	case s.Corrector == nil:
		return fmt.Errorf("corrector is required")
	case s.Responder == nil:
		return fmt.Errorf("responder is required")
	case s.Synthesizer == nil:
		return fmt.Errorf("synthesizer is required")
	case s.Renderer == nil:
		return fmt.Errorf("avatar renderer is required")
	}
	return nil
}

// NoopSynthesizer never produces audio
type NoopSynthesizer struct{}

func (NoopSynthesizer) Synthesize(context.Context, string) ([]byte, error) {
	return nil, nil
}

// NoopRenderer never starts a render
type NoopRenderer struct{}

func (NoopRenderer) StartRender(context.Context, string) (string, error) {
	return "", ErrRenderUnavailable
}

func (NoopRenderer) PollStatus(context.Context, string) (RenderResult, error) {
	return RenderResult{Status: RenderError, Reason: "rendering disabled"}, nil
}

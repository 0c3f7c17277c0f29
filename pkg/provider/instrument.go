package provider

import (
	"context"
	"time"

	"github.com/harun/tutorline/internal/observability"
	"github.com/harun/tutorline/internal/tracing"
	"github.com/harun/tutorline/pkg/tutor"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Instrument wraps every capability in s with call metrics and spans.
// name labels the vendor behind each capability.
func Instrument(s Set, names Names) Set {
	return Set{
		Transcriber: instrumentedTranscriber{next: s.Transcriber, name: names.Transcriber},
		Corrector:   instrumentedCorrector{next: s.Corrector, name: names.Corrector},
		Responder:   instrumentedResponder{next: s.Responder, name: names.Responder},
		Synthesizer: instrumentedSynthesizer{next: s.Synthesizer, name: names.Synthesizer},
		Renderer:    instrumentedRenderer{next: s.Renderer, name: names.Renderer},
	}
}

// Names labels the vendor behind each capability in a Set
type Names struct {
	Transcriber string
	Corrector   string
	Responder   string
	Synthesizer string
	Renderer    string
}

func observe(ctx context.Context, provider, op string, fn func(ctx context.Context) error) {
	ctx, span := tracing.StartSpan(ctx, "tutorline.provider", "provider."+op)
	span.SetAttributes(attribute.String("provider", provider))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	observability.RecordProviderCall(provider, op, time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

type instrumentedTranscriber struct {
	next Transcriber
	name string
}

func (t instrumentedTranscriber) Transcribe(ctx context.Context, audio []byte) (text string, err error) {
	observe(ctx, t.name, "transcribe", func(ctx context.Context) error {
		text, err = t.next.Transcribe(ctx, audio)
		return err
	})
	return text, err
}

type instrumentedCorrector struct {
	next Corrector
	name string
}

func (c instrumentedCorrector) Analyze(ctx context.Context, text string) (result tutor.CorrectionResult, err error) {
	observe(ctx, c.name, "analyze", func(ctx context.Context) error {
		result, err = c.next.Analyze(ctx, text)
		return err
	})
	return result, err
}

type instrumentedResponder struct {
	next Responder
	name string
}

func (r instrumentedResponder) Generate(ctx context.Context, text string, history []tutor.Turn) (reply string, err error) {
	observe(ctx, r.name, "generate", func(ctx context.Context) error {
		reply, err = r.next.Generate(ctx, text, history)
		return err
	})
	return reply, err
}

func (r instrumentedResponder) Starter(ctx context.Context, level string) (reply string, err error) {
	observe(ctx, r.name, "starter", func(ctx context.Context) error {
		reply, err = r.next.Starter(ctx, level)
		return err
	})
	return reply, err
}

type instrumentedSynthesizer struct {
	next Synthesizer
	name string
}

func (s instrumentedSynthesizer) Synthesize(ctx context.Context, text string) (audio []byte, err error) {
	observe(ctx, s.name, "synthesize", func(ctx context.Context) error {
		audio, err = s.next.Synthesize(ctx, text)
		return err
	})
	return audio, err
}

type instrumentedRenderer struct {
	next AvatarRenderer
	name string
}

func (r instrumentedRenderer) StartRender(ctx context.Context, text string) (jobID string, err error) {
	observe(ctx, r.name, "start_render", func(ctx context.Context) error {
		jobID, err = r.next.StartRender(ctx, text)
		return err
	})
	return jobID, err
}

func (r instrumentedRenderer) PollStatus(ctx context.Context, jobID string) (result RenderResult, err error) {
	observe(ctx, r.name, "poll_render", func(ctx context.Context) error {
		result, err = r.next.PollStatus(ctx, jobID)
		return err
	})
	return result, err
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tutorline/internal/observability"
	"github.com/harun/tutorline/internal/tracing"
	"github.com/harun/tutorline/pkg/protocol"
	"github.com/harun/tutorline/pkg/provider"
	"github.com/harun/tutorline/pkg/session"
	"github.com/harun/tutorline/pkg/store"
	"github.com/harun/tutorline/pkg/tutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// FallbackWelcome opens a session when the starter cannot be generated
	FallbackWelcome = "Hello! I'm ready to help you practice English. Please start speaking!"
	// FallbackReply answers a turn when reply generation fails
	FallbackReply = "I'm sorry, I couldn't process that. Could you please try again?"

	transcriptionFailedMessage = "Speech recognition failed. Please try speaking again."
)

// AudioStore keeps synthesized audio and returns a reference to it
type AudioStore interface {
	Save(ctx context.Context, audio []byte) (string, error)
}

// VideoWatcher follows a started render job until it settles
type VideoWatcher interface {
	Watch(sess *session.Session, ref session.JobRef) error
}

// Input is one learner utterance: recorded audio or typed text
type Input struct {
	Audio []byte
	Text  string
}

// AudioInput wraps recorded audio
func AudioInput(audio []byte) Input {
	return Input{Audio: audio}
}

// TextInput wraps typed text
func TextInput(text string) Input {
	return Input{Text: text}
}

// Kind labels the input for metrics
func (in Input) Kind() string {
	if in.Audio != nil {
		return "audio"
	}
	return "text"
}

// Config holds pipeline dependencies
type Config struct {
	Providers provider.Set
	Store     store.Gateway
	Audio     AudioStore
	Videos    VideoWatcher
	// StarterLevel is the learner level passed to the conversation starter
	StarterLevel   string
	PersistTimeout time.Duration
	Logger         zerolog.Logger
}

// Pipeline runs turns for any number of sessions. It holds no per-session state.
type Pipeline struct {
	providers      provider.Set
	store          store.Gateway
	audio          AudioStore
	videos         VideoWatcher
	level          string
	persistTimeout time.Duration
	logger         zerolog.Logger
}

// New creates a pipeline
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Providers.Validate(); err != nil {
		return nil, fmt.Errorf("invalid providers: %w", err)
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Videos == nil {
		return nil, errors.New("video watcher is required")
	}
	if cfg.StarterLevel == "" {
		cfg.StarterLevel = "beginner"
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}

	observability.EnsureRegistered()

	return &Pipeline{
		providers:      cfg.Providers,
		store:          cfg.Store,
		audio:          cfg.Audio,
		videos:         cfg.Videos,
		level:          cfg.StarterLevel,
		persistTimeout: cfg.PersistTimeout,
		logger:         cfg.Logger,
	}, nil
}

// Greet produces the opening assistant turn and moves the session to AwaitingInput
func (p *Pipeline) Greet(ctx context.Context, sess *session.Session) (err error) {
	defer func() {
		if ferr := sess.FinishGreeting(); ferr != nil && err == nil {
			err = ferr
		}
	}()

	ctx, release, span, logger := p.begin(ctx, sess, "pipeline.greet")
	defer release()
	defer span.End()

	start := time.Now()
	status := "ok"
	defer func() { observability.RecordTurn("greeting", status, time.Since(start)) }()

	welcome, err := p.providers.Responder.Starter(ctx, p.level)
	if err != nil {
		logger.Warn().Err(err).Msg("Conversation starter failed, using fallback welcome")
		welcome = FallbackWelcome
		status = "degraded"
	}

	if err := p.reply(ctx, sess, logger, welcome); err != nil {
		status = "aborted"
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// ProcessInput runs one learner input to completion. It returns ErrBusy when
// a turn is already in production and a wrapped provider.ErrTranscription
// when the audio could not be transcribed; the session stays open either way.
func (p *Pipeline) ProcessInput(ctx context.Context, sess *session.Session, in Input) (err error) {
	if err := sess.BeginTurn(); err != nil {
		return err
	}
	defer sess.EndTurn()

	ctx, release, span, logger := p.begin(ctx, sess, "pipeline.process_input")
	defer release()
	span.SetAttributes(attribute.String("input.kind", in.Kind()))
	defer span.End()

	start := time.Now()
	status := "ok"
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RecordTurn(in.Kind(), status, time.Since(start))
		observability.RecordTurnAudit(ctx, "turn.process", sess.ID, status, map[string]interface{}{
			"kind":        in.Kind(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}()

	// 1. transcription
	text := in.Text
	if in.Kind() == "audio" {
		text, err = p.providers.Transcriber.Transcribe(ctx, in.Audio)
		text = strings.TrimSpace(text)
		if err == nil && text == "" {
			err = provider.ErrTranscription
		}
		if err != nil {
			status = "transcription_failed"
			logger.Warn().Err(err).Int("audio_bytes", len(in.Audio)).Msg("Transcription failed")
			if sendErr := sess.Send(protocol.Error(protocol.CodeTranscriptionFailed, transcriptionFailedMessage)); sendErr != nil {
				logger.Debug().Err(sendErr).Msg("Failed to send transcription error")
			}
			if !errors.Is(err, provider.ErrTranscription) {
				err = fmt.Errorf("%w: %v", provider.ErrTranscription, err)
			}
			return err
		}
	}
	if err := sess.Send(protocol.Transcription(text)); err != nil {
		status = "aborted"
		return err
	}

	// 2. correction analysis
	analysis, aerr := p.providers.Corrector.Analyze(ctx, text)
	if aerr != nil {
		logger.Warn().Err(aerr).Msg("Correction analysis failed, continuing without corrections")
		analysis = tutor.CorrectionResult{}
		status = "degraded"
	}
	if err := ctx.Err(); err != nil {
		status = "aborted"
		return err
	}

	// 3. user turn
	userTurn := tutor.NewTurn(tutor.RoleUser, text)
	sess.AppendTurn(userTurn)
	storedUserID := p.persistTurn(ctx, sess, logger, userTurn)

	// 4. corrections
	if analysis.Found() {
		if err := sess.Send(protocol.Correction(analysis)); err != nil {
			status = "aborted"
			return err
		}
		p.persistCorrections(ctx, logger, storedUserID, analysis.Corrections)
	}

	// 5. reply
	history := sess.RecentHistory()
	reply, rerr := p.providers.Responder.Generate(ctx, text, history)
	if rerr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			status = "aborted"
			return ctxErr
		}
		logger.Warn().Err(rerr).Msg("Reply generation failed, using fallback reply")
		reply = FallbackReply
		status = "degraded"
	}

	// 6-9. speech, response, persistence, video
	if err := p.reply(ctx, sess, logger, reply); err != nil {
		status = "aborted"
		return err
	}
	return nil
}

// reply appends an assistant turn, sends it with synthesized audio, persists
// it and starts its avatar video.
func (p *Pipeline) reply(ctx context.Context, sess *session.Session, logger zerolog.Logger, text string) error {
	turn := tutor.NewTurn(tutor.RoleAssistant, text)
	sess.AppendTurn(turn)

	audio, err := p.providers.Synthesizer.Synthesize(ctx, text)
	if err != nil {
		logger.Warn().Err(err).Msg("Speech synthesis failed, sending text only")
		audio = nil
	}
	if len(audio) > 0 && p.audio != nil {
		ref, err := p.audio.Save(ctx, audio)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to store reply audio")
		} else {
			turn.AudioRef = ref
			sess.AttachAudio(turn.ID, ref)
		}
	}

	if err := sess.Send(protocol.Response(turn.ID, text, audio)); err != nil {
		return err
	}

	storedID := p.persistTurn(ctx, sess, logger, turn)
	p.startVideo(ctx, sess, logger, turn, storedID)
	return nil
}

func (p *Pipeline) startVideo(ctx context.Context, sess *session.Session, logger zerolog.Logger, turn tutor.Turn, storedID string) {
	if ctx.Err() != nil {
		return
	}
	jobID, err := p.providers.Renderer.StartRender(ctx, turn.Content)
	if err != nil {
		if !errors.Is(err, provider.ErrRenderUnavailable) {
			logger.Warn().Err(err).Msg("Avatar render could not be started")
		}
		return
	}

	ref := session.JobRef{
		JobID:        jobID,
		TurnID:       turn.ID,
		StoredTurnID: storedID,
		Text:         turn.Content,
	}
	if err := p.videos.Watch(sess, ref); err != nil {
		logger.Debug().Err(err).Str("job_id", jobID).Msg("Video job not watched")
	}
}

func (p *Pipeline) persistTurn(ctx context.Context, sess *session.Session, logger zerolog.Logger, turn tutor.Turn) string {
	pctx, cancel := p.persistContext(ctx)
	defer cancel()

	id, err := p.store.CreateTurn(pctx, sess.ID, turn)
	if err != nil {
		observability.RecordPersistenceError("create_turn")
		logger.Warn().Err(err).Str("role", string(turn.Role)).Msg("Failed to persist turn")
		return ""
	}
	return id
}

func (p *Pipeline) persistCorrections(ctx context.Context, logger zerolog.Logger, turnID string, corrections []tutor.Correction) {
	if turnID == "" || len(corrections) == 0 {
		return
	}
	pctx, cancel := p.persistContext(ctx)
	defer cancel()

	for _, c := range corrections {
		if err := p.store.CreateCorrection(pctx, turnID, c); err != nil {
			observability.RecordPersistenceError("create_correction")
			logger.Warn().Err(err).Msg("Failed to persist correction")
		}
	}
}

// persistContext keeps the turn's trace but not its cancellation, so a turn
// already produced is stored even if the session closes mid-write.
func (p *Pipeline) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(tracing.Detach(context.Background(), ctx), p.persistTimeout)
}

// begin derives the turn context. It is cancelled when either ctx or the
// session ends, so closing a session cancels its in-flight provider calls.
func (p *Pipeline) begin(ctx context.Context, sess *session.Session, spanName string) (context.Context, func(), trace.Span, zerolog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(sess.Context(), cancel)
	release := func() {
		stop()
		cancel()
	}

	if tracing.GetSessionID(ctx) == "" {
		ctx = tracing.WithSessionID(ctx, sess.ID)
	}
	ctx = tracing.WithTurnID(ctx, uuid.New().String())
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
	}
	ctx, span := tracing.StartSpan(ctx, "tutorline.pipeline", spanName)
	return ctx, release, span, tracing.LoggerFromContext(ctx, p.logger)
}

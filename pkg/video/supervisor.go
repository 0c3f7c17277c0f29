// Package video watches avatar render jobs and announces finished videos.
package video

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/harun/tutorline/internal/observability"
	"github.com/harun/tutorline/internal/tracing"
	"github.com/harun/tutorline/pkg/poll"
	"github.com/harun/tutorline/pkg/protocol"
	"github.com/harun/tutorline/pkg/provider"
	"github.com/harun/tutorline/pkg/session"
	"github.com/harun/tutorline/pkg/store"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

var errRenderFailed = errors.New("render failed")

// Config holds supervisor settings
type Config struct {
	Renderer     provider.AvatarRenderer
	Store        store.Gateway
	PollInterval time.Duration
	MaxWait      time.Duration
	// PersistTimeout bounds the video reference write after a render completes
	PersistTimeout time.Duration
	Logger         zerolog.Logger
}

// Supervisor runs one watcher per render job
type Supervisor struct {
	renderer       provider.AvatarRenderer
	store          store.Gateway
	interval       time.Duration
	maxWait        time.Duration
	persistTimeout time.Duration
	logger         zerolog.Logger

	wg     conc.WaitGroup
	active atomic.Int64
}

// NewSupervisor creates a supervisor
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 60 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	return &Supervisor{
		renderer:       cfg.Renderer,
		store:          cfg.Store,
		interval:       cfg.PollInterval,
		maxWait:        cfg.MaxWait,
		persistTimeout: cfg.PersistTimeout,
		logger:         cfg.Logger,
	}
}

// Watch registers ref with the session and polls it in the background.
// The watcher stops as soon as the session closes.
func (s *Supervisor) Watch(sess *session.Session, ref session.JobRef) error {
	ctx, cancel := context.WithCancel(sess.Context())
	if err := sess.TrackJob(ref, cancel); err != nil {
		observability.RecordVideoJob(string(session.JobCancelled))
		return err
	}

	s.active.Add(1)
	s.wg.Go(func() {
		defer s.active.Add(-1)
		defer cancel()
		status := s.run(ctx, sess, ref)
		sess.FinishJob(ref.JobID, status)
		observability.RecordVideoJob(string(status))
	})
	return nil
}

// Active returns the number of running watchers
func (s *Supervisor) Active() int {
	return int(s.active.Load())
}

// Wait blocks until every watcher has returned
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) run(ctx context.Context, sess *session.Session, ref session.JobRef) session.JobStatus {
	ctx = tracing.WithTurnID(ctx, ref.TurnID)
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("job_id", ref.JobID).Logger()

	ctx, span := tracing.StartSpan(ctx, "tutorline.video", "video.watch")
	defer span.End()

	var result provider.RenderResult
	err := poll.Until(ctx, poll.Options{Interval: s.interval, MaxWait: s.maxWait}, func(ctx context.Context) (bool, error) {
		r, err := s.renderer.PollStatus(ctx, ref.JobID)
		if err != nil {
			return false, err
		}
		switch r.Status {
		case provider.RenderDone:
			result = r
			return true, nil
		case provider.RenderError:
			return false, poll.Permanent(fmt.Errorf("%w: %s", errRenderFailed, r.Reason))
		default:
			return false, nil
		}
	})

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || sess.Closed():
		logger.Debug().Msg("Video watch cancelled")
		return session.JobCancelled
	case errors.Is(err, poll.ErrTimeout):
		logger.Warn().Err(err).Dur("max_wait", s.maxWait).Msg("Video render timed out")
		return session.JobTimedOut
	default:
		logger.Warn().Err(err).Msg("Video render failed")
		return session.JobError
	}

	if err := sess.Send(protocol.VideoUpdate(ref.TurnID, ref.Text, result.VideoRef)); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			return session.JobCancelled
		}
		logger.Warn().Err(err).Msg("Failed to send video update")
		return session.JobError
	}
	sess.AttachVideo(ref.TurnID, result.VideoRef)

	if ref.StoredTurnID != "" && s.store != nil {
		persistCtx, cancel := context.WithTimeout(tracing.Detach(context.Background(), ctx), s.persistTimeout)
		defer cancel()
		if err := s.store.UpdateTurnVideo(persistCtx, ref.StoredTurnID, result.VideoRef); err != nil {
			observability.RecordPersistenceError("update_turn_video")
			logger.Warn().Err(err).Msg("Failed to persist video reference")
		}
	}

	logger.Info().Str("video_ref", result.VideoRef).Msg("Video ready")
	return session.JobDone
}

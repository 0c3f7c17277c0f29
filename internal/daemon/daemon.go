package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/tutorline/internal/config"
	"github.com/harun/tutorline/internal/logger"
	"github.com/harun/tutorline/internal/observability"
	"github.com/harun/tutorline/internal/tracing"
	"github.com/harun/tutorline/pkg/audiostore"
	"github.com/harun/tutorline/pkg/commandqueue"
	"github.com/harun/tutorline/pkg/gateway"
	"github.com/harun/tutorline/pkg/pipeline"
	"github.com/harun/tutorline/pkg/provider"
	"github.com/harun/tutorline/pkg/session"
	"github.com/harun/tutorline/pkg/store"
	"github.com/harun/tutorline/pkg/video"
	"github.com/rs/zerolog"
)

// Version is reported in traces and by the CLI
const Version = "0.1.0"

// Daemon owns every long-lived component of the tutoring server
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store    *store.SQLiteStore
	audio    *audiostore.Store
	registry *session.Registry
	queue    *commandqueue.CommandQueue
	videos   *video.Supervisor
	pipeline *pipeline.Pipeline
	server   *gateway.Server

	lifecycle *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Sessions  int
	Videos    int
}

var newProviders = func(cfg provider.Config) (provider.Set, error) {
	return provider.Build(cfg)
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Options{
			ServiceName:    "tutorline",
			ServiceVersion: Version,
			SampleRatio:    cfg.Tracing.SampleRatio,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			log.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Failed to open audit log, using stderr")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) component(name string) zerolog.Logger {
	return d.logger.GetZerolog().With().Str("component", name).Logger()
}

// initializeCoreModules builds components leaves first
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	st, err := store.NewSQLiteStore(store.Config{
		DBPath: cfg.Storage.DBPath,
		Logger: d.component("store"),
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.store = st

	audio, err := audiostore.New(audiostore.Config{
		Dir:           cfg.Storage.AudioDir,
		Retention:     cfg.Storage.AudioRetention(),
		SweepSchedule: cfg.Storage.AudioSweepSchedule,
		Logger:        d.component("audiostore"),
	})
	if err != nil {
		return fmt.Errorf("failed to create audio store: %w", err)
	}
	d.audio = audio

	providers, err := newProviders(cfg.ProviderConfig())
	if err != nil {
		return fmt.Errorf("failed to build providers: %w", err)
	}

	d.videos = video.NewSupervisor(video.Config{
		Renderer:       providers.Renderer,
		Store:          d.store,
		PollInterval:   cfg.Video.PollInterval(),
		MaxWait:        cfg.Video.MaxWait(),
		PersistTimeout: cfg.Session.PersistTimeout(),
		Logger:         d.component("video"),
	})

	p, err := pipeline.New(pipeline.Config{
		Providers:      providers,
		Store:          d.store,
		Audio:          d.audio,
		Videos:         d.videos,
		StarterLevel:   cfg.Session.StarterLevel,
		PersistTimeout: cfg.Session.PersistTimeout(),
		Logger:         d.component("pipeline"),
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	d.pipeline = p

	d.registry = session.NewRegistry(session.Config{MaxHistory: cfg.Session.MaxHistory})
	d.queue = commandqueue.New(commandqueue.Config{MaxDepth: cfg.Session.LaneDepth})

	server, err := gateway.NewServer(gateway.Config{
		Addr:            cfg.Addr(),
		Registry:        d.registry,
		Queue:           d.queue,
		Runner:          d.pipeline,
		History:         d.store,
		Audio:           d.audio.Handler(),
		AudioPrefix:     d.audio.URLPrefix(),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ReadLimit:       cfg.Server.ReadLimitBytes,
		PongWait:        cfg.Server.PongWait(),
		WriteTimeout:    cfg.Server.WriteTimeout(),
		FramesPerMinute: cfg.Server.FramesPerMinute,
		TurnWarnAfter:   cfg.Session.TurnWarnAfter(),
		Logger:          d.component("gateway"),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.server = server

	return nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Str("version", Version).Msg("Starting tutorline daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.audio.StartJanitor(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start audio retention sweep")
	}

	if err := d.server.Start(); err != nil {
		d.audio.StopJanitor()
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	logger.Info().Str("addr", d.server.Addr()).Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop closes every session, waits for render watchers and releases resources
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping tutorline daemon")

	if err := d.server.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	// Closing the sessions cancelled every watcher; wait for them to return.
	done := make(chan struct{})
	go func() {
		d.videos.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("All video watchers stopped")
	case <-ctx.Done():
		logger.Warn().Int("active", d.videos.Active()).Msg("Timeout waiting for video watchers to stop")
	}

	d.audio.StopJanitor()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.release()

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// release closes storage, tracing and the audit log
func (d *Daemon) release() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close store")
		}
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// ApplyConfig takes the settings that can change without a restart
func (d *Daemon) ApplyConfig(cfg *config.Config) {
	if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
		d.logger.Warn().Err(err).Msg("Ignoring reloaded log level")
	}
	observability.RecordConfigAudit(context.Background(), "config_reloaded", "file", map[string]interface{}{
		"log_level": cfg.Logging.Level,
	})
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: d.registry.Count(),
		Videos:   d.videos.Active(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	ctx, cancel := context.WithTimeout(context.Background(), d.config.Server.ShutdownTimeout())
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Addr returns the address the gateway listens on
func (d *Daemon) Addr() string {
	return d.server.Addr()
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetRegistry returns the session registry
func (d *Daemon) GetRegistry() *session.Registry {
	return d.registry
}

// GetStore returns the persistence store
func (d *Daemon) GetStore() *store.SQLiteStore {
	return d.store
}

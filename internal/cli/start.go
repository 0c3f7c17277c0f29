package cli

import (
	"fmt"

	"github.com/harun/tutorline/internal/config"
	"github.com/harun/tutorline/internal/daemon"
	"github.com/harun/tutorline/internal/logger"
	"github.com/spf13/cobra"
)

var (
	pretty bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tutoring server",
	Long: `Start the tutoring server in the foreground.
The server accepts learner sessions on /ws/conversation/{sessionID} until it
receives SIGINT or SIGTERM, then closes every session and exits.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&pretty, "pretty", true, "human readable console logs")
	rootCmd.AddCommand(startCmd)
}

var newDaemon = daemon.New

func runStart(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		Console:    true,
		Pretty:     pretty,
		Redaction:  cfg.Logging.Redaction,
		MaxSize:    cfg.Logging.MaxSize,
		MaxAge:     cfg.Logging.MaxAge,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	for _, warning := range config.NewValidator().ValidateConfig(cfg) {
		log.Warn().Err(warning).Msg("Configuration warning")
	}

	d, err := newDaemon(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	if err := loader.Watch(d.ApplyConfig); err != nil {
		log.Debug().Err(err).Msg("Config reload disabled")
	}

	d.Wait()
	return nil
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}

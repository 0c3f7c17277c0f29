package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tutorline/internal/observability"
	"github.com/harun/tutorline/internal/tracing"
	"github.com/harun/tutorline/pkg/tutor"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrTurnNotFound is returned when a turn id is unknown
var ErrTurnNotFound = errors.New("turn not found")

// Gateway is the persistence surface the engine writes through
type Gateway interface {
	// CreateTurn stores a turn and returns its stored id
	CreateTurn(ctx context.Context, sessionID string, turn tutor.Turn) (string, error)
	// CreateCorrection attaches a correction to a stored user turn
	CreateCorrection(ctx context.Context, turnID string, correction tutor.Correction) error
	// UpdateTurnVideo attaches a rendered video to a stored turn
	UpdateTurnVideo(ctx context.Context, turnID, videoRef string) error
}

// StoredTurn is a persisted turn with its corrections
type StoredTurn struct {
	tutor.Turn
	SessionID   string             `json:"sessionId"`
	Corrections []tutor.Correction `json:"corrections,omitempty"`
}

// Config holds SQLite store settings
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// SQLiteStore implements Gateway on a SQLite database
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at cfg.DBPath
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("Conversation store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			audio_ref TEXT NOT NULL DEFAULT '',
			video_ref TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);

		CREATE TABLE IF NOT EXISTS corrections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			original TEXT NOT NULL,
			corrected TEXT NOT NULL,
			explanation TEXT NOT NULL,
			severity TEXT NOT NULL,
			FOREIGN KEY (turn_id) REFERENCES turns(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_corrections_turn ON corrections(turn_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateTurn stores a turn. The turn's own id is kept when set.
func (s *SQLiteStore) CreateTurn(ctx context.Context, sessionID string, turn tutor.Turn) (id string, err error) {
	ctx, finish := s.span(ctx, "store.create_turn", attribute.String("role", string(turn.Role)))
	defer func() { finish(err) }()

	id = turn.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, role, content, audio_ref, video_ref, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, sessionID, string(turn.Role), turn.Content, turn.AudioRef, turn.VideoRef, createdAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert turn: %w", err)
	}
	return id, nil
}

// CreateCorrection attaches a correction to a stored turn
func (s *SQLiteStore) CreateCorrection(ctx context.Context, turnID string, c tutor.Correction) (err error) {
	ctx, finish := s.span(ctx, "store.create_correction")
	defer func() { finish(err) }()

	if turnID == "" {
		return ErrTurnNotFound
	}
	c = c.Normalize()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO corrections (turn_id, kind, original, corrected, explanation, severity) VALUES (?, ?, ?, ?, ?, ?)`,
		turnID, string(c.Kind), c.Original, c.Corrected, c.Explanation, string(c.Severity),
	)
	if err != nil {
		return fmt.Errorf("failed to insert correction: %w", err)
	}
	return nil
}

// UpdateTurnVideo sets the video reference of a stored turn
func (s *SQLiteStore) UpdateTurnVideo(ctx context.Context, turnID, videoRef string) (err error) {
	ctx, finish := s.span(ctx, "store.update_turn_video")
	defer func() { finish(err) }()

	res, err := s.db.ExecContext(ctx, `UPDATE turns SET video_ref = ? WHERE id = ?`, videoRef, turnID)
	if err != nil {
		return fmt.Errorf("failed to update turn video: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update turn video: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTurnNotFound, turnID)
	}
	return nil
}

// ListTurns returns a session's persisted turns, oldest first, with their corrections
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]StoredTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, audio_ref, video_ref, created_at FROM turns WHERE session_id = ? ORDER BY created_at, rowid`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	turns := []StoredTurn{}
	index := map[string]int{}
	for rows.Next() {
		var (
			t       StoredTurn
			role    string
			created int64
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &t.AudioRef, &t.VideoRef, &created); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Role = tutor.Role(role)
		t.CreatedAt = time.Unix(0, created)
		t.SessionID = sessionID
		index[t.ID] = len(turns)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	crows, err := s.db.QueryContext(ctx,
		`SELECT c.turn_id, c.kind, c.original, c.corrected, c.explanation, c.severity
		 FROM corrections c JOIN turns t ON t.id = c.turn_id
		 WHERE t.session_id = ? ORDER BY c.id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query corrections: %w", err)
	}
	defer crows.Close()

	for crows.Next() {
		var (
			turnID         string
			kind, severity string
			c              tutor.Correction
		)
		if err := crows.Scan(&turnID, &kind, &c.Original, &c.Corrected, &c.Explanation, &severity); err != nil {
			return nil, fmt.Errorf("failed to scan correction: %w", err)
		}
		c.Kind = tutor.CorrectionKind(kind)
		c.Severity = tutor.Severity(severity)
		if i, ok := index[turnID]; ok {
			turns[i].Corrections = append(turns[i].Corrections, c)
		}
	}
	return turns, crows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := tracing.StartSpan(ctx, "tutorline.store", name, attrs...)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// Package sqlite is the default durable store, a single database file that
// works without any server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/kozaktomas/facetrack/internal/attendance"
	"github.com/kozaktomas/facetrack/internal/config"
	"github.com/kozaktomas/facetrack/internal/database"
)

func init() {
	database.RegisterDriver(config.DriverSQLite, func(cfg *config.StoreConfig) (database.Store, error) {
		store, err := Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	})
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id  TEXT PRIMARY KEY,
	schedule_id TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	class_info  TEXT
);

CREATE TABLE IF NOT EXISTS face_detections (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	student_id   TEXT NOT NULL,
	student_name TEXT NOT NULL,
	confidence   REAL NOT NULL,
	timestamp    INTEGER NOT NULL,
	session_id   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_face_detections_session ON face_detections (session_id, student_id);

CREATE TABLE IF NOT EXISTS attendance_confirmations (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	student_id      TEXT NOT NULL,
	student_name    TEXT NOT NULL,
	detection_count INTEGER NOT NULL,
	first_detection INTEGER NOT NULL,
	confirmed_at    INTEGER NOT NULL,
	avg_confidence  REAL NOT NULL,
	session_id      TEXT NOT NULL,
	synced          INTEGER NOT NULL DEFAULT 0,
	synced_at       INTEGER,
	UNIQUE (student_id, session_id)
);
CREATE INDEX IF NOT EXISTS idx_attendance_confirmations_synced ON attendance_confirmations (synced);
`

// Store is a SQLite-backed database.Store. Writes are serialised by a mutex
// so a confirmation insert and a sync flag update never interleave.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens or creates the database file and its schema. Every committed
// write is flushed to disk before returning.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

func (s *Store) InsertSighting(ctx context.Context, sg attendance.Sighting) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO face_detections (student_id, student_name, confidence, timestamp, session_id)
		VALUES (?, ?, ?, ?, ?)
	`, sg.IdentityID, sg.DisplayName, sg.Confidence, sg.ObservedAt.UnixNano(), sg.SessionID)
	if err != nil {
		return fmt.Errorf("insert sighting: %w", err)
	}
	return nil
}

func (s *Store) InsertConfirmation(ctx context.Context, c attendance.Confirmation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attendance_confirmations
			(student_id, student_name, detection_count, first_detection, confirmed_at, avg_confidence, session_id, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, c.IdentityID, c.DisplayName, c.DetectionCount, c.FirstDetectionAt.UnixNano(),
		c.ConfirmedAt.UnixNano(), c.AvgConfidence, c.SessionID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s in %s", attendance.ErrDuplicateConfirmation, c.IdentityID, c.SessionID)
	}
	if err != nil {
		return fmt.Errorf("insert confirmation: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func (s *Store) MarkSynced(ctx context.Context, sessionID string, identityIDs []string) (int64, error) {
	if len(identityIDs) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(identityIDs)), ",")
	args := make([]any, 0, len(identityIDs)+2)
	args = append(args, time.Now().UnixNano(), sessionID)
	for _, id := range identityIDs {
		args = append(args, id)
	}

	//nolint:gosec // placeholders only
	res, err := s.db.ExecContext(ctx, `
		UPDATE attendance_confirmations
		SET synced = 1, synced_at = ?
		WHERE session_id = ? AND synced = 0 AND student_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("mark synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark synced: %w", err)
	}
	return n, nil
}

const confirmationColumns = `student_id, student_name, detection_count, first_detection, confirmed_at, avg_confidence, session_id, synced`

func (s *Store) UnsyncedConfirmations(ctx context.Context) ([]attendance.Confirmation, error) {
	return s.queryConfirmations(ctx, `
		SELECT `+confirmationColumns+`
		FROM attendance_confirmations
		WHERE synced = 0
		ORDER BY session_id, confirmed_at, student_id
	`)
}

func (s *Store) ConfirmationsBySession(ctx context.Context, sessionID string) ([]attendance.Confirmation, error) {
	return s.queryConfirmations(ctx, `
		SELECT `+confirmationColumns+`
		FROM attendance_confirmations
		WHERE session_id = ?
		ORDER BY confirmed_at, student_id
	`, sessionID)
}

func (s *Store) queryConfirmations(ctx context.Context, query string, args ...any) ([]attendance.Confirmation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query confirmations: %w", err)
	}
	defer rows.Close()

	var result []attendance.Confirmation
	for rows.Next() {
		var c attendance.Confirmation
		var first, confirmed int64
		if err := rows.Scan(&c.IdentityID, &c.DisplayName, &c.DetectionCount, &first, &confirmed,
			&c.AvgConfidence, &c.SessionID, &c.Synced); err != nil {
			return nil, fmt.Errorf("scan confirmation: %w", err)
		}
		c.FirstDetectionAt = time.Unix(0, first).UTC()
		c.ConfirmedAt = time.Unix(0, confirmed).UTC()
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate confirmations: %w", err)
	}
	return result, nil
}

// SaveSession inserts the session or updates its metadata.
func (s *Store) SaveSession(ctx context.Context, sess attendance.Session) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, schedule_id, started_at, class_info)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			schedule_id = excluded.schedule_id,
			class_info = excluded.class_info
	`, sess.ID, sess.ScheduleID, sess.StartedAt.UnixNano(), nullableJSON(sess.ClassInfo))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*attendance.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, schedule_id, started_at, class_info FROM sessions WHERE session_id = ?
	`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]attendance.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, schedule_id, started_at, class_info
		FROM sessions ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []attendance.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*attendance.Session, error) {
	var sess attendance.Session
	var started int64
	var classInfo sql.NullString
	if err := row.Scan(&sess.ID, &sess.ScheduleID, &started, &classInfo); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap
	}
	sess.StartedAt = time.Unix(0, started).UTC()
	if classInfo.Valid && classInfo.String != "" {
		sess.ClassInfo = json.RawMessage(classInfo.String)
	}
	return &sess, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kozaktomas/facetrack/internal/attendance"
)

// Store is a PostgreSQL-backed database.Store.
type Store struct {
	pool *Pool
}

// NewStore creates a store on a migrated pool.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) InsertSighting(ctx context.Context, sg attendance.Sighting) error {
	_, err := s.pool.db.ExecContext(ctx, `
		INSERT INTO face_detections (student_id, student_name, confidence, observed_at, session_id)
		VALUES ($1, $2, $3, $4, $5)
	`, sg.IdentityID, sg.DisplayName, sg.Confidence, sg.ObservedAt, sg.SessionID)
	if err != nil {
		return fmt.Errorf("insert sighting: %w", err)
	}
	return nil
}

func (s *Store) InsertConfirmation(ctx context.Context, c attendance.Confirmation) error {
	res, err := s.pool.db.ExecContext(ctx, `
		INSERT INTO attendance_confirmations
			(student_id, student_name, detection_count, first_detection, confirmed_at, avg_confidence, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (student_id, session_id) DO NOTHING
	`, c.IdentityID, c.DisplayName, c.DetectionCount, c.FirstDetectionAt, c.ConfirmedAt, c.AvgConfidence, c.SessionID)
	if err != nil {
		return fmt.Errorf("insert confirmation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert confirmation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s in %s", attendance.ErrDuplicateConfirmation, c.IdentityID, c.SessionID)
	}
	return nil
}

func (s *Store) MarkSynced(ctx context.Context, sessionID string, identityIDs []string) (int64, error) {
	if len(identityIDs) == 0 {
		return 0, nil
	}
	res, err := s.pool.db.ExecContext(ctx, `
		UPDATE attendance_confirmations
		SET synced = TRUE, synced_at = NOW()
		WHERE session_id = $1 AND NOT synced AND student_id = ANY($2)
	`, sessionID, pq.Array(identityIDs))
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
		WHERE NOT synced
		ORDER BY session_id, confirmed_at, student_id
	`)
}

func (s *Store) ConfirmationsBySession(ctx context.Context, sessionID string) ([]attendance.Confirmation, error) {
	return s.queryConfirmations(ctx, `
		SELECT `+confirmationColumns+`
		FROM attendance_confirmations
		WHERE session_id = $1
		ORDER BY confirmed_at, student_id
	`, sessionID)
}

func (s *Store) queryConfirmations(ctx context.Context, query string, args ...any) ([]attendance.Confirmation, error) {
	rows, err := s.pool.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query confirmations: %w", err)
	}
	defer rows.Close()

	var result []attendance.Confirmation
	for rows.Next() {
		var c attendance.Confirmation
		if err := rows.Scan(&c.IdentityID, &c.DisplayName, &c.DetectionCount, &c.FirstDetectionAt,
			&c.ConfirmedAt, &c.AvgConfidence, &c.SessionID, &c.Synced); err != nil {
			return nil, fmt.Errorf("scan confirmation: %w", err)
		}
		c.FirstDetectionAt = c.FirstDetectionAt.UTC()
		c.ConfirmedAt = c.ConfirmedAt.UTC()
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate confirmations: %w", err)
	}
	return result, nil
}

func (s *Store) SaveSession(ctx context.Context, sess attendance.Session) error {
	var classInfo any
	if len(sess.ClassInfo) > 0 {
		classInfo = string(sess.ClassInfo)
	}
	_, err := s.pool.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, schedule_id, started_at, class_info)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			schedule_id = EXCLUDED.schedule_id,
			class_info = EXCLUDED.class_info
	`, sess.ID, sess.ScheduleID, sess.StartedAt, classInfo)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*attendance.Session, error) {
	row := s.pool.db.QueryRowContext(ctx, `
		SELECT session_id, schedule_id, started_at, class_info FROM sessions WHERE session_id = $1
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
	rows, err := s.pool.db.QueryContext(ctx, `
		SELECT session_id, schedule_id, started_at, class_info
		FROM sessions ORDER BY started_at DESC LIMIT $1
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
	var started time.Time
	var classInfo []byte
	if err := row.Scan(&sess.ID, &sess.ScheduleID, &started, &classInfo); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap
	}
	sess.StartedAt = started.UTC()
	if len(classInfo) > 0 {
		sess.ClassInfo = json.RawMessage(classInfo)
	}
	return &sess, nil
}

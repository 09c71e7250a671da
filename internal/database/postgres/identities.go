package postgres

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/facetrack/internal/attendance"
)

// SaveIdentities replaces the mirrored registry with the given identities.
// Repeated ids are separate reference embeddings and are all kept.
func (s *Store) SaveIdentities(ctx context.Context, identities []attendance.Identity) error {
	tx, err := s.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM identities"); err != nil {
		return fmt.Errorf("clear identities: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO identities (identity_id, ordinal, display_name, embedding, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
	`)
	if err != nil {
		return fmt.Errorf("prepare identity insert: %w", err)
	}
	defer stmt.Close()

	ordinals := make(map[string]int, len(identities))
	for _, id := range identities {
		if len(id.Embedding) == 0 {
			continue
		}
		ordinal := ordinals[id.ID]
		ordinals[id.ID]++
		if _, err := stmt.ExecContext(ctx, id.ID, ordinal, id.DisplayName, pgvector.NewVector(id.Embedding)); err != nil {
			return fmt.Errorf("insert identity %s: %w", id.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit identities: %w", err)
	}
	return nil
}

// LoadIdentities returns the mirrored registry ordered by identity id, with
// the references of one identity in the order they were saved.
func (s *Store) LoadIdentities(ctx context.Context) ([]attendance.Identity, error) {
	rows, err := s.pool.db.QueryContext(ctx, `
		SELECT identity_id, display_name, embedding FROM identities ORDER BY identity_id, ordinal
	`)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var result []attendance.Identity
	for rows.Next() {
		var id attendance.Identity
		var vec pgvector.Vector
		if err := rows.Scan(&id.ID, &id.DisplayName, &vec); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		id.Embedding = vec.Slice()
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return result, nil
}

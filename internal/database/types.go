package database

import (
	"context"

	"github.com/kozaktomas/facetrack/internal/attendance"
)

// SightingWriter appends raw sightings to the audit trail.
type SightingWriter interface {
	InsertSighting(ctx context.Context, s attendance.Sighting) error
}

// ConfirmationWriter records confirmations and their sync state.
type ConfirmationWriter interface {
	// InsertConfirmation stores a new confirmation. A second confirmation for
	// the same (identity, session) returns attendance.ErrDuplicateConfirmation
	// and leaves the stored row untouched.
	InsertConfirmation(ctx context.Context, c attendance.Confirmation) error

	// MarkSynced flips synced to true for the given identities of a session.
	// Rows already synced are not touched. Returns the number of rows changed.
	MarkSynced(ctx context.Context, sessionID string, identityIDs []string) (int64, error)
}

// ConfirmationReader reads confirmations back.
type ConfirmationReader interface {
	// UnsyncedConfirmations returns every confirmation not yet acknowledged by
	// the remote service, ordered by session and confirmation time.
	UnsyncedConfirmations(ctx context.Context) ([]attendance.Confirmation, error)
	ConfirmationsBySession(ctx context.Context, sessionID string) ([]attendance.Confirmation, error)
}

// SessionStore keeps session metadata needed to sync after a restart.
type SessionStore interface {
	SaveSession(ctx context.Context, s attendance.Session) error
	// GetSession returns nil, nil when the session is unknown.
	GetSession(ctx context.Context, sessionID string) (*attendance.Session, error)
	// ListSessions returns the most recent sessions first.
	ListSessions(ctx context.Context, limit int) ([]attendance.Session, error)
}

// Store is the durable local store.
type Store interface {
	SightingWriter
	ConfirmationWriter
	ConfirmationReader
	SessionStore
	Close() error
}

// IdentityMirror is implemented by stores that can keep a copy of the
// registry's reference embeddings.
type IdentityMirror interface {
	SaveIdentities(ctx context.Context, identities []attendance.Identity) error
	LoadIdentities(ctx context.Context) ([]attendance.Identity, error)
}

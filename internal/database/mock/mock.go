// Package mock provides an in-memory database.Store for testing.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kozaktomas/facetrack/internal/attendance"
)

// Store is an in-memory database.Store with error injection.
type Store struct {
	mu            sync.Mutex
	sightings     []attendance.Sighting
	confirmations map[attendance.Key]*attendance.Confirmation
	sessions      map[string]attendance.Session
	identities    []attendance.Identity
	closed        bool

	// Error injection
	InsertSightingError        error
	InsertConfirmationError    error
	MarkSyncedError            error
	UnsyncedConfirmationsError error
	SaveSessionError           error
	GetSessionError            error

	insertConfirmationFailures int

	// MarkSyncedCalls counts MarkSynced invocations.
	MarkSyncedCalls int
}

// NewStore creates an empty mock store.
func NewStore() *Store {
	return &Store{
		confirmations: make(map[attendance.Key]*attendance.Confirmation),
		sessions:      make(map[string]attendance.Session),
	}
}

// FailInsertConfirmation makes the next n InsertConfirmation calls return err.
func (m *Store) FailInsertConfirmation(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertConfirmationFailures = n
	m.InsertConfirmationError = err
}

func (m *Store) InsertSighting(ctx context.Context, s attendance.Sighting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertSightingError != nil {
		return m.InsertSightingError
	}
	m.sightings = append(m.sightings, s)
	return nil
}

// Sightings returns the recorded sightings.
func (m *Store) Sightings() []attendance.Sighting {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]attendance.Sighting(nil), m.sightings...)
}

func (m *Store) InsertConfirmation(ctx context.Context, c attendance.Confirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertConfirmationError != nil {
		if m.insertConfirmationFailures > 0 {
			m.insertConfirmationFailures--
			if m.insertConfirmationFailures == 0 {
				defer func() { m.InsertConfirmationError = nil }()
			}
		}
		return m.InsertConfirmationError
	}
	if _, ok := m.confirmations[c.Key()]; ok {
		return fmt.Errorf("%w: %s in %s", attendance.ErrDuplicateConfirmation, c.IdentityID, c.SessionID)
	}
	c.Synced = false
	m.confirmations[c.Key()] = &c
	return nil
}

func (m *Store) MarkSynced(ctx context.Context, sessionID string, identityIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarkSyncedCalls++
	if m.MarkSyncedError != nil {
		return 0, m.MarkSyncedError
	}
	var n int64
	for _, id := range identityIDs {
		c, ok := m.confirmations[attendance.Key{IdentityID: id, SessionID: sessionID}]
		if ok && !c.Synced {
			c.Synced = true
			n++
		}
	}
	return n, nil
}

func (m *Store) UnsyncedConfirmations(ctx context.Context) ([]attendance.Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UnsyncedConfirmationsError != nil {
		return nil, m.UnsyncedConfirmationsError
	}
	return m.filter(func(c *attendance.Confirmation) bool { return !c.Synced }), nil
}

func (m *Store) ConfirmationsBySession(ctx context.Context, sessionID string) ([]attendance.Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(c *attendance.Confirmation) bool { return c.SessionID == sessionID }), nil
}

// filter must be called with m.mu held.
func (m *Store) filter(keep func(*attendance.Confirmation) bool) []attendance.Confirmation {
	var result []attendance.Confirmation
	for _, c := range m.confirmations {
		if keep(c) {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.SessionID != b.SessionID {
			return a.SessionID < b.SessionID
		}
		if !a.ConfirmedAt.Equal(b.ConfirmedAt) {
			return a.ConfirmedAt.Before(b.ConfirmedAt)
		}
		return a.IdentityID < b.IdentityID
	})
	return result
}

func (m *Store) SaveSession(ctx context.Context, s attendance.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveSessionError != nil {
		return m.SaveSessionError
	}
	if prev, ok := m.sessions[s.ID]; ok {
		s.StartedAt = prev.StartedAt
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Store) GetSession(ctx context.Context, sessionID string) (*attendance.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetSessionError != nil {
		return nil, m.GetSessionError
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Store) ListSessions(ctx context.Context, limit int) ([]attendance.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]attendance.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Store) SaveIdentities(ctx context.Context, identities []attendance.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities = append([]attendance.Identity(nil), identities...)
	return nil
}

func (m *Store) LoadIdentities(ctx context.Context) ([]attendance.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]attendance.Identity(nil), m.identities...), nil
}

func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *Store) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Package tracker aggregates sightings per identity over a trailing time
// window and decides when an identity is confirmed present.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/facetrack/internal/attendance"
	"github.com/kozaktomas/facetrack/internal/constants"
)

// Defaults used for zero Config fields.
const (
	DefaultRequiredDetections = constants.RequiredDetections
	DefaultWindow             = constants.DetectionWindow
	DefaultCapacity           = constants.BufferCapacity
)

// Config controls confirmation.
type Config struct {
	RequiredDetections int
	Window             time.Duration
	Capacity           int // per-identity buffer size
}

func (c Config) withDefaults() Config {
	if c.RequiredDetections <= 0 {
		c.RequiredDetections = DefaultRequiredDetections
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	return c
}

// entry is the state of one identity. Its mutex serialises every read and
// write of that identity; different identities never contend.
type entry struct {
	mu        sync.Mutex
	buffer    []attendance.Sighting // oldest first, at most Capacity
	confirmed bool
	total     int
	firstSeen time.Time
	lastSeen  time.Time
}

// Tracker holds the per-identity state of one session.
type Tracker struct {
	cfg       Config
	sessionID string

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty tracker for a session.
func New(sessionID string, cfg Config) *Tracker {
	return &Tracker{
		cfg:       cfg.withDefaults(),
		sessionID: sessionID,
		entries:   make(map[string]*entry),
	}
}

// SessionID returns the session the tracker belongs to.
func (t *Tracker) SessionID() string {
	return t.sessionID
}

func (t *Tracker) entry(identityID string) *entry {
	t.mu.RLock()
	e, ok := t.entries[identityID]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[identityID]; !ok {
		e = &entry{buffer: make([]attendance.Sighting, 0, t.cfg.Capacity)}
		t.entries[identityID] = e
	}
	return e
}

// Observe records a sighting and evaluates the identity at the sighting's
// time. It returns a confirmation the first time the identity qualifies in
// this session and never again afterwards.
func (t *Tracker) Observe(s attendance.Sighting) (*attendance.Confirmation, bool) {
	e := t.entry(s.IdentityID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.buffer) == t.cfg.Capacity {
		copy(e.buffer, e.buffer[1:])
		e.buffer = e.buffer[:len(e.buffer)-1]
	}
	e.buffer = append(e.buffer, s)
	e.total++
	if e.firstSeen.IsZero() || s.ObservedAt.Before(e.firstSeen) {
		e.firstSeen = s.ObservedAt
	}
	if s.ObservedAt.After(e.lastSeen) {
		e.lastSeen = s.ObservedAt
	}

	return t.evaluate(s.IdentityID, e, s.ObservedAt)
}

// Sweep evaluates every identity at now and returns the new confirmations,
// sorted by identity id.
func (t *Tracker) Sweep(now time.Time) []attendance.Confirmation {
	t.mu.RLock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)

	var confirmed []attendance.Confirmation
	for _, id := range ids {
		e := t.entry(id)
		e.mu.Lock()
		if c, ok := t.evaluate(id, e, now); ok {
			confirmed = append(confirmed, *c)
		}
		e.mu.Unlock()
	}
	return confirmed
}

// evaluate must be called with e.mu held. The count is always recomputed
// from the sightings inside the window, never from the buffer size.
func (t *Tracker) evaluate(identityID string, e *entry, now time.Time) (*attendance.Confirmation, bool) {
	if e.confirmed {
		return nil, false
	}

	windowStart := now.Add(-t.cfg.Window)
	var (
		count   int
		sum     float64
		first   time.Time
		display string
	)
	for _, s := range e.buffer {
		if s.ObservedAt.Before(windowStart) || s.ObservedAt.After(now) {
			continue
		}
		if count == 0 {
			display = s.DisplayName
		}
		count++
		sum += s.Confidence
		if first.IsZero() || s.ObservedAt.Before(first) {
			first = s.ObservedAt
		}
	}

	if count < t.cfg.RequiredDetections {
		return nil, false
	}

	e.confirmed = true
	return &attendance.Confirmation{
		IdentityID:       identityID,
		DisplayName:      display,
		SessionID:        t.sessionID,
		DetectionCount:   count,
		FirstDetectionAt: first,
		ConfirmedAt:      now,
		AvgConfidence:    sum / float64(count),
	}, true
}

// Restore marks identities as already confirmed, e.g. from the store after a
// restart within the same session.
func (t *Tracker) Restore(identityIDs ...string) {
	for _, id := range identityIDs {
		e := t.entry(id)
		e.mu.Lock()
		e.confirmed = true
		e.mu.Unlock()
	}
}

// IsConfirmed reports whether the identity was confirmed in this session.
func (t *Tracker) IsConfirmed(identityID string) bool {
	t.mu.RLock()
	e, ok := t.entries[identityID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confirmed
}

// IdentityStats summarises one identity.
type IdentityStats struct {
	IdentityID    string    `json:"identity_id"`
	DisplayName   string    `json:"display_name"`
	Detections    int       `json:"detections"`
	Buffered      int       `json:"buffered"`
	Confirmed     bool      `json:"confirmed"`
	AvgConfidence float64   `json:"avg_confidence"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// Stats summarises the session so far.
type Stats struct {
	SessionID        string          `json:"session_id"`
	TotalDetections  int             `json:"total_detections"`
	UniqueIdentities int             `json:"unique_identities"`
	Confirmed        int             `json:"confirmed"`
	Identities       []IdentityStats `json:"identities"`
}

// Stats returns a snapshot of every tracked identity, sorted by identity id.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)

	stats := Stats{SessionID: t.sessionID}
	for _, id := range ids {
		e := t.entry(id)
		e.mu.Lock()
		is := IdentityStats{
			IdentityID: id,
			Detections: e.total,
			Buffered:   len(e.buffer),
			Confirmed:  e.confirmed,
			FirstSeen:  e.firstSeen,
			LastSeen:   e.lastSeen,
		}
		var sum float64
		for _, s := range e.buffer {
			sum += s.Confidence
			is.DisplayName = s.DisplayName
		}
		if len(e.buffer) > 0 {
			is.AvgConfidence = sum / float64(len(e.buffer))
		}
		e.mu.Unlock()

		stats.TotalDetections += is.Detections
		if is.Detections > 0 {
			stats.UniqueIdentities++
		}
		if is.Confirmed {
			stats.Confirmed++
		}
		stats.Identities = append(stats.Identities, is)
	}
	return stats
}

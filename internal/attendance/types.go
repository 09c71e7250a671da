// Package attendance holds the domain types shared by the recognition
// pipeline: identities, sightings, sessions and confirmations.
package attendance

import (
	"encoding/json"
	"time"
)

// Identity is an enrolled person with a reference face embedding.
type Identity struct {
	ID          string    `cbor:"id" json:"id"`
	DisplayName string    `cbor:"name" json:"display_name"`
	Embedding   []float32 `cbor:"embedding" json:"-"`
}

// Sighting is one accepted face match at a point in time.
type Sighting struct {
	IdentityID  string
	DisplayName string
	Confidence  float64 // 1 - distance, in [0,1]
	ObservedAt  time.Time
	SessionID   string
}

// Session scopes sightings and confirmations to one recognition run.
type Session struct {
	ID         string          `json:"session_id"`
	ScheduleID string          `json:"schedule_id"`
	StartedAt  time.Time       `json:"started_at"`
	ClassInfo  json.RawMessage `json:"class_info,omitempty"`
}

// Confirmation is the single-shot decision that an identity attended a session.
// It is immutable once created apart from Synced, which only goes false -> true.
type Confirmation struct {
	IdentityID       string    `json:"identity_id"`
	DisplayName      string    `json:"display_name"`
	SessionID        string    `json:"session_id"`
	DetectionCount   int       `json:"detection_count"`
	FirstDetectionAt time.Time `json:"first_detection_at"`
	ConfirmedAt      time.Time `json:"confirmed_at"`
	AvgConfidence    float64   `json:"avg_confidence"`
	Synced           bool      `json:"synced"`
}

// Key identifies a confirmation; at most one exists per key.
func (c *Confirmation) Key() Key {
	return Key{IdentityID: c.IdentityID, SessionID: c.SessionID}
}

// Key is the (identity, session) pair confirmations are unique on.
type Key struct {
	IdentityID string
	SessionID  string
}

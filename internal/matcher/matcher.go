// Package matcher turns a captured frame into identity matches.
package matcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kozaktomas/facetrack/internal/attendance"
	"github.com/kozaktomas/facetrack/internal/constants"
	"github.com/kozaktomas/facetrack/internal/embedder"
	"github.com/kozaktomas/facetrack/internal/registry"
)

// DefaultMaxDistance is the largest distance accepted as the same person.
const DefaultMaxDistance = constants.MaxFaceDistance

// Encoder detects faces in an encoded frame and embeds each of them.
type Encoder interface {
	EncodeFaces(ctx context.Context, imageData []byte) ([]embedder.Face, error)
}

// Verifier is implemented by encoders that give their own same/different
// verdict for a distance at a tolerance. The embedding server returns no
// verdict, so embedder.Client does not implement it and the verdict falls
// back to distance <= tolerance.
type Verifier interface {
	SamePerson(distance, tolerance float64) bool
}

// Index finds the enrolled identity closest to an embedding.
type Index interface {
	Nearest(embedding []float32) (registry.Match, bool)
}

// Result is one accepted match in a frame.
type Result struct {
	IdentityID  string
	DisplayName string
	Distance    float64
}

// Confidence is 1 - distance.
func (r Result) Confidence() float64 {
	return 1 - r.Distance
}

// Matcher matches faces against the registry.
type Matcher struct {
	encoder   Encoder
	index     Index
	threshold float64
}

// New creates a matcher. A non-positive threshold selects DefaultMaxDistance.
func New(encoder Encoder, index Index, threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultMaxDistance
	}
	return &Matcher{encoder: encoder, index: index, threshold: threshold}
}

// Match returns at most one result per identity, sorted by identity id. For
// each face the closest identity is accepted only when the verdict agrees and
// the distance is below the threshold.
func (m *Matcher) Match(ctx context.Context, frame []byte) ([]Result, error) {
	faces, err := m.encoder.EncodeFaces(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}

	best := make(map[string]Result)
	for _, face := range faces {
		match, ok := m.index.Nearest(face.Embedding)
		if !ok {
			continue
		}
		if !m.samePerson(match.Distance) || match.Distance >= m.threshold {
			continue
		}
		id := match.Identity.ID
		if prev, seen := best[id]; seen && prev.Distance <= match.Distance {
			continue
		}
		best[id] = Result{
			IdentityID:  id,
			DisplayName: match.Identity.DisplayName,
			Distance:    match.Distance,
		}
	}

	results := make([]Result, 0, len(best))
	for _, r := range best {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].IdentityID < results[j].IdentityID })
	return results, nil
}

// samePerson defers to the encoder's verdict when it has one. The default
// mirrors a tolerance comparison: distance <= threshold.
func (m *Matcher) samePerson(distance float64) bool {
	if v, ok := m.encoder.(Verifier); ok {
		return v.SamePerson(distance, m.threshold)
	}
	return distance <= m.threshold
}

// Sightings converts results into sightings observed at the given time.
func Sightings(results []Result, sessionID string, observedAt time.Time) []attendance.Sighting {
	sightings := make([]attendance.Sighting, len(results))
	for i, r := range results {
		sightings[i] = attendance.Sighting{
			IdentityID:  r.IdentityID,
			DisplayName: r.DisplayName,
			Confidence:  r.Confidence(),
			ObservedAt:  observedAt,
			SessionID:   sessionID,
		}
	}
	return sightings
}

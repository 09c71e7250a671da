package matcher

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/kozaktomas/facetrack/internal/attendance"
	"github.com/kozaktomas/facetrack/internal/embedder"
	"github.com/kozaktomas/facetrack/internal/registry"
)

type scriptedEncoder struct {
	faces []embedder.Face
	err   error
}

func (e *scriptedEncoder) EncodeFaces(context.Context, []byte) ([]embedder.Face, error) {
	return e.faces, e.err
}

type strictEncoder struct {
	scriptedEncoder
}

// SamePerson rejects anything farther than half the tolerance.
func (e *strictEncoder) SamePerson(distance, tolerance float64) bool {
	return distance <= tolerance/2
}

func face(v ...float32) embedder.Face {
	return embedder.Face{Embedding: v}
}

func testRegistry() *registry.Registry {
	reg := registry.New(registry.Options{})
	reg.Set([]attendance.Identity{
		{ID: "S1", DisplayName: "Ada", Embedding: []float32{0, 0}},
		{ID: "S2", DisplayName: "Alan", Embedding: []float32{1, 0}},
	})
	return reg
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name  string
		faces []embedder.Face
		want  map[string]float64 // identity -> distance
	}{
		{"no faces", nil, map[string]float64{}},
		{"single match", []embedder.Face{face(0.1, 0)}, map[string]float64{"S1": 0.1}},
		{"above threshold", []embedder.Face{face(0, 0.7)}, map[string]float64{}},
		{"exactly threshold rejected", []embedder.Face{face(0, 0.6)}, map[string]float64{}},
		{"two identities", []embedder.Face{face(0.2, 0), face(0.9, 0)}, map[string]float64{"S1": 0.2, "S2": 0.1}},
		{"same identity twice keeps best", []embedder.Face{face(0.3, 0), face(0.1, 0)}, map[string]float64{"S1": 0.1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(&scriptedEncoder{faces: tt.faces}, testRegistry(), 0.6)
			results, err := m.Match(context.Background(), []byte("frame"))
			if err != nil {
				t.Fatalf("Match failed: %v", err)
			}
			if len(results) != len(tt.want) {
				t.Fatalf("expected %d results, got %+v", len(tt.want), results)
			}
			for _, r := range results {
				want, ok := tt.want[r.IdentityID]
				if !ok {
					t.Errorf("unexpected identity %s", r.IdentityID)
					continue
				}
				if math.Abs(r.Distance-want) > 1e-6 {
					t.Errorf("%s: expected distance %v, got %v", r.IdentityID, want, r.Distance)
				}
				if math.Abs(r.Confidence()-(1-want)) > 1e-6 {
					t.Errorf("%s: expected confidence %v, got %v", r.IdentityID, 1-want, r.Confidence())
				}
			}
		})
	}
}

func TestMatch_VerifierMustAgree(t *testing.T) {
	enc := &strictEncoder{scriptedEncoder{faces: []embedder.Face{face(0.4, 0)}}}
	results, err := New(enc, testRegistry(), 0.6).Match(context.Background(), nil)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("verifier rejected the face, expected no results, got %+v", results)
	}
}

func TestMatch_EmbeddingServerHasNoVerdict(t *testing.T) {
	var enc Encoder = embedder.NewClient("http://embedder.invalid", time.Second)
	if _, ok := enc.(Verifier); ok {
		t.Fatal("embedder.Client unexpectedly gives its own verdict")
	}

	m := New(&scriptedEncoder{}, testRegistry(), 0.6)
	if !m.samePerson(0.6) || m.samePerson(0.61) {
		t.Error("default verdict should be distance <= tolerance")
	}
}

func TestMatch_EmptyRegistry(t *testing.T) {
	enc := &scriptedEncoder{faces: []embedder.Face{face(0, 0), face(1, 0)}}
	results, err := New(enc, registry.New(registry.Options{}), 0.6).Match(context.Background(), nil)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results with zero identities, got %+v", results)
	}
}

func TestMatch_EncoderError(t *testing.T) {
	enc := &scriptedEncoder{err: errors.New("embedding server down")}
	if _, err := New(enc, testRegistry(), 0.6).Match(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestSightings(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	got := Sightings([]Result{{IdentityID: "S1", DisplayName: "Ada", Distance: 0.25}}, "session_1", now)
	if len(got) != 1 {
		t.Fatalf("expected 1 sighting, got %d", len(got))
	}
	s := got[0]
	if s.IdentityID != "S1" || s.SessionID != "session_1" || !s.ObservedAt.Equal(now) || s.Confidence != 0.75 {
		t.Errorf("unexpected sighting %+v", s)
	}
}

func TestSampler(t *testing.T) {
	s := NewSampler(30)
	var passed []int
	for i := 1; i <= 95; i++ {
		if s.Next() {
			passed = append(passed, i)
		}
	}
	if len(passed) != 3 || passed[0] != 30 || passed[1] != 60 || passed[2] != 90 {
		t.Errorf("expected frames 30, 60, 90, got %v", passed)
	}
	if s.Count() != 95 {
		t.Errorf("expected count 95, got %d", s.Count())
	}

	all := NewSampler(0)
	if !all.Next() || !all.Next() {
		t.Error("sampler with every<1 should pass all frames")
	}
}

package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/kozaktomas/facetrack/internal/attendance"
	"github.com/kozaktomas/facetrack/internal/embedder"
	"github.com/kozaktomas/facetrack/internal/logger"
	"github.com/kozaktomas/facetrack/internal/remote"
)

func init() {
	logger.SetOutput(io.Discard, slog.LevelError)
}

// fakeEncoder maps image bytes to a fixed embedding. Unknown images have no face.
type fakeEncoder struct {
	faces map[string][]float32
	err   error
	calls atomic.Int32
}

func (f *fakeEncoder) EncodeFaces(_ context.Context, data []byte) ([]embedder.Face, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	emb, ok := f.faces[string(data)]
	if !ok {
		return nil, nil
	}
	return []embedder.Face{{Embedding: emb}}, nil
}

type fakeRoster struct {
	students []remote.Student
	images   map[string][]byte
	err      error
}

func (f *fakeRoster) FetchRoster(context.Context) ([]remote.Student, error) {
	return f.students, f.err
}

func (f *fakeRoster) DownloadImage(_ context.Context, url string) ([]byte, error) {
	data, ok := f.images[url]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func writeImage(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func TestParseFilename(t *testing.T) {
	tests := []struct {
		name     string
		wantID   string
		wantName string
	}{
		{"2500032073_Nitin_Singh.jpg", "2500032073", "Nitin Singh"},
		{"S1_Ada.png", "S1", "Ada"},
		{"solo.jpeg", "solo", "solo"},
		{"/faces/7_Mary_Ann_Evans.BMP", "7", "Mary Ann Evans"},
		{"CS%5F2021%5F07_Jiří_Novák.jpg", "CS_2021_07", "Jiří Novák"},
		{"50%_Odd.jpg", "50%", "Odd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, name := ParseFilename(tt.name)
			if id != tt.wantID || name != tt.wantName {
				t.Errorf("ParseFilename(%q) = (%q, %q), want (%q, %q)", tt.name, id, name, tt.wantID, tt.wantName)
			}
		})
	}
}

func TestFilename(t *testing.T) {
	tests := []struct {
		id, name string
		expected string
	}{
		{"2500032073", "Nitin Singh", "2500032073_Nitin_Singh.jpg"},
		{"12", "Jiří Novák", "12_Jiří_Novák.jpg"},
		{"CS_2021_07", "Ann Lee", "CS%5F2021%5F07_Ann_Lee.jpg"},
		{"../x", "a/b", "..%2Fx_a_b.jpg"},
	}
	for _, tt := range tests {
		if got := Filename(tt.id, tt.name); got != tt.expected {
			t.Errorf("Filename(%q, %q) = %q, want %q", tt.id, tt.name, got, tt.expected)
		}
	}

	for _, tt := range []struct{ id, name string }{
		{"2500032073", "Nitin Singh"},
		{"CS_2021_07", "Jiří Novák"},
		{"A/B\\C", "Mary Ann Evans"},
		{"100%", "Ada"},
	} {
		id, name := ParseFilename(Filename(tt.id, tt.name))
		if id != tt.id || name != tt.name {
			t.Errorf("round trip of (%q, %q) gave (%q, %q)", tt.id, tt.name, id, name)
		}
	}
}

func TestIsReferenceImage(t *testing.T) {
	for name, want := range map[string]bool{
		"a.jpg": true, "a.JPEG": true, "a.png": true, "a.bmp": true,
		"a.gif": false, SnapshotFile: false, "notes.txt": false,
	} {
		if got := IsReferenceImage(name); got != want {
			t.Errorf("IsReferenceImage(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestDistances(t *testing.T) {
	a := []float32{0, 0}
	b := []float32{3, 4}
	if d := EuclideanDistance(a, b); d != 5 {
		t.Errorf("expected euclidean 5, got %v", d)
	}
	if d := EuclideanDistance(a, []float32{1}); !math.IsInf(d, 1) {
		t.Errorf("expected +Inf for mismatched length, got %v", d)
	}
	if d := CosineDistance([]float32{1, 0}, []float32{1, 0}); math.Abs(d) > 1e-9 {
		t.Errorf("expected cosine 0 for identical, got %v", d)
	}
	if d := CosineDistance([]float32{1, 0}, []float32{-1, 0}); math.Abs(d-2) > 1e-9 {
		t.Errorf("expected cosine 2 for opposite, got %v", d)
	}
	if d := CosineDistance(a, b); d != 2 {
		t.Errorf("expected 2 for zero vector, got %v", d)
	}
}

func TestLoad_BuildsAndCachesSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "S1_Ada_Lovelace.jpg", "ada")
	writeImage(t, dir, "S2_Alan_Turing.jpg", "alan")
	writeImage(t, dir, "S3_Nobody.jpg", "blank")
	writeImage(t, dir, "readme.txt", "ignored")

	enc := &fakeEncoder{faces: map[string][]float32{
		"ada":  {0.1, 0.2},
		"alan": {0.9, 0.8},
	}}

	reg := New(Options{Dir: dir, Encoder: enc})
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 identities, got %d", reg.Len())
	}
	ids := reg.Identities()
	if ids[0].ID != "S1" || ids[0].DisplayName != "Ada Lovelace" {
		t.Errorf("unexpected first identity %+v", ids[0])
	}
	if _, err := os.Stat(filepath.Join(dir, SnapshotFile)); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}

	// Second load takes the fast path without encoding anything.
	enc2 := &fakeEncoder{err: errors.New("encoder must not be called")}
	reg2 := New(Options{Dir: dir, Encoder: enc2})
	if err := reg2.Load(context.Background()); err != nil {
		t.Fatalf("Load from snapshot failed: %v", err)
	}
	if enc2.calls.Load() != 0 {
		t.Errorf("expected no encoder calls, got %d", enc2.calls.Load())
	}
	if reg2.Len() != 2 {
		t.Errorf("expected 2 identities from snapshot, got %d", reg2.Len())
	}
	if got := reg2.Identities()[1].Embedding; len(got) != 2 || got[0] != 0.9 {
		t.Errorf("embedding not restored from snapshot: %v", got)
	}
}

func TestLoad_StaleSnapshotIsRebuilt(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "S1_Ada.jpg", "ada")
	enc := &fakeEncoder{faces: map[string][]float32{"ada": {1, 0}, "alan": {0, 1}}}

	if err := New(Options{Dir: dir, Encoder: enc}).Load(context.Background()); err != nil {
		t.Fatalf("first Load failed: %v", err)
	}

	writeImage(t, dir, "S2_Alan.jpg", "alan")
	enc.calls.Store(0)

	reg := New(Options{Dir: dir, Encoder: enc})
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if reg.Len() != 2 {
		t.Errorf("expected rebuilt registry with 2 identities, got %d", reg.Len())
	}
	if enc.calls.Load() != 2 {
		t.Errorf("expected both images re-encoded, got %d calls", enc.calls.Load())
	}
}

func TestLoad_StaleSnapshotUsedWhenEncoderDown(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "S1_Ada.jpg", "ada")
	enc := &fakeEncoder{faces: map[string][]float32{"ada": {1, 0}}}
	if err := New(Options{Dir: dir, Encoder: enc}).Load(context.Background()); err != nil {
		t.Fatalf("first Load failed: %v", err)
	}

	writeImage(t, dir, "S2_Alan.jpg", "alan")
	reg := New(Options{Dir: dir, Encoder: &fakeEncoder{err: errors.New("connection refused")}})
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("expected stale snapshot fallback, got %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 identity from stale snapshot, got %d", reg.Len())
	}
}

func TestLoad_PullsRosterWhenEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "known_faces")
	roster := &fakeRoster{
		students: []remote.Student{
			{IDNumber: "2500032073", Name: "Nitin Singh", FaceImageURL: "http://x/1.jpg"},
			{IDNumber: "2500032074", Name: "Broken Link", FaceImageURL: "http://x/missing.jpg"},
			{IDNumber: "2500032075", Name: "No Photo"},
		},
		images: map[string][]byte{"http://x/1.jpg": []byte("nitin")},
	}
	enc := &fakeEncoder{faces: map[string][]float32{"nitin": {0.5, 0.5}}}

	reg := New(Options{Dir: dir, Encoder: enc, Roster: roster})
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reg.Len() != 1 || reg.Identities()[0].ID != "2500032073" {
		t.Fatalf("unexpected identities %+v", reg.Identities())
	}
	if _, err := os.Stat(filepath.Join(dir, "2500032073_Nitin_Singh.jpg")); err != nil {
		t.Errorf("downloaded image not stored: %v", err)
	}

	// The stored image and refreshed snapshot make the next start offline.
	reg2 := New(Options{Dir: dir, Encoder: &fakeEncoder{err: errors.New("offline")}})
	if err := reg2.Load(context.Background()); err != nil {
		t.Fatalf("offline Load failed: %v", err)
	}
	if reg2.Len() != 1 {
		t.Errorf("expected snapshot with 1 identity, got %d", reg2.Len())
	}
}

func TestLoad_RosterIdentityStableAcrossRebuild(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "known_faces")
	roster := &fakeRoster{
		students: []remote.Student{
			{IDNumber: "CS_2021_07", Name: "Jiří Novák", FaceImageURL: "http://x/jiri.jpg"},
		},
		images: map[string][]byte{"http://x/jiri.jpg": []byte("jiri")},
	}
	enc := &fakeEncoder{faces: map[string][]float32{"jiri": {0.3, 0.7}}}

	pulled := New(Options{Dir: dir, Encoder: enc, Roster: roster})
	if err := pulled.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if pulled.Len() != 1 {
		t.Fatalf("expected 1 identity, got %d", pulled.Len())
	}
	before := pulled.Identities()[0]
	if before.ID != "CS_2021_07" || before.DisplayName != "Jiří Novák" {
		t.Errorf("unexpected roster identity (%q, %q)", before.ID, before.DisplayName)
	}

	rebuilt := New(Options{Dir: dir, Encoder: enc})
	if err := rebuilt.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if rebuilt.Len() != 1 {
		t.Fatalf("expected 1 identity after rebuild, got %d", rebuilt.Len())
	}
	after := rebuilt.Identities()[0]
	if after.ID != before.ID || after.DisplayName != before.DisplayName {
		t.Errorf("identity changed across rebuild: (%q, %q) -> (%q, %q)",
			before.ID, before.DisplayName, after.ID, after.DisplayName)
	}
}

func TestLoad_NothingAvailable(t *testing.T) {
	reg := New(Options{
		Dir:     t.TempDir(),
		Encoder: &fakeEncoder{},
		Roster:  &fakeRoster{err: errors.New("unreachable")},
	})

	err := reg.Load(context.Background())
	if !errors.Is(err, attendance.ErrRegistryUnavailable) {
		t.Fatalf("expected ErrRegistryUnavailable, got %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
	if _, ok := reg.Nearest([]float32{1, 2}); ok {
		t.Error("empty registry must not match")
	}
}

func TestRebuild(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "S1_Ada.jpg", "ada")
	writeImage(t, dir, "S2_Alan.jpg", "alan")

	var progress []int
	reg := New(Options{
		Dir:         dir,
		Encoder:     &fakeEncoder{faces: map[string][]float32{"ada": {1, 0}, "alan": {0, 1}}},
		Concurrency: 1,
		Progress:    func(done, total int) { progress = append(progress, done) },
	})
	if err := reg.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if reg.Len() != 2 {
		t.Errorf("expected 2 identities, got %d", reg.Len())
	}
	if len(progress) != 2 || progress[1] != 2 {
		t.Errorf("unexpected progress calls %v", progress)
	}

	if err := New(Options{Dir: dir}).Rebuild(context.Background()); err == nil {
		t.Error("expected error without encoder")
	}
}

func TestNearest_Linear(t *testing.T) {
	reg := New(Options{})
	reg.Set([]attendance.Identity{
		{ID: "a", Embedding: []float32{0, 0}},
		{ID: "b", Embedding: []float32{1, 1}},
		{ID: "c", Embedding: []float32{5, 5}},
	})

	m, ok := reg.Nearest([]float32{0.9, 1.2})
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Identity.ID != "b" {
		t.Errorf("expected b, got %s", m.Identity.ID)
	}
	want := math.Sqrt(0.01 + 0.04)
	if math.Abs(m.Distance-want) > 1e-6 {
		t.Errorf("expected distance %v, got %v", want, m.Distance)
	}
}

func TestNearest_IndexAgreesWithLinearScan(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	identities := make([]attendance.Identity, 300)
	for i := range identities {
		emb := make([]float32, 16)
		for j := range emb {
			emb[j] = rng.Float32()
		}
		identities[i] = attendance.Identity{ID: string(rune('A'+i%26)) + string(rune('0'+i%10)), Embedding: emb}
	}

	indexed := New(Options{HNSWMinSize: 100})
	indexed.Set(identities)
	if indexed.index == nil {
		t.Fatal("expected HNSW index for large roster")
	}
	linear := New(Options{})
	linear.Set(identities)

	// Queries that sit right on top of an enrolled embedding must resolve to it.
	for _, i := range []int{0, 57, 123, 299} {
		query := append([]float32(nil), identities[i].Embedding...)
		query[0] += 0.001

		got, _ := indexed.Nearest(query)
		want, _ := linear.Nearest(query)
		if got.Distance != want.Distance {
			t.Errorf("query %d: index distance %v, linear %v", i, got.Distance, want.Distance)
		}
	}
}

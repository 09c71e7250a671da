// Package registry holds the enrolled identities and answers nearest-match
// queries against their reference embeddings.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kozaktomas/facetrack/internal/attendance"
	"github.com/kozaktomas/facetrack/internal/config"
	"github.com/kozaktomas/facetrack/internal/constants"
	"github.com/kozaktomas/facetrack/internal/embedder"
	"github.com/kozaktomas/facetrack/internal/logger"
	"github.com/kozaktomas/facetrack/internal/remote"
)

// Encoder computes face embeddings for an encoded image.
type Encoder interface {
	EncodeFaces(ctx context.Context, imageData []byte) ([]embedder.Face, error)
}

// RosterSource lists enrolled students and serves their reference photos.
type RosterSource interface {
	FetchRoster(ctx context.Context) ([]remote.Student, error)
	DownloadImage(ctx context.Context, url string) ([]byte, error)
}

// Options configures a Registry.
type Options struct {
	Dir         string
	Metric      string
	HNSWMinSize int // 0 disables the index
	Concurrency int

	Encoder Encoder      // nil: snapshot only
	Roster  RosterSource // nil: no remote pull

	// Progress is called after each reference image is processed.
	Progress func(done, total int)
}

// Match is the closest identity to a query embedding.
type Match struct {
	Identity attendance.Identity
	Distance float64
}

// Registry is safe for concurrent use. Identities are replaced as a whole by
// Load and Rebuild and never mutated afterwards.
type Registry struct {
	opts     Options
	distance DistanceFunc

	mu         sync.RWMutex
	identities []attendance.Identity
	index      *index
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Concurrency <= 0 {
		opts.Concurrency = constants.WorkerPoolSize
	}
	if opts.Metric == "" {
		opts.Metric = config.MetricEuclidean
	}
	return &Registry{
		opts:     opts,
		distance: Distance(opts.Metric),
	}
}

// Load fills the registry. A snapshot whose fingerprint matches the reference
// images is used as is; otherwise the images are encoded and the snapshot is
// refreshed. With no local reference data the remote roster is pulled. If
// nothing could be loaded the registry stays empty and the returned error
// wraps attendance.ErrRegistryUnavailable.
func (r *Registry) Load(ctx context.Context) error {
	files, err := listImages(r.opts.Dir)
	if err != nil {
		return fmt.Errorf("%w: %w", attendance.ErrRegistryUnavailable, err)
	}
	digest := fingerprint(files)

	snap, snapErr := readSnapshot(r.snapshotPath())
	if snapErr == nil && len(snap.Identities) > 0 && bytes.Equal(snap.Fingerprint, digest) {
		r.Set(snap.Identities)
		logger.Info("loaded identities from snapshot", "count", len(snap.Identities))
		return nil
	}
	if snapErr != nil && !errors.Is(snapErr, os.ErrNotExist) {
		logger.Warn("ignoring registry snapshot", "err", snapErr)
	}

	var identities []attendance.Identity
	if len(files) > 0 && r.opts.Encoder != nil {
		identities = r.encodeFiles(ctx, files)
	}

	if len(identities) == 0 && len(files) == 0 && r.opts.Roster != nil {
		identities, err = r.pullRoster(ctx)
		if err != nil {
			logger.Warn("could not pull roster", "err", err)
		}
		if files, err = listImages(r.opts.Dir); err == nil {
			digest = fingerprint(files)
		}
	}

	if len(identities) == 0 && snap != nil && len(snap.Identities) > 0 {
		// Encoding failed entirely; a stale snapshot beats an empty registry.
		logger.Warn("using stale registry snapshot", "count", len(snap.Identities))
		r.Set(snap.Identities)
		return nil
	}

	r.Set(identities)
	if len(identities) == 0 {
		return fmt.Errorf("%w: no reference faces in %s", attendance.ErrRegistryUnavailable, r.opts.Dir)
	}

	if err := r.save(digest); err != nil {
		logger.Warn("could not write registry snapshot", "err", err)
	}
	logger.Info("loaded identities from reference images", "count", len(identities))
	return nil
}

// Rebuild encodes every reference image regardless of the snapshot and
// rewrites it.
func (r *Registry) Rebuild(ctx context.Context) error {
	if r.opts.Encoder == nil {
		return errors.New("rebuild requires a face encoder")
	}
	files, err := listImages(r.opts.Dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: no reference images in %s", attendance.ErrRegistryUnavailable, r.opts.Dir)
	}

	identities := r.encodeFiles(ctx, files)
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(identities) == 0 {
		return fmt.Errorf("%w: no faces found in %d images", attendance.ErrRegistryUnavailable, len(files))
	}

	r.Set(identities)
	return r.save(fingerprint(files))
}

// Set replaces the identities and rebuilds the search index.
func (r *Registry) Set(identities []attendance.Identity) {
	var idx *index
	if r.opts.HNSWMinSize > 0 && len(identities) >= r.opts.HNSWMinSize {
		embeddings := make([][]float32, len(identities))
		for i := range identities {
			embeddings[i] = identities[i].Embedding
		}
		idx = buildIndex(embeddings, r.opts.Metric)
	}

	r.mu.Lock()
	r.identities = identities
	r.index = idx
	r.mu.Unlock()
}

// Identities returns the loaded identities.
func (r *Registry) Identities() []attendance.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identities
}

// Len returns the number of loaded identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

// Nearest returns the identity closest to the embedding. It reports false
// when the registry is empty.
func (r *Registry) Nearest(embedding []float32) (Match, bool) {
	r.mu.RLock()
	identities, idx := r.identities, r.index
	r.mu.RUnlock()

	if len(identities) == 0 {
		return Match{}, false
	}

	best := -1
	bestDist := 0.0
	consider := func(i int) {
		d := r.distance(embedding, identities[i].Embedding)
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}

	var keys []int
	if idx != nil {
		keys = idx.candidates(embedding)
	}
	if len(keys) > 0 {
		for _, k := range keys {
			consider(k)
		}
	} else {
		for i := range identities {
			consider(i)
		}
	}

	return Match{Identity: identities[best], Distance: bestDist}, true
}

func (r *Registry) snapshotPath() string {
	return filepath.Join(r.opts.Dir, SnapshotFile)
}

func (r *Registry) save(digest []byte) error {
	if err := os.MkdirAll(r.opts.Dir, 0750); err != nil {
		return fmt.Errorf("creating faces directory: %w", err)
	}
	return writeSnapshot(r.snapshotPath(), &snapshot{
		Fingerprint: digest,
		BuiltAt:     time.Now().Unix(),
		Identities:  r.Identities(),
	})
}

// encodeFiles encodes reference images concurrently. The result keeps the
// listing order; images without a face are skipped.
func (r *Registry) encodeFiles(ctx context.Context, files []imageFile) []attendance.Identity {
	results := make([]*attendance.Identity, len(files))
	sem := make(chan struct{}, r.opts.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0

	for i, f := range files {
		wg.Add(1)
		go func(i int, f imageFile) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() == nil {
				results[i] = r.encodeFile(ctx, f)
			}

			mu.Lock()
			done++
			if r.opts.Progress != nil {
				r.opts.Progress(done, len(files))
			}
			mu.Unlock()
		}(i, f)
	}
	wg.Wait()

	var identities []attendance.Identity
	for _, id := range results {
		if id != nil {
			identities = append(identities, *id)
		}
	}
	return identities
}

func (r *Registry) encodeFile(ctx context.Context, f imageFile) *attendance.Identity {
	data, err := os.ReadFile(f.Path) //nolint:gosec // path is from the faces directory listing
	if err != nil {
		logger.Error("failed to read reference image", "file", f.Name, "err", err)
		return nil
	}
	id, name := ParseFilename(f.Name)
	return r.encodeImage(ctx, id, name, data)
}

func (r *Registry) encodeImage(ctx context.Context, id, name string, data []byte) *attendance.Identity {
	faces, err := r.opts.Encoder.EncodeFaces(ctx, data)
	if err != nil {
		logger.Error("failed to encode reference image", "identity", id, "err", err)
		return nil
	}
	if len(faces) == 0 {
		logger.Warn("no face found in reference image", "identity", id)
		return nil
	}
	logger.Debug("loaded face", "identity", id, "name", name)
	return &attendance.Identity{ID: id, DisplayName: name, Embedding: faces[0].Embedding}
}


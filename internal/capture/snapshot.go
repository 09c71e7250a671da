package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// SnapshotSource polls an HTTP endpoint that returns a single JPEG per request,
// as IP cameras commonly expose.
type SnapshotSource struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu     sync.Mutex
	open   bool
	lastAt time.Time
}

// NewSnapshotSource creates a source paced at fps requests per second.
func NewSnapshotSource(url string, fps int, timeout time.Duration) *SnapshotSource {
	interval := time.Duration(0)
	if fps > 0 {
		interval = time.Second / time.Duration(fps)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SnapshotSource{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
	}
}

// Open verifies the endpoint answers with an image.
func (s *SnapshotSource) Open(ctx context.Context) error {
	if _, err := s.fetch(ctx); err != nil {
		return fmt.Errorf("probing snapshot endpoint: %w", err)
	}
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	return nil
}

// Read waits for the next pacing slot and fetches a snapshot.
func (s *SnapshotSource) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	wait := time.Until(s.lastAt.Add(s.interval))
	s.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	frame, err := s.fetch(ctx)
	s.mu.Lock()
	s.lastAt = time.Now()
	s.mu.Unlock()
	return frame, err
}

func (s *SnapshotSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot failed with status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
	if err != nil {
		return nil, fmt.Errorf("could not read snapshot: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty snapshot")
	}
	return body, nil
}

// Close marks the source closed.
func (s *SnapshotSource) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

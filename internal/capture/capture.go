// Package capture provides frame sources for the recognition loop. Every
// source yields JPEG-encoded frames.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/facetrack/internal/config"
)

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("frame source closed")

// Source is a camera-like device. Open must succeed before Read is called;
// Read blocks until a frame arrives, the read timeout elapses or ctx is done.
type Source interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// New selects a source from the camera configuration: an HTTP snapshot
// endpoint when SnapshotURL is set, ffmpeg otherwise.
func New(cfg *config.CameraConfig) (Source, error) {
	if cfg.SnapshotURL != "" {
		return NewSnapshotSource(cfg.SnapshotURL, cfg.FPS, cfg.ReadTimeout), nil
	}
	src, err := NewFFmpegSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating ffmpeg source: %w", err)
	}
	return src, nil
}

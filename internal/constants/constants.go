// Package constants provides shared constants used across the codebase.
package constants

import "time"

// Recognition constants
const (
	// MaxFaceDistance is the largest embedding distance accepted as the same person.
	MaxFaceDistance = 0.6

	// FrameSkip is how many captured frames pass per matched frame.
	FrameSkip = 30

	// RequiredDetections is the number of sightings inside the window that
	// confirm an identity.
	RequiredDetections = 3

	// DetectionWindow is the trailing interval sightings are counted over.
	DetectionWindow = 30 * time.Minute

	// ScanInterval is the period of the processing loop.
	ScanInterval = 10 * time.Minute

	// BufferCapacity is the number of recent sightings kept per identity.
	BufferCapacity = 10

	// MatchDelay is the pause after each matched frame.
	MatchDelay = 100 * time.Millisecond
)

// Camera constants
const (
	// FrameScale is the downscale factor applied before face encoding.
	FrameScale = 0.25

	// ReadRetryDelay is the pause after a failed frame read.
	ReadRetryDelay = time.Second

	// MaxReadFailures is the number of consecutive read failures after which
	// the camera is declared unavailable.
	MaxReadFailures = 10
)

// Processing constants
const (
	// WorkerPoolSize is the default number of parallel reference image encodings.
	WorkerPoolSize = 4

	// HNSWMinSize is the roster size from which the HNSW index is used.
	HNSWMinSize = 256

	// MaxImageSize bounds downloaded reference images, in bytes.
	MaxImageSize = 20 << 20
)

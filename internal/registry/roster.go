package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kozaktomas/facetrack/internal/attendance"
	"github.com/kozaktomas/facetrack/internal/logger"
)

// pullRoster downloads reference photos for every student the remote lists,
// stores them in the faces directory and encodes them. Individual failures are
// logged and skipped.
func (r *Registry) pullRoster(ctx context.Context) ([]attendance.Identity, error) {
	if r.opts.Encoder == nil {
		return nil, fmt.Errorf("roster pull requires a face encoder")
	}
	students, err := r.opts.Roster.FetchRoster(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching roster: %w", err)
	}
	if err := os.MkdirAll(r.opts.Dir, 0750); err != nil {
		return nil, fmt.Errorf("creating faces directory: %w", err)
	}

	var identities []attendance.Identity
	for i, s := range students {
		if ctx.Err() != nil {
			return identities, ctx.Err()
		}
		if s.FaceImageURL == "" {
			continue
		}
		id := s.IDNumber.String()
		if id == "" {
			id = "unknown"
		}

		data, err := r.opts.Roster.DownloadImage(ctx, s.FaceImageURL)
		if err != nil {
			logger.Error("failed to download face", "identity", id, "err", err)
			continue
		}
		name := Filename(id, s.Name)
		if err := os.WriteFile(filepath.Join(r.opts.Dir, name), data, 0600); err != nil {
			logger.Error("failed to store face", "identity", id, "err", err)
			continue
		}

		// Identify the student the way a later rebuild of the stored file will.
		fileID, displayName := ParseFilename(name)
		if identity := r.encodeImage(ctx, fileID, displayName, data); identity != nil {
			identities = append(identities, *identity)
			logger.Info("downloaded and processed face", "identity", fileID, "name", displayName)
		}
		if r.opts.Progress != nil {
			r.opts.Progress(i+1, len(students))
		}
	}
	return identities, nil
}

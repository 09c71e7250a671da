package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/kozaktomas/facetrack/internal/attendance"
)

// SnapshotFile is the cached registry, stored inside the faces directory.
const SnapshotFile = "face_encodings.cbor"

const snapshotVersion = 1

// listingKey separates listing fingerprints from any other BLAKE3 use.
var listingKey = [32]byte{
	'f', 'a', 'c', 'e', 't', 'r', 'a', 'c', 'k', '.', 'r', 'e', 'g', 'i', 's', 't',
	'r', 'y', '.', 'l', 'i', 's', 't', 'i', 'n', 'g', 0, 0, 0, 0, 0, 0,
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("registry: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("registry: CBOR decoder initialization failed: " + err.Error())
	}
}

type snapshot struct {
	Version     int                   `cbor:"1,keyasint"`
	Fingerprint []byte                `cbor:"2,keyasint"`
	BuiltAt     int64                 `cbor:"3,keyasint"`
	Identities  []attendance.Identity `cbor:"4,keyasint"`
}

// imageFile is one entry of the reference image listing.
type imageFile struct {
	Name    string
	Path    string
	Size    int64
	ModTime int64
}

// listImages returns the reference images in dir sorted by name. A missing
// directory is an empty listing.
func listImages(dir string) ([]imageFile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading faces directory: %w", err)
	}

	var files []imageFile
	for _, e := range entries {
		if e.IsDir() || !IsReferenceImage(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, imageFile{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// fingerprint hashes the listing so a snapshot can tell whether images were
// added, removed or replaced since it was built.
func fingerprint(files []imageFile) []byte {
	h, err := blake3.NewKeyed(listingKey[:])
	if err != nil {
		panic("registry: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, f := range files {
		h.WriteString(f.Name)
		h.WriteString("\x00")
		h.WriteString(strconv.FormatInt(f.Size, 10))
		h.WriteString("\x00")
		h.WriteString(strconv.FormatInt(f.ModTime, 10))
		h.WriteString("\n")
	}
	return h.Sum(nil)
}

func readSnapshot(path string) (*snapshot, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	var s snapshot
	if err := decMode.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	return &s, nil
}

// writeSnapshot replaces the snapshot atomically.
func writeSnapshot(path string, s *snapshot) error {
	s.Version = snapshotVersion
	data, err := encMode.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

package registry

import (
	"net/url"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
}

// idEscaper percent-encodes the characters that cannot appear verbatim in the
// id segment of a reference image name.
var idEscaper = strings.NewReplacer("%", "%25", "_", "%5F", "/", "%2F", "\\", "%5C")

// IsReferenceImage reports whether the file name has a supported image extension.
func IsReferenceImage(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// ParseFilename extracts the identity from a reference image name of the form
// "<id>_<Name_Parts>.jpg". A name without an underscore uses the stem for both.
// Percent-encoded ids written by Filename are decoded.
func ParseFilename(name string) (id, displayName string) {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	stem = norm.NFC.String(stem)

	parts := strings.Split(stem, "_")
	if len(parts) < 2 {
		return stem, stem
	}
	id = parts[0]
	if strings.Contains(id, "%") {
		if decoded, err := url.PathUnescape(id); err == nil {
			id = decoded
		}
	}
	return id, strings.Join(parts[1:], " ")
}

// Filename is the inverse of ParseFilename for the id. Whitespace and path
// separators in the display name become underscores, which ParseFilename
// reads back as spaces.
func Filename(id, displayName string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r), r == '/', r == '\\':
			return '_'
		case r < 0x20:
			return -1
		}
		return r
	}, norm.NFC.String(strings.TrimSpace(displayName)))
	return idEscaper.Replace(strings.TrimSpace(id)) + "_" + safe + ".jpg"
}

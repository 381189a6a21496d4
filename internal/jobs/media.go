package jobs

import (
	"path/filepath"
	"strings"

	"github.com/samber/lo"
)

var (
	audioExtensions = []string{".mp3", ".wav", ".ogg", ".flac", ".m4a", ".aac", ".wma"}
	videoExtensions = []string{".mp4", ".avi", ".mkv", ".mov", ".wmv", ".flv", ".webm"}
)

// SupportedExtensions returns every accepted media extension.
func SupportedExtensions() []string {
	return append(append([]string{}, audioExtensions...), videoExtensions...)
}

// IsSupportedMedia reports whether path has an accepted audio or video
// extension, ignoring case.
func IsSupportedMedia(path string) bool {
	return lo.Contains(SupportedExtensions(), strings.ToLower(filepath.Ext(path)))
}

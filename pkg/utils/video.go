package utils

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
	".m4v":  true,
	".mpg":  true,
	".mpeg": true,
	".ts":   true,
}

func IsVideoFile(name string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(name))]
}

// ListVideos returns the video files directly under dir, sorted by name.
// Hidden files are skipped.
func ListVideos(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !IsVideoFile(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Stem returns the base name without its extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// VisiblePath rewrites a host path so it resolves inside the ComfyUI
// container. Paths outside hostRoot, or an empty mapping, are returned
// unchanged.
func VisiblePath(hostRoot, visibleRoot, path string) string {
	if hostRoot == "" || visibleRoot == "" {
		return path
	}
	rel, err := filepath.Rel(filepath.Clean(hostRoot), filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(filepath.Join(visibleRoot, rel))
}

package scene

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/banshee-data/reis/internal/fsutil"
	"github.com/banshee-data/reis/internal/security"
)

// DefaultFormat is the scene file extension used when none is configured.
const DefaultFormat = ".csv"

// NormalizeFormat returns the extension named by format: the text after its
// last dot, with a leading dot. "ply", ".ply" and "scene.ply" all give ".ply".
// An empty format stays empty and matches every file.
func NormalizeFormat(format string) string {
	format = strings.TrimSpace(format)
	if format == "" {
		return ""
	}
	if i := strings.LastIndex(format, "."); i >= 0 {
		format = format[i+1:]
	}
	return "." + format
}

// Discover lists the regular files directly under folder that end in the
// extension named by format, sorted lexicographically. On the OS filesystem
// every match must resolve inside folder; a symlink escaping it is an error.
func Discover(fsys fsutil.FileSystem, folder, format string) ([]string, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	info, err := fsys.Stat(folder)
	if err != nil {
		return nil, fmt.Errorf("scenes folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scenes folder %s is not a directory", folder)
	}

	matches, err := fsys.Glob(filepath.Join(folder, "*"+NormalizeFormat(format)))
	if err != nil {
		return nil, fmt.Errorf("failed to list scenes: %w", err)
	}

	_, onDisk := fsys.(fsutil.OSFileSystem)
	paths := make([]string, 0, len(matches))
	for _, p := range matches {
		st, err := fsys.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("scene %s: %w", p, err)
		}
		if st.IsDir() {
			continue
		}
		if onDisk {
			if err := security.ValidatePathWithinDirectory(p, folder); err != nil {
				return nil, fmt.Errorf("scene %s: %w", p, err)
			}
		}
		paths = append(paths, p)
	}
	return paths, nil
}

package extraction

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Multi-part archives follow the 7-Zip volume convention: <base>.7z.001,
// <base>.7z.002, and so on. The first volume is the extraction entry point.
const (
	archiveExt      = ".7z"
	firstPartSuffix = ".7z.001"
)

// findFirstPart locates the first archive volume in dir.
func findFirstPart(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(entry.Name()), firstPartSuffix) {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), true
}

// partFiles lists every volume sharing the first part's base name.
func partFiles(firstPart string) []string {
	dir := filepath.Dir(firstPart)
	base := strings.TrimSuffix(filepath.Base(firstPart), ".001")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var parts []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		rest, ok := strings.CutPrefix(name, base+".")
		if !ok {
			continue
		}
		if len(rest) == 3 && isDigits(rest) {
			parts = append(parts, filepath.Join(dir, name))
		}
	}
	sort.Strings(parts)
	return parts
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// nestedArchives lists single-file archives at the top level of dir.
func nestedArchives(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var archives []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if strings.HasSuffix(name, archiveExt) && !strings.Contains(name, ".7z.") {
			archives = append(archives, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(archives)
	return archives
}

// singleTopLevelDir returns the lone directory entry of dir when that is all
// extraction produced.
func singleTopLevelDir(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		} else {
			return "", false
		}
	}
	if len(dirs) != 1 {
		return "", false
	}
	return filepath.Join(dir, dirs[0]), true
}

// flattenDir moves the children of src up into dst. Name collisions are
// skipped, reported through the onSkip callback, and the collided child is
// left in place. Returns whether src ended up empty and was removed.
func flattenDir(src, dst string, onSkip func(name string)) bool {
	entries, err := os.ReadDir(src)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		target := filepath.Join(dst, entry.Name())
		if _, err := os.Lstat(target); err == nil {
			if onSkip != nil {
				onSkip(entry.Name())
			}
			continue
		}
		if err := os.Rename(filepath.Join(src, entry.Name()), target); err != nil && onSkip != nil {
			onSkip(entry.Name())
		}
	}
	if remaining, err := os.ReadDir(src); err == nil && len(remaining) == 0 {
		_ = os.Remove(src)
		return true
	}
	return false
}

package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var inProgressSuffixes = []string{".part", ".crdownload", ".tmp"}

// ScanDir lists the regular files in dir, sorted by name.
func ScanDir(dir string) ([]DownloadEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan download dir: %w", err)
	}
	out := make([]DownloadEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Vanished between ReadDir and Info, e.g. a .part being renamed.
			continue
		}
		out = append(out, DownloadEntry{Name: e.Name(), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func inProgress(name string) bool {
	for _, suffix := range inProgressSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// stableFile returns the first finished file whose size matches the previous poll.
// prev is replaced with the sizes seen in this poll.
func stableFile(entries []DownloadEntry, prev map[string]int64) (string, bool) {
	found := ""
	for _, e := range entries {
		if inProgress(e.Name) || e.Size == 0 {
			continue
		}
		if size, ok := prev[e.Name]; ok && size == e.Size && found == "" {
			found = e.Name
		}
	}
	for k := range prev {
		delete(prev, k)
	}
	for _, e := range entries {
		prev[e.Name] = e.Size
	}
	return found, found != ""
}

// purgeDir removes every entry of dir but keeps dir itself.
func purgeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

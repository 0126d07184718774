package timezone

import (
	"archive/zip"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	// The zone database ships inside the binary so resolution does not depend on the host.
	_ "time/tzdata"
)

var zoneDirs = []string{
	"/usr/share/zoneinfo/",
	"/usr/share/lib/zoneinfo/",
	"/usr/lib/locale/TZ/",
}

var (
	zoneCache sync.Map // name -> *time.Location

	zonesOnce sync.Once
	zoneNames []string
)

// LoadZone returns the location for an IANA zone id. Results are cached process-wide.
func LoadZone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return nil, &UnknownTimezoneError{Zone: name}
	}
	if loc, ok := zoneCache.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &UnknownTimezoneError{Zone: name}
	}
	actual, _ := zoneCache.LoadOrStore(name, loc)
	return actual.(*time.Location), nil
}

// Zones lists the supported IANA zone ids in lexical order.
func Zones() []string {
	zonesOnce.Do(func() {
		zoneNames = listZones(zoneDirs)
	})

	out := make([]string, len(zoneNames))
	copy(out, zoneNames)
	return out
}

// listZones merges the host zone directories with the built-in list and keeps the
// names LoadZone accepts.
func listZones(dirs []string) []string {
	seen := map[string]struct{}{"UTC": {}}
	for _, name := range ianaZones {
		seen[name] = struct{}{}
	}
	for _, dir := range dirs {
		readZoneDir(dir, "", seen)
	}
	readZoneZip(filepath.Join(runtime.GOROOT(), "lib", "time", "zoneinfo.zip"), seen)

	names := make([]string, 0, len(seen))
	for name := range seen {
		if _, err := LoadZone(name); err == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func readZoneDir(root, path string, seen map[string]struct{}) {
	entries, err := os.ReadDir(filepath.Join(root, path))
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := filepath.Join(path, entry.Name())
		if !plausibleZoneName(name) {
			continue
		}
		if entry.IsDir() {
			readZoneDir(root, name, seen)
			continue
		}
		seen[name] = struct{}{}
	}
}

func readZoneZip(path string, seen map[string]struct{}) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return
	}
	defer r.Close()
	for _, f := range r.File {
		if plausibleZoneName(f.Name) && !strings.HasSuffix(f.Name, "/") {
			seen[f.Name] = struct{}{}
		}
	}
}

// plausibleZoneName filters out the non-zone files that zoneinfo directories carry
// (zone.tab, posixrules, leap second tables, the posix/ and right/ mirrors).
func plausibleZoneName(name string) bool {
	if strings.HasPrefix(name, "posix") || strings.HasPrefix(name, "right") || name == "Factory" {
		return false
	}
	first := []rune(name)[0]
	if !unicode.IsUpper(first) {
		return false
	}
	return !strings.Contains(filepath.Base(name), ".")
}

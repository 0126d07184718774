package timezone

import (
	"sort"
	"strings"
	"time"
)

var awareLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02T15:04Z0700",
	"2006-01-02 15:04Z0700",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// NaiveLayout is the layout naive wall-clock times are written in when they are
// handed back to the resolver.
const NaiveLayout = "2006-01-02T15:04:05"

// Range is a resolved start/end pair together with the spec derived for each end.
type Range struct {
	Start     time.Time
	End       time.Time
	StartSpec Spec
	EndSpec   Spec
}

// parse returns the instant for aware inputs, or the wall clock expressed in UTC for naive ones.
func parse(raw string) (time.Time, SpecKind, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return time.Time{}, 0, &InvalidTimestampError{Value: raw}
	}

	for _, layout := range awareLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if strings.HasSuffix(s, "Z") {
				return t.UTC(), UTCSuffix, nil
			}
			return t, Aware, nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, NaiveWithDefault, nil
		}
	}
	return time.Time{}, 0, &InvalidTimestampError{Value: raw}
}

// ResolveInput interprets raw as one canonical UTC instant. An explicit offset or Z
// wins over explicitZone, which wins over defaultZone.
func ResolveInput(raw, explicitZone, defaultZone string) (time.Time, Spec, error) {
	t, kind, err := parse(raw)
	if err != nil {
		return time.Time{}, Spec{}, err
	}

	switch kind {
	case UTCSuffix:
		return t, Spec{Kind: UTCSuffix, Zone: "UTC"}, nil
	case Aware:
		_, offset := t.Zone()
		return t.UTC(), Spec{Kind: Aware, Zone: offsetLabel(offset), Offset: offset}, nil
	}

	zone := defaultZone
	if explicitZone != "" {
		zone, kind = explicitZone, NaiveWithZone
	}
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, Spec{}, err
	}
	instant, err := localToInstant(t, loc)
	if err != nil {
		return time.Time{}, Spec{}, err
	}
	return instant, Spec{Kind: kind, Zone: zone}, nil
}

// ResolveRange resolves both ends with the same precedence. Aware and UTC-suffixed ends
// may be mixed; an aware end paired with a naive one is rejected.
func ResolveRange(start, end, explicitZone, defaultZone string) (Range, error) {
	s, sSpec, err := ResolveInput(start, explicitZone, defaultZone)
	if err != nil {
		return Range{}, &InputError{Input: "start_time", Err: err}
	}
	e, eSpec, err := ResolveInput(end, explicitZone, defaultZone)
	if err != nil {
		return Range{}, &InputError{Input: "end_time", Err: err}
	}
	if sSpec.Kind.Naive() != eSpec.Kind.Naive() {
		return Range{}, &InconsistentTimezoneError{Start: sSpec, End: eSpec}
	}
	return Range{Start: s, End: e, StartSpec: sSpec, EndSpec: eSpec}, nil
}

// LocalToInstant maps a wall-clock time, given in any location, to its instant in loc.
func LocalToInstant(wall time.Time, loc *time.Location) (time.Time, error) {
	naive := time.Date(wall.Year(), wall.Month(), wall.Day(),
		wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), time.UTC)
	return localToInstant(naive, loc)
}

// localToInstant finds every instant whose wall clock in loc equals naive. None means
// naive falls in a gap; several means an overlap, where the earliest wins.
func localToInstant(naive time.Time, loc *time.Location) (time.Time, error) {
	var offsets []int
	seen := make(map[int]struct{}, 2)
	for _, t := range []time.Time{naive.Add(-48 * time.Hour), naive, naive.Add(48 * time.Hour)} {
		_, offset := t.In(loc).Zone()
		if _, ok := seen[offset]; ok {
			continue
		}
		seen[offset] = struct{}{}
		offsets = append(offsets, offset)
	}

	var candidates []time.Time
	for _, offset := range offsets {
		instant := naive.Add(-time.Duration(offset) * time.Second)
		if _, actual := instant.In(loc).Zone(); actual == offset {
			candidates = append(candidates, instant)
		}
	}
	if len(candidates) == 0 {
		return time.Time{}, &AmbiguousLocalTimeError{Local: naive.Format(NaiveLayout), Zone: loc.String()}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	return candidates[0], nil
}

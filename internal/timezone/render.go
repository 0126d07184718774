package timezone

import (
	"time"
)

// Format renders t as ISO-8601 with its offset, keeping sub-second digits only when present.
// UTC renders with a Z suffix.
func Format(t time.Time) string {
	if t.Nanosecond() == 0 {
		return t.Format(time.RFC3339)
	}
	return t.Format(time.RFC3339Nano)
}

// RenderOutput renders every instant in loc. It never fails.
func RenderOutput(instants []time.Time, loc *time.Location) []string {
	if loc == nil {
		loc = time.UTC
	}
	out := make([]string, len(instants))
	for i, t := range instants {
		out[i] = Format(t.In(loc))
	}
	return out
}

// Convert reinterprets datetimeStr from fromZone into toZone. Input carrying its own
// offset ignores fromZone.
func Convert(datetimeStr, fromZone, toZone string) (string, error) {
	target, err := LoadZone(toZone)
	if err != nil {
		return "", &InputError{Input: "to_tz", Err: err}
	}
	if _, err := LoadZone(fromZone); err != nil {
		return "", &InputError{Input: "from_tz", Err: err}
	}
	instant, _, err := ResolveInput(datetimeStr, fromZone, fromZone)
	if err != nil {
		return "", &InputError{Input: "datetime_str", Err: err}
	}
	return Format(instant.In(target)), nil
}

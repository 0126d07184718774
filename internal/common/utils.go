package common

import "strings"

// FirstMarker returns the first non-empty marker found in page.
func FirstMarker(page string, markers ...string) (string, bool) {
	for _, m := range markers {
		if m != "" && strings.Contains(page, m) {
			return m, true
		}
	}
	return "", false
}

// MissingMarkers returns the non-empty markers absent from page, in order.
func MissingMarkers(page string, markers ...string) []string {
	var missing []string
	for _, m := range markers {
		if m != "" && !strings.Contains(page, m) {
			missing = append(missing, m)
		}
	}
	return missing
}

package query

import (
	"time"
)

// DefaultMinGap is the shortest hole in stored data worth fetching.
const DefaultMinGap = 30 * time.Minute

// Gap is a run of missing samples; Start and End are the first and last missing instants.
type Gap struct {
	Start time.Time
	End   time.Time
}

// Coverage is the span the gap's samples stand for.
func (g Gap) Coverage(step time.Duration) time.Duration {
	return g.End.Add(step).Sub(g.Start)
}

// FindGaps lays a grid of step-aligned instants over [start, end] and returns the runs of
// grid points absent from existing. Existing instants are aligned to the grid first. Runs
// covering less than minGap are dropped.
func FindGaps(existing []time.Time, start, end time.Time, step, minGap time.Duration) []Gap {
	if step <= 0 || end.Before(start) {
		return nil
	}
	first := start.Truncate(step)
	if first.Before(start) {
		first = first.Add(step)
	}
	last := end.Truncate(step)
	if last.Before(first) {
		return nil
	}

	have := make(map[int64]struct{}, len(existing))
	for _, t := range existing {
		have[t.Truncate(step).Unix()] = struct{}{}
	}

	var gaps []Gap
	var open *Gap
	for t := first; !t.After(last); t = t.Add(step) {
		if _, ok := have[t.Unix()]; ok {
			if open != nil {
				gaps = append(gaps, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &Gap{Start: t}
		}
		open.End = t
	}
	if open != nil {
		gaps = append(gaps, *open)
	}

	kept := gaps[:0]
	for _, g := range gaps {
		if g.Coverage(step) >= minGap {
			kept = append(kept, g)
		}
	}
	return kept
}

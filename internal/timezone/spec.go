package timezone

import (
	"fmt"
	"time"
)

// SpecKind classifies how a timestamp carries (or lacks) its zone information.
type SpecKind int

const (
	Aware SpecKind = iota + 1
	UTCSuffix
	NaiveWithZone
	NaiveWithDefault
)

func (k SpecKind) String() string {
	switch k {
	case Aware:
		return "aware"
	case UTCSuffix:
		return "utc_suffix"
	case NaiveWithZone:
		return "naive_with_zone"
	case NaiveWithDefault:
		return "naive_with_default"
	default:
		return "unknown"
	}
}

// Naive reports whether timestamps of this kind need a zone to be interpreted.
func (k SpecKind) Naive() bool {
	return k == NaiveWithZone || k == NaiveWithDefault
}

// Spec is the zone interpretation derived for one timestamp.
type Spec struct {
	Kind SpecKind
	// Zone is "UTC" for UTCSuffix, a "+hh:mm" label for Aware and the IANA id otherwise.
	Zone string
	// Offset is the fixed offset in seconds of an Aware timestamp.
	Offset int
}

// Location returns the zone a timestamp of this spec is rendered in by default.
func (s Spec) Location() (*time.Location, error) {
	switch s.Kind {
	case Aware:
		return time.FixedZone(s.Zone, s.Offset), nil
	case UTCSuffix:
		return time.UTC, nil
	default:
		return LoadZone(s.Zone)
	}
}

func (s Spec) String() string {
	return fmt.Sprintf("%s(%s)", s.Kind, s.Zone)
}

func offsetLabel(offset int) string {
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%c%02d:%02d", sign, offset/3600, (offset%3600)/60)
}

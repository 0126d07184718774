package timezone

import (
	"fmt"
)

// UnknownTimezoneError is returned when a zone identifier is not in the zone database.
type UnknownTimezoneError struct {
	Zone string
}

func (e *UnknownTimezoneError) Error() string {
	return fmt.Sprintf("unknown timezone %q", e.Zone)
}

func (e *UnknownTimezoneError) Kind() string { return "unknown_timezone" }

// InconsistentTimezoneError is returned when one end of a range carries an offset
// and the other does not.
type InconsistentTimezoneError struct {
	Start Spec
	End   Spec
}

func (e *InconsistentTimezoneError) Error() string {
	return fmt.Sprintf("start_time is %s but end_time is %s: both must be offset-aware or both naive",
		e.Start.Kind, e.End.Kind)
}

func (e *InconsistentTimezoneError) Kind() string { return "inconsistent_timezone" }

// AmbiguousLocalTimeError is returned for a naive wall-clock time that does not exist
// in its zone (a spring-forward gap).
type AmbiguousLocalTimeError struct {
	Local string
	Zone  string
}

func (e *AmbiguousLocalTimeError) Error() string {
	return fmt.Sprintf("local time %s does not exist in %s", e.Local, e.Zone)
}

func (e *AmbiguousLocalTimeError) Kind() string { return "ambiguous_local_time" }

// InvalidTimestampError is returned when a timestamp matches none of the accepted layouts.
type InvalidTimestampError struct {
	Value string
}

func (e *InvalidTimestampError) Error() string {
	return fmt.Sprintf("invalid timestamp %q", e.Value)
}

func (e *InvalidTimestampError) Kind() string { return "invalid_timestamp" }

// InputError attributes a resolution failure to the named input.
type InputError struct {
	Input string
	Err   error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %v", e.Input, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

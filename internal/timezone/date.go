package timezone

import (
	"encoding/json"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a civil calendar date with no zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) midnightUTC() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) Before(o Date) bool { return d.midnightUTC().Before(o.midnightUTC()) }

func (d Date) After(o Date) bool { return d.midnightUTC().After(o.midnightUTC()) }

// AddDays returns the date n days later (earlier for negative n).
func (d Date) AddDays(n int) Date {
	return DateOf(d.midnightUTC().AddDate(0, 0, n))
}

// DayBounds returns the instants of local midnight at the start of d and at the start
// of the following day.
func DayBounds(d Date, loc *time.Location) (time.Time, time.Time, error) {
	start, err := localMidnight(d, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := localMidnight(d.AddDays(1), loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// localMidnight falls forward to the first existing wall time for zones whose DST
// transition happens at midnight.
func localMidnight(d Date, loc *time.Location) (time.Time, error) {
	naive := d.midnightUTC()
	for i := 0; i < 4; i++ {
		t, err := localToInstant(naive.Add(time.Duration(i)*30*time.Minute), loc)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, &AmbiguousLocalTimeError{Local: naive.Format(NaiveLayout), Zone: loc.String()}
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

package weather

import (
	"math"
	"time"
)

// AggFunc names how a field's values are combined inside one resample bucket.
type AggFunc string

const (
	AggMean  AggFunc = "mean"
	AggSum   AggFunc = "sum"
	AggMax   AggFunc = "max"
	AggMin   AggFunc = "min"
	AggFirst AggFunc = "first"
	AggLast  AggFunc = "last"
)

// DefaultAggregation lists fields that are not averaged. Everything else uses AggMean.
var DefaultAggregation = map[string]AggFunc{
	"precipitation":   AggSum,
	"solar_radiation": AggSum,
	"wind_gust":       AggMax,
	"irrigation":      AggMax,
}

type bucket struct {
	rec    Record
	values map[string][]float64
	fields []string
}

// Resample groups records per tag set into interval-wide buckets aligned to the UTC
// epoch and aggregates each field. Input must be sorted by Time; output keeps bucket
// order and, within a bucket, first-seen tag set order.
func Resample(records []Record, interval time.Duration, aggs map[string]AggFunc) []Record {
	if interval <= 0 || len(records) == 0 {
		return records
	}

	var order []string
	buckets := make(map[string]*bucket)

	for _, r := range records {
		start := r.Time.Truncate(interval)
		key := start.Format(time.RFC3339Nano) + "|" + TagKey(r.Tags)

		b, ok := buckets[key]
		if !ok {
			b = &bucket{
				rec: Record{
					Provider:   r.Provider,
					Tags:       r.Clone().Tags,
					Time:       start,
					IngestedAt: r.IngestedAt,
				},
				values: make(map[string][]float64),
			}
			buckets[key] = b
			order = append(order, key)
		}
		if r.IngestedAt.After(b.rec.IngestedAt) {
			b.rec.IngestedAt = r.IngestedAt
		}
		for field, v := range r.Fields {
			if _, seen := b.values[field]; !seen {
				b.fields = append(b.fields, field)
			}
			b.values[field] = append(b.values[field], v)
		}
	}

	out := make([]Record, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		b.rec.Fields = make(map[string]float64, len(b.fields))
		for _, field := range b.fields {
			fn, ok := aggs[field]
			if !ok {
				fn = AggMean
			}
			b.rec.Fields[field] = aggregate(fn, b.values[field])
		}
		out = append(out, b.rec)
	}
	return out
}

func aggregate(fn AggFunc, values []float64) float64 {
	switch fn {
	case AggSum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	case AggMax:
		best := math.Inf(-1)
		for _, v := range values {
			best = math.Max(best, v)
		}
		return best
	case AggMin:
		best := math.Inf(1)
		for _, v := range values {
			best = math.Min(best, v)
		}
		return best
	case AggFirst:
		return values[0]
	case AggLast:
		return values[len(values)-1]
	default:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
}

package airquality

import (
	"fmt"
	"sort"
	"time"
)

// APITimeLayout is the naive local-time layout the LUBW API accepts and
// sometimes returns.
const APITimeLayout = "2006-01-02T15:04:05"

// Accumulator merges per-component readings into rows keyed by timestamp.
// A row is created the first time a timestamp is seen; later readings for
// the same timestamp fill in further components.
type Accumulator struct {
	rows map[string]map[string]*float64
}

func NewAccumulator() *Accumulator {
	return &Accumulator{rows: make(map[string]map[string]*float64)}
}

// Add merges a single reading.
func (a *Accumulator) Add(r Reading) {
	row, ok := a.rows[r.Time]
	if !ok {
		row = make(map[string]*float64)
		a.rows[r.Time] = row
	}
	row[string(r.Component)] = r.Value
}

// Len returns the number of distinct timestamps seen so far.
func (a *Accumulator) Len() int { return len(a.rows) }

// Table converts the accumulated rows into a Table sorted ascending by time,
// with columns renamed through mapping. Naive timestamps are interpreted in loc.
func (a *Accumulator) Table(loc *time.Location, mapping map[string]string) (Table, error) {
	byInstant := make(map[int64]*Record, len(a.rows))
	for raw, values := range a.rows {
		ts, err := ParseTimestamp(raw, loc)
		if err != nil {
			return Table{}, err
		}
		key := ts.UnixNano()
		rec, ok := byInstant[key]
		if !ok {
			rec = &Record{Time: ts, Values: make(map[string]*float64, len(values))}
			byInstant[key] = rec
		}
		for name, v := range values {
			rec.Values[name] = v
		}
	}

	rows := make([]Record, 0, len(byInstant))
	for _, rec := range byInstant {
		rows = append(rows, *rec)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })

	return Table{Rows: rows}.RenameColumns(mapping), nil
}

// ParseTimestamp accepts RFC 3339 timestamps (with offset) as well as naive
// local timestamps, which are interpreted in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range []string{APITimeLayout, "2006-01-02 15:04:05", "2006-01-02T15:04"} {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

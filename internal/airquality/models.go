package airquality

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Component is a named measurement channel reported by a station (e.g. "PM10").
type Component string

// Reading is a single measurement entry returned by the API for one component.
// Time is kept in the raw form the API sent; Value is nil when the API reported null.
type Reading struct {
	Time      string
	Component Component
	Value     *float64
}

// TimeWindow is a half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ErrInvalidWindow is returned when a window does not satisfy Start < End.
var ErrInvalidWindow = errors.New("invalid time window")

// Validate checks that Start lies strictly before End.
func (w TimeWindow) Validate() error {
	if !w.Start.Before(w.End) {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidWindow, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return nil
}

func (w TimeWindow) String() string {
	return w.Start.Format(time.RFC3339) + "/" + w.End.Format(time.RFC3339)
}

// Record is one merged row: every component value observed at Time.
// Components not observed at Time are absent from Values.
type Record struct {
	Time   time.Time
	Values map[string]*float64
}

// Fields flattens the record into the published data mapping: every column
// present on the row plus the row time as "datetime_utc".
func (r Record) Fields() map[string]any {
	out := make(map[string]any, len(r.Values)+1)
	for name, v := range r.Values {
		if v == nil {
			out[name] = nil
			continue
		}
		out[name] = *v
	}
	out["datetime_utc"] = r.Time.UTC().Format("2006-01-02T15:04:05")
	return out
}

// Table is a time-indexed set of merged records, ordered ascending by Time.
type Table struct {
	Rows []Record
}

func (t Table) Len() int { return len(t.Rows) }

// Empty reports whether the fetch produced no rows at all ("no data").
func (t Table) Empty() bool { return len(t.Rows) == 0 }

// First returns the earliest row. It panics on an empty table.
func (t Table) First() Record { return t.Rows[0] }

// Last returns the most recent row. It panics on an empty table.
func (t Table) Last() Record { return t.Rows[len(t.Rows)-1] }

// Columns returns the sorted set of column names present on any row.
func (t Table) Columns() []string {
	seen := make(map[string]struct{})
	for _, r := range t.Rows {
		for name := range r.Values {
			seen[name] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for name := range seen {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}

// RenameColumns returns a copy of the table with every column listed in
// mapping renamed to its target. Columns absent from mapping are left as-is.
func (t Table) RenameColumns(mapping map[string]string) Table {
	rows := make([]Record, len(t.Rows))
	for i, r := range t.Rows {
		values := make(map[string]*float64, len(r.Values))
		for name, v := range r.Values {
			if renamed, ok := mapping[name]; ok {
				name = renamed
			}
			values[name] = v
		}
		rows[i] = Record{Time: r.Time, Values: values}
	}
	return Table{Rows: rows}
}

// Tele carries transport metadata attached by the publisher.
type Tele struct {
	PacketCount int `json:"packet_count"`
}

// OutboundMessage is the normalized telemetry message sent for one sub-interval.
type OutboundMessage struct {
	NodeID    string         `json:"node_id"`
	Timestamp int64          `json:"timestamp"` // unix seconds
	Data      map[string]any `json:"data"`
	Tele      Tele           `json:"tele"`
}

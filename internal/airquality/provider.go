package airquality

import (
	"context"
	"time"
)

// Fetcher retrieves the merged measurement table for a station over a window.
// An empty Table with a nil error means the API had no data for the window;
// any non-nil error means the whole fetch failed and no data is returned.
type Fetcher interface {
	FetchStation(ctx context.Context, station string, window TimeWindow) (Table, error)
}

// Publisher transmits outbound messages. Shutdown stops any background
// publishing and is called exactly once at the end of a run.
type Publisher interface {
	Publish(msg OutboundMessage) error
	Shutdown(ctx context.Context) error
}

// RunStore keeps the summaries of past backfill runs.
type RunStore interface {
	SaveRun(run RunSummary)
	GetLatest(station string) (RunSummary, error)
	GetRange(station string, from, to time.Time) ([]RunSummary, error)
}

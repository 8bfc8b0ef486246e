package lubw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/airquality-backfill/internal/airquality"
	"github.com/i474232898/airquality-backfill/internal/metrics"
)

// Config holds the settings of the LUBW measurement API client.
type Config struct {
	BaseURL  string
	Username string
	Password string

	// Location is the zone the API expects von/bis in and the zone naive
	// timestamps in responses are interpreted in.
	Location *time.Location

	// MaxFailures is the number of consecutive failed requests that opens
	// the circuit breaker. Zero means 5.
	MaxFailures uint32
	// BreakerTimeout is how long the breaker stays open. Zero means 1 minute.
	BreakerTimeout time.Duration
}

// Client implements airquality.Fetcher against the LUBW API.
type Client struct {
	baseURL    string
	authHeader string
	loc        *time.Location
	httpClient *http.Client
	circuit    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

var _ airquality.Fetcher = (*Client)(nil)

// New creates a Client. The http.Client should carry an explicit timeout.
func New(httpClient *http.Client, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "lubw",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		baseURL:    cfg.BaseURL,
		authHeader: BasicAuth(cfg.Username, cfg.Password),
		loc:        loc,
		httpClient: httpClient,
		circuit:    cb,
		logger:     logger,
	}
}

type page struct {
	Messwerte json.RawMessage `json:"messwerte"`
	NextLink  string          `json:"nextLink"`
}

type messwert struct {
	StartZeit string   `json:"startZeit"`
	Wert      *float64 `json:"wert"`
}

// FetchStation queries every component of station over window, following
// nextLink pagination, and returns the merged table sorted by time. A failed
// request for any component fails the whole call.
func (c *Client) FetchStation(ctx context.Context, station string, window airquality.TimeWindow) (airquality.Table, error) {
	components, err := airquality.ComponentsFor(station)
	if err != nil {
		return airquality.Table{}, err
	}

	acc := airquality.NewAccumulator()
	for _, comp := range components {
		if err := c.fetchComponent(ctx, station, comp, window, acc); err != nil {
			return airquality.Table{}, err
		}
	}

	if acc.Len() == 0 {
		return airquality.Table{}, nil
	}
	return acc.Table(c.loc, airquality.ColumnMapping())
}

func (c *Client) fetchComponent(ctx context.Context, station string, comp airquality.Component, window airquality.TimeWindow, acc *airquality.Accumulator) error {
	target, err := c.firstPageURL(station, comp, window)
	if err != nil {
		return &FetchError{Station: station, Component: comp, URL: c.baseURL, Err: err}
	}

	for target != "" {
		p, err := c.getPage(ctx, station, comp, target)
		if err != nil {
			return &FetchError{Station: station, Component: comp, URL: target, Err: err}
		}

		if !isJSONArray(p.Messwerte) {
			c.logger.Info("no messwerte in response", "component", comp, "station", station)
			return nil
		}

		var entries []messwert
		if err := json.Unmarshal(p.Messwerte, &entries); err != nil {
			return &FetchError{Station: station, Component: comp, URL: target, Err: fmt.Errorf("decode messwerte: %w", err)}
		}
		for _, e := range entries {
			if e.StartZeit == "" {
				c.logger.Warn("skipping measurement without startZeit", "component", comp, "station", station)
				continue
			}
			acc.Add(airquality.Reading{Time: e.StartZeit, Component: comp, Value: e.Wert})
		}

		target = p.NextLink
	}
	return nil
}

func (c *Client) firstPageURL(station string, comp airquality.Component, window airquality.TimeWindow) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("komponente", string(comp))
	q.Set("von", window.Start.In(c.loc).Format(airquality.APITimeLayout))
	q.Set("bis", window.End.In(c.loc).Format(airquality.APITimeLayout))
	q.Set("station", station)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) getPage(ctx context.Context, station string, comp airquality.Component, target string) (page, error) {
	buildRequest := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", c.authHeader)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	started := time.Now()
	body, err := doRequest(ctx, c.httpClient, c.circuit, buildRequest)
	metrics.ObserveFetch(string(comp), err == nil, time.Since(started))
	if err != nil {
		return page{}, err
	}

	c.logger.Debug("lubw response", "component", comp, "station", station, "url", target, "payload", string(body))

	// Anything but an object cannot carry messwerte.
	if trimmed := bytes.TrimSpace(body); len(trimmed) == 0 || trimmed[0] != '{' {
		return page{}, nil
	}
	var p page
	if err := json.Unmarshal(body, &p); err != nil {
		return page{}, fmt.Errorf("decode response: %w", err)
	}
	return p, nil
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

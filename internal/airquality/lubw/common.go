package lubw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/i474232898/airquality-backfill/internal/airquality"
)

var (
	errRateLimited  = errors.New("rate limited")
	errServerError  = errors.New("server error")
	errUnexpected   = errors.New("unexpected status code")
	errCircuitOpen  = errors.New("circuit breaker open")
	errNoHTTPClient = errors.New("http client not configured")
)

// maxBodyBytes bounds how much of a single page we are willing to read.
const maxBodyBytes = 32 << 20

// FetchError reports a request failure that aborted a station fetch.
type FetchError struct {
	Station   string
	Component airquality.Component
	URL       string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s for station %s (%s): %v", e.Component, e.Station, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// doRequest executes a single attempt of the request through the circuit
// breaker and returns the response body of a 2xx response.
func doRequest(
	ctx context.Context,
	client *http.Client,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) ([]byte, error) {
	if client == nil {
		return nil, errNoHTTPClient
	}

	req, err := buildRequest()
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)

	result, err := cb.Execute(func() (interface{}, error) {
		resp, execErr := client.Do(req)
		if execErr != nil {
			return nil, execErr
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, errRateLimited
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: %d", errServerError, resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, fmt.Errorf("%w: %d", errUnexpected, resp.StatusCode)
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if readErr != nil {
			return nil, fmt.Errorf("read body: %w", readErr)
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		return nil, err
	}

	body, ok := result.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return body, nil
}

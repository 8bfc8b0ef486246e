package lubw

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/i474232898/airquality-backfill/internal/airquality"
)

// fakeAPI serves canned pages keyed by "komponente" (first page) or by
// request path (follow-up pages) and records every request.
type fakeAPI struct {
	mu       sync.Mutex
	requests []*http.Request
	pages    map[string]string
	status   int
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.requests = append(a.requests, r.Clone(context.Background()))
	status := a.status
	a.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	key := r.URL.Path
	if comp := r.URL.Query().Get("komponente"); comp != "" {
		key = comp
	}
	body, ok := a.pages[key]
	if !ok {
		body = `{"messwerte": []}`
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func (a *fakeAPI) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, api *fakeAPI, maxFailures uint32) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	c := New(srv.Client(), Config{
		BaseURL:     srv.URL + "/messwerte",
		Username:    "user",
		Password:    "secret",
		Location:    time.UTC,
		MaxFailures: maxFailures,
	}, discardLogger())
	return c, srv
}

func window() airquality.TimeWindow {
	return airquality.TimeWindow{
		Start: time.Date(2024, 11, 27, 3, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 11, 27, 4, 0, 0, 0, time.UTC),
	}
}

func TestFetchStationMergesComponents(t *testing.T) {
	api := &fakeAPI{pages: map[string]string{
		"NO2": `{"messwerte": [
			{"startZeit": "2024-11-27T03:00:00+00:00", "wert": 20.5},
			{"startZeit": "2024-11-27T03:30:00+00:00", "wert": 21}
		]}`,
		"CO": `{"messwerte": [
			{"startZeit": "2024-11-27T03:30:00+00:00", "wert": 0.4},
			{"startZeit": "2024-11-27T03:45:00+00:00", "wert": null}
		]}`,
	}}
	c, _ := newTestClient(t, api, 0)

	table, err := c.FetchStation(context.Background(), "DEBW152", window())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if table.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", table.Len())
	}

	first := table.Rows[0].Values
	if len(first) != 1 || *first["NO2"] != 20.5 {
		t.Errorf("row 03:00 = %v, want only NO2=20.5", first)
	}
	middle := table.Rows[1].Values
	if len(middle) != 2 || *middle["NO2"] != 21 || *middle["CO"] != 0.4 {
		t.Errorf("row 03:30 = %v, want NO2=21 CO=0.4", middle)
	}
	last := table.Rows[2].Values
	if v, ok := last["CO"]; !ok || v != nil {
		t.Errorf("row 03:45 = %v, want CO=null", last)
	}
	if _, ok := last["NO2"]; ok {
		t.Errorf("row 03:45 should not carry NO2: %v", last)
	}
}

func TestFetchStationSendsQueryParams(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestClient(t, api, 0)

	if _, err := c.FetchStation(context.Background(), "DEBW152", window()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.count() != 2 {
		t.Fatalf("expected one request per component, got %d", api.count())
	}

	q := api.requests[0].URL.Query()
	want := map[string]string{
		"komponente": "NO2",
		"von":        "2024-11-27T03:00:00",
		"bis":        "2024-11-27T04:00:00",
		"station":    "DEBW152",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("query %s = %q, want %q", k, got, v)
		}
	}
	if api.requests[0].URL.Path != "/messwerte" {
		t.Errorf("path = %q, want /messwerte", api.requests[0].URL.Path)
	}
}

func TestFetchStationFollowsNextLink(t *testing.T) {
	api := &fakeAPI{pages: map[string]string{}}
	c, srv := newTestClient(t, api, 0)

	next := srv.URL + "/page2?token=abc"
	api.pages["NO2"] = fmt.Sprintf(`{"messwerte": [{"startZeit": "2024-11-27T03:00:00Z", "wert": 1}], "nextLink": %q}`, next)
	api.pages["/page2"] = `{"messwerte": [{"startZeit": "2024-11-27T03:30:00Z", "wert": 2}]}`

	table, err := c.FetchStation(context.Background(), "DEBW152", window())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// NO2 first page, NO2 second page, CO first page.
	if api.count() != 3 {
		t.Fatalf("expected 3 requests, got %d", api.count())
	}
	second := api.requests[1]
	if got := srv.URL + second.URL.RequestURI(); got != next {
		t.Errorf("second request = %q, want %q", got, next)
	}
	if second.URL.Query().Get("komponente") != "" {
		t.Errorf("next link request must not add original params: %q", second.URL.RawQuery)
	}
	if second.Header.Get("Authorization") == "" {
		t.Error("next link request carries no credentials")
	}

	if table.Len() != 2 {
		t.Fatalf("expected rows from both pages, got %d", table.Len())
	}
	if *table.Last().Values["NO2"] != 2 {
		t.Errorf("second page value = %v, want 2", *table.Last().Values["NO2"])
	}
}

func TestFetchStationMissingMesswerteIsNotFatal(t *testing.T) {
	api := &fakeAPI{pages: map[string]string{
		"NO2": `{"error": "no data"}`,
		"CO":  `{"messwerte": [{"startZeit": "2024-11-27T03:00:00Z", "wert": 0.2}]}`,
	}}
	c, _ := newTestClient(t, api, 0)

	table, err := c.FetchStation(context.Background(), "DEBW152", window())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.count() != 2 {
		t.Fatalf("expected CO to be fetched after NO2, got %d requests", api.count())
	}
	if table.Len() != 1 || *table.First().Values["CO"] != 0.2 {
		t.Fatalf("unexpected table: %+v", table)
	}
}

func TestFetchStationNoData(t *testing.T) {
	api := &fakeAPI{pages: map[string]string{"NO2": `{"messwerte": "none"}`}}
	c, _ := newTestClient(t, api, 0)

	table, err := c.FetchStation(context.Background(), "DEBW152", window())
	if err != nil {
		t.Fatalf("no data must not be an error, got %v", err)
	}
	if !table.Empty() {
		t.Fatalf("expected empty table, got %d rows", table.Len())
	}
}

func TestFetchStationRenamesColumns(t *testing.T) {
	api := &fakeAPI{pages: map[string]string{
		"PM2.5": `{"messwerte": [{"startZeit": "2024-11-27T03:00:00Z", "wert": 8}]}`,
		"TEMP":  `{"messwerte": [{"startZeit": "2024-11-27T03:00:00Z", "wert": 3.5}]}`,
		"NO2":   `{"messwerte": [{"startZeit": "2024-11-27T03:00:00Z", "wert": 30}]}`,
	}}
	c, _ := newTestClient(t, api, 0)

	table, err := c.FetchStation(context.Background(), "DEBW015", window())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := strings.Join(table.Columns(), ",")
	if got != "NO2,pm25,sht_temp" {
		t.Fatalf("columns = %s, want NO2,pm25,sht_temp", got)
	}
}

func TestFetchStationHTTPErrorAbortsCall(t *testing.T) {
	api := &fakeAPI{status: http.StatusInternalServerError}
	c, _ := newTestClient(t, api, 0)

	table, err := c.FetchStation(context.Background(), "DEBW015", window())
	if err == nil {
		t.Fatal("expected error")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T", err)
	}
	if fe.Component != "PM10" || fe.Station != "DEBW015" {
		t.Errorf("error names %s/%s, want PM10/DEBW015", fe.Component, fe.Station)
	}
	if !errors.Is(err, errServerError) {
		t.Errorf("expected server error, got %v", err)
	}
	if !table.Empty() {
		t.Error("failed fetch must not return data")
	}
	if api.count() != 1 {
		t.Errorf("expected the call to stop after the first failure, got %d requests", api.count())
	}
}

func TestFetchStationTransportError(t *testing.T) {
	api := &fakeAPI{}
	c, srv := newTestClient(t, api, 0)
	srv.Close()

	if _, err := c.FetchStation(context.Background(), "DEBW152", window()); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestFetchStationUnknownStationMakesNoRequest(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestClient(t, api, 0)

	_, err := c.FetchStation(context.Background(), "XX000", window())
	if !errors.Is(err, airquality.ErrUnknownStation) {
		t.Fatalf("expected ErrUnknownStation, got %v", err)
	}
	if api.count() != 0 {
		t.Fatalf("expected 0 requests, got %d", api.count())
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	api := &fakeAPI{status: http.StatusBadGateway}
	c, _ := newTestClient(t, api, 2)

	for i := 0; i < 2; i++ {
		if _, err := c.FetchStation(context.Background(), "DEBW152", window()); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}
	if api.count() != 2 {
		t.Fatalf("expected 2 requests before the breaker opens, got %d", api.count())
	}

	_, err := c.FetchStation(context.Background(), "DEBW152", window())
	if !errors.Is(err, errCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}
	if api.count() != 2 {
		t.Fatalf("open breaker must not reach the API, got %d requests", api.count())
	}
}

func TestBasicAuthHeaderIsUTF8(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	user, pass := "jürgen", "pässwörd€"
	c := New(srv.Client(), Config{BaseURL: srv.URL, Username: user, Password: pass}, discardLogger())
	if _, err := c.FetchStation(context.Background(), "DEBW152", window()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	header := api.requests[0].Header.Get("Authorization")
	encoded, ok := strings.CutPrefix(header, "Basic ")
	if !ok {
		t.Fatalf("header %q is not Basic auth", header)
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	want := []byte(user + ":" + pass)
	if string(decoded) != string(want) {
		t.Fatalf("credentials = %q, want %q", decoded, want)
	}
	// ü is 0xC3 0xBC in UTF-8.
	if decoded[1] != 0xC3 || decoded[2] != 0xBC {
		t.Errorf("credentials are not UTF-8 encoded: % x", decoded)
	}
}

func TestBasicAuthTranscodesLatin1(t *testing.T) {
	latin1 := string([]byte{'m', 0xFC, 'l', 'l', 'e', 'r'}) // "müller" in ISO-8859-1
	header := BasicAuth(latin1, "x")

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if string(decoded) != "müller:x" {
		t.Fatalf("credentials = %q, want %q", decoded, "müller:x")
	}
}

package airquality

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownStation is a configuration error: the station has no known component list.
var ErrUnknownStation = errors.New("unknown station")

var stationComponents = map[string][]Component{
	"DEBW015": {"PM10", "PM2.5", "NO2", "O3", "TEMP", "RLF", "NSCH", "STRG", "WIV"},
	"DEBW152": {"NO2", "CO"},
}

// canonicalNames maps API component names to the field names used downstream.
// Components not listed here keep their API name.
var canonicalNames = map[string]string{
	"PM10":  "pm10",
	"PM2.5": "pm25",
	"TEMP":  "sht_temp",
	"RLF":   "sht_humid",
	"NSCH":  "sht_nsch",
	"STRG":  "sht_strg",
	"WIV":   "sht_wiv",
	"WIR":   "sht_wir",
}

// ComponentsFor returns the components reported by station.
func ComponentsFor(station string) ([]Component, error) {
	comps, ok := stationComponents[station]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStation, station)
	}
	out := make([]Component, len(comps))
	copy(out, comps)
	return out, nil
}

// Stations lists the known station identifiers in sorted order.
func Stations() []string {
	ids := make([]string, 0, len(stationComponents))
	for id := range stationComponents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ColumnMapping returns a copy of the API-name to canonical-name table.
func ColumnMapping() map[string]string {
	out := make(map[string]string, len(canonicalNames))
	for k, v := range canonicalNames {
		out[k] = v
	}
	return out
}

// CanonicalName returns the downstream field name for c.
func CanonicalName(c Component) string {
	if name, ok := canonicalNames[string(c)]; ok {
		return name
	}
	return string(c)
}

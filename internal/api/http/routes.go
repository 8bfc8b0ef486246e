package httpapi

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/airquality-backfill/internal/airquality"
	"github.com/i474232898/airquality-backfill/internal/store"
)

var validate = validator.New()

// RegisterRoutes wires the status handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, runs airquality.RunStore) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api/v1")

	v1.Get("/stations", func(c *fiber.Ctx) error {
		stations := make([]fiber.Map, 0)
		for _, id := range airquality.Stations() {
			comps, err := airquality.ComponentsFor(id)
			if err != nil {
				return fiber.NewError(fiber.StatusInternalServerError, err.Error())
			}
			fields := make([]string, 0, len(comps))
			for _, comp := range comps {
				fields = append(fields, airquality.CanonicalName(comp))
			}
			stations = append(stations, fiber.Map{
				"station":    id,
				"components": comps,
				"fields":     fields,
			})
		}
		return c.JSON(stations)
	})

	v1.Get("/runs/latest", func(c *fiber.Ctx) error {
		q, err := parseStationQuery(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		run, err := runs.GetLatest(q.Station)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no backfill runs for requested station")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch backfill runs")
		}

		return c.JSON(run)
	})

	v1.Get("/runs", func(c *fiber.Ctx) error {
		var req historyQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		history, err := runs.GetRange(req.Station.Station, req.From, req.To)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no backfill runs for requested range")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch backfill runs")
		}

		return c.JSON(fiber.Map{
			"station": req.Station.Station,
			"from":    req.From,
			"to":      req.To,
			"runs":    history,
		})
	})
}

// stationQuery identifies a station by its id.
type stationQuery struct {
	Station string `validate:"required"`
}

func parseStationQuery(c *fiber.Ctx) (stationQuery, error) {
	q := stationQuery{Station: c.Query("station")}
	if err := validate.Struct(q); err != nil {
		return q, err
	}
	return q, nil
}

// historyQuery holds query parameters for the run history endpoint.
type historyQuery struct {
	Station stationQuery
	From    time.Time `validate:"required"`
	To      time.Time `validate:"required,gtefield=From"`
}

func (h *historyQuery) bind(c *fiber.Ctx) error {
	st, err := parseStationQuery(c)
	if err != nil {
		return err
	}
	h.Station = st

	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters are required")
	}

	from, err := parseTime(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTime(toStr)
	if err != nil {
		return err
	}

	h.From = from
	h.To = to
	return nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}

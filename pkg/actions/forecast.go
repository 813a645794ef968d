package actions

import (
	"context"

	"github.com/zhaopengme/witbot/pkg/logger"
	"github.com/zhaopengme/witbot/pkg/session"
)

const (
	KeyLocation = "loc"
	KeyForecast = "forecast"

	EntityLocation = "location"
)

// Forecaster looks up a short weather description for a place.
type Forecaster interface {
	Forecast(ctx context.Context, location string) (string, error)
}

// ForecastAction is "getForecast". It reads the location entity and writes
//
//	loc      the location the user asked about
//	forecast the lookup result, or the fallback when the lookup is empty or fails
//
// Without a location entity the context is returned unchanged. A nil
// Forecaster always yields the fallback.
type ForecastAction struct {
	forecaster Forecaster
	fallback   string
}

func NewForecastAction(forecaster Forecaster, fallback string) *ForecastAction {
	if fallback == "" {
		fallback = "sunny"
	}
	return &ForecastAction{forecaster: forecaster, fallback: fallback}
}

func (a *ForecastAction) Name() string {
	return "getForecast"
}

func (a *ForecastAction) Description() string {
	return "Look up the weather forecast for the location the user mentioned."
}

func (a *ForecastAction) Entities() []string {
	return []string{EntityLocation}
}

func (a *ForecastAction) Execute(ctx context.Context, req *Request) (session.Context, error) {
	loc, ok := FirstEntityValue(req.Entities, EntityLocation)
	if !ok {
		return req.Context, nil
	}

	out := req.Context.Clone()
	delete(out, KeyForecast)
	out[KeyLocation] = loc

	var forecast string
	var err error
	if a.forecaster != nil {
		forecast, err = a.forecaster.Forecast(ctx, loc)
	}
	if err != nil {
		logger.WarnCF("forecast", "Forecast lookup failed, using fallback",
			map[string]interface{}{
				"location": loc,
				"fallback": a.fallback,
				"error":    err.Error(),
			})
	}
	if forecast == "" {
		forecast = a.fallback
	}
	out[KeyForecast] = forecast

	return out, nil
}

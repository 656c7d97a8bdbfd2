// Package eta estimates minutes to a fixed landmark from a vehicle position.
package eta

import (
	"errors"
	"fmt"
	"math"

	"bustrack/internal/geo"
)

// ErrInvalidSpeed is returned when the configured average speed is not a positive finite number.
var ErrInvalidSpeed = errors.New("eta: average speed must be > 0")

// EstimateMinutes returns round(distance / averageSpeedKmh * 60).
// averageSpeedKmh must be > 0; callers enforce that once at startup.
func EstimateMinutes(from, to geo.Point, averageSpeedKmh float64) int {
	hours := geo.DistanceKm(from, to) / averageSpeedKmh
	return int(math.Round(hours * 60))
}

// Options configures an Estimator.
type Options struct {
	Landmark        geo.Point
	AverageSpeedKmh float64
	// UseLiveSpeed switches to the vehicle's reported speed when it is at least MinLiveSpeedKmh.
	UseLiveSpeed    bool
	MinLiveSpeedKmh float64
}

// Estimator computes ETAs against a single landmark.
type Estimator struct {
	landmark     geo.Point
	averageSpeed float64
	useLive      bool
	minLive      float64
}

func New(opts Options) (*Estimator, error) {
	if !(opts.AverageSpeedKmh > 0) || math.IsInf(opts.AverageSpeedKmh, 0) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidSpeed, opts.AverageSpeedKmh)
	}
	if !opts.Landmark.Valid() {
		return nil, fmt.Errorf("eta: invalid landmark %+v", opts.Landmark)
	}
	minLive := opts.MinLiveSpeedKmh
	if minLive <= 0 {
		minLive = 1
	}
	return &Estimator{
		landmark:     opts.Landmark,
		averageSpeed: opts.AverageSpeedKmh,
		useLive:      opts.UseLiveSpeed,
		minLive:      minLive,
	}, nil
}

// Estimate returns the minutes from the given position to the landmark.
func (e *Estimator) Estimate(from geo.Point, liveSpeedKmh float64) int {
	return EstimateMinutes(from, e.landmark, e.speedFor(liveSpeedKmh))
}

func (e *Estimator) speedFor(live float64) float64 {
	if e.useLive && live >= e.minLive {
		return live
	}
	return e.averageSpeed
}

func (e *Estimator) Landmark() geo.Point { return e.landmark }

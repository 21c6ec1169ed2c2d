// Package eta gives rough arrival estimates for live tracking. It is a
// straight-line estimate, not a routing engine.
package eta

import (
	"github.com/example/gig-dispatch/internal/geo"
	"github.com/example/gig-dispatch/internal/models"
)

// DefaultSpeedKmh is an average city speed for a worker on a two-wheeler.
const DefaultSpeedKmh = 25.0

type Estimator struct {
	SpeedKmh float64
}

func NewEstimator(speedKmh float64) Estimator {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	return Estimator{SpeedKmh: speedKmh}
}

// Seconds converts a distance into travel time at the estimator's speed.
func (e Estimator) Seconds(distanceKm float64) float64 {
	speed := e.SpeedKmh
	if speed <= 0 {
		speed = DefaultSpeedKmh
	}
	if distanceKm <= 0 {
		return 0
	}
	return distanceKm / speed * 3600
}

func (e Estimator) Between(from, to models.Point) float64 {
	return e.Seconds(geo.Distance(from, to))
}

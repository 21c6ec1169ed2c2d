package eta

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/gig-dispatch/internal/models"
)

func TestSeconds(t *testing.T) {
	e := NewEstimator(30)
	assert.InDelta(t, 120.0, e.Seconds(1), 1e-9)
	assert.Equal(t, 0.0, e.Seconds(0))
	assert.Equal(t, 0.0, e.Seconds(-3))
}

func TestDefaultSpeed(t *testing.T) {
	assert.Equal(t, DefaultSpeedKmh, NewEstimator(0).SpeedKmh)
	assert.InDelta(t, 144.0, Estimator{}.Seconds(1), 1e-9)
}

func TestBetween(t *testing.T) {
	e := NewEstimator(25)
	p := models.Point{Lat: 19.076, Lng: 72.8777}
	assert.Equal(t, 0.0, e.Between(p, p))
	q := models.Point{Lat: 19.176, Lng: 72.8777}
	// ~11.1 km at 25 km/h
	assert.InDelta(t, 1600, e.Between(p, q), 20)
}

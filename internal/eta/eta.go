package eta

import (
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// DefaultSpeedMps is 36 km/h, a city average.
const DefaultSpeedMps = 10.0

// EstimateSeconds is straight-line distance over speed. No road network.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.DistanceKm(from, to) * 1000 / speedMps
}

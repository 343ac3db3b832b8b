package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	// EarthRadiusKm is the mean Earth radius used for all proximity decisions.
	EarthRadiusKm = 6371.0
	// DefaultRadiusKm applies when a proximity query carries no radius.
	DefaultRadiusKm = 5.0
)

// DistanceKm is the haversine great-circle distance in kilometers.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Haversine distance in kilometers
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Nearby returns every position within radiusKm (inclusive) of center keyed
// by driver ID. A non-positive radius falls back to DefaultRadiusKm.
// naive scan; fine for low thousands of drivers, swap for geo-hash or H3 beyond that
func Nearby(center models.Coord, radiusKm float64, positions []models.Position) map[string]models.NearbyDriver {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	out := make(map[string]models.NearbyDriver)
	for _, p := range positions {
		dist := DistanceKm(center, p.Loc)
		if dist > radiusKm {
			continue
		}
		d := dist
		out[p.DriverID] = models.NearbyDriver{Lat: p.Loc.Lat, Lon: p.Loc.Lon, DistanceKm: &d}
	}
	return out
}

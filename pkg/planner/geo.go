package planner

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Point converts latitude/longitude into an orb point (lon first).
func Point(lat, lon float64) orb.Point {
	return orb.Point{lon, lat}
}

// DistanceKM returns the great-circle distance between two coordinates,
// rounded to 10 metres so stored values stay stable across recomputation.
func DistanceKM(lat1, lon1, lat2, lon2 float64) float64 {
	meters := geo.Distance(Point(lat1, lon1), Point(lat2, lon2))
	return math.Round(meters/10) / 100
}

// HasCoordinates reports whether a row carries a usable position.
// Rows imported without coordinates default to 0,0 which is in the Gulf of Guinea.
func HasCoordinates(lat, lon float64) bool {
	return !(lat == 0 && lon == 0)
}

// ParseBBox reads "minLon,minLat,maxLon,maxLat" into a bound.
func ParseBBox(values []float64) (orb.Bound, bool) {
	if len(values) != 4 {
		return orb.Bound{}, false
	}
	minLon, minLat, maxLon, maxLat := values[0], values[1], values[2], values[3]
	if minLon > maxLon || minLat > maxLat {
		return orb.Bound{}, false
	}
	return orb.Bound{Min: orb.Point{minLon, minLat}, Max: orb.Point{maxLon, maxLat}}, true
}

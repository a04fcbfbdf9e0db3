package geo

import (
	"math"

	"github.com/paulmach/orb"
)

// EarthRadiusMeters is the mean radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate stored as [lng, lat].
type Point = orb.Point

// NewPoint builds a Point from latitude and longitude.
func NewPoint(lat, lng float64) Point {
	return Point{lng, lat}
}

// Ptr returns a pointer to a new Point, for optional coordinates.
func Ptr(lat, lng float64) *Point {
	p := NewPoint(lat, lng)
	return &p
}

// DistanceMeters returns the haversine distance between a and b.
// A nil point yields +Inf, so it never satisfies a radius check.
func DistanceMeters(a, b *Point) float64 {
	if a == nil || b == nil {
		return math.Inf(1)
	}

	lat1, lat2 := toRadians(a.Lat()), toRadians(b.Lat())
	dLat := toRadians(b.Lat() - a.Lat())
	dLng := toRadians(b.Lon() - a.Lon())

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	h = math.Min(1, h)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}

// Within reports whether a lies within radiusMeters of b, boundary included.
func Within(a, b *Point, radiusMeters float64) bool {
	return DistanceMeters(a, b) <= radiusMeters
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Package geo holds the coordinate type shared by the tracker and great-circle distance.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by DistanceKm.
const EarthRadiusKm = 6371.0

// Point is a WGS84 latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
}

// Valid reports whether both coordinates are finite and inside the latitude/longitude ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// DistanceKm returns the haversine great-circle distance between p1 and p2.
// NaN or Inf inputs propagate to the result.
func DistanceKm(p1, p2 Point) float64 {
	dLat := toRad(p2.Lat - p1.Lat)
	dLng := toRad(p2.Lng - p1.Lng)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(p1.Lat))*math.Cos(toRad(p2.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Package geo holds the coordinate type used across the service and the
// closed-form distance and ETA estimates.
package geo

import (
	"encoding/json"
	"fmt"
	"math"
)

const (
	// EarthRadiusKm is the mean earth radius used by Haversine.
	EarthRadiusKm = 6371.0

	// AverageSpeedKmh is the assumed ambulance speed for closed-form ETAs.
	AverageSpeedKmh = 40.0

	// MinETAMinutes is the floor applied to any positive-distance ETA.
	MinETAMinutes = 3

	// FallbackSecondsPerKm is the conservative pace used when a routed
	// estimate is unavailable (about 2 minutes per km).
	FallbackSecondsPerKm = 120.0
)

// Coordinates is a WGS-84 latitude/longitude pair in degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// UnmarshalJSON accepts both {"lat","lng"} and {"latitude","longitude"}.
func (c *Coordinates) UnmarshalJSON(data []byte) error {
	var raw struct {
		Lat       *float64 `json:"lat"`
		Lng       *float64 `json:"lng"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.Lat != nil && raw.Lng != nil:
		c.Lat, c.Lng = *raw.Lat, *raw.Lng
	case raw.Latitude != nil && raw.Longitude != nil:
		c.Lat, c.Lng = *raw.Latitude, *raw.Longitude
	default:
		return fmt.Errorf("coordinates need lat/lng or latitude/longitude")
	}
	return nil
}

// Valid reports whether c is a usable position. The (0,0) point is treated
// as a missing value since no hospital or ambulance is expected there.
func (c Coordinates) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
		return false
	}
	return !(c.Lat == 0 && c.Lng == 0)
}

func (c Coordinates) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Haversine returns the great-circle distance between a and b in km.
func Haversine(a, b Coordinates) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// EstimateETA converts a distance in km to whole minutes at AverageSpeedKmh,
// rounded up with a floor of MinETAMinutes. Zero, negative and non-finite
// distances yield 0.
func EstimateETA(distanceKm float64) int {
	if distanceKm <= 0 || math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) {
		return 0
	}
	// Round away float noise first so 2 km is exactly 3 minutes, not 4.
	minutes := math.Round(distanceKm*60/AverageSpeedKmh*1e6) / 1e6
	eta := int(math.Ceil(minutes))
	if eta < MinETAMinutes {
		return MinETAMinutes
	}
	return eta
}

// RoundKm rounds a distance to one decimal place for display.
func RoundKm(distanceKm float64) float64 {
	return math.Round(distanceKm*10) / 10
}

// FallbackDurationSeconds is the straight-line stand-in for a routed
// travel time.
func FallbackDurationSeconds(distanceKm float64) float64 {
	if distanceKm <= 0 || math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) {
		return 0
	}
	return distanceKm * FallbackSecondsPerKm
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Package geo holds the pure distance, proximity and expiry predicates used
// to filter position reports.
package geo

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/paulloo/countdown3d/pkg/position"
)

const (
	// EarthRadiusKm is the mean Earth radius used by HaversineKm.
	EarthRadiusKm = 6371.0

	// DefaultMinDistanceKm is the proximity threshold below which two reports
	// are considered duplicates.
	DefaultMinDistanceKm = 50.0

	// DefaultWindowMs is the retention window in milliseconds (5 minutes).
	DefaultWindowMs int64 = 300000
)

// HaversineKm returns the great-circle distance between a and b in kilometres.
func HaversineKm(a, b orb.Point) float64 {
	dLat := deg2rad(b.Lat() - a.Lat())
	dLon := deg2rad(b.Lon() - a.Lon())
	la1 := deg2rad(a.Lat())
	la2 := deg2rad(b.Lat())

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(la1)*math.Cos(la2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Rounding can push h just past 1 for antipodal points.
	h = math.Min(1, h)
	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// IsTooClose reports whether a and b are strictly closer than minDistanceKm.
func IsTooClose(a, b orb.Point, minDistanceKm float64) bool {
	return HaversineKm(a, b) < minDistanceKm
}

// IsExpired reports whether p is at least windowMs old at nowMs.
func IsExpired(p position.Position, nowMs, windowMs int64) bool {
	return nowMs-p.Timestamp >= windowMs
}

// Bound returns a lat/lng box that contains every point within radiusKm of
// center. It is a coarse prefilter; callers confirm with HaversineKm. When the
// circle crosses the antimeridian or reaches a pole the box spans every
// longitude.
func Bound(center orb.Point, radiusKm float64) orb.Bound {
	dLat := rad2deg(radiusKm / EarthRadiusKm)
	minLat, maxLat := center.Lat()-dLat, center.Lat()+dLat

	minLon, maxLon := -180.0, 180.0
	cosLat := math.Cos(deg2rad(center.Lat()))
	if minLat > -90 && maxLat < 90 && cosLat > 1e-9 {
		dLon := rad2deg(radiusKm / (EarthRadiusKm * cosLat))
		if center.Lon()-dLon >= -180 && center.Lon()+dLon <= 180 {
			minLon, maxLon = center.Lon()-dLon, center.Lon()+dLon
		}
	}
	return orb.Bound{
		Min: orb.Point{minLon, math.Max(-90, minLat)},
		Max: orb.Point{maxLon, math.Min(90, maxLat)},
	}
}

// Within returns the positions closer than radiusKm to center, preserving
// input order.
func Within(ps []position.Position, center orb.Point, radiusKm float64) []position.Position {
	box := Bound(center, radiusKm)
	out := make([]position.Position, 0, len(ps))
	for _, p := range ps {
		pt := p.Point()
		if !box.Contains(pt) {
			continue
		}
		if HaversineKm(center, pt) < radiusKm {
			out = append(out, p)
		}
	}
	return out
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }

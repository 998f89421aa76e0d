package geo

import (
	"math"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/models"
)

const (
	EarthRadiusMeters = 6371000.0
	// MetersPerDegree is the local equirectangular scale used for segment projection.
	MetersPerDegree = 111320.0
)

// Valid reports whether c holds finite, in-range coordinates.
func Valid(c models.Coord) bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Distance is the great-circle distance in meters.
func Distance(a, b models.Coord) (float64, error) {
	if !Valid(a) || !Valid(b) {
		return 0, apperr.Newf(apperr.GeoInvalidInput, "geo.Distance", "invalid point %v -> %v", a, b)
	}
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng), nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

func haversine(a, b models.Coord) float64 { return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) }

// DistanceToSegment projects p onto segment a-b in a local equirectangular
// frame scaled at p's latitude. Good for the sub-tens-of-km range matching
// works in. Non-finite input yields NaN.
func DistanceToSegment(p, a, b models.Coord) float64 {
	if a.Same(b) {
		return haversine(p, a)
	}
	mLat := MetersPerDegree
	mLng := MetersPerDegree * math.Cos(p.Lat*math.Pi/180)

	px, py := (p.Lng-a.Lng)*mLng, (p.Lat-a.Lat)*mLat
	bx, by := (b.Lng-a.Lng)*mLng, (b.Lat-a.Lat)*mLat

	t := (px*bx + py*by) / (bx*bx + by*by)
	switch {
	case t <= 0:
		t = 0
	case t >= 1:
		t = 1
	}
	dx, dy := px-t*bx, py-t*by
	return math.Sqrt(dx*dx + dy*dy)
}

// MinDistanceToPolyline is the smallest distance from p to any segment or
// vertex of route; +Inf for an empty route. Non-finite vertices are skipped.
func MinDistanceToPolyline(p models.Coord, route []models.Coord) float64 {
	best := math.Inf(1)
	for i := 0; i+1 < len(route); i++ {
		if d := DistanceToSegment(p, route[i], route[i+1]); d < best {
			best = d
		}
		if best == 0 {
			return 0
		}
	}
	for _, v := range route {
		if d := haversine(p, v); d < best {
			best = d
		}
	}
	return best
}

// NearestVertexIndex returns the index of the closest route vertex, or -1
// for an empty route. Ties resolve to the lowest index.
func NearestVertexIndex(p models.Coord, route []models.Coord) int {
	idx, _ := nearestVertex(p, route)
	return idx
}

func nearestVertex(p models.Coord, route []models.Coord) (int, float64) {
	best, bestD := -1, math.Inf(1)
	for i, v := range route {
		if d := haversine(p, v); d < bestD {
			best, bestD = i, d
		}
	}
	return best, bestD
}

// IsPointNearRoute reports whether p lies within radiusMeters of route.
func IsPointNearRoute(p models.Coord, route []models.Coord, radiusMeters float64) bool {
	return MinDistanceToPolyline(p, route) <= radiusMeters
}

// WaypointCheck is the outcome of WaypointsContainedInOrder. FailedAtIndex is
// -1 when OK.
type WaypointCheck struct {
	OK            bool  `json:"ok"`
	Indices       []int `json:"indices"`
	FailedAtIndex int   `json:"failed_at_index"`
}

// WaypointsContainedInOrder checks that every waypoint has a route vertex
// within toleranceMeters and, when requireOrder is set, that those vertex
// indices strictly increase.
func WaypointsContainedInOrder(route, waypoints []models.Coord, toleranceMeters float64, requireOrder bool) WaypointCheck {
	res := WaypointCheck{OK: true, Indices: make([]int, 0, len(waypoints)), FailedAtIndex: -1}
	for w, wp := range waypoints {
		idx, d := nearestVertex(wp, route)
		if idx < 0 || !(d <= toleranceMeters) {
			res.OK, res.FailedAtIndex = false, w
			return res
		}
		res.Indices = append(res.Indices, idx)
	}
	if requireOrder {
		for i := 1; i < len(res.Indices); i++ {
			if res.Indices[i] <= res.Indices[i-1] {
				res.OK, res.FailedAtIndex = false, i
				return res
			}
		}
	}
	return res
}

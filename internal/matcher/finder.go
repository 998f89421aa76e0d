package matcher

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/geo"
	"github.com/example/rideshare-matching/internal/models"
	"github.com/example/rideshare-matching/internal/observability"
	"github.com/example/rideshare-matching/internal/storage"
)

const (
	defaultPruneRadiusMeters = 10000
	defaultScanLimit         = 1200
)

// Criteria describes the trip a rider wants. Zero numeric fields take the
// policy's defaults.
type Criteria struct {
	Origin      *models.Coord `json:"origin"`
	Destination *models.Coord `json:"destination"`
	Date        *time.Time    `json:"date,omitempty"`

	DateToleranceHours float64 `json:"date_tolerance_hours,omitempty"`
	PickupRadiusMeters float64 `json:"pickup_radius_meters,omitempty"`
	DestRadiusMeters   float64 `json:"dest_radius_meters,omitempty"`
	MaxResults         int     `json:"max_results,omitempty"`

	Waypoints               []models.Coord `json:"waypoints,omitempty"`
	WaypointToleranceMeters float64        `json:"waypoint_tolerance_meters,omitempty"`
	RequireWaypointOrder    bool           `json:"require_waypoint_order,omitempty"`
	StopToleranceMeters     float64        `json:"stop_tolerance_meters,omitempty"`
	RequireStopsOrder       bool           `json:"require_stops_order,omitempty"`
}

func (c Criteria) withDefaults(d Defaults) Criteria {
	if c.DateToleranceHours <= 0 {
		c.DateToleranceHours = d.DateToleranceHours
	}
	if c.PickupRadiusMeters <= 0 {
		c.PickupRadiusMeters = d.PickupRadiusMeters
	}
	if c.DestRadiusMeters <= 0 {
		c.DestRadiusMeters = d.DestRadiusMeters
	}
	if c.MaxResults <= 0 {
		c.MaxResults = d.MaxResults
	}
	if c.WaypointToleranceMeters <= 0 {
		c.WaypointToleranceMeters = d.WaypointToleranceMeters
	}
	if c.StopToleranceMeters <= 0 {
		c.StopToleranceMeters = d.StopToleranceMeters
	}
	return c
}

// Strategy finds candidate rides for a rider.
type Strategy interface {
	Find(ctx context.Context, c Criteria) ([]*models.Ride, error)
}

// RideSource is the slice of the store a Finder reads.
type RideSource interface {
	ListRides(ctx context.Context, q storage.RideQuery) ([]*models.Ride, error)
}

// Finder is the single Strategy implementation; its Policy decides how strict
// it is.
type Finder struct {
	Rides  RideSource
	Index  geo.Index // optional prune pass; latitude band query when nil
	Policy Policy
	Logger *zap.Logger

	PruneRadiusMeters float64
	ScanLimit         int
}

func NewFinder(rides RideSource, index geo.Index, policy Policy, log *zap.Logger) *Finder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Finder{
		Rides:             rides,
		Index:             index,
		Policy:            policy,
		Logger:            log,
		PruneRadiusMeters: defaultPruneRadiusMeters,
		ScanLimit:         defaultScanLimit,
	}
}

type scored struct {
	ride  *models.Ride
	score float64
}

func (f *Finder) Find(ctx context.Context, c Criteria) ([]*models.Ride, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()
	observability.SearchesTotal.WithLabelValues(f.Policy.Name).Inc()

	if err := validateCriteria(c, !f.Policy.Prune); err != nil {
		return nil, err
	}
	c = c.withDefaults(f.Policy.Defaults)

	candidates, err := f.candidates(ctx, c)
	if err != nil {
		return nil, err
	}
	observability.SearchCandidates.Observe(float64(len(candidates)))

	results := make([]scored, 0, len(candidates))
	for _, ride := range candidates {
		if score, ok := f.evaluate(ride, c); ok {
			results = append(results, scored{ride: ride, score: score})
		}
	}
	if f.Policy.Ranked {
		sort.SliceStable(results, func(i, j int) bool { return results[i].score < results[j].score })
	}
	if len(results) > c.MaxResults {
		results = results[:c.MaxResults]
	}
	out := make([]*models.Ride, 0, len(results))
	for _, r := range results {
		out = append(out, r.ride)
	}
	observability.MatchesTotal.Add(float64(len(out)))
	f.Logger.Debug("ride search done",
		zap.String("policy", f.Policy.Name),
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(out)))
	return out, nil
}

// validateCriteria fails fast on a rider's own malformed points. Unranked
// (strict) searches need both ends of the trip.
func validateCriteria(c Criteria, requireBoth bool) error {
	if requireBoth && (c.Origin == nil || c.Destination == nil) {
		return apperr.New(apperr.MissingField, "matcher.Find", "origin and destination are required")
	}
	for _, p := range []*models.Coord{c.Origin, c.Destination} {
		if p != nil && !geo.Valid(*p) {
			return apperr.Newf(apperr.GeoInvalidInput, "matcher.Find", "invalid point %v", *p)
		}
	}
	for i, w := range c.Waypoints {
		if !geo.Valid(w) {
			return apperr.Newf(apperr.GeoInvalidInput, "matcher.Find", "invalid waypoint %d", i)
		}
	}
	return nil
}

// candidates fetches rides to evaluate. Strict scans the most recent
// MaxResults rides. Pruned searches look near the origin first and fall back
// to a recent-rides scan only when the prune found nothing.
func (f *Finder) candidates(ctx context.Context, c Criteria) ([]*models.Ride, error) {
	if !f.Policy.Prune {
		rides, err := f.Rides.ListRides(ctx, storage.RideQuery{Limit: c.MaxResults})
		if err != nil {
			return nil, err
		}
		return dedupe(rides), nil
	}

	var rides []*models.Ride
	if c.Origin != nil {
		pruned, err := f.prune(ctx, *c.Origin, math.Max(c.PickupRadiusMeters, f.PruneRadiusMeters))
		if err != nil {
			f.Logger.Warn("ride prune pass failed", zap.Error(err))
		}
		rides = append(rides, pruned...)
	}
	if len(rides) == 0 {
		recent, err := f.Rides.ListRides(ctx, storage.RideQuery{Limit: f.ScanLimit})
		if err != nil {
			return nil, err
		}
		rides = append(rides, recent...)
	}
	return dedupe(rides), nil
}

func (f *Finder) prune(ctx context.Context, origin models.Coord, radius float64) ([]*models.Ride, error) {
	if f.Index != nil {
		ids, err := f.Index.Nearby(ctx, origin, radius, f.ScanLimit)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}
		return f.Rides.ListRides(ctx, storage.RideQuery{IDs: ids, Limit: f.ScanLimit})
	}
	dLat := radius / geo.MetersPerDegree
	lo, hi := origin.Lat-dLat, origin.Lat+dLat
	return f.Rides.ListRides(ctx, storage.RideQuery{MinLat: &lo, MaxLat: &hi, Limit: f.ScanLimit})
}

func dedupe(rides []*models.Ride) []*models.Ride {
	seen := make(map[string]bool, len(rides))
	out := rides[:0:0]
	for _, r := range rides {
		if r == nil || r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

// evaluate runs every check against ride and returns its score (lower is
// better). Bad per-ride data never fails the search.
func (f *Finder) evaluate(ride *models.Ride, c Criteria) (float64, bool) {
	if !ride.Active() {
		return 0, false
	}
	log := f.Logger.With(zap.String("ride_id", ride.ID))
	var score float64
	apply := func(check Check, detail ...zap.Field) bool {
		r := f.Policy.rule(check)
		switch r.Action {
		case Exclude:
			log.Debug("ride excluded", append(detail, zap.Stringer("check", check))...)
			return false
		case Penalize:
			score += r.Penalty
		}
		return true
	}

	if seats, known := ride.AvailableSeats(); !known {
		if !apply(CheckSeatsUnknown) {
			return 0, false
		}
	} else if seats <= 0 {
		if !apply(CheckNoSeats, zap.Int("seats", seats)) {
			return 0, false
		}
	}

	if c.Date != nil {
		if ride.Date == nil {
			if !apply(CheckDateMissing) {
				return 0, false
			}
		} else {
			diff := ride.Date.Sub(*c.Date)
			if diff < 0 {
				diff = -diff
			}
			if diff.Hours() > c.DateToleranceHours && !apply(CheckDateWindow, zap.Duration("diff", diff)) {
				return 0, false
			}
			score += diff.Seconds()
		}
	}

	hasRoute := ride.HasRoute()
	if len(c.Waypoints) > 0 {
		if !hasRoute {
			if !apply(CheckRouteMissing) {
				return 0, false
			}
		} else if wp := geo.WaypointsContainedInOrder(ride.Route, c.Waypoints, c.WaypointToleranceMeters, c.RequireWaypointOrder); !wp.OK {
			if !apply(CheckWaypoints, zap.Int("failed_at", wp.FailedAtIndex)) {
				return 0, false
			}
		}
	}

	originIdx, destIdx := -1, -1
	if c.Origin != nil {
		dist, idx := sideDistance(*c.Origin, ride, ride.StartLocation, hasRoute, math.Min(c.StopToleranceMeters, c.PickupRadiusMeters))
		originIdx = idx
		if idx < 0 && !(dist <= c.PickupRadiusMeters) && !apply(CheckPickup, zap.Float64("dist", dist)) {
			return 0, false
		}
		score += dist
	}
	if c.Destination != nil {
		dist, idx := sideDistance(*c.Destination, ride, ride.EndLocation, hasRoute, math.Min(c.StopToleranceMeters, c.DestRadiusMeters))
		destIdx = idx
		if idx < 0 && !(dist <= c.DestRadiusMeters) && !apply(CheckDestination, zap.Float64("dist", dist)) {
			return 0, false
		}
		score += dist
	}
	if c.RequireStopsOrder && originIdx >= 0 && destIdx >= 0 && originIdx >= destIdx {
		if !apply(CheckStopsOrder, zap.Int("origin_idx", originIdx), zap.Int("dest_idx", destIdx)) {
			return 0, false
		}
	}
	return score, true
}

// sideDistance measures how far p is from the ride. With a route, a vertex
// within stopTol counts as a stop and its index is returned. Callers cap
// stopTol at the side's radius so a stop never widens the search; otherwise the
// polyline distance is used. Without a route the scalar fallback location is
// used. Unknown or malformed data yields +Inf.
func sideDistance(p models.Coord, ride *models.Ride, fallback *models.Coord, hasRoute bool, stopTol float64) (float64, int) {
	if hasRoute {
		if stopTol > 0 {
			if idx := geo.NearestVertexIndex(p, ride.Route); idx >= 0 {
				if d := geo.Haversine(p.Lat, p.Lng, ride.Route[idx].Lat, ride.Route[idx].Lng); d <= stopTol {
					return d, idx
				}
			}
		}
		return finite(geo.MinDistanceToPolyline(p, ride.Route)), -1
	}
	if fallback == nil || !geo.Valid(*fallback) {
		return math.Inf(1), -1
	}
	d, err := geo.Distance(p, *fallback)
	if err != nil {
		return math.Inf(1), -1
	}
	return d, -1
}

func finite(d float64) float64 {
	if math.IsNaN(d) {
		return math.Inf(1)
	}
	return d
}

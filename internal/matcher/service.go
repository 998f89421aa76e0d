package matcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/geo"
	"github.com/example/rideshare-matching/internal/models"
	"github.com/example/rideshare-matching/internal/observability"
	"github.com/example/rideshare-matching/internal/profile"
	"github.com/example/rideshare-matching/internal/storage"
)

// minFallbackResults is the floor applied to MaxResults when a strict search
// falls back to the permissive policy.
const minFallbackResults = 200

type SearchOptions struct {
	Permissive         bool `json:"permissive"`
	PermissiveFallback bool `json:"permissive_fallback"`
}

// Service publishes rides and runs searches over them.
type Service struct {
	Store     storage.Store
	Index     geo.Index      // optional
	Profiles  profile.Lookup // optional; nil skips driver verification
	Penalties Penalties
	Logger    *zap.Logger
	Now       func() time.Time
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Strategy returns the finder for the requested policy.
func (s *Service) Strategy(permissive bool) Strategy {
	policy := StrictPolicy()
	if permissive {
		policy = PermissivePolicy(true, s.penalties())
	}
	return NewFinder(s.Store, s.Index, policy, s.logger())
}

func (s *Service) penalties() Penalties {
	if s.Penalties == (Penalties{}) {
		return DefaultPenalties
	}
	return s.Penalties
}

// Search runs the strict policy unless Permissive is set. With
// PermissiveFallback an empty strict result is retried permissively with at
// least minFallbackResults results.
func (s *Service) Search(ctx context.Context, c Criteria, opts SearchOptions) ([]*models.Ride, error) {
	rides, err := s.Strategy(opts.Permissive).Find(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(rides) > 0 || opts.Permissive || !opts.PermissiveFallback {
		return rides, nil
	}
	observability.FallbacksTotal.Inc()
	s.logger().Debug("strict search empty, trying permissive fallback")
	fc := c
	if fc.MaxResults < minFallbackResults {
		fc.MaxResults = minFallbackResults
	}
	return s.Strategy(true).Find(ctx, fc)
}

// PublishRide validates and stores a driver's ride and indexes its start.
// Drivers must be verified when a profile lookup is configured.
func (s *Service) PublishRide(ctx context.Context, ride *models.Ride) (*models.Ride, error) {
	const op = "matcher.PublishRide"
	if ride == nil || ride.DriverID == "" {
		return nil, apperr.New(apperr.MissingField, op, "driverId is required")
	}
	if !ride.HasRoute() && (ride.StartLocation == nil || ride.EndLocation == nil) {
		return nil, apperr.New(apperr.MissingField, op, "a route or start and end locations are required")
	}
	for _, p := range ride.Route {
		if !geo.Valid(p) {
			return nil, apperr.Newf(apperr.GeoInvalidInput, op, "invalid route point %v", p)
		}
	}
	for _, p := range []*models.Coord{ride.StartLocation, ride.EndLocation} {
		if p != nil && !geo.Valid(*p) {
			return nil, apperr.Newf(apperr.GeoInvalidInput, op, "invalid point %v", *p)
		}
	}
	if s.Profiles != nil {
		p, err := s.Profiles.Get(ctx, ride.DriverID)
		if err != nil && apperr.KindOf(err) != apperr.NotFound {
			return nil, err
		}
		if p == nil || !p.Verified {
			return nil, apperr.New(apperr.Forbidden, op, "only verified drivers can publish rides")
		}
	}

	out := ride.Clone()
	now := s.now()
	if out.ID == "" {
		out.ID = uuid.NewString()
		out.CreatedAt = now
	} else if existing, err := s.Store.GetRide(ctx, out.ID); err == nil {
		if existing.DriverID != out.DriverID {
			return nil, apperr.New(apperr.Forbidden, op, "ride belongs to another driver")
		}
		out.CreatedAt = existing.CreatedAt
	} else if apperr.KindOf(err) == apperr.NotFound {
		out.CreatedAt = now
	} else {
		return nil, err
	}
	out.UpdatedAt = now
	if out.SeatsAvailable == nil && out.Seats != nil {
		seats := *out.Seats
		out.SeatsAvailable = &seats
	}
	if err := s.Store.SaveRide(ctx, out); err != nil {
		return nil, err
	}
	s.index(ctx, out)
	return out, nil
}

func (s *Service) index(ctx context.Context, ride *models.Ride) {
	if s.Index == nil {
		return
	}
	var at *models.Coord
	switch {
	case ride.StartLocation != nil:
		at = ride.StartLocation
	case len(ride.Route) > 0:
		at = &ride.Route[0]
	}
	if at == nil || !ride.Active() {
		if err := s.Index.Remove(ctx, ride.ID); err != nil {
			s.logger().Warn("ride index remove failed", zap.String("ride_id", ride.ID), zap.Error(err))
			return
		}
		observability.RideIndexOps.WithLabelValues("remove").Inc()
		return
	}
	if err := s.Index.Upsert(ctx, ride.ID, *at); err != nil {
		s.logger().Warn("ride index upsert failed", zap.String("ride_id", ride.ID), zap.Error(err))
		return
	}
	observability.RideIndexOps.WithLabelValues("upsert").Inc()
}

// RemoveRide deletes a ride owned by driverID.
func (s *Service) RemoveRide(ctx context.Context, rideID, driverID string) error {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.DriverID != driverID {
		return apperr.New(apperr.Forbidden, "matcher.RemoveRide", "ride belongs to another driver")
	}
	if err := s.Store.DeleteRide(ctx, rideID); err != nil {
		return err
	}
	if s.Index != nil {
		if err := s.Index.Remove(ctx, rideID); err != nil {
			s.logger().Warn("ride index remove failed", zap.String("ride_id", rideID), zap.Error(err))
		} else {
			observability.RideIndexOps.WithLabelValues("remove").Inc()
		}
	}
	return nil
}

// RequestsForRide lists open requests that fit the stored ride.
func (s *Service) RequestsForRide(ctx context.Context, rideID string, opts RequestMatchOptions) ([]*models.Request, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return FindRequestsForRide(ctx, s.Store, ride, opts)
}

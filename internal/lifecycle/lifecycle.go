// Package lifecycle drives a ride request from creation to a terminal state
// and lets callers watch it move.
package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/events"
	"github.com/example/rideshare-matching/internal/geo"
	"github.com/example/rideshare-matching/internal/matcher"
	"github.com/example/rideshare-matching/internal/models"
	"github.com/example/rideshare-matching/internal/observability"
	"github.com/example/rideshare-matching/internal/profile"
	"github.com/example/rideshare-matching/internal/storage"
)

// defaultOpenLimit caps the open-request feed when the caller sets no limit.
const defaultOpenLimit = 100

// Searcher runs the rider-side ride search used by CreateWithPrecheck.
type Searcher interface {
	Search(ctx context.Context, c matcher.Criteria, opts matcher.SearchOptions) ([]*models.Ride, error)
}

// Service owns request creation and the rider-side transitions. Accept and
// reject live in the assignment package.
type Service struct {
	Store    storage.Store
	Profiles profile.Lookup   // optional; used for the requester name snapshot
	Search   Searcher         // required by CreateWithPrecheck
	Events   events.Publisher // optional
	Logger   *zap.Logger
	Now      func() time.Time
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

// CreateInput is a rider's new request. A non-empty RideID binds it to one
// ride; otherwise it is broadcast to every driver.
type CreateInput struct {
	RiderID        string        `json:"rider_id"`
	PassengerCount int           `json:"passenger_count"`
	Note           string        `json:"note,omitempty"`
	Origin         *models.Coord `json:"origin,omitempty"`
	Destination    *models.Coord `json:"destination,omitempty"`
	Date           *time.Time    `json:"date,omitempty"`
	RideID         string        `json:"ride_id,omitempty"`
	Price          *float64      `json:"price,omitempty"`
}

func validateCoords(op string, pts ...*models.Coord) error {
	for _, p := range pts {
		if p != nil && !geo.Valid(*p) {
			return apperr.Newf(apperr.GeoInvalidInput, op, "invalid point %v", *p)
		}
	}
	return nil
}

// Create stores a new request in open or pending state.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Request, error) {
	const op = "lifecycle.Create"
	if in.RiderID == "" {
		return nil, apperr.New(apperr.MissingField, op, "riderId is required")
	}
	if in.PassengerCount < 1 {
		return nil, apperr.New(apperr.MissingField, op, "passengerCount must be at least 1")
	}
	if err := validateCoords(op, in.Origin, in.Destination); err != nil {
		return nil, err
	}
	status, kind, owner := models.StatusOpen, "open", ""
	if in.RideID != "" {
		ride, err := s.Store.GetRide(ctx, in.RideID)
		if err != nil {
			return nil, err
		}
		status, kind, owner = models.StatusPending, "bound", ride.DriverID
	}

	now := s.now()
	req := &models.Request{
		ID:             uuid.NewString(),
		UserID:         in.RiderID,
		RequesterName:  s.requesterName(ctx, in.RiderID),
		RideID:         in.RideID,
		Origin:         in.Origin,
		Destination:    in.Destination,
		Date:           in.Date,
		PassengerCount: in.PassengerCount,
		Note:           strings.TrimSpace(in.Note),
		Price:          in.Price,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	observability.RequestsCreated.WithLabelValues(kind).Inc()
	s.logger().Info("request created",
		zap.String("request_id", req.ID),
		zap.String("ride_id", req.RideID),
		zap.String("status", string(req.Status)))
	ev := eventFor(models.EventRequestCreated, req, now)
	ev.RideOwnerID = owner
	events.Emit(ctx, s.Events, s.logger(), ev)
	return req, nil
}

// requesterName snapshots the rider's display name. A lookup failure leaves
// the name empty.
func (s *Service) requesterName(ctx context.Context, riderID string) string {
	if s.Profiles == nil {
		return ""
	}
	p, err := s.Profiles.Get(ctx, riderID)
	if err != nil {
		if apperr.KindOf(err) != apperr.NotFound {
			s.logger().Debug("requester profile lookup failed", zap.String("user_id", riderID), zap.Error(err))
		}
		return ""
	}
	return p.Label()
}

// PrecheckOptions control CreateWithPrecheck. Criteria carries the search
// tuning; its Origin, Destination and Date are taken from the input.
type PrecheckOptions struct {
	Permissive         bool             `json:"permissive"`
	PermissiveFallback bool             `json:"permissive_fallback"`
	AutoCreateOpen     bool             `json:"auto_create_open"`
	Criteria           matcher.Criteria `json:"criteria"`
}

type PrecheckResult struct {
	Matched   bool           `json:"matched"`
	Matches   []*models.Ride `json:"matches,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// CreateWithPrecheck searches for rides first and only creates an open
// request when nothing matched and AutoCreateOpen is set. Store failures in
// the search are logged and treated as no matches; invalid input is returned.
func (s *Service) CreateWithPrecheck(ctx context.Context, in CreateInput, opts PrecheckOptions) (PrecheckResult, error) {
	const op = "lifecycle.CreateWithPrecheck"
	if in.RiderID == "" {
		return PrecheckResult{}, apperr.New(apperr.MissingField, op, "riderId is required")
	}
	c := opts.Criteria
	c.Origin, c.Destination, c.Date = in.Origin, in.Destination, in.Date

	matches, err := s.Search.Search(ctx, c, matcher.SearchOptions{
		Permissive:         opts.Permissive,
		PermissiveFallback: opts.PermissiveFallback,
	})
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.MissingField, apperr.GeoInvalidInput:
			return PrecheckResult{}, err
		}
		s.logger().Warn("precheck search failed", zap.String("user_id", in.RiderID), zap.Error(err))
		matches = nil
	}
	if len(matches) > 0 {
		return PrecheckResult{Matched: true, Matches: matches}, nil
	}
	if !opts.AutoCreateOpen {
		return PrecheckResult{}, nil
	}
	in.RideID = ""
	req, err := s.Create(ctx, in)
	if err != nil {
		return PrecheckResult{}, err
	}
	return PrecheckResult{RequestID: req.ID}, nil
}

// RequestPatch holds the rider-editable fields. Nil fields are left alone.
type RequestPatch struct {
	Note           *string       `json:"note,omitempty"`
	Date           *time.Time    `json:"date,omitempty"`
	PassengerCount *int          `json:"passenger_count,omitempty"`
	Origin         *models.Coord `json:"origin,omitempty"`
	Destination    *models.Coord `json:"destination,omitempty"`
	Price          *float64      `json:"price,omitempty"`
}

// Update applies a rider's edit to a request that has not reached a terminal
// state.
func (s *Service) Update(ctx context.Context, id string, p RequestPatch) (*models.Request, error) {
	const op = "lifecycle.Update"
	if p.PassengerCount != nil && *p.PassengerCount < 1 {
		return nil, apperr.New(apperr.MissingField, op, "passengerCount must be at least 1")
	}
	if err := validateCoords(op, p.Origin, p.Destination); err != nil {
		return nil, err
	}
	var out *models.Request
	err := s.Store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		req, err := tx.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return apperr.Newf(apperr.InvalidTransition, op, "request is %s", req.Status)
		}
		if p.Note != nil {
			req.Note = strings.TrimSpace(*p.Note)
		}
		if p.Date != nil {
			d := *p.Date
			req.Date = &d
		}
		if p.PassengerCount != nil {
			req.PassengerCount = *p.PassengerCount
		}
		if p.Origin != nil {
			o := *p.Origin
			req.Origin = &o
		}
		if p.Destination != nil {
			d := *p.Destination
			req.Destination = &d
		}
		if p.Price != nil {
			v := *p.Price
			req.Price = &v
		}
		req.UpdatedAt = s.now()
		out = req
		return tx.PutRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel moves a non-terminal request to cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Request, error) {
	const op = "lifecycle.Cancel"
	var out *models.Request
	err := s.Store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		req, err := tx.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return apperr.Newf(apperr.InvalidTransition, op, "request is already %s", req.Status)
		}
		req.Status = models.StatusCancelled
		req.UpdatedAt = s.now()
		out = req
		return tx.PutRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	s.logger().Info("request cancelled", zap.String("request_id", id))
	events.Emit(ctx, s.Events, s.logger(), eventFor(models.EventRequestCancelled, out, out.UpdatedAt))
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Request, error) {
	return s.Store.GetRequest(ctx, id)
}

// Filter selects the requests a subscription watches. Exactly one of
// RequestID, RideID, DriverID or OpenOnly is expected.
type Filter struct {
	RequestID string
	RideID    string
	DriverID  string
	OpenOnly  bool
	Limit     int
}

func (f Filter) storage() (storage.RequestFilter, error) {
	sf := storage.RequestFilter{RequestID: f.RequestID, RideID: f.RideID, DriverID: f.DriverID, Limit: f.Limit}
	if f.OpenOnly {
		sf.Status = models.StatusOpen
		if sf.Limit <= 0 {
			sf.Limit = defaultOpenLimit
		}
	}
	if sf == (storage.RequestFilter{Limit: sf.Limit}) {
		return sf, apperr.New(apperr.MissingField, "lifecycle.Filter", "a request, ride, driver or open filter is required")
	}
	return sf, nil
}

// Subscribe delivers the current matching requests immediately and again
// after every change, in the order the store committed them, until the
// returned subscription is cancelled.
func (s *Service) Subscribe(f Filter, onChange func([]*models.Request), onError func(error)) (storage.Subscription, error) {
	sf, err := f.storage()
	if err != nil {
		return nil, err
	}
	return s.Store.SubscribeRequests(sf, onChange, onError), nil
}

// List returns the requests matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*models.Request, error) {
	sf, err := f.storage()
	if err != nil {
		return nil, err
	}
	return s.Store.ListRequests(ctx, sf)
}

func eventFor(t models.EventType, r *models.Request, at time.Time) models.RequestEvent {
	return models.RequestEvent{
		Type:           t,
		RequestID:      r.ID,
		RideID:         r.RideID,
		RiderID:        r.UserID,
		DriverID:       r.DriverID,
		ConversationID: r.ConversationID,
		Status:         r.Status,
		At:             at,
	}
}

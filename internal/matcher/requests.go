package matcher

import (
	"context"

	"github.com/example/rideshare-matching/internal/models"
	"github.com/example/rideshare-matching/internal/storage"
)

// RequestMatchOptions tune the driver-side search for open requests.
type RequestMatchOptions struct {
	DateToleranceHours float64 `json:"date_tolerance_hours,omitempty"`
	PickupRadiusMeters float64 `json:"pickup_radius_meters,omitempty"`
	DestRadiusMeters   float64 `json:"dest_radius_meters,omitempty"`
	MaxResults         int     `json:"max_results,omitempty"`
}

func (o RequestMatchOptions) withDefaults() RequestMatchOptions {
	if o.DateToleranceHours <= 0 {
		o.DateToleranceHours = 2
	}
	if o.PickupRadiusMeters <= 0 {
		o.PickupRadiusMeters = 1000
	}
	if o.DestRadiusMeters <= 0 {
		o.DestRadiusMeters = 1000
	}
	if o.MaxResults <= 0 {
		o.MaxResults = 200
	}
	return o
}

// RequestSource is the slice of the store FindRequestsForRide reads.
type RequestSource interface {
	ListRequests(ctx context.Context, f storage.RequestFilter) ([]*models.Request, error)
}

// FindRequestsForRide returns the most recent open requests whose pickup and
// drop-off both lie near ride.
func FindRequestsForRide(ctx context.Context, src RequestSource, ride *models.Ride, opts RequestMatchOptions) ([]*models.Request, error) {
	opts = opts.withDefaults()
	open, err := src.ListRequests(ctx, storage.RequestFilter{Status: models.StatusOpen, Limit: opts.MaxResults})
	if err != nil {
		return nil, err
	}
	return FilterRequestsForRide(ride, open, opts), nil
}

// FilterRequestsForRide keeps the requests that fit ride, preserving order.
func FilterRequestsForRide(ride *models.Ride, reqs []*models.Request, opts RequestMatchOptions) []*models.Request {
	opts = opts.withDefaults()
	out := make([]*models.Request, 0)
	if ride == nil {
		return out
	}
	hasRoute := ride.HasRoute()
	for _, r := range reqs {
		if r == nil || r.Origin == nil || r.Destination == nil {
			continue
		}
		if ride.Date != nil && r.Date != nil {
			diff := ride.Date.Sub(*r.Date)
			if diff < 0 {
				diff = -diff
			}
			if diff.Hours() > opts.DateToleranceHours {
				continue
			}
		}
		if d, _ := sideDistance(*r.Origin, ride, ride.StartLocation, hasRoute, 0); !(d <= opts.PickupRadiusMeters) {
			continue
		}
		if d, _ := sideDistance(*r.Destination, ride, ride.EndLocation, hasRoute, 0); !(d <= opts.DestRadiusMeters) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Package assignment binds a request to a driver. Accept mutates the request,
// the conversation and the ride's seat count in one store transaction; the
// initial chat message is sent afterwards and may fail on its own.
package assignment

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/conversation"
	"github.com/example/rideshare-matching/internal/events"
	"github.com/example/rideshare-matching/internal/models"
	"github.com/example/rideshare-matching/internal/observability"
	"github.com/example/rideshare-matching/internal/profile"
	"github.com/example/rideshare-matching/internal/storage"
)

// Sender appends a chat message. conversation.Messenger implements it.
type Sender interface {
	Send(ctx context.Context, convID, senderID, text, senderName string) (*models.Message, error)
}

type Service struct {
	Store    storage.Store
	Identity *conversation.Identity
	Messages Sender
	Profiles profile.Lookup   // optional; sender name on the initial message
	Events   events.Publisher // optional
	Logger   *zap.Logger
	Now      func() time.Time
}

type AcceptResult struct {
	ConversationID string `json:"conversation_id"`
	RequestID      string `json:"request_id"`
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

func checkAssignable(op string, r *models.Request) error {
	if r.DriverID != "" || r.Status == models.StatusAccepted {
		return apperr.Newf(apperr.AlreadyAssigned, op, "request %s already has a driver", r.ID)
	}
	if !r.Status.Assignable() {
		return apperr.Newf(apperr.InvalidTransition, op, "request %s is %s", r.ID, r.Status)
	}
	return nil
}

// Accept assigns requestID to driverID and returns the conversation the two
// parties share. Concurrent accepts on the same request commit at most once;
// the losers see apperr.AlreadyAssigned.
func (s *Service) Accept(ctx context.Context, requestID, driverID, initialMessage string) (AcceptResult, error) {
	const op = "assignment.Accept"
	res, err := s.accept(ctx, op, requestID, driverID, strings.TrimSpace(initialMessage))
	observability.AssignmentsTotal.WithLabelValues("accept", outcome(err)).Inc()
	return res, err
}

func (s *Service) accept(ctx context.Context, op, requestID, driverID, initialMessage string) (AcceptResult, error) {
	if requestID == "" {
		return AcceptResult{}, apperr.New(apperr.MissingField, op, "requestId is required")
	}
	if driverID == "" {
		return AcceptResult{}, apperr.New(apperr.MissingField, op, "driverId is required")
	}

	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return AcceptResult{}, err
	}
	if req.UserID == "" {
		return AcceptResult{}, apperr.Newf(apperr.MissingField, op, "request %s has no rider", requestID)
	}
	if req.UserID == driverID {
		return AcceptResult{}, apperr.New(apperr.InvalidTransition, op, "a rider cannot accept their own request")
	}
	if err := checkAssignable(op, req); err != nil {
		return AcceptResult{}, err
	}

	convID := conversation.DeterministicID(driverID, req.UserID, req.RideID)
	if s.Identity != nil {
		existing, err := s.Identity.Resolve(ctx, driverID, req.UserID, req.RideID)
		if err != nil {
			s.logger().Warn("conversation lookup failed, using deterministic id",
				zap.String("request_id", requestID), zap.Error(err))
		} else if existing != nil {
			convID = existing.ID
		}
	}

	var accepted *models.Request
	err = s.Store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		accepted = nil
		r, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := checkAssignable(op, r); err != nil {
			return err
		}
		now := s.now()

		_, err = tx.GetConversation(ctx, convID)
		switch {
		case err == nil:
		case apperr.KindOf(err) == apperr.NotFound:
			err = tx.PutConversation(ctx, &models.Conversation{
				ID:           convID,
				Participants: []string{driverID, r.UserID},
				RideID:       r.RideID,
				LastMessage:  initialMessage,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
			if err != nil {
				return err
			}
		default:
			return err
		}

		var ride *models.Ride
		if r.RideID != "" {
			ride, err = tx.GetRide(ctx, r.RideID)
			if err != nil && apperr.KindOf(err) != apperr.NotFound {
				return err
			}
		}

		r.DriverID = driverID
		r.Status = models.StatusAccepted
		r.ConversationID = convID
		r.AssignedAt = &now
		r.UpdatedAt = now
		if err := tx.PutRequest(ctx, r); err != nil {
			return err
		}

		// Seat counts are decremented as stored; a negative result is left
		// for data-quality checks.
		if ride != nil {
			if seats, ok := ride.AvailableSeats(); ok && seats > 0 {
				n := r.PassengerCount
				if n < 1 {
					n = 1
				}
				left := seats - n
				ride.SeatsAvailable = &left
				ride.UpdatedAt = now
				if err := tx.PutRide(ctx, ride); err != nil {
					return err
				}
			}
		}
		accepted = r
		return nil
	})
	if err != nil {
		return AcceptResult{}, err
	}

	log := s.logger().With(zap.String("request_id", requestID), zap.String("driver_id", driverID))
	log.Info("request accepted", zap.String("conversation_id", convID))

	if initialMessage != "" && s.Messages != nil {
		if _, err := s.Messages.Send(ctx, convID, driverID, initialMessage, s.senderName(ctx, driverID)); err != nil {
			log.Warn("initial message not sent", zap.String("conversation_id", convID), zap.Error(err))
		}
	}
	events.Emit(ctx, s.Events, s.logger(), eventFor(models.EventRequestAccepted, accepted))
	return AcceptResult{ConversationID: convID, RequestID: requestID}, nil
}

func (s *Service) senderName(ctx context.Context, userID string) string {
	if s.Profiles == nil {
		return ""
	}
	p, err := s.Profiles.Get(ctx, userID)
	if err != nil {
		return ""
	}
	return p.Label()
}

// Reject records that driverID declined the request. A request someone else
// already accepted is never overwritten.
func (s *Service) Reject(ctx context.Context, requestID, driverID string) error {
	const op = "assignment.Reject"
	err := s.reject(ctx, op, requestID, driverID)
	observability.AssignmentsTotal.WithLabelValues("reject", outcome(err)).Inc()
	return err
}

func (s *Service) reject(ctx context.Context, op, requestID, driverID string) error {
	if requestID == "" {
		return apperr.New(apperr.MissingField, op, "requestId is required")
	}
	if driverID == "" {
		return apperr.New(apperr.MissingField, op, "driverId is required")
	}
	var rejected *models.Request
	err := s.Store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		rejected = nil
		r, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		switch r.Status {
		case models.StatusAccepted:
			return apperr.Newf(apperr.AlreadyAssigned, op, "request %s was already accepted", requestID)
		case models.StatusCancelled:
			return apperr.Newf(apperr.InvalidTransition, op, "request %s was cancelled", requestID)
		}
		now := s.now()
		r.Status = models.StatusRejected
		r.DriverDeclinedBy = driverID
		r.DriverDeclinedAt = &now
		r.UpdatedAt = now
		rejected = r
		return tx.PutRequest(ctx, r)
	})
	if err != nil {
		return err
	}
	s.logger().Info("request rejected", zap.String("request_id", requestID), zap.String("driver_id", driverID))
	events.Emit(ctx, s.Events, s.logger(), eventFor(models.EventRequestRejected, rejected))
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.KindOf(err).String()
}

func eventFor(t models.EventType, r *models.Request) models.RequestEvent {
	return models.RequestEvent{
		Type:           t,
		RequestID:      r.ID,
		RideID:         r.RideID,
		RiderID:        r.UserID,
		DriverID:       r.DriverID,
		ConversationID: r.ConversationID,
		Status:         r.Status,
		At:             r.UpdatedAt,
	}
}

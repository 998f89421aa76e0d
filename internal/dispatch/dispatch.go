// Package dispatch turns request events into user notifications and
// delivers them over live sockets or mobile push.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/models"
)

// Notifier delivers one notification to one user.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// ErrNoDevice is returned when the user has no reachable device on a channel.
var ErrNoDevice = errors.New("dispatch: no device for user")

// NotificationFor maps a request event to the notification its counterpart
// should receive. New bound requests go to the ride's driver; status changes
// go to the rider. Open requests are not announced.
func NotificationFor(ev models.RequestEvent) (models.Notification, bool) {
	data := map[string]string{"request_id": ev.RequestID}
	if ev.RideID != "" {
		data["ride_id"] = ev.RideID
	}
	switch ev.Type {
	case models.EventRequestCreated:
		if ev.RideOwnerID == "" {
			return models.Notification{}, false
		}
		data["type"] = "request_created"
		return models.Notification{
			UserID: ev.RideOwnerID,
			Title:  "New request",
			Body:   "Someone asked for a seat on your ride.",
			Data:   data,
		}, true
	case models.EventRequestAccepted, models.EventRequestRejected, models.EventRequestCancelled:
		if ev.RiderID == "" {
			return models.Notification{}, false
		}
		data["type"] = "request_updated"
		data["status"] = string(ev.Status)
		n := models.Notification{
			UserID: ev.RiderID,
			Title:  "Request updated",
			Body:   fmt.Sprintf("Your request is %s.", ev.Status),
			Data:   data,
		}
		if ev.Status == models.StatusAccepted {
			n.Title = "Request accepted"
			n.Body = "The driver accepted your request."
			if ev.ConversationID != "" {
				data["conversation_id"] = ev.ConversationID
			}
		}
		return n, true
	}
	return models.Notification{}, false
}

// Multi delivers to every notifier and succeeds if at least one did.
// ErrNoDevice from a channel is not counted as a failure.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n models.Notification) error {
	var errs []error
	delivered := false
	for _, nt := range m {
		err := nt.Notify(ctx, n)
		switch {
		case err == nil:
			delivered = true
		case errors.Is(err, ErrNoDevice):
		default:
			errs = append(errs, err)
		}
	}
	if delivered {
		return nil
	}
	if len(errs) == 0 {
		return ErrNoDevice
	}
	return errors.Join(errs...)
}

// LogNotifier only logs. Used when no delivery channel is configured.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, n models.Notification) error {
	if l.Logger != nil {
		l.Logger.Info("notification", zap.String("user_id", n.UserID), zap.String("title", n.Title))
	}
	return nil
}

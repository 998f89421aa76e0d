// Package events publishes request transitions to downstream consumers.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/models"
)

// Publisher delivers request events. Publishing happens after the state
// change is durable, so callers treat failures as best effort.
type Publisher interface {
	Publish(ctx context.Context, ev models.RequestEvent) error
	Close() error
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev models.RequestEvent) error {
	if p.Logger != nil {
		p.Logger.Info("request event",
			zap.String("type", string(ev.Type)),
			zap.String("request_id", ev.RequestID),
			zap.String("status", string(ev.Status)))
	}
	return nil
}

func (LogPublisher) Close() error { return nil }

// Emit publishes ev on p and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, log *zap.Logger, ev models.RequestEvent) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil && log != nil {
		log.Warn("publish request event failed",
			zap.String("type", string(ev.Type)),
			zap.String("request_id", ev.RequestID),
			zap.Error(err))
	}
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/models"
)

// DefaultChannel carries notifications from the consumer to API servers.
const DefaultChannel = "notifications"

// RedisPublisher hands notifications to whichever API server holds the
// user's socket.
type RedisPublisher struct {
	Client  *redis.Client
	Channel string
}

func (p *RedisPublisher) Notify(ctx context.Context, n models.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	receivers, err := p.Client.Publish(ctx, p.Channel, b).Result()
	if err != nil {
		return err
	}
	if receivers == 0 {
		return ErrNoDevice
	}
	return nil
}

// Relay subscribes to the notification channel and forwards every message to
// the local socket registry.
type Relay struct {
	Client  *redis.Client
	Channel string
	Local   Notifier
	Logger  *zap.Logger
}

// Run blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	sub := r.Client.Subscribe(ctx, r.Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(ctx, msg.Payload)
		}
	}
}

func (r *Relay) forward(ctx context.Context, payload string) {
	var n models.Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		r.Logger.Warn("invalid notification payload", zap.Error(err))
		return
	}
	if err := r.Local.Notify(ctx, n); err != nil && !errors.Is(err, ErrNoDevice) {
		r.Logger.Warn("local notification failed", zap.String("user_id", n.UserID), zap.Error(err))
	}
}

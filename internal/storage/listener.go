package storage

import (
	"context"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/models"
)

// Listen subscribes to request change notifications so subscribers see
// writes made by any process sharing the database.
func (p *PostgresStore) Listen(dsn string) error {
	log := p.opts.Logger
	l := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("request listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err := l.Listen(requestChannel); err != nil {
		l.Close()
		return classify("storage.Listen", err)
	}
	p.listener = l
	go p.forward(l)
	return nil
}

func (p *PostgresStore) forward(l *pq.Listener) {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-p.done:
			return
		case n, ok := <-l.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect; anything may have changed.
			id := ""
			if n != nil {
				id = n.Extra
			}
			p.fanOut(id)
		case <-ping.C:
			if err := l.Ping(); err != nil {
				p.opts.Logger.Warn("request listener ping failed", zap.Error(err))
			}
		}
	}
}

func (p *PostgresStore) fanOut(requestID string) {
	p.hub.publish(func(f RequestFilter) bool {
		return requestID == "" || f.RequestID == "" || f.RequestID == requestID
	}, func(f RequestFilter) ([]*models.Request, error) {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		return p.ListRequests(ctx, f)
	})
}

// announce refreshes local subscribers after a committed request write when
// no listener is running. With a listener the NOTIFY round trip does it.
func (p *PostgresStore) announce(ids ...string) {
	if p.listener != nil {
		return
	}
	for _, id := range ids {
		p.fanOut(id)
	}
}

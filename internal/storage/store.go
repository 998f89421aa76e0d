package storage

import (
	"context"
	"time"

	"github.com/example/rideshare-matching/internal/models"
)

// RideQuery selects rides, newest first. A zero query returns the most recent
// rides up to Limit.
type RideQuery struct {
	Limit int
	// IDs restricts the result to these rides (prune pass output).
	IDs []string
	// MinLat/MaxLat bound the latitude of the ride's start location.
	MinLat, MaxLat *float64
}

// RequestFilter selects requests. Empty fields are wildcards.
type RequestFilter struct {
	RequestID string
	RideID    string
	DriverID  string
	Status    models.RequestStatus
	Limit     int
}

func (f RequestFilter) Matches(r *models.Request) bool {
	if r == nil {
		return false
	}
	if f.RequestID != "" && r.ID != f.RequestID {
		return false
	}
	if f.RideID != "" && r.RideID != f.RideID {
		return false
	}
	if f.DriverID != "" && r.DriverID != f.DriverID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// Subscription is returned by SubscribeRequests. Unsubscribe is idempotent and
// safe to call from inside the change callback.
type Subscription interface {
	Unsubscribe()
}

// Store is the document-store capability the core runs against: durable
// collections with indexed queries, atomic multi-document transactions and
// push-based change subscriptions.
type Store interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRides(ctx context.Context, q RideQuery) ([]*models.Ride, error)
	DeleteRide(ctx context.Context, id string) error

	CreateRequest(ctx context.Context, r *models.Request) error
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]*models.Request, error)

	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// ConversationsForParticipant returns the most recently updated
	// conversations that include userID.
	ConversationsForParticipant(ctx context.Context, userID string, limit int) ([]*models.Conversation, error)
	TouchConversation(ctx context.Context, id, lastMessage, senderID string, at time.Time) error
	MarkConversationRead(ctx context.Context, id, userID string, at time.Time) error
	DeleteConversation(ctx context.Context, id string) error

	AddMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
	DeleteMessages(ctx context.Context, conversationID string, ids []string) error

	// RunTransaction runs fn atomically. fn may be executed several times when
	// concurrent writers conflict, so it must be a pure function of its reads.
	// Exhausted retries surface as apperr.Contention.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// SubscribeRequests delivers the current matching requests immediately and
	// again after every change that affects the filter, in commit order.
	SubscribeRequests(f RequestFilter, onChange func([]*models.Request), onError func(error)) Subscription

	Close() error
}

// Tx is the read/write surface inside RunTransaction. Reads must come before
// writes; Get* return apperr.NotFound for absent documents.
type Tx interface {
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	PutRequest(ctx context.Context, r *models.Request) error
	PutRide(ctx context.Context, r *models.Ride) error
	PutConversation(ctx context.Context, c *models.Conversation) error
}

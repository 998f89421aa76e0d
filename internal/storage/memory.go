package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/models"
)

const (
	defaultMaxTxAttempts = 5
	defaultTxBackoff     = 10 * time.Millisecond
)

// errConflict marks a transaction whose reads went stale before commit.
var errConflict = errors.New("transaction conflict")

// Options tune transaction retries for both store implementations.
type Options struct {
	MaxTxAttempts int
	TxBackoff     time.Duration
	Logger        *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxTxAttempts <= 0 {
		o.MaxTxAttempts = defaultMaxTxAttempts
	}
	if o.TxBackoff <= 0 {
		o.TxBackoff = defaultTxBackoff
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// MemoryStore is an in-process Store with versioned documents and optimistic
// transactions. It backs tests and single-node deployments.
type MemoryStore struct {
	opts Options

	mu       sync.RWMutex
	rides    map[string]*models.Ride
	requests map[string]*models.Request
	convs    map[string]*models.Conversation
	messages map[string][]*models.Message
	versions map[string]uint64

	hub *hub
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:     opts.withDefaults(),
		rides:    make(map[string]*models.Ride),
		requests: make(map[string]*models.Request),
		convs:    make(map[string]*models.Conversation),
		messages: make(map[string][]*models.Message),
		versions: make(map[string]uint64),
		hub:      newHub(),
	}
}

func rideKey(id string) string    { return "rides/" + id }
func requestKey(id string) string { return "requests/" + id }
func convKey(id string) string    { return "conversations/" + id }

func (m *MemoryStore) SaveRide(_ context.Context, r *models.Ride) error {
	if r == nil || r.ID == "" {
		return apperr.New(apperr.MissingField, "storage.SaveRide", "ride id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.Clone()
	m.versions[rideKey(r.ID)]++
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "storage.GetRide", "ride %s not found", id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRides(_ context.Context, q RideQuery) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids map[string]bool
	if q.IDs != nil {
		ids = make(map[string]bool, len(q.IDs))
		for _, id := range q.IDs {
			ids[id] = true
		}
	}
	out := make([]*models.Ride, 0)
	for id, r := range m.rides {
		if ids != nil && !ids[id] {
			continue
		}
		if q.MinLat != nil || q.MaxLat != nil {
			lat, ok := startLat(r)
			if !ok || (q.MinLat != nil && lat < *q.MinLat) || (q.MaxLat != nil && lat > *q.MaxLat) {
				continue
			}
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// startLat is the latitude band key: start location, else the first route vertex.
func startLat(r *models.Ride) (float64, bool) {
	if r.StartLocation != nil {
		return r.StartLocation.Lat, true
	}
	if len(r.Route) > 0 {
		return r.Route[0].Lat, true
	}
	return 0, false
}

func (m *MemoryStore) DeleteRide(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[id]; !ok {
		return apperr.Newf(apperr.NotFound, "storage.DeleteRide", "ride %s not found", id)
	}
	delete(m.rides, id)
	m.versions[rideKey(id)]++
	return nil
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.Request) error {
	if r == nil || r.ID == "" {
		return apperr.New(apperr.MissingField, "storage.CreateRequest", "request id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return apperr.Newf(apperr.InvalidTransition, "storage.CreateRequest", "request %s already exists", r.ID)
	}
	stored := r.Clone()
	m.requests[r.ID] = stored
	m.versions[requestKey(r.ID)]++
	m.publishLocked([]requestChange{{after: stored}})
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "storage.GetRequest", "request %s not found", id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRequests(_ context.Context, f RequestFilter) ([]*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryRequestsLocked(f)
}

func (m *MemoryStore) queryRequestsLocked(f RequestFilter) ([]*models.Request, error) {
	out := make([]*models.Request, 0)
	for _, r := range m.requests {
		if f.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "storage.GetConversation", "conversation %s not found", id)
	}
	return c.Clone(), nil
}

func (m *MemoryStore) ConversationsForParticipant(_ context.Context, userID string, limit int) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Conversation, 0)
	for _, c := range m.convs {
		if c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TouchConversation(_ context.Context, id, lastMessage, senderID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return apperr.Newf(apperr.NotFound, "storage.TouchConversation", "conversation %s not found", id)
	}
	c.LastMessage = lastMessage
	c.LastMessageSender = senderID
	c.UpdatedAt = at
	m.versions[convKey(id)]++
	return nil
}

func (m *MemoryStore) MarkConversationRead(_ context.Context, id, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return apperr.Newf(apperr.NotFound, "storage.MarkConversationRead", "conversation %s not found", id)
	}
	if c.LastRead == nil {
		c.LastRead = make(map[string]time.Time)
	}
	c.LastRead[userID] = at
	m.versions[convKey(id)]++
	return nil
}

func (m *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[id]; !ok {
		return apperr.Newf(apperr.NotFound, "storage.DeleteConversation", "conversation %s not found", id)
	}
	delete(m.convs, id)
	m.versions[convKey(id)]++
	return nil
}

func (m *MemoryStore) AddMessage(_ context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return apperr.New(apperr.MissingField, "storage.AddMessage", "message id and conversation id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[msg.ConversationID]; !ok {
		return apperr.Newf(apperr.NotFound, "storage.AddMessage", "conversation %s not found", msg.ConversationID)
	}
	cp := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) DeleteMessages(_ context.Context, conversationID string, ids []string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.messages[conversationID][:0]
	for _, msg := range m.messages[conversationID] {
		if !drop[msg.ID] {
			kept = append(kept, msg)
		}
	}
	if len(kept) == 0 {
		delete(m.messages, conversationID)
		return nil
	}
	m.messages[conversationID] = kept
	return nil
}

func (m *MemoryStore) SubscribeRequests(f RequestFilter, onChange func([]*models.Request), onError func(error)) Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub := m.hub.add(f, onChange, onError)
	initial, err := m.queryRequestsLocked(f)
	sub.ready(delivery{rows: initial, err: err})
	return sub
}

func (m *MemoryStore) Close() error {
	m.hub.closeAll()
	return nil
}

type requestChange struct {
	before, after *models.Request
}

// publishLocked must run under the write lock so snapshots are taken in
// commit order.
func (m *MemoryStore) publishLocked(changes []requestChange) {
	if len(changes) == 0 {
		return
	}
	m.hub.publish(func(f RequestFilter) bool {
		for _, c := range changes {
			if f.Matches(c.before) || f.Matches(c.after) {
				return true
			}
		}
		return false
	}, m.queryRequestsLocked)
}

func (m *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return runWithRetry(ctx, m.opts, func() error {
		tx := &memTx{store: m, reads: make(map[string]uint64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return m.commit(tx)
	})
}

func (m *MemoryStore) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, v := range tx.reads {
		if m.versions[key] != v {
			return errConflict
		}
	}
	var changes []requestChange
	for _, r := range tx.requests {
		before := m.requests[r.ID]
		m.requests[r.ID] = r
		m.versions[requestKey(r.ID)]++
		changes = append(changes, requestChange{before: before, after: r})
	}
	for _, r := range tx.rides {
		m.rides[r.ID] = r
		m.versions[rideKey(r.ID)]++
	}
	for _, c := range tx.convs {
		m.convs[c.ID] = c
		m.versions[convKey(c.ID)]++
	}
	m.publishLocked(changes)
	return nil
}

type memTx struct {
	store    *MemoryStore
	reads    map[string]uint64
	requests []*models.Request
	rides    []*models.Ride
	convs    []*models.Conversation
}

// read records the version seen, including for absent documents, so a
// concurrent create of the same key invalidates this transaction.
func (t *memTx) read(key string) {
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = t.store.versions[key]
	}
}

func (t *memTx) GetRequest(_ context.Context, id string) (*models.Request, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	t.read(requestKey(id))
	r, ok := t.store.requests[id]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "storage.Tx.GetRequest", "request %s not found", id)
	}
	return r.Clone(), nil
}

func (t *memTx) GetRide(_ context.Context, id string) (*models.Ride, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	t.read(rideKey(id))
	r, ok := t.store.rides[id]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "storage.Tx.GetRide", "ride %s not found", id)
	}
	return r.Clone(), nil
}

func (t *memTx) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	t.read(convKey(id))
	c, ok := t.store.convs[id]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "storage.Tx.GetConversation", "conversation %s not found", id)
	}
	return c.Clone(), nil
}

func (t *memTx) PutRequest(_ context.Context, r *models.Request) error {
	t.requests = append(t.requests, r.Clone())
	return nil
}

func (t *memTx) PutRide(_ context.Context, r *models.Ride) error {
	t.rides = append(t.rides, r.Clone())
	return nil
}

func (t *memTx) PutConversation(_ context.Context, c *models.Conversation) error {
	t.convs = append(t.convs, c.Clone())
	return nil
}

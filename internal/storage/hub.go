package storage

import (
	"sync"

	"github.com/example/rideshare-matching/internal/models"
	"github.com/example/rideshare-matching/internal/observability"
)

// hub fans request snapshots out to subscribers. Every subscriber owns a FIFO
// queue drained by its own goroutine, so callbacks never run under store locks
// and arrive in the order snapshots were enqueued.
type hub struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]*subscriber
}

func newHub() *hub { return &hub{subs: make(map[uint64]*subscriber)} }

type delivery struct {
	rows []*models.Request
	err  error
}

type subscriber struct {
	id       uint64
	hub      *hub
	filter   RequestFilter
	onChange func([]*models.Request)
	onError  func(error)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []delivery
	held   bool
	closed bool
}

// add registers a subscriber that holds every delivery until ready supplies
// its initial snapshot. Registering first means no change committed while the
// snapshot is read can be missed.
func (h *hub) add(f RequestFilter, onChange func([]*models.Request), onError func(error)) *subscriber {
	s := &subscriber{filter: f, onChange: onChange, onError: onError, hub: h, held: true}
	s.cond = sync.NewCond(&s.mu)

	h.mu.Lock()
	h.next++
	s.id = h.next
	h.subs[s.id] = s
	h.mu.Unlock()

	observability.SubscriptionsActive.Inc()
	go s.run()
	return s
}

// publish enqueues a fresh snapshot for every subscriber whose filter is
// affected.
func (h *hub) publish(affected func(RequestFilter) bool, query func(RequestFilter) ([]*models.Request, error)) {
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		if affected(s.filter) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		rows, err := query(s.filter)
		s.enqueue(delivery{rows: rows, err: err})
	}
}

func (h *hub) remove(id uint64) {
	h.mu.Lock()
	_, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		observability.SubscriptionsActive.Dec()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (s *subscriber) enqueue(d delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, d)
	s.cond.Signal()
}

// ready queues the initial snapshot ahead of anything published since add
// and releases the queue.
func (s *subscriber) ready(initial delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append([]delivery{initial}, s.queue...)
	s.held = false
	s.cond.Signal()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for (s.held || len(s.queue) == 0) && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		d := s.queue[0]
		s.queue[0] = delivery{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(d)
	}
}

// deliver runs the callback unless the subscriber closed after d was dequeued.
func (s *subscriber) deliver(d delivery) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if d.err != nil {
		if s.onError != nil {
			s.onError(d.err)
		}
		return
	}
	if s.onChange != nil {
		s.onChange(d.rows)
	}
}

// Unsubscribe detaches the subscriber. It does not wait for a callback that
// is already running, so it is safe to call from inside one; nothing else is
// delivered once it returns.
func (s *subscriber) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
	s.hub.remove(s.id)
}

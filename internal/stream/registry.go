package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subscriber is one consumer's interest in a route, together with its bounded
// delivery queue. When the queue is full the oldest queued update is dropped
// so a slow consumer always catches up to the most recent positions.
type Subscriber struct {
	ID         string
	ConsumerID string
	RouteID    string
	CreatedAt  time.Time

	mu      sync.Mutex
	queue   [][]byte
	limit   int
	dropped uint64
	closed  bool

	ready chan struct{}
	done  chan struct{}
}

func newSubscriber(consumerID, routeID string, limit int) *Subscriber {
	if limit < 1 {
		limit = 1
	}
	return &Subscriber{
		ID:         uuid.NewString(),
		ConsumerID: consumerID,
		RouteID:    routeID,
		CreatedAt:  time.Now(),
		queue:      make([][]byte, 0, limit),
		limit:      limit,
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// enqueue reports whether an older message had to be dropped to make room.
func (s *Subscriber) enqueue(msg []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if len(s.queue) == s.limit {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Ready fires after new messages were queued; call Drain to take them.
func (s *Subscriber) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed once the subscriber has been unsubscribed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Drain removes and returns every queued message in publish order.
func (s *Subscriber) Drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil
	}
	out := make([][]byte, len(s.queue))
	copy(out, s.queue)
	s.queue = s.queue[:0]
	return out
}

func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

// Registry maps routes to their current subscribers. It keeps its own lock and
// is rebuilt empty on restart; clients are expected to re-subscribe.
type Registry struct {
	mu        sync.RWMutex
	routes    map[string]map[*Subscriber]struct{}
	queueSize int
}

func NewRegistry(queueSize int) *Registry {
	return &Registry{
		routes:    map[string]map[*Subscriber]struct{}{},
		queueSize: queueSize,
	}
}

func (r *Registry) Subscribe(consumerID, routeID string) *Subscriber {
	sub := newSubscriber(consumerID, routeID, r.queueSize)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.routes[routeID] == nil {
		r.routes[routeID] = map[*Subscriber]struct{}{}
	}
	r.routes[routeID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and discards its queued messages. It is safe to
// call more than once.
func (r *Registry) Unsubscribe(sub *Subscriber) {
	r.mu.Lock()
	if subs, ok := r.routes[sub.RouteID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.routes, sub.RouteID)
		}
	}
	r.mu.Unlock()
	sub.close()
}

// Subscribers returns a snapshot of the route's subscribers.
func (r *Registry) Subscribers(routeID string) []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.routes[routeID]
	out := make([]*Subscriber, 0, len(subs))
	for sub := range subs {
		out = append(out, sub)
	}
	return out
}

func (r *Registry) Count(routeID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes[routeID])
}

// Close unsubscribes everyone.
func (r *Registry) Close() {
	r.mu.Lock()
	var all []*Subscriber
	for _, subs := range r.routes {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	r.routes = map[string]map[*Subscriber]struct{}{}
	r.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}

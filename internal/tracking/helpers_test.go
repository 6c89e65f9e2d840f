package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"backend-schoolbus/internal/stream"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

var (
	errStorage = errors.New("storage hiccup")
	baseTime   = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
)

func newTestManager(t *testing.T, store Store) (*Manager, clockwork.FakeClock) {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	clock := clockwork.NewFakeClockAt(baseTime)
	m := NewManager(store,
		WithClock(clock),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	return m, clock
}

func f64(v float64) *float64 { return &v }

func at(t time.Time) *time.Time { return &t }

func pingReq(sessionID string, lat, lng float64, deviceAt time.Time) PingRequest {
	return PingRequest{
		SessionID:       sessionID,
		Latitude:        f64(lat),
		Longitude:       f64(lng),
		Speed:           f64(20),
		Heading:         f64(90),
		DeviceTimestamp: at(deviceAt),
	}
}

type recordingPublisher struct {
	mu      sync.Mutex
	routes  []string
	updates []stream.Update
}

func (r *recordingPublisher) Publish(routeID string, u stream.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, routeID)
	r.updates = append(r.updates, u)
}

func (r *recordingPublisher) snapshot() []stream.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.Update, len(r.updates))
	copy(out, r.updates)
	return out
}

// flakyStore fails selected operations a fixed number of times, or for
// selected session ids on every call.
type flakyStore struct {
	Store

	mu        sync.Mutex
	failures  map[string]int
	poisoned  map[string]bool
	callCount map[string]int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		Store:     NewMemoryStore(),
		failures:  map[string]int{},
		poisoned:  map[string]bool{},
		callCount: map[string]int{},
	}
}

func (f *flakyStore) failNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = n
}

func (f *flakyStore) poison(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poisoned[sessionID] = true
}

func (f *flakyStore) calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount[op]
}

func (f *flakyStore) check(op, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount[op]++
	if f.poisoned[sessionID] {
		return errStorage
	}
	if f.failures[op] > 0 {
		f.failures[op]--
		return errStorage
	}
	return nil
}

func (f *flakyStore) CreateSession(ctx context.Context, s Session) (Session, error) {
	if err := f.check("create", s.ID); err != nil {
		return Session{}, err
	}
	return f.Store.CreateSession(ctx, s)
}

func (f *flakyStore) GetSession(ctx context.Context, id string) (Session, error) {
	if err := f.check("get", ""); err != nil {
		return Session{}, err
	}
	return f.Store.GetSession(ctx, id)
}

func (f *flakyStore) UpdateSession(ctx context.Context, s Session) error {
	if err := f.check("update", s.ID); err != nil {
		return err
	}
	return f.Store.UpdateSession(ctx, s)
}

func (f *flakyStore) EndSession(ctx context.Context, id string, reason EndReason, when time.Time) (Session, bool, error) {
	if err := f.check("end", id); err != nil {
		return Session{}, false, err
	}
	return f.Store.EndSession(ctx, id, reason, when)
}

func (f *flakyStore) AppendPing(ctx context.Context, p LocationPing) error {
	if err := f.check("append", p.SessionID); err != nil {
		return err
	}
	return f.Store.AppendPing(ctx, p)
}

func (f *flakyStore) LiveSessions(ctx context.Context) ([]Session, error) {
	if err := f.check("live", ""); err != nil {
		return nil, err
	}
	return f.Store.LiveSessions(ctx)
}

package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"backend-schoolbus/internal/shared/geo"
	"backend-schoolbus/internal/shared/keylock"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("tracking")

// Manager owns the session lifecycle. Mutations of one route are serialized
// by a per-route lock; different routes never contend.
type Manager struct {
	store      Store
	clock      clockwork.Clock
	newBackOff func() backoff.BackOff

	routes  *keylock.Map
	routeOf sync.Map

	hookMu  sync.RWMutex
	onStart []func(Session)
	onEnd   []func(Session)
}

type ManagerOption func(*Manager)

func WithClock(c clockwork.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithBackOff sets the policy used between the first attempt and the single
// retry of a failed store call.
func WithBackOff(fn func() backoff.BackOff) ManagerOption {
	return func(m *Manager) { m.newBackOff = fn }
}

func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		clock:      clockwork.NewRealClock(),
		newBackOff: defaultBackOff,
		routes:     keylock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return b
}

func (m *Manager) Clock() clockwork.Clock {
	return m.clock
}

// OnStart registers fn to run after a session has been created.
func (m *Manager) OnStart(fn func(Session)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onStart = append(m.onStart, fn)
}

// OnEnd registers fn to run once per session, after it transitions to ended.
func (m *Manager) OnEnd(fn func(Session)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onEnd = append(m.onEnd, fn)
}

func (m *Manager) Start(ctx context.Context, routeID, driverID string) (Session, error) {
	if routeID == "" {
		return Session{}, invalid("routeId", "required")
	}
	if driverID == "" {
		return Session{}, invalid("driverId", "required")
	}

	unlock := m.routes.Lock(routeID)
	now := m.clock.Now()
	s := Session{
		ID:            uuid.NewString(),
		RouteID:       routeID,
		DriverID:      driverID,
		Status:        StatusLive,
		StartedAt:     now,
		LastUpdatedAt: now,
	}

	attempts := 0
	var created Session
	err := m.retry(ctx, "create session", func() error {
		attempts++
		var err error
		created, err = m.store.CreateSession(ctx, s)
		return err
	})
	if errors.Is(err, ErrLiveSessionExists) && attempts > 1 {
		// The first attempt may have committed before its error was reported.
		if active, aerr := m.store.ActiveSession(ctx, routeID); aerr == nil && active.ID == s.ID {
			created, err = active, nil
		}
	}
	unlock()
	if err != nil {
		return Session{}, err
	}

	m.routeOf.Store(created.ID, created.RouteID)
	log.Infof("session %s started on route %s by driver %s", created.ID, routeID, driverID)
	m.notify(m.startHooks(), created)
	return created, nil
}

// ApplyPing appends ping to the session history and, unless it is older than
// the current snapshot, moves the snapshot to it. The liveness clock always
// advances.
func (m *Manager) ApplyPing(ctx context.Context, ping LocationPing) (Session, LocationPing, error) {
	routeID, err := m.routeFor(ctx, ping.SessionID)
	if err != nil {
		return Session{}, LocationPing{}, err
	}

	unlock := m.routes.Lock(routeID)
	defer unlock()

	s, err := m.get(ctx, ping.SessionID)
	if err != nil {
		return Session{}, LocationPing{}, err
	}
	if !s.Live() {
		return Session{}, LocationPing{}, ErrSessionEnded
	}

	now := m.clock.Now()
	ping.ReceivedAt = now
	ping.Applied = s.LastDeviceAt == nil || !ping.DeviceTimestamp.Before(*s.LastDeviceAt)

	if err := m.retry(ctx, "append ping", func() error { return m.store.AppendPing(ctx, ping) }); err != nil {
		return Session{}, LocationPing{}, err
	}

	next := s
	if ping.Applied {
		if s.Position != nil {
			next.DistanceM += geo.HaversineKm(s.Position.Latitude, s.Position.Longitude, ping.Latitude, ping.Longitude) * 1000
		}
		deviceAt := ping.DeviceTimestamp
		next.Position = ping.position()
		next.LastDeviceAt = &deviceAt
	} else {
		log.Debugf("session %s: ping %d at %s predates snapshot, history only", s.ID, ping.Sequence, ping.DeviceTimestamp.Format(time.RFC3339))
	}
	next.LastUpdatedAt = now
	if ping.Sequence > next.LastSequence {
		next.LastSequence = ping.Sequence
	}

	if err := m.retry(ctx, "update session", func() error { return m.store.UpdateSession(ctx, next) }); err != nil {
		return Session{}, LocationPing{}, err
	}
	return next, ping, nil
}

// End terminates a live session. Ending an already ended session returns the
// stored record unchanged.
func (m *Manager) End(ctx context.Context, sessionID string, reason EndReason) (Session, error) {
	if reason == ReasonNone {
		reason = ReasonManual
	}
	routeID, err := m.routeFor(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}

	unlock := m.routes.Lock(routeID)
	s, changed, err := m.endLocked(ctx, sessionID, reason)
	unlock()
	if err != nil {
		return Session{}, err
	}
	if changed {
		m.notify(m.endHooks(), s)
	}
	return s, nil
}

// EndIfStale ends the session with reason stale only if, under the route
// lock, it is still live and its last update is before cutoff.
func (m *Manager) EndIfStale(ctx context.Context, sessionID string, cutoff time.Time) (Session, bool, error) {
	routeID, err := m.routeFor(ctx, sessionID)
	if err != nil {
		return Session{}, false, err
	}

	unlock := m.routes.Lock(routeID)
	s, err := m.get(ctx, sessionID)
	if err != nil {
		unlock()
		return Session{}, false, err
	}
	if !s.Live() || !s.LastUpdatedAt.Before(cutoff) {
		unlock()
		return s, false, nil
	}
	s, changed, err := m.endLocked(ctx, sessionID, ReasonStale)
	unlock()
	if err != nil {
		return Session{}, false, err
	}
	if changed {
		m.notify(m.endHooks(), s)
	}
	return s, changed, nil
}

func (m *Manager) endLocked(ctx context.Context, sessionID string, reason EndReason) (Session, bool, error) {
	var (
		s        Session
		changed  bool
		attempts int
	)
	// Postgres keeps microseconds; the retry must recognise its own write.
	at := m.clock.Now().Truncate(time.Microsecond)
	err := m.retry(ctx, "end session", func() error {
		attempts++
		var err error
		s, changed, err = m.store.EndSession(ctx, sessionID, reason, at)
		return err
	})
	if err != nil {
		return Session{}, false, err
	}
	if !changed && attempts > 1 && s.EndedReason == reason && s.EndedAt != nil && s.EndedAt.Equal(at) {
		// The first attempt committed before its error was reported.
		changed = true
	}
	if changed {
		log.Infof("session %s on route %s ended (%s)", s.ID, s.RouteID, reason)
	}
	return s, changed, nil
}

// GetActive returns the live session of routeID; the bool is false when the
// route has none.
func (m *Manager) GetActive(ctx context.Context, routeID string) (Session, bool, error) {
	var s Session
	err := m.retry(ctx, "active session", func() error {
		var err error
		s, err = m.store.ActiveSession(ctx, routeID)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return s, true, nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	return m.get(ctx, sessionID)
}

func (m *Manager) Live(ctx context.Context) ([]Session, error) {
	var sessions []Session
	err := m.retry(ctx, "live sessions", func() error {
		var err error
		sessions, err = m.store.LiveSessions(ctx)
		return err
	})
	return sessions, err
}

func (m *Manager) History(ctx context.Context, sessionID string) ([]LocationPing, error) {
	if _, err := m.get(ctx, sessionID); err != nil {
		return nil, err
	}
	var pings []LocationPing
	err := m.retry(ctx, "ping history", func() error {
		var err error
		pings, err = m.store.Pings(ctx, sessionID)
		return err
	})
	return pings, err
}

// LastSequence reports the highest sequence number stored for the session.
func (m *Manager) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	var last int64
	err := m.retry(ctx, "last sequence", func() error {
		var err error
		last, err = m.store.LastSequence(ctx, sessionID)
		return err
	})
	return last, err
}

func (m *Manager) Summary(ctx context.Context, sessionID string) (Summary, error) {
	s, err := m.get(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}
	pings, err := m.History(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}

	end := m.clock.Now()
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	duration := end.Sub(s.StartedAt)
	avgSpeed := 0.0
	if duration.Seconds() > 0 {
		avgSpeed = s.DistanceM / duration.Seconds()
	}

	return Summary{
		SessionID:     s.ID,
		PointCount:    len(pings),
		DistanceM:     s.DistanceM,
		DurationSec:   int64(duration.Seconds()),
		AverageSpeedM: avgSpeed,
	}, nil
}

func (m *Manager) get(ctx context.Context, sessionID string) (Session, error) {
	var s Session
	err := m.retry(ctx, "get session", func() error {
		var err error
		s, err = m.store.GetSession(ctx, sessionID)
		return err
	})
	return s, err
}

// routeFor resolves the route of a session. The mapping never changes, so it
// is cached after the first lookup.
func (m *Manager) routeFor(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", invalid("sessionId", "required")
	}
	if v, ok := m.routeOf.Load(sessionID); ok {
		return v.(string), nil
	}
	s, err := m.get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	m.routeOf.Store(s.ID, s.RouteID)
	return s.RouteID, nil
}

// retry runs fn, retrying once on errors outside the domain taxonomy. Errors
// that survive the retry are reported as *InternalError.
func (m *Manager) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(m.newBackOff(), 1), ctx)
	err := backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && domainError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		log.Warningf("%s failed, retrying in %s: %v", op, wait, err)
	})
	if err != nil && !domainError(err) {
		return &InternalError{Op: op, Err: err}
	}
	return err
}

func (m *Manager) startHooks() []func(Session) {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return m.onStart
}

func (m *Manager) endHooks() []func(Session) {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return m.onEnd
}

func (m *Manager) notify(hooks []func(Session), s Session) {
	for _, fn := range hooks {
		fn(s)
	}
}

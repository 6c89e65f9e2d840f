package tracking

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"backend-schoolbus/internal/stream"
)

// Publisher receives updates that moved a session's position.
type Publisher interface {
	Publish(routeID string, u stream.Update)
}

// Ingestor validates device reports, numbers them and hands them to the
// Manager. All work for one session, publish included, runs under that
// session's sequencer lock, so updates leave in sequence order.
type Ingestor struct {
	manager *Manager
	pub     Publisher

	mu   sync.Mutex
	seqs map[string]*sequencer
}

type sequencer struct {
	mu     sync.Mutex
	loaded bool
	last   int64
}

func NewIngestor(m *Manager, pub Publisher) *Ingestor {
	i := &Ingestor{
		manager: m,
		pub:     pub,
		seqs:    make(map[string]*sequencer),
	}
	m.OnEnd(func(s Session) { i.forget(s.ID) })
	return i
}

func (i *Ingestor) Ingest(ctx context.Context, req PingRequest) (Session, LocationPing, error) {
	ping, err := validatePing(req, i.manager.Clock().Now())
	if err != nil {
		return Session{}, LocationPing{}, err
	}

	seq := i.sequencer(ping.SessionID)
	seq.mu.Lock()
	defer seq.mu.Unlock()

	if !seq.loaded {
		last, err := i.manager.LastSequence(ctx, ping.SessionID)
		if err != nil {
			return Session{}, LocationPing{}, err
		}
		seq.last, seq.loaded = last, true
	}
	// Advanced before the attempt so a failed write leaves a gap rather than
	// a reused number.
	seq.last++
	ping.Sequence = seq.last

	s, accepted, err := i.manager.ApplyPing(ctx, ping)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrSessionEnded) {
			i.forget(ping.SessionID)
		}
		return Session{}, LocationPing{}, err
	}

	// Pings that arrived out of order are history only; broadcasting them
	// would move the vehicle backwards on subscribers' maps.
	if accepted.Applied && i.pub != nil {
		i.pub.Publish(s.RouteID, stream.Update{
			SessionID:       accepted.SessionID,
			Latitude:        accepted.Latitude,
			Longitude:       accepted.Longitude,
			Speed:           accepted.Speed,
			Heading:         accepted.Heading,
			DeviceTimestamp: accepted.DeviceTimestamp,
			Sequence:        accepted.Sequence,
		})
	}
	return s, accepted, nil
}

func (i *Ingestor) sequencer(sessionID string) *sequencer {
	i.mu.Lock()
	defer i.mu.Unlock()

	seq, ok := i.seqs[sessionID]
	if !ok {
		seq = &sequencer{}
		i.seqs[sessionID] = seq
	}
	return seq
}

func (i *Ingestor) forget(sessionID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.seqs, sessionID)
}

func (i *Ingestor) tracked() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.seqs)
}

func validatePing(req PingRequest, now time.Time) (LocationPing, error) {
	if req.SessionID == "" {
		return LocationPing{}, invalid("sessionId", "required")
	}
	if req.Latitude == nil {
		return LocationPing{}, invalid("latitude", "required")
	}
	if !finite(*req.Latitude) || *req.Latitude < -90 || *req.Latitude > 90 {
		return LocationPing{}, invalid("latitude", "must be within [-90, 90]")
	}
	if req.Longitude == nil {
		return LocationPing{}, invalid("longitude", "required")
	}
	if !finite(*req.Longitude) || *req.Longitude < -180 || *req.Longitude > 180 {
		return LocationPing{}, invalid("longitude", "must be within [-180, 180]")
	}
	if req.Speed != nil && (!finite(*req.Speed) || *req.Speed < 0) {
		return LocationPing{}, invalid("speed", "must be >= 0")
	}
	if req.Heading != nil && (!finite(*req.Heading) || *req.Heading < 0 || *req.Heading >= 360) {
		return LocationPing{}, invalid("heading", "must be within [0, 360)")
	}

	deviceAt := now
	if req.DeviceTimestamp != nil && !req.DeviceTimestamp.IsZero() {
		deviceAt = *req.DeviceTimestamp
	}
	return LocationPing{
		SessionID:       req.SessionID,
		Latitude:        *req.Latitude,
		Longitude:       *req.Longitude,
		Speed:           copyFloat(req.Speed),
		Heading:         copyFloat(req.Heading),
		DeviceTimestamp: deviceAt,
	}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

package tracking

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePing(t *testing.T) {
	now := baseTime
	valid := func() PingRequest { return pingReq("s-1", 12.97, 77.59, now) }

	cases := []struct {
		name  string
		mut   func(*PingRequest)
		field string
	}{
		{"missing session", func(r *PingRequest) { r.SessionID = "" }, "sessionId"},
		{"missing latitude", func(r *PingRequest) { r.Latitude = nil }, "latitude"},
		{"latitude too high", func(r *PingRequest) { r.Latitude = f64(90.0001) }, "latitude"},
		{"latitude too low", func(r *PingRequest) { r.Latitude = f64(-91) }, "latitude"},
		{"latitude NaN", func(r *PingRequest) { r.Latitude = f64(math.NaN()) }, "latitude"},
		{"missing longitude", func(r *PingRequest) { r.Longitude = nil }, "longitude"},
		{"longitude out of range", func(r *PingRequest) { r.Longitude = f64(180.5) }, "longitude"},
		{"longitude infinite", func(r *PingRequest) { r.Longitude = f64(math.Inf(-1)) }, "longitude"},
		{"negative speed", func(r *PingRequest) { r.Speed = f64(-0.1) }, "speed"},
		{"heading full turn", func(r *PingRequest) { r.Heading = f64(360) }, "heading"},
		{"negative heading", func(r *PingRequest) { r.Heading = f64(-1) }, "heading"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid()
			tc.mut(&req)
			_, err := validatePing(req, now)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	t.Run("boundaries accepted", func(t *testing.T) {
		req := pingReq("s-1", -90, 180, now)
		req.Heading = f64(0)
		req.Speed = f64(0)
		_, err := validatePing(req, now)
		require.NoError(t, err)

		req.Heading = f64(359.99)
		_, err = validatePing(req, now)
		require.NoError(t, err)
	})

	t.Run("optional fields may be absent", func(t *testing.T) {
		req := PingRequest{SessionID: "s-1", Latitude: f64(1), Longitude: f64(2)}
		p, err := validatePing(req, now)
		require.NoError(t, err)
		assert.Nil(t, p.Speed)
		assert.Nil(t, p.Heading)
		assert.Equal(t, now, p.DeviceTimestamp, "device time defaults to receipt time")
	})

	t.Run("zero device time defaults to receipt time", func(t *testing.T) {
		req := valid()
		req.DeviceTimestamp = at(time.Time{})
		p, err := validatePing(req, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, now.Add(time.Minute), p.DeviceTimestamp)
	})

	t.Run("ping does not alias request", func(t *testing.T) {
		req := valid()
		p, err := validatePing(req, now)
		require.NoError(t, err)
		*req.Speed = 99
		assert.Equal(t, 20.0, *p.Speed)
	})
}

func TestIngestNumbersAndPublishes(t *testing.T) {
	m, clock := newTestManager(t, nil)
	pub := &recordingPublisher{}
	ing := NewIngestor(m, pub)
	ctx := context.Background()

	s, err := m.Start(ctx, "route-5", "driver-12")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		clock.Advance(5 * time.Second)
		_, p, err := ing.Ingest(ctx, pingReq(s.ID, 12.97+float64(i)*0.001, 77.59, clock.Now()))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), p.Sequence)
	}

	updates := pub.snapshot()
	require.Len(t, updates, 3)
	for i, u := range updates {
		assert.Equal(t, s.ID, u.SessionID)
		assert.Equal(t, int64(i+1), u.Sequence)
	}
	assert.Equal(t, []string{"route-5", "route-5", "route-5"}, pub.routes)
	assert.InDelta(t, 12.972, updates[2].Latitude, 1e-9)
}

func TestIngestRejectsInvalidWithoutSideEffects(t *testing.T) {
	m, _ := newTestManager(t, nil)
	pub := &recordingPublisher{}
	ing := NewIngestor(m, pub)
	ctx := context.Background()

	s, err := m.Start(ctx, "route-1", "driver-1")
	require.NoError(t, err)

	req := pingReq(s.ID, 95, 77.59, baseTime)
	_, _, err = ing.Ingest(ctx, req)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, got)
	history, err := m.History(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, pub.snapshot())
	assert.Zero(t, ing.tracked())
}

func TestIngestOutOfOrderIsNotBroadcast(t *testing.T) {
	m, clock := newTestManager(t, nil)
	pub := &recordingPublisher{}
	ing := NewIngestor(m, pub)
	ctx := context.Background()

	s, err := m.Start(ctx, "route-1", "driver-1")
	require.NoError(t, err)

	_, _, err = ing.Ingest(ctx, pingReq(s.ID, 12.98, 77.60, clock.Now().Add(time.Minute)))
	require.NoError(t, err)
	_, late, err := ing.Ingest(ctx, pingReq(s.ID, 12.90, 77.50, clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(2), late.Sequence)
	assert.False(t, late.Applied)

	updates := pub.snapshot()
	require.Len(t, updates, 1)
	assert.Equal(t, int64(1), updates[0].Sequence)

	history, err := m.History(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestIngestContinuesSequenceFromStore(t *testing.T) {
	store := NewMemoryStore()
	m, clock := newTestManager(t, store)
	ctx := context.Background()

	s, err := m.Start(ctx, "route-1", "driver-1")
	require.NoError(t, err)

	first := NewIngestor(m, nil)
	for i := 0; i < 4; i++ {
		_, _, err := first.Ingest(ctx, pingReq(s.ID, 1, 1, clock.Now()))
		require.NoError(t, err)
	}

	// A fresh ingestor, as after a restart, picks up where the store left off.
	restarted := NewIngestor(m, nil)
	_, p, err := restarted.Ingest(ctx, pingReq(s.ID, 1, 1, clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.Sequence)
}

func TestIngestEndedSessionConflicts(t *testing.T) {
	m, clock := newTestManager(t, nil)
	pub := &recordingPublisher{}
	ing := NewIngestor(m, pub)
	ctx := context.Background()

	s, err := m.Start(ctx, "route-1", "driver-1")
	require.NoError(t, err)
	_, _, err = ing.Ingest(ctx, pingReq(s.ID, 1, 1, clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, 1, ing.tracked())

	_, err = m.End(ctx, s.ID, ReasonManual)
	require.NoError(t, err)
	assert.Zero(t, ing.tracked(), "ending a session drops its sequencer")

	_, _, err = ing.Ingest(ctx, pingReq(s.ID, 2, 2, clock.Now()))
	require.ErrorIs(t, err, ErrConflict)
	assert.Zero(t, ing.tracked())
	assert.Len(t, pub.snapshot(), 1)

	_, _, err = ing.Ingest(ctx, pingReq("missing", 2, 2, clock.Now()))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, ing.tracked())
}

func TestIngestFailedWriteLeavesGap(t *testing.T) {
	store := newFlakyStore()
	m, clock := newTestManager(t, store)
	pub := &recordingPublisher{}
	ing := NewIngestor(m, pub)
	ctx := context.Background()

	s, err := m.Start(ctx, "route-1", "driver-1")
	require.NoError(t, err)

	_, _, err = ing.Ingest(ctx, pingReq(s.ID, 1, 1, clock.Now()))
	require.NoError(t, err)

	store.failNext("append", 2)
	_, _, err = ing.Ingest(ctx, pingReq(s.ID, 2, 2, clock.Now()))
	var ierr *InternalError
	require.ErrorAs(t, err, &ierr)

	_, p, err := ing.Ingest(ctx, pingReq(s.ID, 3, 3, clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Sequence)

	updates := pub.snapshot()
	require.Len(t, updates, 2)
	assert.Equal(t, []int64{1, 3}, []int64{updates[0].Sequence, updates[1].Sequence})
}

func TestIngestRetryAfterCommittedAppend(t *testing.T) {
	store := &commitThenFailStore{Store: NewMemoryStore(), op: "append"}
	m, clock := newTestManager(t, store)
	pub := &recordingPublisher{}
	ing := NewIngestor(m, pub)
	ctx := context.Background()

	s, err := m.Start(ctx, "route-1", "driver-1")
	require.NoError(t, err)

	_, p, err := ing.Ingest(ctx, pingReq(s.ID, 12.97, 77.59, clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Sequence)

	history, err := m.History(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, history, 1, "one ping, one history row")
	assert.Equal(t, int64(1), history[0].Sequence)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Position)
	assert.Equal(t, 12.97, got.Position.Latitude)
	assert.Len(t, pub.snapshot(), 1)
}

func TestIngestConcurrentPingsStayOrdered(t *testing.T) {
	m, clock := newTestManager(t, nil)
	pub := &recordingPublisher{}
	ing := NewIngestor(m, pub)
	ctx := context.Background()

	s, err := m.Start(ctx, "route-1", "driver-1")
	require.NoError(t, err)

	const pings = 50
	deviceAt := clock.Now()
	var wg sync.WaitGroup
	for i := 0; i < pings; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := ing.Ingest(ctx, pingReq(s.ID, 1, 1, deviceAt))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	updates := pub.snapshot()
	require.Len(t, updates, pings)
	for i, u := range updates {
		assert.Equal(t, int64(i+1), u.Sequence, "published in sequence order")
	}

	history, err := m.History(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, history, pings)
	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(pings), got.LastSequence)
}

func TestPickupScenario(t *testing.T) {
	m, clock := newTestManager(t, nil)
	pub := &recordingPublisher{}
	ing := NewIngestor(m, pub)
	reaper := NewReaper(m, ReaperConfig{Interval: time.Minute, Threshold: 5 * time.Minute})
	ctx := context.Background()

	s, err := m.Start(ctx, "route-5", "driver-12")
	require.NoError(t, err)

	_, _, err = ing.Ingest(ctx, pingReq(s.ID, 12.9716, 77.5946, clock.Now()))
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	_, _, err = ing.Ingest(ctx, pingReq(s.ID, 12.9721, 77.5950, clock.Now()))
	require.NoError(t, err)

	active, ok, err := m.GetActive(ctx, "route-5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12.9721, active.Position.Latitude)

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, reaper.Sweep(ctx))

	ended, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, ended.Status)
	assert.Equal(t, ReasonStale, ended.EndedReason)

	_, _, err = ing.Ingest(ctx, pingReq(s.ID, 12.9730, 77.5960, clock.Now()))
	require.ErrorIs(t, err, ErrConflict)
	assert.Len(t, pub.snapshot(), 2)
}

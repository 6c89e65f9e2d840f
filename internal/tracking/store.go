package tracking

import (
	"context"
	"time"
)

// Store is the persistence gateway for sessions and their location history.
// Implementations report missing records with ErrNotFound and lost
// compare-and-set races with ErrLiveSessionExists or ErrSessionEnded.
type Store interface {
	// CreateSession inserts a live session, failing when the route already has one.
	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	// ActiveSession looks up the live session of a route through the (route, status) index.
	ActiveSession(ctx context.Context, routeID string) (Session, error)
	LiveSessions(ctx context.Context) ([]Session, error)
	// UpdateSession writes the snapshot fields only while the stored status is live.
	UpdateSession(ctx context.Context, s Session) error
	// EndSession moves a live session to ended. The bool is false when the
	// session was already ended, in which case the stored record is returned.
	EndSession(ctx context.Context, id string, reason EndReason, at time.Time) (Session, bool, error)

	// AppendPing stores p. Writing a sequence the session already holds is a
	// no-op, so a retried append never duplicates history.
	AppendPing(ctx context.Context, p LocationPing) error
	LastSequence(ctx context.Context, sessionID string) (int64, error)
	Pings(ctx context.Context, sessionID string) ([]LocationPing, error)
}

package tracking

import (
	"context"
	"errors"
	"time"

	"backend-schoolbus/internal/db"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const sessionColumns = `id, route_id, driver_id, status, ended_reason, started_at, last_updated_at, ended_at,
		latitude, longitude, speed, heading, last_device_at, last_sequence, distance_m`

type PostgresStore struct {
	db db.Querier
}

func NewPostgresStore(q db.Querier) *PostgresStore {
	return &PostgresStore{db: q}
}

func (p *PostgresStore) CreateSession(ctx context.Context, s Session) (Session, error) {
	_, err := p.db.Exec(ctx, `
		INSERT INTO transport_sessions (id, route_id, driver_id, status, ended_reason, started_at, last_updated_at, last_sequence, distance_m)
		VALUES ($1,$2,$3,$4,'',$5,$6,0,0)
	`, s.ID, s.RouteID, s.DriverID, string(s.Status), s.StartedAt, s.LastUpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Session{}, ErrLiveSessionExists
		}
		return Session{}, err
	}
	return s, nil
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := p.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM transport_sessions WHERE id=$1`, id)
	return scanSession(row)
}

func (p *PostgresStore) ActiveSession(ctx context.Context, routeID string) (Session, error) {
	row := p.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM transport_sessions WHERE route_id=$1 AND status='live'
	`, routeID)
	return scanSession(row)
}

func (p *PostgresStore) LiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM transport_sessions WHERE status='live'
		ORDER BY started_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (p *PostgresStore) UpdateSession(ctx context.Context, s Session) error {
	var lat, lng, speed, heading *float64
	if s.Position != nil {
		lat, lng = &s.Position.Latitude, &s.Position.Longitude
		speed, heading = s.Position.Speed, s.Position.Heading
	}
	tag, err := p.db.Exec(ctx, `
		UPDATE transport_sessions
		SET latitude=$2, longitude=$3, speed=$4, heading=$5,
		    last_updated_at=$6, last_device_at=$7, last_sequence=$8, distance_m=$9
		WHERE id=$1 AND status='live'
	`, s.ID, lat, lng, speed, heading, s.LastUpdatedAt, s.LastDeviceAt, s.LastSequence, s.DistanceM)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetSession(ctx, s.ID); err != nil {
			return err
		}
		return ErrSessionEnded
	}
	return nil
}

func (p *PostgresStore) EndSession(ctx context.Context, id string, reason EndReason, at time.Time) (Session, bool, error) {
	row := p.db.QueryRow(ctx, `
		UPDATE transport_sessions
		SET status='ended', ended_reason=$2, ended_at=$3
		WHERE id=$1 AND status='live'
		RETURNING `+sessionColumns, id, string(reason), at)
	s, err := scanSession(row)
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Session{}, false, err
	}
	s, err = p.GetSession(ctx, id)
	if err != nil {
		return Session{}, false, err
	}
	return s, false, nil
}

func (p *PostgresStore) AppendPing(ctx context.Context, ping LocationPing) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO location_pings (session_id, sequence, latitude, longitude, speed, heading, device_timestamp, received_at, applied)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (session_id, sequence) DO NOTHING
	`, ping.SessionID, ping.Sequence, ping.Latitude, ping.Longitude, ping.Speed, ping.Heading, ping.DeviceTimestamp, ping.ReceivedAt, ping.Applied)
	return err
}

func (p *PostgresStore) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	var last int64
	err := p.db.QueryRow(ctx, `SELECT COALESCE(MAX(sequence),0) FROM location_pings WHERE session_id=$1`, sessionID).Scan(&last)
	return last, err
}

func (p *PostgresStore) Pings(ctx context.Context, sessionID string) ([]LocationPing, error) {
	rows, err := p.db.Query(ctx, `
		SELECT session_id, sequence, latitude, longitude, speed, heading, device_timestamp, received_at, applied
		FROM location_pings WHERE session_id=$1
		ORDER BY sequence
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pings []LocationPing
	for rows.Next() {
		var lp LocationPing
		if err := rows.Scan(&lp.SessionID, &lp.Sequence, &lp.Latitude, &lp.Longitude, &lp.Speed, &lp.Heading, &lp.DeviceTimestamp, &lp.ReceivedAt, &lp.Applied); err != nil {
			return nil, err
		}
		pings = append(pings, lp)
	}
	return pings, rows.Err()
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		s                     Session
		status, reason        string
		lat, lng, spd, hdg    *float64
		endedAt, lastDeviceAt *time.Time
	)
	err := row.Scan(&s.ID, &s.RouteID, &s.DriverID, &status, &reason, &s.StartedAt, &s.LastUpdatedAt, &endedAt,
		&lat, &lng, &spd, &hdg, &lastDeviceAt, &s.LastSequence, &s.DistanceM)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	s.Status = Status(status)
	s.EndedReason = EndReason(reason)
	s.EndedAt = endedAt
	s.LastDeviceAt = lastDeviceAt
	if lat != nil && lng != nil {
		s.Position = &Position{Latitude: *lat, Longitude: *lng, Speed: spd, Heading: hdg}
	}
	return s, nil
}

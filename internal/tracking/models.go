package tracking

import "time"

type Status string

const (
	StatusLive  Status = "live"
	StatusEnded Status = "ended"
)

type EndReason string

const (
	ReasonNone   EndReason = ""
	ReasonManual EndReason = "manual"
	ReasonStale  EndReason = "stale"
)

type Position struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Speed     *float64 `json:"speed"`
	Heading   *float64 `json:"heading"`
}

type Session struct {
	ID            string     `json:"id"`
	RouteID       string     `json:"routeId"`
	DriverID      string     `json:"driverId"`
	Status        Status     `json:"status"`
	EndedReason   EndReason  `json:"endedReason,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	LastUpdatedAt time.Time  `json:"lastUpdatedAt"`
	EndedAt       *time.Time `json:"endedAt"`
	Position      *Position  `json:"position"`
	LastDeviceAt  *time.Time `json:"lastDeviceAt,omitempty"`
	LastSequence  int64      `json:"lastSequence"`
	DistanceM     float64    `json:"distanceM"`
}

func (s Session) Live() bool {
	return s.Status == StatusLive
}

type LocationPing struct {
	SessionID       string    `json:"sessionId"`
	Sequence        int64     `json:"sequence"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Speed           *float64  `json:"speed"`
	Heading         *float64  `json:"heading"`
	DeviceTimestamp time.Time `json:"deviceTimestamp"`
	ReceivedAt      time.Time `json:"receivedAt"`
	Applied         bool      `json:"applied"`
}

func (p LocationPing) position() *Position {
	return &Position{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Speed:     p.Speed,
		Heading:   p.Heading,
	}
}

// PingRequest is the untrusted device payload. Pointer fields distinguish
// "missing" from zero so validation can reject absent coordinates.
type PingRequest struct {
	SessionID       string     `json:"sessionId"`
	Latitude        *float64   `json:"latitude"`
	Longitude       *float64   `json:"longitude"`
	Speed           *float64   `json:"speed"`
	Heading         *float64   `json:"heading"`
	DeviceTimestamp *time.Time `json:"deviceTimestamp"`
}

type StartRequest struct {
	RouteID  string `json:"routeId"`
	DriverID string `json:"driverId"`
}

type EndRequest struct {
	SessionID string `json:"sessionId"`
}

type Summary struct {
	SessionID     string  `json:"sessionId"`
	PointCount    int     `json:"pointCount"`
	DistanceM     float64 `json:"distanceM"`
	DurationSec   int64   `json:"durationSec"`
	AverageSpeedM float64 `json:"averageSpeedMps"`
}

package events

import (
	"context"
	"encoding/json"
	"time"

	"backend-schoolbus/internal/tracking"

	"github.com/op/go-logging"
	amqp "github.com/rabbitmq/amqp091-go"
)

var log = logging.MustGetLogger("events")

const (
	Exchange = "tracking.events"

	TypeSessionStarted = "session.started"
	TypeSessionEnded   = "session.ended"

	publishTimeout = 5 * time.Second
)

// Event is the lifecycle notification consumed by the notification service.
type Event struct {
	Type        string             `json:"type"`
	SessionID   string             `json:"sessionId"`
	RouteID     string             `json:"routeId"`
	DriverID    string             `json:"driverId"`
	EndedReason tracking.EndReason `json:"endedReason,omitempty"`
	At          time.Time          `json:"at"`
}

func SessionStarted(s tracking.Session) Event {
	return Event{Type: TypeSessionStarted, SessionID: s.ID, RouteID: s.RouteID, DriverID: s.DriverID, At: s.StartedAt}
}

func SessionEnded(s tracking.Session) Event {
	at := s.LastUpdatedAt
	if s.EndedAt != nil {
		at = *s.EndedAt
	}
	return Event{Type: TypeSessionEnded, SessionID: s.ID, RouteID: s.RouteID, DriverID: s.DriverID, EndedReason: s.EndedReason, At: at}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Attach forwards the manager's lifecycle transitions to pub. Publishing runs
// on its own goroutine so a slow broker never holds up a driver request.
func Attach(m *tracking.Manager, pub Publisher) {
	send := func(e Event) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			if err := pub.Publish(ctx, e); err != nil {
				log.Errorf("publish %s for session %s: %v", e.Type, e.SessionID, err)
			}
		}()
	}
	m.OnStart(func(s tracking.Session) { send(SessionStarted(s)) })
	m.OnEnd(func(s tracking.Session) { send(SessionEnded(s)) })
}

// AMQPPublisher writes events to a topic exchange keyed by event type.
type AMQPPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func DialAMQP(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	err = ch.ExchangeDeclare(
		Exchange,
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, channel: ch}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx,
		Exchange,
		e.Type,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    e.At,
			Body:         body,
		})
}

func (p *AMQPPublisher) Close() error {
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"backend-schoolbus/internal/shared/keylock"

	"github.com/op/go-logging"
	"github.com/redis/go-redis/v9"
)

var log = logging.MustGetLogger("stream")

const (
	channelPrefix = "tracking:route:"
	channelSuffix = ":broadcast"
	relayPattern  = channelPrefix + "*" + channelSuffix

	relayBuffer = 1024
)

// Update is the message pushed to subscribers of a route.
type Update struct {
	SessionID       string    `json:"sessionId"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Speed           *float64  `json:"speed"`
	Heading         *float64  `json:"heading"`
	DeviceTimestamp time.Time `json:"deviceTimestamp"`
	Sequence        int64     `json:"sequence"`
}

type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

type relayMsg struct {
	routeID string
	payload []byte
}

// Hub fans accepted updates out to route subscribers. Publish only enqueues;
// delivery happens on each subscriber's own goroutine. With Redis configured
// updates are also relayed to, and received from, the other API instances.
type Hub struct {
	registry *Registry
	redis    *redis.Client
	origin   string

	routeMu *keylock.Map

	outbox     chan relayMsg
	relayReady chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

func NewHub(registry *Registry, redisClient *redis.Client, instanceID string) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry:   registry,
		redis:      redisClient,
		origin:     instanceID,
		routeMu:    keylock.New(),
		relayReady: make(chan struct{}),
		cancel:     cancel,
	}

	if redisClient != nil {
		h.outbox = make(chan relayMsg, relayBuffer)
		h.wg.Add(2)
		go h.publishRedis(ctx)
		go h.subscribeRedis(ctx)
	} else {
		close(h.relayReady)
	}
	return h
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) Subscribe(consumerID, routeID string) *Subscriber {
	sub := h.registry.Subscribe(consumerID, routeID)
	log.Debugf("consumer %s subscribed to route %s (%s)", consumerID, routeID, sub.ID)
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.registry.Unsubscribe(sub)
}

// Publish queues u for every current subscriber of routeID and returns
// without waiting for delivery.
func (h *Hub) Publish(routeID string, u Update) {
	payload, err := json.Marshal(u)
	if err != nil {
		log.Errorf("encode update for route %s: %v", routeID, err)
		return
	}
	h.deliver(routeID, payload)

	if h.outbox != nil {
		select {
		case h.outbox <- relayMsg{routeID: routeID, payload: payload}:
		default:
			log.Warningf("redis relay backlog full, update for route %s not relayed", routeID)
		}
	}
}

// deliver holds the route's publish lock so every subscriber observes the
// same order.
func (h *Hub) deliver(routeID string, payload []byte) {
	unlock := h.routeMu.Lock(routeID)
	defer unlock()

	for _, sub := range h.registry.Subscribers(routeID) {
		if sub.enqueue(payload) {
			if n := sub.Dropped(); n == 1 || n%100 == 0 {
				log.Warningf("subscriber %s on route %s is falling behind, %d oldest updates dropped", sub.ID, routeID, n)
			}
		}
	}
}

// Close stops the Redis relay and disconnects every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.wg.Wait()
		h.registry.Close()
	})
}

func (h *Hub) publishRedis(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.outbox:
			body, err := json.Marshal(envelope{Origin: h.origin, Payload: msg.payload})
			if err != nil {
				log.Errorf("encode relay envelope: %v", err)
				continue
			}
			if err := h.redis.Publish(ctx, redisChannel(msg.routeID), body).Err(); err != nil && ctx.Err() == nil {
				log.Errorf("redis publish error: %v", err)
			}
		}
	}
}

func (h *Hub) subscribeRedis(ctx context.Context) {
	defer h.wg.Done()

	pubsub := h.redis.PSubscribe(ctx, relayPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			log.Errorf("redis subscribe error: %v", err)
		}
		close(h.relayReady)
		return
	}
	close(h.relayReady)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			routeID := routeIDFromChannel(msg.Channel)
			if routeID == "" {
				continue
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warningf("dropping malformed relay message on %s: %v", msg.Channel, err)
				continue
			}
			if env.Origin == h.origin {
				continue
			}
			h.deliver(routeID, env.Payload)
		}
	}
}

func redisChannel(routeID string) string {
	return channelPrefix + routeID + channelSuffix
}

func routeIDFromChannel(ch string) string {
	// tracking:route:{route}:broadcast
	if !strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	if len(ch) <= len(channelPrefix)+len(channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}

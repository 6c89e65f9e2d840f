package stream

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings to client with this period. Must be less than pongWait.
	pingPeriod = 15 * time.Second

	maxMessageSize = 512
)

func RegisterRoutes(r fiber.Router, hub *Hub) {
	r.Get("/routes/:routeID", websocket.New(func(c *websocket.Conn) {
		routeID := c.Params("routeID")
		consumerID := consumerIdentity(c)

		sub := hub.Subscribe(consumerID, routeID)
		defer hub.Unsubscribe(sub)

		done := make(chan struct{})
		go func() {
			writePump(c, sub)
			close(done)
		}()

		c.SetReadLimit(maxMessageSize)
		_ = c.SetReadDeadline(time.Now().Add(pongWait))
		c.SetPongHandler(func(string) error { return c.SetReadDeadline(time.Now().Add(pongWait)) })
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}

		hub.Unsubscribe(sub)
		<-done
	}))
}

// consumerIdentity prefers the authenticated user; the consumerId query is
// only trusted for anonymous connections.
func consumerIdentity(c *websocket.Conn) string {
	if userID, ok := c.Locals("user_id").(string); ok && userID != "" {
		return userID
	}
	if id := c.Query("consumerId"); id != "" {
		return id
	}
	return uuid.NewString()
}

// writePump delivers queued updates until the subscription is dropped or a
// write fails. A failed write closes the connection so the read loop exits.
func writePump(c *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sub.Done():
			return
		case <-sub.Ready():
			for _, msg := range sub.Drain() {
				_ = c.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					_ = c.Close()
					return
				}
			}
		case <-ticker.C:
			_ = c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

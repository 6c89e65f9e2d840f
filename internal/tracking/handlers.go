package tracking

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, m *Manager, ing *Ingestor, authMiddleware fiber.Handler) {
	r.Post("/sessions", authMiddleware, func(c *fiber.Ctx) error {
		var req StartRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if req.RouteID == "" || req.DriverID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "routeId and driverId required")
		}
		session, err := m.Start(c.UserContext(), req.RouteID, req.DriverID)
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(session)
	})

	r.Post("/pings", authMiddleware, func(c *fiber.Ctx) error {
		var req PingRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		session, _, err := ing.Ingest(c.UserContext(), req)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(session)
	})

	r.Post("/sessions/end", authMiddleware, func(c *fiber.Ctx) error {
		var req EndRequest
		if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "sessionId required")
		}
		session, err := m.End(c.UserContext(), req.SessionID, ReasonManual)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(session)
	})

	r.Get("/sessions/active", func(c *fiber.Ctx) error {
		routeID := c.Query("routeId")
		if routeID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "routeId required")
		}
		session, ok, err := m.GetActive(c.UserContext(), routeID)
		if err != nil {
			return httpError(err)
		}
		if !ok {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.JSON(session)
	})

	r.Get("/sessions/:id", func(c *fiber.Ctx) error {
		session, err := m.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(session)
	})

	r.Get("/sessions/:id/pings", func(c *fiber.Ctx) error {
		pings, err := m.History(c.UserContext(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		if pings == nil {
			pings = []LocationPing{}
		}
		return c.JSON(pings)
	})

	r.Get("/sessions/:id/summary", func(c *fiber.Ctx) error {
		summary, err := m.Summary(c.UserContext(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(summary)
	})
}

func httpError(err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return fiber.NewError(fiber.StatusBadRequest, verr.Error())
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		log.Errorf("request failed: %v", err)
		return fiber.NewError(fiber.StatusInternalServerError, "internal error")
	}
}

package server

import (
	"context"
	"errors"
	"sync"

	"backend-schoolbus/internal/auth"
	"backend-schoolbus/internal/config"
	"backend-schoolbus/internal/events"
	"backend-schoolbus/internal/stream"
	"backend-schoolbus/internal/tracking"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/op/go-logging"
	"github.com/redis/go-redis/v9"
)

var log = logging.MustGetLogger("server")

type Server struct {
	App      *fiber.App
	Cfg      config.Config
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Stream   *stream.Hub
	Sessions *tracking.Manager
	Ingestor *tracking.Ingestor
	Reaper   *tracking.Reaper

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires the tracking core. Without Postgres sessions live in
// memory; publisher may be nil when lifecycle events are disabled.
func NewServer(cfg config.Config, db *pgxpool.Pool, redisClient *redis.Client, publisher events.Publisher) *Server {
	app := fiber.New(fiber.Config{ErrorHandler: errorHandler})
	app.Use(recover.New())
	app.Use(logger.New())

	var store tracking.Store
	if db != nil {
		store = tracking.NewPostgresStore(db)
	} else {
		log.Warning("no postgres pool, sessions are kept in memory")
		store = tracking.NewMemoryStore()
	}

	hub := stream.NewHub(stream.NewRegistry(cfg.SubscriberQueueSize), redisClient, cfg.InstanceID)
	manager := tracking.NewManager(store)
	if publisher != nil {
		events.Attach(manager, publisher)
	}

	s := &Server{
		App:      app,
		Cfg:      cfg,
		DB:       db,
		Redis:    redisClient,
		Stream:   hub,
		Sessions: manager,
		Ingestor: tracking.NewIngestor(manager, hub),
		Reaper: tracking.NewReaper(manager, tracking.ReaperConfig{
			Interval:    cfg.ReaperInterval,
			Threshold:   cfg.StaleThreshold,
			Concurrency: cfg.ReaperConcurrency,
		}),
	}

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	tracking.RegisterRoutes(s.App.Group("/tracking"), s.Sessions, s.Ingestor, auth.JWTMiddleware(s.Cfg.JWTSecret))
	stream.RegisterRoutes(s.App.Group("/stream", auth.OptionalJWTMiddleware(s.Cfg.JWTSecret)), s.Stream)
}

// StartBackground launches the stale-session reaper. It stops when ctx is
// cancelled or Close is called.
func (s *Server) StartBackground(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Reaper.Run(ctx)
	}()
}

// Close stops background work and disconnects stream subscribers.
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.Stream.Close()
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backend-schoolbus/internal/config"
	"backend-schoolbus/internal/db"
	"backend-schoolbus/internal/events"
	"backend-schoolbus/internal/server"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/op/go-logging"
	"github.com/redis/go-redis/v9"
)

var log = logging.MustGetLogger("api")

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig      func() config.Config
	initLogger      func(string) error
	connectPostgres func(config.Config) (*pgxpool.Pool, error)
	connectRedis    func(config.Config) *redis.Client
	connectEvents   func(config.Config) (*events.AMQPPublisher, error)
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, Resources, <-chan os.Signal, ListenFunc) error
}

// Resources are the external connections handed to Run. Any of them may be nil.
type Resources struct {
	Config config.Config
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Events *events.AMQPPublisher
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:      config.Load,
		initLogger:      InitLogger,
		connectPostgres: db.ConnectPostgres,
		connectRedis:    db.ConnectRedis,
		connectEvents:   connectEvents,
		notify:          signal.Notify,
		run:             Run,
	}
}

// InitLogger Receives the log level to be set in go-logging as a string. If
// the level string is not valid an error is returned.
func InitLogger(logLevel string) error {
	baseBackend := logging.NewLogBackend(os.Stdout, "", 0)
	format := logging.MustStringFormatter(
		`%{time:2006-01-02 15:04:05} %{level:.5s} %{module:-8s} %{message}`,
	)
	backendFormatter := logging.NewBackendFormatter(baseBackend, format)

	backendLeveled := logging.AddModuleLevel(backendFormatter)
	logLevelCode, err := logging.LogLevel(logLevel)
	if err != nil {
		return err
	}
	backendLeveled.SetLevel(logLevelCode, "")

	logging.SetBackend(backendLeveled)
	return nil
}

func connectEvents(cfg config.Config) (*events.AMQPPublisher, error) {
	if cfg.AMQPURL == "" {
		return nil, nil
	}
	return events.DialAMQP(cfg.AMQPURL)
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()
	if err := deps.initLogger(cfg.LogLevel); err != nil {
		log.Warningf("invalid LOG_LEVEL %q, keeping default: %v", cfg.LogLevel, err)
	}

	res := Resources{Config: cfg}

	pg, err := deps.connectPostgres(cfg)
	if err != nil {
		log.Errorf("postgres connection failed: %v", err)
	} else {
		res.DB = pg
	}

	res.Redis = deps.connectRedis(cfg)

	pub, err := deps.connectEvents(cfg)
	if err != nil {
		log.Errorf("amqp connection failed, lifecycle events disabled: %v", err)
	} else {
		res.Events = pub
	}

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), res, signals, nil); err != nil {
		log.Errorf("server exited with error: %v", err)
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

// Run starts the HTTP server and the reaper, and waits for termination signals.
func Run(ctx context.Context, res Resources, signals <-chan os.Signal, listen ListenFunc) error {
	var publisher events.Publisher
	if res.Events != nil {
		publisher = res.Events
	}
	srv := server.NewServer(res.Config, res.DB, res.Redis, publisher)
	srv.StartBackground(ctx)

	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv.App, res.Config.ServerPort)
	}()

	var runErr error
	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := shutdownFn(srv.App, shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	srv.Close()
	if res.DB != nil {
		res.DB.Close()
	}
	if res.Redis != nil {
		_ = res.Redis.Close()
	}
	if res.Events != nil {
		_ = res.Events.Close()
	}
	return runErr
}

package db

import (
	"context"
	"time"

	"backend-schoolbus/internal/config"

	"github.com/op/go-logging"
	"github.com/redis/go-redis/v9"
)

var log = logging.MustGetLogger("db")

var redisPingTimeout = 3 * time.Second

// ConnectRedis returns nil when no address is configured or the server does
// not answer, in which case stream fan-out stays local to this instance.
func ConnectRedis(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warningf("redis %s unreachable, cross-instance relay disabled: %v", cfg.RedisAddr, err)
		_ = client.Close()
		return nil
	}
	return client
}

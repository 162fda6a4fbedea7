package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"capsule/internal/config"
	"capsule/internal/jobs"
	"capsule/internal/jobs/redisq"
	"capsule/internal/store"
)

// OpenTransport builds the job transport selected by transport.kind. The
// redis transport is pinged before it is returned.
func OpenTransport(ctx context.Context, cfg *config.Config, st *store.Store, owner string, logger *slog.Logger) (jobs.Transport, error) {
	visibility := time.Duration(cfg.Transport.VisibilityTimeoutSeconds) * time.Second
	switch cfg.Transport.Kind {
	case "", "sqlite":
		return jobs.NewStoreTransport(st, owner, visibility, logger), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Transport.RedisAddr,
			Password:    cfg.Transport.RedisPassword,
			DB:          cfg.Transport.RedisDB,
			DialTimeout: 5 * time.Second,
		})
		transport := redisq.New(client, redisq.Options{
			Prefix:     cfg.Transport.StreamPrefix,
			Group:      cfg.Transport.ConsumerGroup,
			Consumer:   owner,
			Visibility: visibility,
		}, logger)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := transport.Ping(pingCtx); err != nil {
			transport.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Transport.RedisAddr, err)
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

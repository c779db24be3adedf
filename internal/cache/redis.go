package cache

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string
}

// NewRedisClient connects to Redis and pings it once. The client is shared by
// the issue cache and the job queue.
func NewRedisClient(ctx context.Context, config RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Username: config.Username,
		Password: config.Password,
		DB:       config.DB,
		TLSConfig: func() *tls.Config {
			if !config.TLS {
				return nil
			}
			return &tls.Config{ServerName: config.TLSServerName}
		}(),
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

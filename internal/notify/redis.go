package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "flowkernel:jobs:"

// Redis publishes job-available signals over Redis pub/sub so that gateways
// on other nodes can wake their long-polling workers.
type Redis struct {
	client *redis.Client
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedis(cfg RedisConfig) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func channel(jobType string) string { return channelPrefix + jobType }

func (r *Redis) Publish(ctx context.Context, jobType string) error {
	if err := r.client.Publish(ctx, channel(jobType), jobType).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", jobType, err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by the server, so a
// publish that follows is never missed.
func (r *Redis) Subscribe(ctx context.Context, jobType string) (<-chan struct{}, func(), error) {
	ps := r.client.Subscribe(ctx, channel(jobType))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", jobType, err)
	}
	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				signal(out)
			}
		}
	}()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}
	return out, cancel, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

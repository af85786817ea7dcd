package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Loopgate-Labs/loopgate/pkg/eventlog"
)

// RedisPublisher publishes envelopes over Redis pub/sub, one channel
// per stream kind.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(addr, password string, db int) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisPublisher{client: client}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, env eventlog.Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, SubjectFor(env.StreamKind), data).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.EventID, SubjectFor(env.StreamKind), err)
	}
	return nil
}

func (p *RedisPublisher) Close() error { return p.client.Close() }

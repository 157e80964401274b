package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"realtime-service/domain"
)

// RedisSource subscribes to the signal names as redis pub/sub channels.
type RedisSource struct {
	client    *redis.Client
	keepAlive time.Duration
}

// NewRedisSource builds a source on rc. keepAlive is the idle period after
// which the connection is pinged; a failed ping ends the feed.
func NewRedisSource(rc *redis.Client, keepAlive time.Duration) *RedisSource {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &RedisSource{client: rc, keepAlive: keepAlive}
}

func (s *RedisSource) Open(ctx context.Context, signals []string) (Feed, error) {
	sub := s.client.Subscribe(ctx, signals...)
	// wait for the subscription confirmation so connection errors surface here
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	return &redisFeed{sub: sub, keepAlive: s.keepAlive}, nil
}

type redisFeed struct {
	sub       *redis.PubSub
	keepAlive time.Duration
}

func (f *redisFeed) Next(ctx context.Context) (domain.Signal, error) {
	for {
		msg, err := f.sub.ReceiveTimeout(ctx, f.keepAlive)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && ctx.Err() == nil {
				if perr := f.sub.Ping(ctx); perr != nil {
					return domain.Signal{}, fmt.Errorf("redis keep-alive: %w", perr)
				}
				continue
			}
			return domain.Signal{}, fmt.Errorf("redis receive: %w", err)
		}
		switch m := msg.(type) {
		case *redis.Message:
			return domain.Signal{Name: m.Channel, Payload: []byte(m.Payload), ReceivedAt: time.Now()}, nil
		case *redis.Subscription:
			if m.Kind == "unsubscribe" && m.Count == 0 {
				return domain.Signal{}, errors.New("redis subscription closed")
			}
		case *redis.Pong:
		}
	}
}

func (f *redisFeed) Close() error {
	return f.sub.Close()
}

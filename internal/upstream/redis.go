package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cissieab/framerelay/internal/event"
)

// redisHealthCheck is how long a subscription may stay silent before the
// session pings the server. A second silent period ends the session.
const redisHealthCheck = 30 * time.Second

// RedisDialer treats Redis pub/sub as the upstream transport. The backend
// publishes event data on <prefix><event name> channels and the relay
// publishes control commands on <prefix>control.
type RedisDialer struct {
	client      *redis.Client
	prefix      string
	healthCheck time.Duration
}

// NewRedisDialer wraps an existing client.
func NewRedisDialer(client *redis.Client, prefix string) *RedisDialer {
	return &RedisDialer{client: client, prefix: prefix, healthCheck: redisHealthCheck}
}

// Addr returns the Redis address.
func (d *RedisDialer) Addr() string {
	return "redis://" + d.client.Options().Addr + "/" + d.prefix
}

// Channels lists the channels the relay subscribes to.
func (d *RedisDialer) Channels() []string {
	return []string{d.prefix + event.Frame, d.prefix + event.ObjectCounts}
}

// Dial checks the server is reachable and subscribes to the event channels.
func (d *RedisDialer) Dial(ctx context.Context) (Session, error) {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	pubsub := d.client.Subscribe(ctx, d.Channels()...)

	// Wait for the subscription to be confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &redisSession{
		client:      d.client,
		pubsub:      pubsub,
		prefix:      d.prefix,
		healthCheck: d.healthCheck,
	}, nil
}

type redisSession struct {
	client      *redis.Client
	pubsub      *redis.PubSub
	prefix      string
	healthCheck time.Duration
	closeOnce   sync.Once

	// pinged is set while a health check ping is unanswered. Only Receive
	// touches it.
	pinged bool
}

// Receive waits for the next published message. When the subscription is
// silent for a health check period it pings the server, and if the next
// period passes without any reply the session ends.
func (s *redisSession) Receive(ctx context.Context) (event.Envelope, error) {
	for {
		msg, err := s.pubsub.ReceiveTimeout(ctx, s.healthCheck)
		if err != nil {
			if !isTimeout(err) || ctx.Err() != nil {
				return event.Envelope{}, err
			}
			if s.pinged {
				return event.Envelope{}, fmt.Errorf("redis health check: no reply within %s", s.healthCheck)
			}
			if err := s.pubsub.Ping(ctx); err != nil {
				return event.Envelope{}, fmt.Errorf("redis health check: %w", err)
			}
			s.pinged = true
			continue
		}
		s.pinged = false

		switch m := msg.(type) {
		case *redis.Message:
			return envelopeFromMessage(s.prefix, m.Channel, m.Payload)
		case *redis.Pong, *redis.Subscription:
		default:
			return event.Envelope{}, fmt.Errorf("%w: unexpected pubsub reply %T", ErrMalformedMessage, msg)
		}
	}
}

func (s *redisSession) Send(ctx context.Context, name string, data json.RawMessage) error {
	return s.client.Publish(ctx, s.prefix+name, []byte(data)).Err()
}

func (s *redisSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// envelopeFromMessage maps a pub/sub message to a named event: the channel
// suffix after prefix is the event name and the payload is its JSON data.
func envelopeFromMessage(prefix, channel, payload string) (event.Envelope, error) {
	name, ok := strings.CutPrefix(channel, prefix)
	if !ok || name == "" {
		return event.Envelope{}, fmt.Errorf("%w: unexpected channel %q", ErrMalformedMessage, channel)
	}
	if !json.Valid([]byte(payload)) {
		return event.Envelope{}, fmt.Errorf("%w: payload on %q is not JSON", ErrMalformedMessage, channel)
	}
	return event.Envelope{Event: name, Data: json.RawMessage(payload)}, nil
}

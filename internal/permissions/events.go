package permissions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// ProfileChangedChannel carries the id of every profile whose data changed.
const ProfileChangedChannel = "permissions.profile_changed"

// Publisher announces profile changes to running portal instances.
type Publisher interface {
	ProfileChanged(ctx context.Context, profileID string) error
}

// RedisEvents publishes and consumes profile-changed events over Redis pub/sub.
type RedisEvents struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisEvents constructs a RedisEvents helper.
func NewRedisEvents(client *redis.Client, logger *slog.Logger) *RedisEvents {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisEvents{client: client, logger: logger}
}

// ProfileChanged publishes profileID on ProfileChangedChannel.
func (e *RedisEvents) ProfileChanged(ctx context.Context, profileID string) error {
	if e == nil || e.client == nil {
		return nil
	}
	if err := e.client.Publish(ctx, ProfileChangedChannel, profileID).Err(); err != nil {
		return fmt.Errorf("permissions: publish profile change: %w", err)
	}
	return nil
}

// Listen subscribes to ProfileChangedChannel and calls handle for every event
// until ctx ends. It returns once the subscription is confirmed.
func (e *RedisEvents) Listen(ctx context.Context, handle func(profileID string)) error {
	if e == nil || e.client == nil {
		return nil
	}
	pubsub := e.client.Subscribe(ctx, ProfileChangedChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("permissions: subscribe profile changes: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == "" {
					continue
				}
				e.logger.Debug("permission profile changed", slog.String("profile_id", msg.Payload))
				handle(msg.Payload)
			}
		}
	}()
	return nil
}

var _ Publisher = (*RedisEvents)(nil)

package feed

import (
	"context"
	"fmt"

	"haven-chat/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ChannelPrefixUser is the per-user feed channel prefix. Publishing to both
// participants' channels scopes each subscription to conversations the
// viewer belongs to.
const ChannelPrefixUser = "feed:user:"

const subscriberBuffer = 64

// RedisFeed implements the change-feed adapter over Redis Pub/Sub.
type RedisFeed struct {
	client *redis.Client
	log    *logger.Logger
}

func NewRedisFeed(client *redis.Client, log *logger.Logger) *RedisFeed {
	return &RedisFeed{client: client, log: log}
}

func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}

	low, high := ev.Participants()
	for _, userID := range []uuid.UUID{low, high} {
		if userID == uuid.Nil {
			continue
		}
		channel := ChannelPrefixUser + userID.String()
		if err := f.client.Publish(ctx, channel, data).Err(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", channel, err)
		}
	}
	return nil
}

// Subscribe opens the viewer's feed channel. The returned event channel is
// closed when the Redis subscription ends for any reason, including
// connection loss.
func (f *RedisFeed) Subscribe(ctx context.Context, viewerID uuid.UUID) (<-chan Event, CancelFunc, error) {
	pubsub := f.client.Subscribe(ctx, ChannelPrefixUser+viewerID.String())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe feed: %w", err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			ev, err := Decode([]byte(msg.Payload))
			if err != nil {
				f.log.Warnf("feed: dropping undecodable payload: %v", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}

// Package events carries liveness, badge and notification updates between
// the coordinator and the relay over watermill, in memory or through Redis
// Streams.
package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	TopicBackendStatus = "backend-status"
	TopicBadge         = "badge"
	TopicNotifications = "notifications"
)

// Topics lists every topic the relay forwards to subscribers.
var Topics = []string{TopicBackendStatus, TopicBadge, TopicNotifications}

type RedisSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// Bus bundles the publisher and subscriber of one transport.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	redis      *redis.Client
	redisGroup string
}

// NewBus returns an in-memory bus, or a Redis Streams bus when enabled.
func NewBus(s RedisSettings) (*Bus, error) {
	logger := NewWatermillLogger(log.With().Str("component", "events").Logger())
	if !s.Enabled {
		pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &Bus{Publisher: pubsub, Subscriber: pubsub}, nil
	}

	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redis address is empty")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream subscriber")
	}
	return &Bus{Publisher: pub, Subscriber: sub, redis: client, redisGroup: s.Group}, nil
}

// EnsureGroupsAtTail creates the consumer group on every topic at "$" so a
// fresh relay does not replay old status history.
func (b *Bus) EnsureGroupsAtTail(ctx context.Context) error {
	if b == nil || b.redis == nil || b.redisGroup == "" {
		return nil
	}
	for _, topic := range Topics {
		err := b.redis.XGroupCreateMkStream(ctx, topic, b.redisGroup, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return errors.Wrapf(err, "create consumer group on %s", topic)
		}
	}
	return nil
}

// PublishJSON marshals v into a new message on topic.
func (b *Bus) PublishJSON(ctx context.Context, topic string, v any) error {
	if b == nil || b.Publisher == nil {
		return errors.New("event bus is not initialized")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s event", topic)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := b.Publisher.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "publish %s event", topic)
	}
	return nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var firstErr error
	if b.Publisher != nil {
		firstErr = b.Publisher.Close()
	}
	if b.Subscriber != nil && any(b.Subscriber) != any(b.Publisher) {
		if err := b.Subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

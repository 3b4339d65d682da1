package events

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/socio-bridge/pkg/relay"
)

// Forward subscribes to topics and hands every payload to out until ctx is
// done. Payloads are already subscriber envelopes, so they pass through as-is.
func Forward(ctx context.Context, sub message.Subscriber, out relay.Broadcaster, topics ...string) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if sub == nil || out == nil {
		return errors.New("forwarder is not initialized")
	}
	if len(topics) == 0 {
		topics = Topics
	}

	var wg sync.WaitGroup
	for _, topic := range topics {
		ch, err := sub.Subscribe(ctx, topic)
		if err != nil {
			return errors.Wrapf(err, "subscribe %s", topic)
		}
		wg.Add(1)
		go func(topic string, ch <-chan *message.Message) {
			defer wg.Done()
			for msg := range ch {
				log.Debug().Str("component", "events").Str("topic", topic).Str("uuid", msg.UUID).Msg("forwarding event")
				out.Broadcast(msg.Payload)
				msg.Ack()
			}
		}(topic, ch)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

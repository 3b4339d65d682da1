package events

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/socio-bridge/pkg/relay"
	"github.com/go-go-golems/socio-bridge/pkg/stats"
)

const (
	DefaultUnavailableTitle   = "Socio.io Backend Not Running"
	DefaultUnavailableMessage = "Please start the backend manually by running start_backend.bat"
)

// StatusPublisher turns coordinator and stats callbacks into bus events.
type StatusPublisher struct {
	bus                *Bus
	unavailableTitle   string
	unavailableMessage string
}

func NewStatusPublisher(bus *Bus, title, message string) *StatusPublisher {
	if title == "" {
		title = DefaultUnavailableTitle
	}
	if message == "" {
		message = DefaultUnavailableMessage
	}
	return &StatusPublisher{bus: bus, unavailableTitle: title, unavailableMessage: message}
}

func (p *StatusPublisher) BackendStatusChanged(ctx context.Context, running bool) error {
	return p.bus.PublishJSON(ctx, TopicBackendStatus, relay.NewBackendStatusChanged(running))
}

func (p *StatusPublisher) NotifyBackendUnavailable(ctx context.Context) error {
	log.Warn().Str("component", "events").Str("title", p.unavailableTitle).Msg(p.unavailableMessage)
	return p.bus.PublishJSON(ctx, TopicNotifications, relay.NewNotification(p.unavailableTitle, p.unavailableMessage))
}

func (p *StatusPublisher) BadgeChanged(ctx context.Context, b stats.Badge) error {
	return p.bus.PublishJSON(ctx, TopicBadge, relay.NewBadgeChanged(b.Text, b.Color))
}

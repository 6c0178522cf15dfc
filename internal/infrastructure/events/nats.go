package events

import (
	"log/slog"

	"github.com/blackms/hivemind-go/internal/infrastructure/logging"
	"github.com/blackms/hivemind-go/internal/infrastructure/natsbus"
	"github.com/blackms/hivemind-go/internal/shared"
)

// JSONPublisher publishes a JSON document to a subject.
type JSONPublisher interface {
	PublishJSON(subject string, v any) error
}

// NATSBridge mirrors every bus event to NATS as JSON.
type NATSBridge struct {
	bus       *EventBus
	pub       JSONPublisher
	prefix    string
	handlerID uint64
	logger    *slog.Logger
}

// NewNATSBridge starts mirroring events from bus to pub under prefix.
func NewNATSBridge(bus *EventBus, pub JSONPublisher, prefix string, logger *slog.Logger) *NATSBridge {
	if prefix == "" {
		prefix = "hivemind"
	}
	b := &NATSBridge{
		bus:    bus,
		pub:    pub,
		prefix: prefix,
		logger: logging.Component(logger, "nats-bridge"),
	}
	b.handlerID = bus.On(shared.EventAll, b.forward)
	return b
}

func (b *NATSBridge) forward(event shared.Event) {
	subject := natsbus.EventSubject(b.prefix, event.SwarmID, string(event.Type))
	if err := b.pub.PublishJSON(subject, event); err != nil {
		b.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

// Close stops mirroring.
func (b *NATSBridge) Close() {
	b.bus.Off(b.handlerID)
}

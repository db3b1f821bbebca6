package bus

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the event bus named by cfg.Type.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		b := NewChannelBus(cfg.ChannelBufferSize)
		b.requestTimeout = requestTimeout(cfg)
		return b, nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// Enabled reports whether the config asks for an event bus at all.
func Enabled(cfg domain.EventBusConfig) bool {
	return cfg.Type != "" && cfg.Type != "none"
}

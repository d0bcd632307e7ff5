// Package fanout provides event fanout implementations for Kestrel.
package fanout

import (
	"fmt"

	"github.com/opensafety/kestrel/internal/domain"
)

// New creates a new event fanout based on configuration.
// For Community tier: returns ChannelFanout.
// For Pro tier: returns NATSFanout.
func New(cfg domain.FanoutConfig) (domain.EventFanout, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelFanout(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSFanout(cfg)

	default:
		return nil, fmt.Errorf("unsupported fanout type: %s", cfg.Type)
	}
}

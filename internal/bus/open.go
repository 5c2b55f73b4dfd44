package bus

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/netpanic/netpanic/internal/core"
)

// Open returns the backend cfg selects: "memory" or "nats". The memory
// backend only retains dead-letter topics for Consume, since nothing acks
// the stage topics in a running pipeline.
func Open(cfg core.BusConfig, logger zerolog.Logger) (core.Bus, error) {
	switch cfg.Backend {
	case "", "memory":
		b := NewMemory(logger, 0)
		b.RetainOnly(core.IsDeadLetterTopic)
		return b, nil
	case "nats":
		return NewJetStream(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}

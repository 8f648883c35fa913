package queue

import (
	"fmt"

	"hydrafrog/internal/config"
)

// New builds the configured queue backing: "memory" or "redis".
func New(cfg config.QueueConfig) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(), nil
	case "redis":
		return NewRedisQueue(cfg)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

package ports

import (
	"context"

	"github.com/amine-amaach/opcua-bridge/internal/model"
)

// SinkPort receives the samples popped by bindings.
type SinkPort interface {
	Name() string
	Deliver(ctx context.Context, sample model.Sample) error
}

// CommandPort delivers write commands addressed to a binding.
type CommandPort interface {
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error
}

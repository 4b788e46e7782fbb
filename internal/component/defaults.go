package component

import (
	"math"
	"time"
)

// Defaults are the process-wide settings used when sessions, subscriptions,
// items or bindings leave a value unset.
type Defaults struct {
	// Also the reconnect interval and the keep-alive period.
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	MaxOperationsPerCall int           `mapstructure:"max_operations_per_call"`
	// Milliseconds.
	PublishingInterval float64 `mapstructure:"publishing_interval"`
	// Milliseconds, negative means "use the publishing interval".
	SamplingInterval  float64 `mapstructure:"sampling_interval"`
	QueueSize         uint32  `mapstructure:"queue_size"`
	DiscardOldest     bool    `mapstructure:"discard_oldest"`
	Timestamp         string  `mapstructure:"timestamp"`
	ClientQueueFactor float64 `mapstructure:"client_queue_factor"`
	ClientQueueMin    int     `mapstructure:"client_queue_min"`
}

func NewDefaults() Defaults {
	return Defaults{
		ConnectTimeout:       5 * time.Second,
		MaxOperationsPerCall: 0,
		PublishingInterval:   100,
		SamplingInterval:     -1,
		QueueSize:            1,
		DiscardOldest:        true,
		Timestamp:            "server",
		ClientQueueFactor:    1.5,
		ClientQueueMin:       3,
	}
}

// ClientQueueSize derives a client queue size from the server queue size.
func (d Defaults) ClientQueueSize(serverQueueSize uint32) int {
	n := int(math.Ceil(float64(serverQueueSize) * d.ClientQueueFactor))
	if n < d.ClientQueueMin {
		n = d.ClientQueueMin
	}
	if n < 1 {
		n = 1
	}
	return n
}

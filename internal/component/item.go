package component

// Item describes one monitored or polled node. Pointer fields fall back to
// the process defaults when unset.
type Item struct {
	Name string `mapstructure:"name"`
	// Exactly one of Session or Subscription.
	Session      string `mapstructure:"session"`
	Subscription string `mapstructure:"subscription"`

	Namespace uint16 `mapstructure:"ns"`
	// Numeric identifiers are given as "i=<n>" or a bare number, anything else is a string identifier.
	Identifier string `mapstructure:"identifier"`
	Register   bool   `mapstructure:"register"`

	SamplingInterval *float64 `mapstructure:"sampling_interval"`
	QueueSize        *uint32  `mapstructure:"queue_size"`
	DiscardOldest    *bool    `mapstructure:"discard_oldest"`
	Monitor          *bool    `mapstructure:"monitor"`
	// read, write or ignore
	InitialValue string `mapstructure:"initial_value"`
}

type Binding struct {
	Name string `mapstructure:"name"`
	Item string `mapstructure:"item"`
	// Dotted path below the item value, empty for the whole value.
	Element         string `mapstructure:"element"`
	ClientQueueSize int    `mapstructure:"client_queue_size"`
	DiscardOldest   *bool  `mapstructure:"discard_oldest"`
	// server, source or data
	Timestamp        string `mapstructure:"timestamp"`
	TimestampElement string `mapstructure:"timestamp_element"`
	Output           bool   `mapstructure:"output"`
	// Written after connect when the item's initial value policy is "write".
	InitialOutput any `mapstructure:"initial_output"`
	// mqtt or log
	Sink string `mapstructure:"sink"`
	// Periodic reads for items without subscription, e.g. "2s".
	PollInterval string `mapstructure:"poll_interval"`
	// Maximum text length for string values, 0 unbounded.
	MaxLength int `mapstructure:"max_length"`
}

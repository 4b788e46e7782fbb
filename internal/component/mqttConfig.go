package component

type MQTTConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	URL                   string `mapstructure:"url"`
	QoS                   uint8  `mapstructure:"qos"`
	ClientID              string `mapstructure:"client_id"`
	CleanStart            bool   `mapstructure:"clean_start"`
	SessionExpiryInterval uint32 `mapstructure:"session_expiry_interval"`
	User                  string `mapstructure:"user"`
	Password              string `mapstructure:"password"`
	ConnectTimeout        string `mapstructure:"connect_timeout"`
	KeepAlive             uint16 `mapstructure:"keep_alive"`
	// How long to wait between connection attempts, in seconds
	ConnectRetry int64 `mapstructure:"connect_retry"`
	// Samples go to <topic_prefix>/<binding>, writes come from <topic_prefix>/<binding>/set
	TopicPrefix string `mapstructure:"topic_prefix"`
	Retain      bool   `mapstructure:"retain"`
	// json or proto
	PayloadFormat string `mapstructure:"payload_format"`
}

// Returns default configs
func NewMQTTConfig() *MQTTConfig {
	return &MQTTConfig{
		URL:                   "tcp://localhost:1883",
		QoS:                   1,
		CleanStart:            true,
		SessionExpiryInterval: 60,
		ConnectTimeout:        "10s",
		KeepAlive:             10,
		ConnectRetry:          5,
		TopicPrefix:           "uabridge",
		PayloadFormat:         "json",
	}
}

package component

type Session struct {
	Name               string `mapstructure:"name"`
	URL                string `mapstructure:"url"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	// Same syntax as the create-session command: key=value:key=value
	Options       string         `mapstructure:"options"`
	Subscriptions []Subscription `mapstructure:"subscriptions"`
}

type Subscription struct {
	Name string `mapstructure:"name"`
	// Milliseconds, <= 0 uses the default publishing interval.
	PublishingInterval float64 `mapstructure:"publishing_interval"`
	Options            string  `mapstructure:"options"`
}

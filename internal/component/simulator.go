package component

type UserIds struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type IoTSensor struct {
	SensorId  string  `mapstructure:"sensor_id"`
	Mean      float64 `mapstructure:"mean"`
	Std       float64 `mapstructure:"standard_deviation"`
	DelayMin  uint32  `mapstructure:"delay_min"`
	DelayMax  uint32  `mapstructure:"delay_max"`
	Randomize bool    `mapstructure:"randomize"`
}

// Simulator configures the bundled test server.
type Simulator struct {
	Endpoint        string      `mapstructure:"endpoint"`
	Namespace       string      `mapstructure:"namespace"`
	Users           []UserIds   `mapstructure:"users"`
	Sensors         []IoTSensor `mapstructure:"sensors"`
	AdditionalHosts []string    `mapstructure:"hosts"`
	PKIPath         string      `mapstructure:"pki_path"`
}

package config

import (
	"bytes"
	"strings"

	"github.com/amine-amaach/opcua-bridge/internal/component"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Cfg struct {
	Defaults          component.Defaults    `mapstructure:"defaults"`
	Sessions          []component.Session   `mapstructure:"sessions"`
	Items             []component.Item      `mapstructure:"items"`
	Bindings          []component.Binding   `mapstructure:"bindings"`
	MQTTConfig        component.MQTTConfig  `mapstructure:"mqtt_config"`
	LoggerConfig      component.Logger      `mapstructure:"logger"`
	Simulator         component.Simulator   `mapstructure:"simulator"`
	EnablePrometheus  bool                  `mapstructure:"enable_prometheus"`
	PrometheusAddress string                `mapstructure:"prometheus_address"`
	// Command lines executed once the configuration is applied.
	Startup []string `mapstructure:"startup"`
}

var ErrConfig = errors.New("invalid configuration")

// GetConfigs loads the configuration from file, or from the built-in default
// when no config file can be found. An explicit file must exist.
func GetConfigs(file string, logger *logrus.Logger) (Cfg, error) {
	var configs Cfg
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("UABRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")             // name of config file (without extension)
		v.SetConfigType("json")               // REQUIRED if the config file does not have the extension in the name
		v.AddConfigPath("./configs/")         // look for config in the working directory
		v.AddConfigPath("./internal/config/") // look for config in the working directory
		v.AddConfigPath("/configs/")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && file == "" {
			logger.Warnln("Config file not found! using default configs 🔔")
			if err := v.MergeConfig(bytes.NewReader(defaultConfig)); err != nil {
				return configs, errors.Wrap(err, "default configs")
			}
		} else {
			logger.Errorln("Config file was found but another error was produced ⛔")
			return configs, errors.Wrap(err, "read config")
		}
	} else {
		logger.WithField("File", v.ConfigFileUsed()).Infoln("Config file found")
	}

	if err := v.Unmarshal(&configs); err != nil {
		logger.Errorln("Unable to unmarshal configs ⛔")
		return configs, errors.Wrap(err, "unmarshal config")
	}
	if err := validate(&configs); err != nil {
		return configs, err
	}
	logger.Infoln("Config parsed successfully ✅")
	return configs, nil
}

func setDefaults(v *viper.Viper) {
	d := component.NewDefaults()
	v.SetDefault("defaults.connect_timeout", d.ConnectTimeout)
	v.SetDefault("defaults.max_operations_per_call", d.MaxOperationsPerCall)
	v.SetDefault("defaults.publishing_interval", d.PublishingInterval)
	v.SetDefault("defaults.sampling_interval", d.SamplingInterval)
	v.SetDefault("defaults.queue_size", d.QueueSize)
	v.SetDefault("defaults.discard_oldest", d.DiscardOldest)
	v.SetDefault("defaults.timestamp", d.Timestamp)
	v.SetDefault("defaults.client_queue_factor", d.ClientQueueFactor)
	v.SetDefault("defaults.client_queue_min", d.ClientQueueMin)

	m := component.NewMQTTConfig()
	v.SetDefault("mqtt_config.url", m.URL)
	v.SetDefault("mqtt_config.qos", m.QoS)
	v.SetDefault("mqtt_config.clean_start", m.CleanStart)
	v.SetDefault("mqtt_config.session_expiry_interval", m.SessionExpiryInterval)
	v.SetDefault("mqtt_config.connect_timeout", m.ConnectTimeout)
	v.SetDefault("mqtt_config.keep_alive", m.KeepAlive)
	v.SetDefault("mqtt_config.connect_retry", m.ConnectRetry)
	v.SetDefault("mqtt_config.topic_prefix", m.TopicPrefix)
	v.SetDefault("mqtt_config.payload_format", m.PayloadFormat)

	v.SetDefault("logger.level", "INFO")
	v.SetDefault("logger.format", "TEXT")
	v.SetDefault("prometheus_address", ":8080")

	v.SetDefault("simulator.endpoint", "opc.tcp://localhost:46010")
	v.SetDefault("simulator.namespace", "http://github.com/amine-amaach/opcua-bridge/sim")
	v.SetDefault("simulator.pki_path", "./uaServerCerts/pki")
}

func validate(c *Cfg) error {
	if c.Defaults.ConnectTimeout <= 0 {
		return errors.Wrap(ErrConfig, "defaults.connect_timeout must be positive")
	}
	if c.Defaults.ClientQueueFactor < 0 {
		return errors.Wrap(ErrConfig, "defaults.client_queue_factor must not be negative")
	}
	for _, it := range c.Items {
		if it.Name == "" {
			return errors.Wrap(ErrConfig, "item without name")
		}
		if (it.Session == "") == (it.Subscription == "") {
			return errors.Wrapf(ErrConfig, "item %s needs exactly one of session or subscription", it.Name)
		}
	}
	for _, b := range c.Bindings {
		if b.Name == "" || b.Item == "" {
			return errors.Wrap(ErrConfig, "binding needs a name and an item")
		}
	}
	return nil
}

var defaultConfig = []byte(`
{
	"defaults": {
		"connect_timeout": "5s",
		"publishing_interval": 100,
		"sampling_interval": -1,
		"queue_size": 1,
		"discard_oldest": true,
		"timestamp": "server",
		"client_queue_factor": 1.5,
		"client_queue_min": 3,
		"max_operations_per_call": 0
	},

	"sessions": [
		{
			"name": "sim",
			"url": "opc.tcp://localhost:46010",
			"insecure_skip_verify": true,
			"options": "autoconnect=y",
			"subscriptions": [
				{ "name": "simsub", "publishing_interval": 500 }
			]
		}
	],

	"items": [
		{ "name": "temperature", "subscription": "simsub", "ns": 2, "identifier": "Temperature" },
		{ "name": "setpoint", "session": "sim", "ns": 2, "identifier": "Setpoint", "initial_value": "read" }
	],

	"bindings": [
		{ "name": "temperature", "item": "temperature", "sink": "log" },
		{ "name": "setpoint", "item": "setpoint", "sink": "log", "output": true, "poll_interval": "5s" }
	],

	"mqtt_config": {
		"enabled": false,
		"url": "tcp://localhost:1883",
		"qos": 1,
		"client_id": "",
		"keep_alive": 5,
		"connect_timeout": "30s",
		"connect_retry": 3,
		"clean_start": true,
		"session_expiry_interval": 60,
		"topic_prefix": "uabridge",
		"payload_format": "json"
	},

	"logger": {
		"level": "INFO",
		"format": "TEXT",
		"disable_timestamp": false
	},

	"enable_prometheus": false,
	"prometheus_address": ":8080"
}
`)

package services

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/amine-amaach/opcua-bridge/internal/component"
	"github.com/eclipse/paho.golang/autopaho"
	mqtt "github.com/eclipse/paho.golang/paho"
	nanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrNoMqttSession = errors.New("no MQTT session")

// MqttSessionSvc owns the broker connection shared by the mqtt sink and the
// write command subscriptions.
type MqttSessionSvc struct {
	Log         *logrus.Logger
	MqttConfigs component.MQTTConfig
	MqttClient  *autopaho.ConnectionManager

	router *mqtt.StandardRouter
	mu     sync.Mutex
	topics map[string]byte
}

func NewMqttSessionSvc(log *logrus.Logger, cfg component.MQTTConfig) *MqttSessionSvc {
	return &MqttSessionSvc{
		Log:         log,
		MqttConfigs: cfg,
		router:      mqtt.NewStandardRouter(),
		topics:      make(map[string]byte),
	}
}

// StatusTopic carries "online" while the bridge is connected; the broker
// publishes "offline" through the will message otherwise.
func (m *MqttSessionSvc) StatusTopic() string {
	return m.MqttConfigs.TopicPrefix + "/bridge/status"
}

func (m *MqttSessionSvc) EstablishMqttSession(ctx context.Context) error {
	if m.MqttClient != nil {
		m.Log.Warnln("MQTT session already exists 🔔")
		return nil
	}

	m.Log.Debugln("Setting up an MQTT client options 🔔")

	connectTimeout, err := time.ParseDuration(m.MqttConfigs.ConnectTimeout)
	if err != nil {
		m.Log.Errorf("Unable to parse connect timeout duration string: %v ⛔", err)
		return err
	}

	srvURL, err := url.Parse(m.MqttConfigs.URL)
	if err != nil {
		m.Log.Errorf("Unable to parse server URL [%s] : %v ⛔", m.MqttConfigs.URL, err)
		return err
	}

	var cliId string
	if m.MqttConfigs.ClientID != "" {
		cliId = m.MqttConfigs.ClientID
	} else {
		cliId, err = nanoid.New()
		if err != nil {
			m.Log.Errorln("Unable to auto-generate client id ⛔")
			return err
		}
		cliId = "UaBridge::" + cliId
	}

	cliCfg := autopaho.ClientConfig{
		BrokerUrls:        []*url.URL{srvURL},
		KeepAlive:         m.MqttConfigs.KeepAlive,
		ConnectRetryDelay: time.Duration(m.MqttConfigs.ConnectRetry) * time.Second,
		ConnectTimeout:    connectTimeout,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, c *mqtt.Connack) {
			m.Log.Infoln("MQTT connection up ✅")
			m.onConnectionUp(cm)
		},
		OnConnectError: func(err error) {
			m.Log.Errorf("Error whilst attempting connection %s ⛔\n", err)
		},
		Debug: m.Log,
		// TODO : TlsConfig
		ClientConfig: mqtt.ClientConfig{
			ClientID: cliId,
			Router:   m.router,

			OnClientError: func(err error) {
				m.Log.Errorf("Server requested disconnect: %s ⛔\n", err)
			},
			OnServerDisconnect: func(d *mqtt.Disconnect) {
				if d.Properties != nil {
					m.Log.Errorf("Server requested disconnect: %s ⛔\n", d.Properties.ReasonString)
				} else {
					m.Log.Errorf("Server requested disconnect; reason code : %d ⛔\n", d.ReasonCode)
				}
			},
		},
	}

	if m.MqttConfigs.User != "" {
		cliCfg.SetUsernamePassword(m.MqttConfigs.User, []byte(m.MqttConfigs.Password))
	}

	cliCfg.SetWillMessage(m.StatusTopic(), []byte("offline"), 1, true)

	// Connect to the broker - this will return immediately after initiating the connection process
	m.Log.WithField("ClientId", cliId).Infof("Trying to establish an MQTT Session to %v 🔔\n", cliCfg.BrokerUrls)
	cm, err := autopaho.NewConnection(ctx, cliCfg)
	if err != nil {
		return errors.Wrap(err, "mqtt connection")
	}

	m.MqttClient = cm
	return nil
}

// onConnectionUp announces the bridge and restores the command subscriptions,
// which a clean start drops on the broker side.
func (m *MqttSessionSvc) onConnectionUp(cm *autopaho.ConnectionManager) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := cm.Publish(ctx, &mqtt.Publish{
		Topic:   m.StatusTopic(),
		QoS:     1,
		Retain:  true,
		Payload: []byte("online"),
	}); err != nil {
		m.Log.WithField("Err", err).Warnln("Unable to publish bridge status 🔔")
	}

	m.mu.Lock()
	subs := make(map[string]mqtt.SubscribeOptions, len(m.topics))
	for topic, qos := range m.topics {
		subs[topic] = mqtt.SubscribeOptions{QoS: qos}
	}
	m.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	if _, err := cm.Subscribe(ctx, &mqtt.Subscribe{Subscriptions: subs}); err != nil {
		m.Log.WithField("Err", err).Errorln("Unable to restore command subscriptions ⛔")
		return
	}
	m.Log.WithField("Topics", len(subs)).Infoln("Command subscriptions restored ✅")
}

// Subscribe routes messages on topic to handler. While the broker is not
// reachable the subscription is only recorded and made on the next connect.
func (m *MqttSessionSvc) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error {
	m.router.RegisterHandler(topic, func(p *mqtt.Publish) {
		handler(p.Payload)
	})
	m.mu.Lock()
	m.topics[topic] = m.MqttConfigs.QoS
	m.mu.Unlock()

	if m.MqttClient == nil {
		return nil
	}
	if _, err := m.MqttClient.Subscribe(ctx, &mqtt.Subscribe{
		Subscriptions: map[string]mqtt.SubscribeOptions{
			topic: {QoS: m.MqttConfigs.QoS},
		},
	}); err != nil {
		m.Log.WithFields(logrus.Fields{"Topic": topic, "Err": err}).Debugln("Subscribe deferred until connected 🔔")
	}
	return nil
}

func (m *MqttSessionSvc) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if m.MqttClient == nil {
		return ErrNoMqttSession
	}
	_, err := m.MqttClient.Publish(ctx, &mqtt.Publish{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: payload,
	})
	return err
}

func (m *MqttSessionSvc) Close(ctx context.Context) {
	m.Log.Debugln("Closing MQTT connection.. 🔔")
	if m.MqttClient == nil {
		return
	}
	if _, err := m.MqttClient.Publish(ctx, &mqtt.Publish{
		Topic:   m.StatusTopic(),
		QoS:     1,
		Retain:  true,
		Payload: []byte("offline"),
	}); err != nil {
		m.Log.WithField("Err", err).Debugln("Unable to publish bridge status 🔔")
	}
	if err := m.MqttClient.Disconnect(ctx); err == nil {
		m.Log.Infoln("MQTT connection closed ✅")
	}
}

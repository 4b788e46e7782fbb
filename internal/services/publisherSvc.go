package services

import (
	"context"
	"strings"

	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PublisherSvc is the mqtt sink: each sample is published to
// <prefix>/<binding>.
type PublisherSvc struct {
	Session *MqttSessionSvc
	Encoder *EncoderSvc
	Prefix  string
	QoS     byte
	Retain  bool
	Log     *logrus.Logger
}

func NewPublisherSvc(session *MqttSessionSvc, encoder *EncoderSvc, log *logrus.Logger) *PublisherSvc {
	return &PublisherSvc{
		Session: session,
		Encoder: encoder,
		Prefix:  strings.TrimSuffix(session.MqttConfigs.TopicPrefix, "/"),
		QoS:     session.MqttConfigs.QoS,
		Retain:  session.MqttConfigs.Retain,
		Log:     log,
	}
}

func (p *PublisherSvc) Name() string { return "mqtt" }

func (p *PublisherSvc) Topic(binding string) string {
	if p.Prefix == "" {
		return binding
	}
	return p.Prefix + "/" + binding
}

func (p *PublisherSvc) Deliver(ctx context.Context, sample model.Sample) error {
	payload, err := p.Encoder.GetBytes(sample, p.Log)
	if err != nil {
		return err
	}
	topic := p.Topic(sample.Binding)
	if err := p.Session.Publish(ctx, topic, payload, p.QoS, p.Retain); err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}
	p.Log.WithField("Topic", topic).Debugln("Sample published ✅")
	return nil
}

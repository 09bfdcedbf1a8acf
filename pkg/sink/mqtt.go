package sink

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pawsense/feeder/pkg/records"
)

const (
	mqttQoS            = 1
	mqttConnectTimeout = 10 * time.Second
)

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes intake records to a broker topic.
type MQTT struct {
	client mqttPublisher
	topic  string
}

// NewMQTT connects to broker ("tcp://host:1883") with clientID.
func NewMQTT(broker, clientID, topic string) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logrus.WithError(err).Warn("mqtt connection lost")
		})

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, pkgerrors.Errorf("timed out connecting to mqtt broker %s", broker)
	}
	if err := token.Error(); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to connect to mqtt broker %s", broker)
	}

	logrus.WithFields(logrus.Fields{
		"broker": broker,
		"topic":  topic,
	}).Info("mqtt sink connected")
	return &MQTT{client: c, topic: topic}, nil
}

func (m *MQTT) Publish(ctx context.Context, rec records.Intake) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to marshal intake record")
	}

	token := m.client.Publish(m.topic, mqttQoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return pkgerrors.Wrapf(err, "failed to publish to %s", m.topic)
	}
	return nil
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

func (m *MQTT) Name() string { return "mqtt" }

package analysis

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"funsearch/internal/model"
)

const defaultMQTTTimeout = 10 * time.Second

// Publisher sends one payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type MQTTConfig struct {
	Name     string
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	Timeout  time.Duration
}

func (c MQTTConfig) Validate() error {
	if c.Name == "" {
		return errors.NotValidf("empty Name")
	}
	if c.Broker == "" {
		return errors.NotValidf("empty Broker")
	}
	if c.Topic == "" {
		return errors.NotValidf("empty Topic")
	}
	if c.QoS > 2 {
		return errors.NotValidf("QoS %d", c.QoS)
	}
	return nil
}

// MQTTWorker hands submissions to remote evaluators subscribed to a topic.
type MQTTWorker struct {
	name   string
	topic  string
	pub    Publisher
	closer func()
}

// DialMQTT connects to the broker and returns a worker publishing there.
func DialMQTT(cfg MQTTConfig) (*MQTTWorker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultMQTTTimeout
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout)
	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, errors.Timeoutf("connecting to broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Annotatef(err, "connecting to broker %s", cfg.Broker)
	}

	w := NewMQTTWorker(cfg.Name, cfg.Topic, pahoPublisher{client: client, qos: cfg.QoS, timeout: cfg.Timeout})
	w.closer = func() { client.Disconnect(250) }
	return w, nil
}

func NewMQTTWorker(name, topic string, pub Publisher) *MQTTWorker {
	return &MQTTWorker{name: name, topic: topic, pub: pub}
}

func (w *MQTTWorker) Name() string {
	return w.name
}

func (w *MQTTWorker) Analyse(_ context.Context, sub model.Submission) error {
	payload, err := EncodeSubmission(sub)
	if err != nil {
		return submissionError(err, w.name, sub)
	}
	if err := w.pub.Publish(w.topic, payload); err != nil {
		return submissionError(err, w.name, sub)
	}
	return nil
}

func (w *MQTTWorker) Close() error {
	if w.closer != nil {
		w.closer()
	}
	return nil
}

type pahoPublisher struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

func (p pahoPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return errors.Timeoutf("publishing to %s", topic)
	}
	return token.Error()
}

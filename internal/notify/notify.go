// Package notify delivers alerts to users and downstream systems.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-resty/resty/v2"

	"github.com/signalsfoundry/safezone/internal/logging"
	"github.com/signalsfoundry/safezone/model"
)

// Notifier accepts an alert and reports whether delivery succeeded.
type Notifier interface {
	Notify(ctx context.Context, a model.Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a model.Alert) error

func (f NotifierFunc) Notify(ctx context.Context, a model.Alert) error { return f(ctx, a) }

// Log writes alerts to a logger. It never fails.
type Log struct {
	log logging.Logger
}

// NewLog returns a logging notifier.
func NewLog(l logging.Logger) *Log {
	if l == nil {
		l = logging.Noop()
	}
	return &Log{log: l}
}

func (n *Log) Notify(ctx context.Context, a model.Alert) error {
	n.log.Info(ctx, "alert",
		logging.String("alert_id", a.ID),
		logging.String("kind", string(a.Kind)),
		logging.String("priority", string(a.Priority)),
		logging.String("zone_id", a.RelatedZoneID),
		logging.String("key", a.DedupeKey),
		logging.String("title", a.Title),
	)
	return nil
}

// Webhook posts alerts as JSON to an HTTP endpoint.
type Webhook struct {
	client *resty.Client
	url    string
}

// WebhookOption customises a Webhook.
type WebhookOption func(*resty.Client)

// WithRetries sets the retry count and initial wait.
func WithRetries(count int, wait time.Duration) WebhookOption {
	return func(c *resty.Client) {
		c.SetRetryCount(count).SetRetryWaitTime(wait)
	}
}

// WithHeader sets a header on every request.
func WithHeader(key, value string) WebhookOption {
	return func(c *resty.Client) { c.SetHeader(key, value) }
}

// NewWebhook posts to url with a 10 second timeout and no retries.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return &Webhook{client: client, url: url}
}

func (w *Webhook) Notify(ctx context.Context, a model.Alert) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", logging.RequestIDFromContext(ctx)).
		SetBody(a).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.url, err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook %s: unexpected status %d", w.url, resp.StatusCode())
	}
	return nil
}

// MQTT publishes alerts as JSON to a broker topic.
type MQTT struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
}

// MQTTConfig configures DialMQTT.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// DialMQTT connects to the broker and returns a publisher.
func DialMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("%w: mqtt broker and topic are required", model.ErrConfiguration)
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker: %w", token.Error())
	}
	return NewMQTT(client, cfg.Topic, cfg.QoS), nil
}

// NewMQTT publishes through an already connected client.
func NewMQTT(client mqtt.Client, topic string, qos byte) *MQTT {
	return &MQTT{client: client, topic: topic, qos: qos, timeout: 5 * time.Second}
}

func (m *MQTT) Notify(ctx context.Context, a model.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	topic := m.topic
	if a.RelatedZoneID != "" {
		topic = m.topic + "/" + a.RelatedZoneID
	}
	token := m.client.Publish(topic, m.qos, false, payload)
	timeout := m.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to topic %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to topic %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}

// Multi delivers to every notifier. Delivery fails if any target fails;
// the remaining targets are still attempted.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a model.Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

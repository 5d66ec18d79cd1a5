// Package mqtt wraps the paho client with JSON envelopes, the securelinks
// topic layout and subscriptions that survive reconnects.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/unklstewy/securelinks/pkg/healthcheck"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when the broker connection is down.
var ErrNotConnected = errors.New("mqtt client not connected")

// Config holds broker connection settings.
type Config struct {
	BrokerURL            string
	ClientID             string
	Username             string
	Password             string
	KeepAlive            time.Duration
	ConnectTimeout       time.Duration
	AutoReconnect        bool
	MaxReconnectInterval time.Duration
}

// MessageHandler handles a received message.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client is a connected or connecting broker session.
type Client struct {
	client paho.Client
	logger *zap.Logger
	config *Config

	mu   sync.RWMutex
	subs map[string]subscription
}

// newPahoClient is swapped out in tests.
var newPahoClient = paho.NewClient

// NewClient configures a client. It does not connect.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if config.BrokerURL == "" {
		return nil, errors.New("broker url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	c := &Client{
		logger: logger.With(zap.String("component", "mqtt")),
		config: config,
		subs:   make(map[string]subscription),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(config.BrokerURL)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}
	if config.KeepAlive > 0 {
		opts.SetKeepAlive(config.KeepAlive)
	}
	opts.SetConnectTimeout(config.ConnectTimeout)
	opts.SetAutoReconnect(config.AutoReconnect)
	if config.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(config.MaxReconnectInterval)
	}
	// Subscriptions are restored by onConnect.
	opts.SetCleanSession(true)

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.Error("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		c.logger.Info("MQTT connected", zap.String("broker", config.BrokerURL))
		c.resubscribe()
	})
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		c.logger.Info("MQTT reconnecting")
	})

	c.client = newPahoClient(opts)
	return c, nil
}

// Connect dials the broker and waits up to ConnectTimeout.
func (c *Client) Connect() error {
	c.logger.Info("Connecting to MQTT broker", zap.String("broker", c.config.BrokerURL))

	token := c.client.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("connection timeout after %v", c.config.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Disconnect closes the session with a short grace period.
func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker")
	c.client.Disconnect(250)
}

// IsConnected reports whether the broker session is up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Publish sends payload and waits for the broker acknowledgement or ctx.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		c.logger.Error("Failed to publish message", zap.String("topic", topic), zap.Error(err))
		return fmt.Errorf("publish failed: %w", err)
	}

	c.logger.Debug("Message published", zap.String("topic", topic), zap.Int("size", len(payload)))
	return nil
}

// PublishMessage publishes an envelope as JSON.
func (c *Client) PublishMessage(ctx context.Context, topic string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.Publish(ctx, topic, 1, false, data)
}

// Subscribe registers handler for topic. The subscription is replayed after
// every reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.subscribe(topic, qos, handler)
}

// Unsubscribe drops a subscription.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Unsubscribe(topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe failed: %w", err)
	}
	c.logger.Info("Unsubscribed from topic", zap.String("topic", topic))
	return nil
}

func (c *Client) subscribe(topic string, qos byte, handler MessageHandler) error {
	callback := func(_ paho.Client, msg paho.Message) {
		c.logger.Debug("Message received",
			zap.String("topic", msg.Topic()),
			zap.Int("size", len(msg.Payload())))

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Error("Handler error", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	}

	token := c.client.Subscribe(topic, qos, callback)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Error("Failed to subscribe", zap.String("topic", topic), zap.Error(err))
		return fmt.Errorf("subscribe failed: %w", err)
	}

	c.logger.Info("Subscribed to topic", zap.String("topic", topic))
	return nil
}

func (c *Client) resubscribe() {
	c.mu.RLock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	c.mu.RUnlock()

	for topic, s := range subs {
		if err := c.subscribe(topic, s.qos, s.handler); err != nil {
			c.logger.Warn("Failed to restore subscription", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Name implements healthcheck.Checker.
func (c *Client) Name() string {
	return "mqtt"
}

// Check reports a lost broker session as degraded since the bus is optional.
func (c *Client) Check(context.Context) *healthcheck.Result {
	result := &healthcheck.Result{
		ComponentName: c.Name(),
		Status:        healthcheck.StatusHealthy,
		Message:       "broker connected",
		Timestamp:     time.Now(),
		Details:       map[string]interface{}{"broker": c.config.BrokerURL},
	}
	if !c.IsConnected() {
		result.Status = healthcheck.StatusDegraded
		result.Message = "broker not connected"
	}
	return result
}

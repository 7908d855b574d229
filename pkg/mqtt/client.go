// Package mqtt wraps the paho client with structured logging, a retrying
// initial connect and fire-and-forget publishing.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	DefaultSubscribeTimeout = 10 * time.Second
	DefaultPublishTimeout   = 3 * time.Second
)

var ErrNotConnected = errors.New("mqtt client not connected")

// Client represents an MQTT client used by the bridge.
type Client struct {
	opts             *mqtt.ClientOptions
	client           mqtt.Client
	logger           *zap.Logger
	subscribeTimeout time.Duration
	publishTimeout   time.Duration
}

// init ensures that the logger is not nil
func (c *Client) init() {
	if c.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			// If we can't create a production logger, fall back to a no-op logger
			fmt.Fprintf(os.Stderr, "Failed to create default logger: %v\n", err)
			c.logger = zap.NewNop()
		} else {
			c.logger = logger
		}
	}
}

// NewClient creates a new MQTT client with the given options and logger.
// Connection loss and reconnect attempts are logged before any handler
// already present in opts runs.
func NewClient(opts *mqtt.ClientOptions, logger ...*zap.Logger) *Client {
	c := &Client{
		opts:             opts,
		subscribeTimeout: DefaultSubscribeTimeout,
		publishTimeout:   DefaultPublishTimeout,
	}
	if len(logger) > 0 {
		c.logger = logger[0]
	}
	c.init()

	lost := opts.OnConnectionLost
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.logger.Warn("connection to broker lost, reconnecting", zap.Error(err))
		if lost != nil {
			lost(client, err)
		}
	})
	reconnecting := opts.OnReconnecting
	opts.SetReconnectingHandler(func(client mqtt.Client, o *mqtt.ClientOptions) {
		c.logger.Info("reconnecting to broker", zap.Strings("brokers", brokers(o)))
		if reconnecting != nil {
			reconnecting(client, o)
		}
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect establishes a connection to the MQTT broker. Failed attempts are
// retried with exponential backoff until maxElapsed passes or ctx is done.
// A zero maxElapsed retries until ctx is done.
func (c *Client) Connect(ctx context.Context, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = maxElapsed

	operation := func() error {
		token := c.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Warn("broker connection attempt failed",
				zap.Strings("brokers", brokers(c.opts)),
				zap.Error(err))
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("broker connection error: %w", err)
	}
	c.logger.Info("connected to MQTT broker",
		zap.Strings("brokers", brokers(c.opts)),
		zap.String("client_id", c.opts.ClientID))
	return nil
}

// IsConnected reports whether the client currently has a live broker connection.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Brokers returns the configured broker URLs.
func (c *Client) Brokers() []string {
	return brokers(c.opts)
}

// Publish sends a message to the specified MQTT topic without waiting for the
// broker. The outcome is logged once the token completes.
func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	if !c.IsConnected() {
		c.logger.Warn("publish skipped, not connected", zap.String("topic", topic))
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	go func(t mqtt.Token) {
		if !t.WaitTimeout(c.publishTimeout) {
			c.logger.Warn("publish not confirmed in time", zap.String("topic", topic))
			return
		}
		if err := t.Error(); err != nil {
			c.logger.Error("Publish error", zap.Error(err), zap.String("topic", topic))
			return
		}
		c.logger.Debug("Message published", zap.String("topic", topic))
	}(token)
	return nil
}

// Subscribe registers a callback for messages on the specified MQTT topic and
// waits for the broker to acknowledge it.
func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Subscribe(topic, qos, callback)
	if !token.WaitTimeout(c.subscribeTimeout) {
		c.logger.Error("Subscribe timeout", zap.String("topic", topic))
		return fmt.Errorf("subscribe %s: timed out after %s", topic, c.subscribeTimeout)
	}
	if err := token.Error(); err != nil {
		c.logger.Error("Subscribe error", zap.Error(err), zap.String("topic", topic))
		return fmt.Errorf("subscribe error: %w", err)
	}
	c.logger.Debug("Subscribed to topic", zap.String("topic", topic))
	return nil
}

// Disconnect closes the connection to the MQTT broker.
func (c *Client) Disconnect() {
	if !c.IsConnected() {
		return
	}
	c.client.Disconnect(250)
	c.logger.Info("Disconnected from MQTT broker")
}

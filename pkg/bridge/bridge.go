// Package bridge connects MQTT topics to device HTTP endpoints.
//
// Messages on input topics are looked up in the action table and turned into
// GET requests against the device; the outcome is reported as a status text on
// the table's status topic.
package bridge

import (
	"maps"
	"slices"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/mqbridge/pkg/metrics"
	"github.com/edgeflare/mqbridge/pkg/table"
	"go.uber.org/zap"
)

// Transport is the MQTT connection the bridge publishes and subscribes through.
type Transport interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) error
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) error
	IsConnected() bool
}

// Options configures a Bridge.
type Options struct {
	// OnlineMessage is published once, after the first connect and subscriptions.
	OnlineMessage string
}

// Bridge owns the MQTT side of the process: it keeps input topics subscribed
// across reconnects and publishes manual messages.
type Bridge struct {
	table      *table.Table
	transport  Transport
	dispatcher *Dispatcher
	status     *StatusPublisher
	logger     *zap.Logger
	subscribed map[string]struct{}
	opts       Options
	online     sync.Once
	mu         sync.Mutex
}

func New(tbl *table.Table, transport Transport, dispatcher *Dispatcher, status *StatusPublisher, opts Options, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.OnlineMessage == "" {
		opts.OnlineMessage = DefaultOnlineMessage
	}
	return &Bridge{
		table:      tbl,
		transport:  transport,
		dispatcher: dispatcher,
		status:     status,
		logger:     logger,
		subscribed: map[string]struct{}{},
		opts:       opts,
	}
}

// OnConnect is the paho connect handler. It runs after every connect and
// reconnect: the session is clean, so every input topic is subscribed again.
func (b *Bridge) OnConnect(_ mqtt.Client) {
	metrics.MQTTConnected.Set(1)

	b.mu.Lock()
	clear(b.subscribed)
	b.mu.Unlock()

	topics := b.table.InputTopics()
	b.logger.Info("connected, subscribing input topics", zap.Strings("topics", topics))
	for _, topic := range topics {
		if err := b.subscribe(topic); err != nil {
			b.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}

	b.online.Do(func() {
		b.status.Publish(b.opts.OnlineMessage)
	})
}

// OnConnectionLost is the paho connection lost handler.
func (b *Bridge) OnConnectionLost(_ mqtt.Client, err error) {
	metrics.MQTTConnected.Set(0)

	b.mu.Lock()
	clear(b.subscribed)
	b.mu.Unlock()
}

// SubscribeTopic subscribes to an input topic added at runtime. It is a no-op
// while disconnected; OnConnect picks the topic up on the next connect.
func (b *Bridge) SubscribeTopic(topic string) error {
	if !b.transport.IsConnected() {
		b.logger.Debug("not connected, subscription deferred", zap.String("topic", topic))
		return nil
	}
	return b.subscribe(topic)
}

func (b *Bridge) subscribe(topic string) error {
	if err := b.transport.Subscribe(topic, 0, b.dispatcher.HandleMessage); err != nil {
		return err
	}
	b.mu.Lock()
	b.subscribed[topic] = struct{}{}
	b.mu.Unlock()
	b.logger.Info("subscribed", zap.String("topic", topic))
	return nil
}

// SubscribedTopics returns the sorted topics subscribed on the current connection.
func (b *Bridge) SubscribedTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.subscribed))
}

// Connected reports whether the broker connection is up.
func (b *Bridge) Connected() bool {
	return b.transport.IsConnected()
}

// Publish sends message to topic with QoS 0, not retained. Topics need not be in the table.
func (b *Bridge) Publish(topic, message string) error {
	if strings.TrimSpace(topic) == "" {
		return Validationf("topic is required")
	}
	if strings.ContainsAny(topic, "+#") {
		return Validationf("wildcards are not allowed in publish topic %q", topic)
	}
	if err := b.transport.Publish(topic, 0, false, message); err != nil {
		b.logger.Warn("manual publish failed", zap.String("topic", topic), zap.Error(err))
		return err
	}
	b.logger.Info("manual publish", zap.String("topic", topic), zap.String("message", message))
	return nil
}

// StatusTopic returns the topic status texts currently go to.
func (b *Bridge) StatusTopic() (string, bool) {
	return b.table.StatusTopic()
}

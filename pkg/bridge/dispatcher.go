package bridge

import (
	"cmp"
	"context"
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/mqbridge/pkg/metrics"
	"github.com/edgeflare/mqbridge/pkg/table"
	"go.uber.org/zap"
)

// Dispatcher turns inbound MQTT messages into device calls.
type Dispatcher struct {
	ctx    context.Context
	table  *table.Table
	device Caller
	status *StatusPublisher
	logger *zap.Logger
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewDispatcher returns a dispatcher whose device calls are cancelled with ctx.
func NewDispatcher(ctx context.Context, tbl *table.Table, device Caller, status *StatusPublisher, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		ctx:    ctx,
		table:  tbl,
		device: device,
		status: status,
		logger: logger,
	}
}

// HandleMessage adapts OnMessage to a paho message handler.
func (d *Dispatcher) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	d.OnMessage(msg.Topic(), msg.Payload())
}

// OnMessage resolves payload against the table entry for topic and starts the
// device call on its own goroutine. It never blocks on the device. Messages
// without a matching action are dropped.
func (d *Dispatcher) OnMessage(topic string, payload []byte) {
	message := string(payload)
	logger := d.logger.With(zap.String("topic", topic), zap.String("message", message))

	action, err := d.table.Resolve(topic, message)
	switch {
	case errors.Is(err, table.ErrNotFound):
		metrics.MessagesReceived.WithLabelValues(metrics.OutcomeUnknown).Inc()
		logger.Debug("message on unknown topic ignored")
		return
	case errors.Is(err, table.ErrNotInput):
		metrics.MessagesReceived.WithLabelValues(metrics.OutcomeNotInput).Inc()
		logger.Debug("message on output topic ignored")
		return
	case err != nil:
		metrics.MessagesReceived.WithLabelValues(metrics.OutcomeUnmatched).Inc()
		logger.Info("no action configured for message")
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		logger.Info("dispatcher closed, message dropped")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	metrics.MessagesReceived.WithLabelValues(metrics.OutcomeDispatched).Inc()
	logger.Info("dispatching action", zap.String("endpoint", action.Endpoint))
	go func() {
		defer d.wg.Done()
		d.run(logger, action)
	}()
}

func (d *Dispatcher) run(logger *zap.Logger, action table.Action) {
	// an action without description is reported by its endpoint
	description := cmp.Or(action.Description, action.Endpoint)

	start := time.Now()
	err := d.device.Call(d.ctx, action.Endpoint)
	metrics.DeviceCallDuration.WithLabelValues(action.Endpoint).Observe(time.Since(start).Seconds())
	metrics.DeviceCalls.WithLabelValues(action.Endpoint, metrics.ResultLabel(err)).Inc()

	if d.ctx.Err() != nil {
		logger.Info("device call abandoned, shutting down", zap.Error(err))
		return
	}
	if err != nil {
		logger.Error("device call failed", zap.String("endpoint", action.Endpoint), zap.Error(err))
		d.status.Publish(FailureText(description, cause(err)))
		return
	}
	logger.Info("device call succeeded", zap.String("endpoint", action.Endpoint))
	d.status.Publish(SuccessText(description))
}

// Wait blocks until all in-flight device calls have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting messages and waits for in-flight device calls.
// Messages delivered after Close are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// cause strips the DeviceCallError wrapper so status texts carry the underlying failure.
func cause(err error) error {
	var callErr *DeviceCallError
	if errors.As(err, &callErr) && callErr.Err != nil {
		return callErr.Err
	}
	return err
}

// Package metrics defines the bridge's Prometheus collectors and the server exposing them.
package metrics

import (
	"cmp"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Outcome labels for MessagesReceived.
const (
	OutcomeDispatched = "dispatched"
	OutcomeUnknown    = "unknown_topic"
	OutcomeNotInput   = "not_input"
	OutcomeUnmatched  = "no_action"
)

var (
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqbridge_mqtt_messages_total",
			Help: "Total number of MQTT messages received by outcome",
		},
		[]string{"outcome"},
	)

	DeviceCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqbridge_device_calls_total",
			Help: "Total number of device HTTP calls by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	DeviceCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mqbridge_device_call_duration_seconds",
			Help:    "Duration of device HTTP calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	StatusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqbridge_status_published_total",
			Help: "Total number of status messages published by sink",
		},
		[]string{"sink"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqbridge_publish_errors_total",
			Help: "Total number of publish errors by sink",
		},
		[]string{"sink"},
	)

	MQTTConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqbridge_mqtt_connected",
			Help: "1 while the bridge holds a broker connection",
		},
	)

	TableTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqbridge_table_topics",
			Help: "Number of topics in the action table",
		},
	)

	TableSaveErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqbridge_table_save_errors_total",
			Help: "Total number of failed action table saves",
		},
	)
)

// ResultLabel maps an error to the "result" label value.
func ResultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type PromServerOpts struct {
	Logger            *zap.Logger
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Logger:            zap.NewNop(),
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options and returns
// the address it listens on. The server shuts down gracefully when ctx is canceled; wg is done
// once it has stopped.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) (net.Addr, error) {
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		if opts.Logger != nil {
			effectiveOpts.Logger = opts.Logger
		}
	}
	logger := effectiveOpts.Logger

	ln, err := net.Listen("tcp", effectiveOpts.Addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting Prometheus metrics server", zap.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()

	return ln.Addr(), nil
}

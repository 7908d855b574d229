package mqbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/mqbridge/pkg/api"
	"github.com/edgeflare/mqbridge/pkg/bridge"
	"github.com/edgeflare/mqbridge/pkg/config"
	"github.com/edgeflare/mqbridge/pkg/httputil/middleware"
	"github.com/edgeflare/mqbridge/pkg/metrics"
	"github.com/edgeflare/mqbridge/pkg/mqtt"
	"github.com/edgeflare/mqbridge/pkg/natsmirror"
	"github.com/edgeflare/mqbridge/pkg/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	Long:  `Connects to the MQTT broker, subscribes to the input topics of the action table and serves the management interface`,
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("device.baseURL", bridge.DefaultDeviceURL, "Base URL of the device HTTP API")
	f.Duration("device.timeout", bridge.DefaultDeviceTimeout, "Timeout of a single device call")
	f.Int("device.retries", 0, "Extra attempts for a failed device call")
	f.StringP("mqtt.broker", "b", "tcp://test.mosquitto.org:1883", "MQTT broker URL")
	f.String("mqtt.clientID", "", "MQTT client id (default mqbridge-<uuid>)")
	f.StringP("http.listenAddr", "l", ":8080", "Management interface listen address")
	f.StringP("table.path", "t", "bridge-config.json", "Action table file")
	f.Bool("metrics.enabled", true, "Serve Prometheus metrics")
	f.String("metrics.addr", ":9100", "Prometheus metrics listen address")
	f.String("nats.url", "", "Mirror status texts to this NATS server")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	middleware.SetDefaultLogger(logger.Named("http"))

	cfg, err := config.Load(cfgFile, cmd.Flags(), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		if _, err := metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Addr:   cfg.Metrics.Addr,
			Logger: logger.Named("metrics"),
		}); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	tbl, err := table.Load(cfg.Table.Path, logger.Named("table"))
	if err != nil {
		logger.Warn("continuing with default action table", zap.Error(err))
	}
	metrics.TableTopics.Set(float64(tbl.Len()))

	var mirrors []bridge.NamedMirror
	if cfg.NATS.URL != "" {
		mirror, err := natsmirror.Connect(cfg.NATS, logger.Named("nats"))
		if err != nil {
			return err
		}
		defer mirror.Close()
		mirrors = append(mirrors, bridge.NamedMirror{Name: "nats", Mirror: mirror})
	}

	// the connect handlers need the bridge, which needs the client
	var b *bridge.Bridge
	clientOpts := cfg.MQTTClientOptions()
	clientOpts.OnConnect = func(c paho.Client) { b.OnConnect(c) }
	clientOpts.OnConnectionLost = func(c paho.Client, err error) { b.OnConnectionLost(c, err) }
	pahoOpts, err := clientOpts.PahoOptions()
	if err != nil {
		return err
	}
	client := mqtt.NewClient(pahoOpts, logger.Named("mqtt"))

	device := bridge.NewDevice(cfg.DeviceOptions(), logger.Named("device"))
	status := bridge.NewStatusPublisher(tbl, client, logger.Named("status"), mirrors...)
	dispatcher := bridge.NewDispatcher(ctx, tbl, device, status, logger.Named("dispatcher"))
	b = bridge.New(tbl, client, dispatcher, status, bridge.Options{OnlineMessage: cfg.MQTT.OnlineMessage}, logger.Named("bridge"))

	server := api.NewServer(tbl, b, api.Options{
		TablePath: cfg.Table.Path,
		DeviceURL: device.BaseURL(),
		Broker:    cfg.MQTT.Broker,
	}, logger.Named("http"))

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(cfg.HTTP.ListenAddr); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		if err := client.Connect(ctx, cfg.MQTT.ConnectTimeout); err == nil || ctx.Err() != nil {
			return
		}
		logger.Error("broker unreachable, retrying in the background",
			zap.Duration("after", cfg.MQTT.ConnectTimeout))
		if err := client.Connect(ctx, 0); err != nil && ctx.Err() == nil {
			logger.Error("giving up on broker", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		logger.Error("management server failed", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("management server shutdown", zap.Error(err))
	}
	client.Disconnect()
	dispatcher.Close()
	wg.Wait()
	return nil
}

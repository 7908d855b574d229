package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgeflare/mqbridge/pkg/bridge"
	"github.com/edgeflare/mqbridge/pkg/mqtt"
	"github.com/edgeflare/mqbridge/pkg/natsmirror"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is set at build time with -ldflags "-X github.com/edgeflare/mqbridge/pkg/config.Version=..."
var Version = "dev"

const EnvPrefix = "MQBRIDGE"

// Config holds application-wide configuration
type Config struct {
	Device  DeviceConfig      `mapstructure:"device"`
	MQTT    MQTTConfig        `mapstructure:"mqtt"`
	HTTP    HTTPConfig        `mapstructure:"http"`
	Table   TableConfig       `mapstructure:"table"`
	Metrics MetricsConfig     `mapstructure:"metrics"`
	NATS    natsmirror.Config `mapstructure:"nats"`
}

type DeviceConfig struct {
	BaseURL string        `mapstructure:"baseURL"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

type MQTTConfig struct {
	// TLS is disabled while every field is empty.
	TLS            mqtt.TLSOptions `mapstructure:"tls"`
	Broker         string          `mapstructure:"broker"`
	ClientID       string          `mapstructure:"clientID"`
	Username       string          `mapstructure:"username"`
	Password       string          `mapstructure:"password"`
	OnlineMessage  string          `mapstructure:"onlineMessage"`
	ConnectTimeout time.Duration   `mapstructure:"connectTimeout"`
	// KeepAlive is in seconds.
	KeepAlive int `mapstructure:"keepAlive"`
}

type HTTPConfig struct {
	ListenAddr string `mapstructure:"listenAddr"`
}

type TableConfig struct {
	Path string `mapstructure:"path"`
}

type MetricsConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

var defaults = map[string]any{
	"device.baseURL":      bridge.DefaultDeviceURL,
	"device.timeout":      bridge.DefaultDeviceTimeout,
	"device.retries":      0,
	"mqtt.broker":         "tcp://test.mosquitto.org:1883",
	"mqtt.clientID":       "",
	"mqtt.username":       "",
	"mqtt.password":       "",
	"mqtt.connectTimeout": 30 * time.Second,
	"mqtt.keepAlive":      30,
	"mqtt.onlineMessage":  bridge.DefaultOnlineMessage,
	"http.listenAddr":     ":8080",
	"table.path":          "bridge-config.json",
	"metrics.enabled":     true,
	"metrics.addr":        ":9100",
	"nats.url":            "",
	"nats.subject":        natsmirror.DefaultSubject,
	"nats.username":       "",
	"nats.password":       "",

	// registered so AutomaticEnv picks up MQBRIDGE_MQTT_TLS_*
	"mqtt.tls.insecureSkipVerify": false,
	"mqtt.tls.serverName":         "",
	"mqtt.tls.caFile":             "",
	"mqtt.tls.certFile":           "",
	"mqtt.tls.keyFile":            "",
}

// Load reads config from file, environment (MQBRIDGE_ prefix, dots become
// underscores) and flags, in increasing order of precedence. Without an
// explicit cfgFile, mqbridge.yaml is looked up in $HOME/.config and the
// working directory; a missing file is not an error.
func Load(cfgFile string, flags *pflag.FlagSet, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("mqbridge")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		logger.Debug("no config file found, using defaults and environment")
	} else {
		logger.Info("using config file", zap.String("path", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late, at the first device call or connect.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Device.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid device.baseURL %q: expected http(s)://host[:port]", c.Device.BaseURL)
	}
	if c.Device.Retries < 0 {
		return fmt.Errorf("invalid device.retries %d: must not be negative", c.Device.Retries)
	}
	if c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required")
	}
	if c.Table.Path == "" {
		return errors.New("table.path is required")
	}
	return nil
}

// MQTTClientOptions maps the mqtt section onto transport options.
func (c *Config) MQTTClientOptions() mqtt.ClientOptions {
	var tlsOpts *mqtt.TLSOptions
	if c.MQTT.TLS != (mqtt.TLSOptions{}) {
		tlsOpts = &c.MQTT.TLS
	}
	return mqtt.ClientOptions{
		Broker:         c.MQTT.Broker,
		ClientID:       c.MQTT.ClientID,
		Username:       c.MQTT.Username,
		Password:       c.MQTT.Password,
		ConnectTimeout: c.MQTT.ConnectTimeout,
		KeepAlive:      time.Duration(c.MQTT.KeepAlive) * time.Second,
		TLS:            tlsOpts,
	}
}

// DeviceOptions maps the device section onto device client options.
func (c *Config) DeviceOptions() bridge.DeviceOptions {
	return bridge.DeviceOptions{
		BaseURL: c.Device.BaseURL,
		Timeout: c.Device.Timeout,
		Retries: c.Device.Retries,
	}
}

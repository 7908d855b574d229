package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const defaultBroker = "tcp://127.0.0.1:1883"

// TLSOptions holds TLS configuration that can be marshaled from JSON/YAML
type TLSOptions struct {
	InsecureSkipVerify bool   `json:"insecureSkipVerify" mapstructure:"insecureSkipVerify"`
	ServerName         string `json:"serverName,omitempty" mapstructure:"serverName"`
	CAFile             string `json:"caFile,omitempty" mapstructure:"caFile"`
	CertFile           string `json:"certFile,omitempty" mapstructure:"certFile"`
	KeyFile            string `json:"keyFile,omitempty" mapstructure:"keyFile"`
}

// ClientOptions is the subset of the paho options the bridge exposes through configuration.
type ClientOptions struct {
	OnConnect        mqtt.OnConnectHandler
	OnConnectionLost mqtt.ConnectionLostHandler
	TLS              *TLSOptions
	Broker           string
	ClientID         string
	Username         string
	Password         string
	ConnectTimeout   time.Duration
	KeepAlive        time.Duration
}

// PahoOptions converts opts into paho client options. Auto-reconnect is
// always on; subscriptions are restored by the OnConnect handler.
func (opts ClientOptions) PahoOptions() (*mqtt.ClientOptions, error) {
	pahoOpts := mqtt.NewClientOptions()

	if opts.Broker != "" {
		u, err := url.Parse(opts.Broker)
		if err != nil {
			return nil, fmt.Errorf("failed to parse broker URL %s: %w", opts.Broker, err)
		}
		pahoOpts.AddBroker(u.String())
	}
	if opts.ClientID != "" {
		pahoOpts.SetClientID(opts.ClientID)
	}
	if opts.Username != "" {
		pahoOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		pahoOpts.SetPassword(opts.Password)
	}
	if opts.TLS != nil {
		tlsConfig, err := createTLSConfig(opts.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		pahoOpts.SetTLSConfig(tlsConfig)
	}
	if opts.KeepAlive > 0 {
		pahoOpts.SetKeepAlive(opts.KeepAlive)
	}
	if opts.ConnectTimeout > 0 {
		pahoOpts.SetConnectTimeout(opts.ConnectTimeout)
	}
	if opts.OnConnect != nil {
		pahoOpts.SetOnConnectHandler(opts.OnConnect)
	}
	if opts.OnConnectionLost != nil {
		pahoOpts.SetConnectionLostHandler(opts.OnConnectionLost)
	}

	pahoOpts.SetAutoReconnect(true)
	pahoOpts.SetCleanSession(true)
	pahoOpts.SetMaxReconnectInterval(time.Minute)

	setDefaultOptions(pahoOpts)
	return pahoOpts, nil
}

func setDefaultOptions(opts *mqtt.ClientOptions) {
	if len(opts.Servers) == 0 {
		opts.AddBroker(defaultBroker)
	}
	if opts.ClientID == "" {
		opts.SetClientID("mqbridge-" + uuid.NewString())
	}
}

func createTLSConfig(tlsOpts *TLSOptions) (*tls.Config, error) {
	config := &tls.Config{
		InsecureSkipVerify: tlsOpts.InsecureSkipVerify,
		ServerName:         tlsOpts.ServerName,
		MinVersion:         tls.VersionTLS12,
	}

	if tlsOpts.CAFile != "" {
		caCert, err := os.ReadFile(tlsOpts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsOpts.CertFile != "" && tlsOpts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsOpts.CertFile, tlsOpts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// brokers returns the configured broker URLs, mostly for logging.
func brokers(opts *mqtt.ClientOptions) []string {
	out := make([]string, len(opts.Servers))
	for i, server := range opts.Servers {
		out[i] = server.String()
	}
	return out
}

// Package natsmirror forwards bridge status texts to a NATS subject.
package natsmirror

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var errConnNotInitialized = errors.New("NATS connection not initialized")

const DefaultSubject = "mqbridge.status"

// Config represents NATS configuration
type Config struct {
	URL      string `json:"url" mapstructure:"url"`
	Subject  string `json:"subject" mapstructure:"subject"`
	Name     string `json:"name,omitempty" mapstructure:"name"`
	Username string `json:"username,omitempty" mapstructure:"username"`
	Password string `json:"password,omitempty" mapstructure:"password"`
}

// Mirror publishes every status text it receives to a single subject.
type Mirror struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// Connect dials the NATS server in cfg.URL. A comma separated list of servers is accepted.
func Connect(cfg Config, logger *zap.Logger) (*Mirror, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		return nil, errors.New("NATS url is required")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Name == "" {
		cfg.Name = "mqbridge"
	}

	nc, err := nats.Connect(cfg.URL, options(cfg, logger)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}
	logger.Info("connected to NATS", zap.String("url", nc.ConnectedUrlRedacted()), zap.String("subject", cfg.Subject))

	return &Mirror{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

func options(cfg Config, logger *zap.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	return opts
}

// Subject returns the subject status texts are published to.
func (m *Mirror) Subject() string {
	return m.subject
}

// Publish sends text to the mirror subject. NATS buffers while reconnecting.
func (m *Mirror) Publish(text string) error {
	if m == nil || m.nc == nil {
		return errConnNotInitialized
	}
	if err := m.nc.Publish(m.subject, []byte(text)); err != nil {
		return fmt.Errorf("publish to %s: %w", m.subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (m *Mirror) Close() error {
	if m == nil || m.nc == nil {
		return nil
	}
	if err := m.nc.Drain(); err != nil {
		m.nc.Close()
		return err
	}
	return nil
}

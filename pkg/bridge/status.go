package bridge

import (
	"fmt"

	"github.com/edgeflare/mqbridge/pkg/metrics"
	"github.com/edgeflare/mqbridge/pkg/table"
	"go.uber.org/zap"
)

const (
	DefaultOnlineMessage = "Bridge online, ESP32 disponível"

	sinkMQTT = "mqtt"
)

// SuccessText is the status published after an action's device call succeeded.
func SuccessText(description string) string {
	return description + " executado com sucesso"
}

// FailureText is the status published after an action's device call failed.
func FailureText(description string, err error) string {
	return fmt.Sprintf("Erro ao executar %s: %v", description, err)
}

// Mirror receives a copy of every status text, e.g. a NATS subject.
type Mirror interface {
	Publish(text string) error
}

// NamedMirror is a Mirror with a label for logs and metrics.
type NamedMirror struct {
	Mirror
	Name string
}

// StatusPublisher publishes status texts to the table's status topic.
type StatusPublisher struct {
	table     *table.Table
	transport Transport
	logger    *zap.Logger
	mirrors   []NamedMirror
}

func NewStatusPublisher(tbl *table.Table, transport Transport, logger *zap.Logger, mirrors ...NamedMirror) *StatusPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusPublisher{
		table:     tbl,
		transport: transport,
		logger:    logger,
		mirrors:   mirrors,
	}
}

// Publish sends text with QoS 0, not retained, to the current status topic.
// Without a status topic the MQTT publish is skipped. Mirrors always get the text.
func (s *StatusPublisher) Publish(text string) {
	if topic, ok := s.table.StatusTopic(); ok {
		if err := s.transport.Publish(topic, 0, false, text); err != nil {
			metrics.PublishErrors.WithLabelValues(sinkMQTT).Inc()
			s.logger.Warn("status publish failed", zap.String("topic", topic), zap.Error(err))
		} else {
			metrics.StatusPublished.WithLabelValues(sinkMQTT).Inc()
			s.logger.Debug("status published", zap.String("topic", topic), zap.String("status", text))
		}
	}

	for _, m := range s.mirrors {
		if err := m.Publish(text); err != nil {
			metrics.PublishErrors.WithLabelValues(m.Name).Inc()
			s.logger.Warn("status mirror failed", zap.String("mirror", m.Name), zap.Error(err))
			continue
		}
		metrics.StatusPublished.WithLabelValues(m.Name).Inc()
	}
}

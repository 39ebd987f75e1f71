package queue

import (
	"fmt"

	"go.uber.org/zap"
)

// MessageQueue publishes station events to interested consumers and lets
// in-process workers subscribe to them.
type MessageQueue interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte) error) error
	Close() error
}

// New builds the queue adapter named by kind: "nats", "rabbitmq" or
// "none". The noop adapter keeps single-binary deployments running
// without a broker.
func New(kind, url string, log *zap.Logger) (MessageQueue, error) {
	switch kind {
	case "nats":
		return NewNATSQueue(url, log)
	case "rabbitmq":
		return NewRabbitMQQueue(url, log)
	case "none", "":
		return NewNoopQueue(), nil
	default:
		return nil, fmt.Errorf("unknown queue type %q", kind)
	}
}

// NoopQueue drops every message. Used when no broker is configured.
type NoopQueue struct{}

func NewNoopQueue() *NoopQueue { return &NoopQueue{} }

func (NoopQueue) Publish(subject string, data []byte) error { return nil }

func (NoopQueue) Subscribe(subject string, handler func(data []byte) error) error { return nil }

func (NoopQueue) Close() error { return nil }

package queue

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// eventsExchange is the single topic exchange all station events flow
// through. Subjects are dotted names (station.bill.created), so the
// routing key is the subject itself and consumers may bind wildcard
// patterns like station.pile.*.
const eventsExchange = "station.events"

const redialDelay = 5 * time.Second

type subscription struct {
	subject string
	handler func(data []byte) error
}

// RabbitMQQueue implements MessageQueue over a topic exchange. When the
// broker drops the connection it redials, re-declares the exchange and
// replays every subscription, so long-lived consumers such as the monitor
// stream survive broker restarts.
type RabbitMQQueue struct {
	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	subs    []subscription

	url string
	log *zap.Logger
}

func NewRabbitMQQueue(url string, log *zap.Logger) (MessageQueue, error) {
	conn, ch, err := dialRabbitMQ(url)
	if err != nil {
		return nil, err
	}

	q := &RabbitMQQueue{conn: conn, channel: ch, url: url, log: log}
	go q.watchConnection()

	log.Info("connected to rabbitmq",
		zap.String("url", url),
		zap.String("exchange", eventsExchange),
	)
	return q, nil
}

// dialRabbitMQ opens a connection and a channel with the events exchange
// declared, ready for publishing and binding.
func dialRabbitMQ(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("opening rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(eventsExchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declaring exchange %s: %w", eventsExchange, err)
	}
	return conn, ch, nil
}

func (q *RabbitMQQueue) Publish(subject string, data []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.channel == nil {
		return fmt.Errorf("rabbitmq: channel not available")
	}
	err := q.channel.Publish(eventsExchange, subject, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publish %s: %w", subject, err)
	}
	return nil
}

func (q *RabbitMQQueue) Subscribe(subject string, handler func(data []byte) error) error {
	sub := subscription{subject: subject, handler: handler}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.channel == nil {
		return fmt.Errorf("rabbitmq: channel not available")
	}
	if err := q.attach(q.channel, sub); err != nil {
		return err
	}
	q.subs = append(q.subs, sub)

	q.log.Info("subscribed to rabbitmq subject", zap.String("subject", subject))
	return nil
}

// attach binds an exclusive auto-delete queue for the subscription and
// starts its delivery pump. The pump exits when the channel dies; the
// reconnect path attaches a fresh one.
func (q *RabbitMQQueue) attach(ch *amqp.Channel, sub subscription) error {
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: declare queue for %s: %w", sub.subject, err)
	}
	if err := ch.QueueBind(queue.Name, sub.subject, eventsExchange, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: bind %s: %w", sub.subject, err)
	}
	msgs, err := ch.Consume(queue.Name, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume %s: %w", sub.subject, err)
	}

	go func() {
		for msg := range msgs {
			if err := sub.handler(msg.Body); err != nil {
				q.log.Error("handling message failed",
					zap.String("subject", sub.subject),
					zap.Error(err),
				)
			}
		}
	}()
	return nil
}

func (q *RabbitMQQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// watchConnection redials after the broker closes the connection, then
// restores the exchange and every registered subscription.
func (q *RabbitMQQueue) watchConnection() {
	for {
		q.mu.RLock()
		conn := q.conn
		q.mu.RUnlock()

		reason, ok := <-conn.NotifyClose(make(chan *amqp.Error))
		if !ok {
			return
		}
		q.log.Warn("rabbitmq connection lost, reconnecting", zap.String("reason", reason.Reason))

		for {
			time.Sleep(redialDelay)
			conn, ch, err := dialRabbitMQ(q.url)
			if err != nil {
				q.log.Error("rabbitmq reconnect failed", zap.Error(err))
				continue
			}

			q.mu.Lock()
			q.conn = conn
			q.channel = ch
			restored := 0
			for _, sub := range q.subs {
				if err := q.attach(ch, sub); err != nil {
					q.log.Error("restoring subscription failed",
						zap.String("subject", sub.subject),
						zap.Error(err),
					)
					continue
				}
				restored++
			}
			q.mu.Unlock()

			q.log.Info("rabbitmq reconnected", zap.Int("subscriptions_restored", restored))
			break
		}
	}
}

package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Handler processes one delivery body. Returning false asks for another attempt.
type Handler func([]byte) bool

// ConsumerOptions tunes delivery flow. Prefetch defaults to 1, which keeps deposit credits
// ordered per queue. With DeadLetterExchange set, a message that fails on redelivery is parked
// in "<queue>.dead" instead of looping.
type ConsumerOptions struct {
	Prefetch           int
	DeadLetterExchange string
}

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	opts ConsumerOptions
	log  *logrus.Entry
	wg   sync.WaitGroup
}

// sanitizeURL cleans raw like sanitizeAMQPURL and makes sure the default vhost path is present.
func sanitizeURL(raw string) (string, error) {
	clean, err := sanitizeAMQPURL(raw)
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Path == "" {
		clean += "/"
	}
	return clean, nil
}

func NewConsumer(amqpURL string, logger logrus.FieldLogger, opts ConsumerOptions) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	return &Consumer{conn: conn, ch: ch, opts: opts, log: logger.WithField("component", "rabbitmq_consumer")}, nil
}

// ConsumeWithBindings binds queueName to the topic exchange once per routing key and hands
// deliveries to the matching handler on a background goroutine.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return errors.New("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	args, err := c.declareDeadLetter(queueName)
	if err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, args)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", routingKey, q.Name, err)
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	parking := c.opts.DeadLetterExchange != ""
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for d := range msgs {
			dispatch(c.log, handlers, inbound{
				routingKey:  d.RoutingKey,
				body:        d.Body,
				redelivered: d.Redelivered,
				ack:         d,
			}, parking)
		}
		c.log.WithField("queue", q.Name).Info("delivery channel closed")
	}()
	return nil
}

func (c *Consumer) declareDeadLetter(queueName string) (amqp.Table, error) {
	dlx := c.opts.DeadLetterExchange
	if dlx == "" {
		return nil, nil
	}
	if err := c.ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare dead letter exchange %s: %w", dlx, err)
	}
	parked, err := c.ch.QueueDeclare(queueName+".dead", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare dead letter queue: %w", err)
	}
	if err := c.ch.QueueBind(parked.Name, "", dlx, false, nil); err != nil {
		return nil, fmt.Errorf("bind dead letter queue: %w", err)
	}
	return amqp.Table{"x-dead-letter-exchange": dlx}, nil
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type inbound struct {
	routingKey  string
	body        []byte
	redelivered bool
	ack         acknowledger
}

// dispatch settles one delivery. Unknown routing keys are dropped. A failed first attempt is
// requeued; a failed redelivery is rejected to the dead letter exchange when parking is on.
func dispatch(log *logrus.Entry, handlers map[string]Handler, in inbound, parking bool) {
	entry := log.WithField("routing_key", in.routingKey)
	handler, ok := handlers[in.routingKey]
	if !ok {
		entry.Warn("no handler for routing key; acknowledging to drop")
		_ = in.ack.Ack(false)
		return
	}
	if handler(in.body) {
		_ = in.ack.Ack(false)
		return
	}
	if in.redelivered && parking {
		entry.Error("handler failed on redelivery; parking message")
		_ = in.ack.Nack(false, false)
		return
	}
	entry.Warn("handler failed; re-queuing")
	_ = in.ack.Nack(false, true)
}

// Close stops the channel and waits for the dispatch goroutine to drain.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.wg.Wait()
}

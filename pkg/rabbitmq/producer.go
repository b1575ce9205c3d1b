/**
 * @description
 * Producer for publishing JSON events to a RabbitMQ topic exchange. The channel runs in
 * confirm mode, so Publish returns only after the broker has taken the message. A failed
 * publish redials once, reopening the connection if it died.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - github.com/google/uuid: message ids.
 * - github.com/sirupsen/logrus: structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const dialTimeout = 10 * time.Second

// ErrNotConfirmed is returned when the broker nacks a published message.
var ErrNotConfirmed = errors.New("rabbitmq: publish not confirmed by broker")

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer publishes persistent JSON messages over one confirm-mode channel.
type EventProducer struct {
	url string
	log *logrus.Entry

	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	declared map[string]struct{}
}

// EventProducerFallback logs and drops events when RabbitMQ is unavailable at startup.
type EventProducerFallback struct {
	Log logrus.FieldLogger
}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.Log != nil {
		p.Log.WithFields(logrus.Fields{
			"component":   "rabbitmq_producer",
			"mode":        "fallback",
			"exchange":    exchange,
			"routing_key": routingKey,
		}).Warn("publish skipped")
	}
	return nil
}

func (p *EventProducerFallback) Close() {}

// sanitizeAMQPURL strips whitespace, quotes and anything pasted before the scheme.
func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "amqp", "amqps":
		return clean, nil
	default:
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
}

// NewEventProducer dials RabbitMQ and opens a confirm-mode channel.
func NewEventProducer(amqpURL string, logger logrus.FieldLogger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	p := &EventProducer{
		url: cleanURL,
		log: logger.WithField("component", "rabbitmq_producer"),
	}
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// connectLocked (re)opens the channel, redialing first when the connection is gone.
func (p *EventProducer) connectLocked() error {
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp091.DialConfig(p.url, amqp091.Config{Dial: amqp091.DefaultDial(dialTimeout)})
		if err != nil {
			return fmt.Errorf("dial broker: %w", err)
		}
		p.conn = conn
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	if p.channel != nil {
		p.channel.Close()
	}
	p.channel = ch
	p.declared = map[string]struct{}{}
	return nil
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
	if _, ok := p.declared[exchange]; !ok {
		if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		p.declared[exchange] = struct{}{}
	}
	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrNotConfirmed
	}
	return nil
}

// Publish marshals body as JSON and sends it as a persistent message.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	entry := p.log.WithFields(logrus.Fields{"exchange": exchange, "routing_key": routingKey})
	payload, err := json.Marshal(body)
	if err != nil {
		entry.WithError(err).Error("json marshal failed")
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.publishLocked(ctx, exchange, routingKey, msg); err != nil {
		if errors.Is(err, ErrNotConfirmed) || ctx.Err() != nil {
			return err
		}
		entry.WithError(err).Warn("publish failed; reconnecting")
		if err := p.connectLocked(); err != nil {
			return err
		}
		return p.publishLocked(ctx, exchange, routingKey, msg)
	}
	return nil
}

// Close closes the channel and connection.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

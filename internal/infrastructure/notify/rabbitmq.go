package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var (
	ErrConfirmTimeout  = errors.New("broker confirmation timed out")
	ErrPublishNacked   = errors.New("broker nacked publish")
	ErrPublisherClosed = errors.New("publisher closed")
)

const defaultConfirmTimeout = 5 * time.Second

// ConfirmableChannel is the part of *amqp.Channel the publisher uses.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelProvider opens a fresh channel after the previous one was invalidated.
type ChannelProvider func() (ConfirmableChannel, error)

// ConfirmPublisher publishes in confirm mode and waits for the broker ack of
// every message. Publishes are serialized so confirmations arrive in order.
type ConfirmPublisher struct {
	mu             sync.Mutex
	provider       ChannelProvider
	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	confirmTimeout time.Duration
	closed         bool
}

func NewConfirmPublisher(provider ChannelProvider, confirmTimeout time.Duration) *ConfirmPublisher {
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	return &ConfirmPublisher{provider: provider, confirmTimeout: confirmTimeout}
}

// DialRabbitMQ connects to url and returns a publisher that opens channels on
// that connection. The connection is closed by the returned close func.
func DialRabbitMQ(url string, confirmTimeout time.Duration) (*ConfirmPublisher, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	pub := NewConfirmPublisher(func() (ConfirmableChannel, error) {
		return conn.Channel()
	}, confirmTimeout)
	return pub, func() error {
		pub.Close()
		return conn.Close()
	}, nil
}

func (p *ConfirmPublisher) ensureChannel() error {
	if p.ch != nil {
		return nil
	}
	ch, err := p.provider()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("enable confirm mode: %w", err)
	}
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.ch = ch
	return nil
}

func (p *ConfirmPublisher) invalidate() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.ch = nil
	p.confirms = nil
}

// Publish sends msg and blocks until the broker confirms it.
func (p *ConfirmPublisher) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	if err := p.ensureChannel(); err != nil {
		return err
	}

	if err := p.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		p.invalidate()
		return fmt.Errorf("publish: %w", err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			p.invalidate()
			return fmt.Errorf("confirm channel closed: %w", amqp.ErrClosed)
		}
		if !confirm.Ack {
			return fmt.Errorf("%w: delivery tag %d", ErrPublishNacked, confirm.DeliveryTag)
		}
		return nil
	case <-timer.C:
		// A late confirmation would be read by the next publish.
		p.invalidate()
		return ErrConfirmTimeout
	case <-ctx.Done():
		p.invalidate()
		return ctx.Err()
	}
}

func (p *ConfirmPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidate()
	p.closed = true
}

// RabbitPublisher is what RabbitMQStrategy needs from a publisher.
type RabbitPublisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

// RabbitMQStrategy publishes the payload as a persistent message to the
// record's exchange and routing key.
type RabbitMQStrategy struct {
	failer
	publisher RabbitPublisher
}

func NewRabbitMQStrategy(publisher RabbitPublisher, store taskmessage.StatusUpdater, logger zerolog.Logger) *RabbitMQStrategy {
	return &RabbitMQStrategy{failer: failer{store: store, logger: logger}, publisher: publisher}
}

func (s *RabbitMQStrategy) Type() taskmessage.TransportType { return taskmessage.TransportRabbitMQ }

func (s *RabbitMQStrategy) Notify(ctx context.Context, rec taskmessage.Record) (string, error) {
	if s.publisher == nil {
		return "", notConfigured(s.Type())
	}
	cfg := rec.TransportConfig.RabbitMQ
	if cfg == nil {
		return "", s.fail(ctx, rec, missingSection(s.Type(), rec))
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.TaskID,
		Timestamp:    time.Now(),
		Type:         rec.TaskName,
		Headers:      amqp.Table{"taskId": rec.TaskID},
		Body:         []byte(rec.Payload),
	}
	if err := s.publisher.Publish(ctx, cfg.Exchange, cfg.RoutingKey, msg); err != nil {
		return "", s.fail(ctx, rec, err)
	}
	return "published to " + cfg.Exchange + "/" + cfg.RoutingKey, nil
}

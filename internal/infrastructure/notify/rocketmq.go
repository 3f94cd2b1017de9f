package notify

import (
	"context"
	"fmt"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	"github.com/rs/zerolog"
)

// RocketSender is the part of rocketmq.Producer the strategy uses.
type RocketSender interface {
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
}

// StartRocketProducer creates and starts a producer for the given name servers.
func StartRocketProducer(nameServers []string, group string, retries int) (rocketmq.Producer, error) {
	p, err := rocketmq.NewProducer(
		producer.WithNameServer(nameServers),
		producer.WithGroupName(group),
		producer.WithRetry(retries),
	)
	if err != nil {
		return nil, fmt.Errorf("create rocketmq producer: %w", err)
	}
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("start rocketmq producer: %w", err)
	}
	return p, nil
}

// RocketMQStrategy sends the payload synchronously and treats any status
// other than SendOK as a failure.
type RocketMQStrategy struct {
	failer
	sender RocketSender
}

func NewRocketMQStrategy(sender RocketSender, store taskmessage.StatusUpdater, logger zerolog.Logger) *RocketMQStrategy {
	return &RocketMQStrategy{failer: failer{store: store, logger: logger}, sender: sender}
}

func (s *RocketMQStrategy) Type() taskmessage.TransportType { return taskmessage.TransportRocketMQ }

func (s *RocketMQStrategy) Notify(ctx context.Context, rec taskmessage.Record) (string, error) {
	if s.sender == nil {
		return "", notConfigured(s.Type())
	}
	cfg := rec.TransportConfig.RocketMQ
	if cfg == nil {
		return "", s.fail(ctx, rec, missingSection(s.Type(), rec))
	}

	msg := primitive.NewMessage(cfg.Topic, []byte(rec.Payload))
	if cfg.Tag != "" {
		msg.WithTag(cfg.Tag)
	}
	key := cfg.Key
	if key == "" {
		key = rec.TaskID
	}
	msg.WithKeys([]string{key})
	if cfg.DelayLevel > 0 {
		msg.WithDelayTimeLevel(cfg.DelayLevel)
	}
	msg.WithProperty("taskId", rec.TaskID)

	res, err := s.sender.SendSync(ctx, msg)
	if err != nil {
		return "", s.fail(ctx, rec, err)
	}
	if res == nil || res.Status != primitive.SendOK {
		return "", s.fail(ctx, rec, fmt.Errorf("send to %s not acknowledged: %v", cfg.Topic, res))
	}
	return res.MsgID, nil
}

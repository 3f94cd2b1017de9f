package bootstrap

import (
	"fmt"

	"github.com/cassiomorais/taskmessage/internal/infrastructure/notify"
	"github.com/redis/go-redis/v9"
)

// NewRegistry builds the notify registry with a strategy for every transport.
// Transports without client configuration are still registered and report
// ErrTransportNotConfigured, which leaves their records for a later scan.
func (a *App) NewRegistry() (*notify.Registry, error) {
	cfg := a.Config
	logger := a.Logger

	reg := notify.NewRegistry(a.Store,
		notify.WithLogger(logger),
		notify.WithMetrics(a.Metrics),
		notify.WithBreaker(cfg.Engine.Breaker),
		notify.WithDispatchTimeout(cfg.Engine.DispatchTimeout),
		notify.WithStatusRetry(cfg.Engine.StatusRetries, cfg.Engine.StatusRetryDelay),
	)
	strategyLogger := logger.With().Str("component", "notify").Logger()

	reg.Register(notify.NewHTTPStrategy(
		notify.NewHTTPClient(cfg.HTTPNotify.Timeout), a.Store, strategyLogger, cfg.HTTPNotify.MaxResponseBytes,
	))

	var rabbit notify.RabbitPublisher
	if cfg.RabbitMQ.URL != "" {
		pub, closeFn, err := notify.DialRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.ConfirmTimeout)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		a.OnClose(func() { _ = closeFn() })
		rabbit = pub
		logger.Info().Msg("RabbitMQ transport enabled")
	}
	reg.Register(notify.NewRabbitMQStrategy(rabbit, a.Store, strategyLogger))

	var kafkaWriter notify.KafkaWriter
	if len(cfg.Kafka.Brokers) > 0 {
		w := notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.WriteTimeout, cfg.Kafka.BatchTimeout)
		a.OnClose(func() { _ = w.Close() })
		kafkaWriter = w
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Kafka transport enabled")
	}
	reg.Register(notify.NewKafkaStrategy(kafkaWriter, a.Store, strategyLogger))

	var rocket notify.RocketSender
	if len(cfg.RocketMQ.NameServers) > 0 {
		p, err := notify.StartRocketProducer(cfg.RocketMQ.NameServers, cfg.RocketMQ.ProducerGroup, cfg.RocketMQ.Retries)
		if err != nil {
			return nil, fmt.Errorf("rocketmq: %w", err)
		}
		a.OnClose(func() { _ = p.Shutdown() })
		rocket = p
		logger.Info().Strs("name_servers", cfg.RocketMQ.NameServers).Msg("RocketMQ transport enabled")
	}
	reg.Register(notify.NewRocketMQStrategy(rocket, a.Store, strategyLogger))

	var streams redis.UniversalClient
	if a.Redis != nil {
		streams = a.Redis
	}
	reg.Register(notify.NewRedisStreamStrategy(streams, a.Store, strategyLogger))

	return reg, nil
}

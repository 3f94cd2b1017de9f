package notify

import (
	"net/url"

	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
)

// destination names the endpoint a record is delivered to, at the
// granularity its health is tracked: the host for HTTP, the exchange or
// queue for RabbitMQ, the topic or stream for the other brokers. Records
// without a usable section fall back to the bare transport.
func destination(rec taskmessage.Record) string {
	t := string(rec.TransportType)
	cfg := rec.TransportConfig

	var target string
	switch rec.TransportType {
	case taskmessage.TransportHTTP:
		if cfg.HTTP != nil {
			if u, err := url.Parse(cfg.HTTP.URL); err == nil {
				target = u.Host
			}
		}
	case taskmessage.TransportRabbitMQ:
		if cfg.RabbitMQ != nil {
			target = cfg.RabbitMQ.Exchange
			if target == "" {
				target = cfg.RabbitMQ.RoutingKey
			}
		}
	case taskmessage.TransportKafka:
		if cfg.Kafka != nil {
			target = cfg.Kafka.Topic
		}
	case taskmessage.TransportRocketMQ:
		if cfg.RocketMQ != nil {
			target = cfg.RocketMQ.Topic
		}
	case taskmessage.TransportRedisStream:
		if cfg.RedisStream != nil {
			target = cfg.RedisStream.Stream
		}
	}
	if target == "" {
		return t
	}
	return t + ":" + target
}

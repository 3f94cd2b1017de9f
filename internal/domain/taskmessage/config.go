package taskmessage

import "net/http"

// TransportConfig carries the per-record destination. Only the section that
// matches the record's TransportType is read; it is stored as JSON.
type TransportConfig struct {
	HTTP        *HTTPConfig        `json:"http,omitempty"`
	RabbitMQ    *RabbitMQConfig    `json:"rabbit_mq,omitempty"`
	Kafka       *KafkaConfig       `json:"kafka,omitempty"`
	RocketMQ    *RocketMQConfig    `json:"rocket_mq,omitempty"`
	RedisStream *RedisStreamConfig `json:"redis_stream,omitempty"`
}

type HTTPConfig struct {
	URL           string            `json:"url" validate:"required,url"`
	Method        string            `json:"method,omitempty" validate:"omitempty,oneof=POST PUT PATCH"`
	ContentType   string            `json:"content_type,omitempty"`
	Authorization string            `json:"authorization,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// MethodOrDefault returns the configured method, POST when unset.
func (c *HTTPConfig) MethodOrDefault() string {
	if c.Method == "" {
		return http.MethodPost
	}
	return c.Method
}

// ContentTypeOrDefault returns the configured content type, JSON when unset.
func (c *HTTPConfig) ContentTypeOrDefault() string {
	if c.ContentType == "" {
		return "application/json"
	}
	return c.ContentType
}

type RabbitMQConfig struct {
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

type KafkaConfig struct {
	Topic        string            `json:"topic" validate:"required"`
	PartitionKey string            `json:"partition_key,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

type RocketMQConfig struct {
	Topic      string `json:"topic" validate:"required"`
	Tag        string `json:"tag,omitempty"`
	Key        string `json:"key,omitempty"`
	DelayLevel int    `json:"delay_level,omitempty" validate:"gte=0,lte=18"`
}

type RedisStreamConfig struct {
	Stream string `json:"stream" validate:"required"`
	MaxLen int64  `json:"max_len,omitempty" validate:"gte=0"`
}

package taskmessage

import (
	"errors"

	domainErrors "github.com/cassiomorais/taskmessage/internal/domain/errors"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Command is the inbound request to notify someone once the surrounding
// business transaction commits.
type Command struct {
	TaskID          string          `json:"task_id" validate:"required,max=128"`
	TaskName        string          `json:"task_name" validate:"max=255"`
	TransportType   TransportType   `json:"transport_type" validate:"required"`
	TransportConfig TransportConfig `json:"transport_config"`
	Payload         string          `json:"payload"`
}

// Validate checks field constraints and that the destination section for the
// chosen transport is present.
func (c Command) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return domainErrors.NewValidationError(ve[0].Namespace(), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("command", err.Error())
	}

	if !c.TransportType.Known() {
		return domainErrors.NewValidationError("transport_type", "unsupported transport "+string(c.TransportType))
	}

	cfg := c.TransportConfig
	switch c.TransportType {
	case TransportHTTP:
		if cfg.HTTP == nil {
			return domainErrors.NewValidationError("transport_config.http", "is required for http transport")
		}
	case TransportRabbitMQ:
		if cfg.RabbitMQ == nil {
			return domainErrors.NewValidationError("transport_config.rabbit_mq", "is required for rabbit_mq transport")
		}
		if cfg.RabbitMQ.Exchange == "" && cfg.RabbitMQ.RoutingKey == "" {
			return domainErrors.NewValidationError("transport_config.rabbit_mq", "exchange or routing_key is required")
		}
	case TransportKafka:
		if cfg.Kafka == nil {
			return domainErrors.NewValidationError("transport_config.kafka", "is required for kafka transport")
		}
	case TransportRocketMQ:
		if cfg.RocketMQ == nil {
			return domainErrors.NewValidationError("transport_config.rocket_mq", "is required for rocket_mq transport")
		}
	case TransportRedisStream:
		if cfg.RedisStream == nil {
			return domainErrors.NewValidationError("transport_config.redis_stream", "is required for redis_stream transport")
		}
	}
	return nil
}

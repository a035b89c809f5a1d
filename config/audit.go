package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Audit configures audit sinks
type Audit struct {
	Sinks          []string      `json:"sinks" yaml:"sinks"`
	BoltPath       string        `json:"bolt_path" yaml:"bolt_path"`
	RedisAddr      string        `json:"redis_addr" yaml:"redis_addr"`
	RedisStream    string        `json:"redis_stream" yaml:"redis_stream"`
	KafkaBrokers   []string      `json:"kafka_brokers" yaml:"kafka_brokers"`
	KafkaTopic     string        `json:"kafka_topic" yaml:"kafka_topic"`
	BufferSize     int           `json:"buffer_size" yaml:"buffer_size"`
	DeliverTimeout time.Duration `json:"deliver_timeout" yaml:"deliver_timeout"`
	BreakerTrips   uint32        `json:"breaker_trips" yaml:"breaker_trips"`
	BreakerTimeout time.Duration `json:"breaker_timeout" yaml:"breaker_timeout"`
}

// Validate validates audit configuration
func (a *Audit) Validate() error {
	for _, sink := range a.Sinks {
		switch sink {
		case "log":
		case "bolt":
			if a.BoltPath == "" {
				return fmt.Errorf("audit.bolt_path is required for bolt sink")
			}
		case "redis":
			if a.RedisAddr == "" {
				return fmt.Errorf("audit.redis_addr is required for redis sink")
			}
		case "kafka":
			if len(a.KafkaBrokers) == 0 || a.KafkaTopic == "" {
				return fmt.Errorf("audit.kafka_brokers and audit.kafka_topic are required for kafka sink")
			}
		default:
			return fmt.Errorf("unsupported audit sink: %s", sink)
		}
	}
	if a.BufferSize <= 0 {
		return fmt.Errorf("audit.buffer_size must be positive")
	}
	return nil
}

func getAuditConfig(v *viper.Viper) *Audit {
	return &Audit{
		Sinks:          getStringSliceOrDefault(v, "audit.sinks", []string{"log"}),
		BoltPath:       v.GetString("audit.bolt_path"),
		RedisAddr:      v.GetString("audit.redis_addr"),
		RedisStream:    getStringOrDefault(v, "audit.redis_stream", "guardrail:audit"),
		KafkaBrokers:   v.GetStringSlice("audit.kafka_brokers"),
		KafkaTopic:     v.GetString("audit.kafka_topic"),
		BufferSize:     getIntOrDefault(v, "audit.buffer_size", 1024),
		DeliverTimeout: getDurationOrDefault(v, "audit.deliver_timeout", 5*time.Second),
		BreakerTrips:   getUint32OrDefault(v, "audit.breaker_trips", 5),
		BreakerTimeout: getDurationOrDefault(v, "audit.breaker_timeout", 30*time.Second),
	}
}

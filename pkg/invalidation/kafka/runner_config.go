package kafka

import (
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

type Driver string

const (
	DriverNone  Driver = "none"
	DriverKafka Driver = "kafka"
)

type TLSConfig struct {
	Enable     bool
	SkipVerify bool
}

type SASLConfig struct {
	Enable    bool
	Mechanism string
	Username  string
	Password  string
}

type InvalidationConfig struct {
	Enabled bool
	Driver  Driver

	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool

	TLS  TLSConfig
	SASL SASLConfig
}

func FromEnv() InvalidationConfig {
	enabled := strings.ToLower(os.Getenv("INVALIDATION_ENABLED")) == "true"
	driver := Driver(strings.TrimSpace(os.Getenv("INVALIDATION_DRIVER")))
	if driver == "" {
		driver = DriverNone
	}
	brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))
	if brokers == "" {
		brokers = "localhost:9092"
	}
	topic := strings.TrimSpace(os.Getenv("KAFKA_TOPIC"))
	if topic == "" {
		topic = "cache-invalidation"
	}
	group := strings.TrimSpace(os.Getenv("KAFKA_GROUP_ID"))
	if group == "" {
		group = "stoker-invalidator"
	}
	mechanism := strings.TrimSpace(os.Getenv("KAFKA_SASL_MECHANISM"))
	if mechanism == "" {
		mechanism = sarama.SASLTypePlaintext
	}

	return InvalidationConfig{
		Enabled:          enabled,
		Driver:           driver,
		Brokers:          split(brokers),
		Topic:            topic,
		GroupID:          group,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		InitialOldest:    true,
		TLS: TLSConfig{
			Enable:     strings.ToLower(os.Getenv("KAFKA_TLS_ENABLE")) == "true",
			SkipVerify: strings.ToLower(os.Getenv("KAFKA_TLS_SKIP_VERIFY")) == "true",
		},
		SASL: SASLConfig{
			Enable:    strings.ToLower(os.Getenv("KAFKA_SASL_ENABLE")) == "true",
			Mechanism: mechanism,
			Username:  os.Getenv("KAFKA_SASL_USER"),
			Password:  os.Getenv("KAFKA_SASL_PASSWORD"),
		},
	}
}

func split(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}

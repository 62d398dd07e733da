// Package warmevents provides a Kafka publisher for warm-cycle summaries,
// feeding offline cadence analytics.
package warmevents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/IBM/sarama"

	"github.com/stokercache/stoker/internal/warming"
)

type Config struct {
	Enabled   bool
	Brokers   []string
	Topic     string
	QueueSize int
}

func FromEnv() Config {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = "localhost:9092"
	}
	topic := os.Getenv("WARM_EVENTS_TOPIC")
	if topic == "" {
		topic = "warm-cycles"
	}
	queue := 1024
	if v := os.Getenv("WARM_EVENTS_QUEUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			queue = n
		}
	}
	return Config{
		Enabled:   strings.ToLower(os.Getenv("WARM_EVENTS_ENABLED")) == "true",
		Brokers:   splitCSV(brokers),
		Topic:     topic,
		QueueSize: queue,
	}
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}

type Publisher struct {
	log     *slog.Logger
	topic   string
	events  chan warming.CycleEvent
	prod    sarama.AsyncProducer
	stopped chan struct{}
}

var _ warming.EventSink = (*Publisher)(nil)

func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Producer.Return.Errors = true
	sc.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("warmevents: create async producer: %w", err)
	}
	return newPublisher(prod, cfg, logger), nil
}

func newPublisher(prod sarama.AsyncProducer, cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	p := &Publisher{
		log:     logger,
		topic:   cfg.Topic,
		events:  make(chan warming.CycleEvent, cfg.QueueSize),
		prod:    prod,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("warmevents marshal", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Error("warmevents producer", "err", err)
			}
		}
	}()

	return p
}

// PublishCycle enqueues one cycle summary. When the queue is full the event
// is dropped: analytics lag must never stall the warming loop.
func (p *Publisher) PublishCycle(ev warming.CycleEvent) {
	select {
	case p.events <- ev:
	default:
	}
}

func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped

	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("warmevents: close producer: %w", err)
	}
	return nil
}

package eventbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const (
	defaultRelayTopic   = "eventbus-events"
	producerFlushTimeMs = 15 * 1000
)

// RelayMessage is an encoded event on its way to an external broker.
type RelayMessage struct {
	Metadata    EventMetadata
	Topic       string
	Key         []byte
	Value       []byte
	ContentType string
}

// Publisher forwards encoded events outside the process.
type Publisher interface {
	Publish(ctx context.Context, msg RelayMessage) error
	Close() error
}

// KafkaHeaderBuilder builds the Kafka headers of a relayed event.
type KafkaHeaderBuilder func(msg RelayMessage) []kafka.Header

type NopPublisher struct{}

func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

func (p *NopPublisher) Publish(context.Context, RelayMessage) error { return nil }

func (p *NopPublisher) Close() error { return nil }

type KafkaPublisherOption func(*KafkaPublisher)

// WithBrokers sets bootstrap.servers from a comma separated list.
func WithBrokers(brokers string) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.producerProps["bootstrap.servers"] = strings.TrimSpace(brokers)
	}
}

// WithProducerConfig overrides individual producer properties.
func WithProducerConfig(props kafka.ConfigMap) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		for k, v := range props {
			p.producerProps[k] = v
		}
	}
}

func WithDefaultTopic(topic string) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.defaultTopic = topic
	}
}

func WithHeaderBuilder(builder KafkaHeaderBuilder) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.headerBuilder = builder
	}
}

// KafkaPublisher produces relayed events and waits for the broker acknowledgement,
// so a failed delivery fails the relay handler and the outbox retries it.
type KafkaPublisher struct {
	logger        *zap.Logger
	producer      *kafka.Producer
	producerProps kafka.ConfigMap
	defaultTopic  string
	headerBuilder KafkaHeaderBuilder
}

func NewKafkaPublisher(logger *zap.Logger, opts ...KafkaPublisherOption) (*KafkaPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{
		logger: logger,
		producerProps: kafka.ConfigMap{
			"acks":               "all",
			"retries":            3,
			"linger.ms":          10,
			"enable.idempotence": true,
			"compression.type":   "snappy",
		},
		defaultTopic:  defaultRelayTopic,
		headerBuilder: BuildKafkaHeaders,
	}
	for _, opt := range opts {
		opt(p)
	}

	producer, err := kafka.NewProducer(&p.producerProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	p.producer = producer

	go p.handleProducerEvents()
	return p, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg RelayMessage) error {
	topic := msg.Topic
	if topic == "" {
		topic = p.defaultTopic
	}

	p.logger.Debug("Publishing event to Kafka",
		zap.String("event_id", msg.Metadata.EventID),
		zap.String("event_name", msg.Metadata.EventName),
		zap.String("topic", topic),
	)

	delivery := make(chan kafka.Event, 1)
	err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Value,
		Headers:        p.headerBuilder(msg),
		Timestamp:      msg.Metadata.Timestamp,
	}, delivery)
	if err != nil {
		return fmt.Errorf("failed to produce event %s: %w", msg.Metadata.EventID, err)
	}

	select {
	case e := <-delivery:
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			return fmt.Errorf("failed to deliver event %s to %s: %w", msg.Metadata.EventID, topic, m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *KafkaPublisher) Close() error {
	p.logger.Info("Closing kafka producer")
	if remaining := p.producer.Flush(producerFlushTimeMs); remaining > 0 {
		p.logger.Warn("Kafka producer closed with undelivered messages", zap.Int("remaining", remaining))
	}
	p.producer.Close()
	return nil
}

// handleProducerEvents logs client level errors. Delivery reports go to per-message channels.
func (p *KafkaPublisher) handleProducerEvents() {
	for e := range p.producer.Events() {
		if ev, ok := e.(kafka.Error); ok {
			p.logger.Error("Kafka error", zap.Error(ev), zap.Bool("fatal", ev.IsFatal()))
		}
	}
}

// BuildKafkaHeaders copies the event metadata and its propagation headers onto the message.
func BuildKafkaHeaders(msg RelayMessage) []kafka.Header {
	md := msg.Metadata
	headers := []kafka.Header{
		{Key: "event_id", Value: []byte(md.EventID)},
		{Key: "event_name", Value: []byte(md.EventName)},
		{Key: "source_module", Value: []byte(md.SourceModule)},
		{Key: "correlation_id", Value: []byte(md.CorrelationID)},
		{Key: "version", Value: []byte(md.Version)},
	}
	if msg.ContentType != "" {
		headers = append(headers, kafka.Header{Key: "content_type", Value: []byte(msg.ContentType)})
	}
	for k, v := range md.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}

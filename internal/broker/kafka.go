package broker

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewKafkaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	return config
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	prod, err := sarama.NewSyncProducer(brokers, NewKafkaConfig())
	if err != nil {
		return nil, err
	}
	return NewKafkaPublisherFrom(prod, topic, logger), nil
}

// NewKafkaPublisherFrom wraps an existing producer.
func NewKafkaPublisherFrom(prod sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{producer: prod, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(_ context.Context, e Event) error {
	body, err := encode(e)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(e.OrderID),
		Value:     sarama.ByteEncoder(body),
		Timestamp: e.At,
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.Warn("kafka publish failed", zap.String("topic", p.topic), zap.Error(err))
		return err
	}
	p.logger.Debug("event published",
		zap.String("kind", string(e.Kind)),
		zap.String("order_id", e.OrderID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

package broker

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

type eventHandler struct {
	out    chan<- Event
	logger *zap.Logger
}

func (eventHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (eventHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h eventHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		e, err := decode(msg.Value)
		if err != nil {
			h.logger.Warn("skipping malformed event",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			session.MarkMessage(msg, "")
			continue
		}
		select {
		case h.out <- e:
		case <-session.Context().Done():
			return nil
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// ConsumeKafka joins groupID on topic and streams decoded events until ctx is
// done. The returned channel is closed once the group has shut down.
func ConsumeKafka(ctx context.Context, brokers []string, groupID, topic string, logger *zap.Logger) (<-chan Event, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, NewKafkaConfig())
	if err != nil {
		return nil, err
	}
	return consumeGroup(ctx, group, topic, logger), nil
}

func consumeGroup(ctx context.Context, group sarama.ConsumerGroup, topic string, logger *zap.Logger) <-chan Event {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make(chan Event, 16)
	handler := eventHandler{out: out, logger: logger}
	go func() {
		defer close(out)
		defer func() {
			if err := group.Close(); err != nil {
				logger.Warn("closing consumer group", zap.Error(err))
			}
		}()
		for {
			if err := group.Consume(ctx, []string{topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Warn("consumer error", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return out
}

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const DefaultExchange = "delivery_events"

// Rabbit fans events out to every bound session queue.
type Rabbit struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *zap.Logger
}

func DialRabbit(url, exchange string, logger *zap.Logger) (*Rabbit, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Rabbit{conn: conn, ch: ch, exchange: exchange, logger: logger}, nil
}

func (r *Rabbit) Publish(ctx context.Context, e Event) error {
	body, err := encode(e)
	if err != nil {
		return err
	}
	return r.ch.PublishWithContext(ctx, r.exchange, "", false, false, amqp.Publishing{
		DeliveryMode: amqp.Transient,
		ContentType:  "application/json",
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         string(e.Kind),
		Body:         body,
	})
}

// Subscribe binds an exclusive auto-delete queue to the exchange and streams
// events until ctx is done.
func (r *Rabbit) Subscribe(ctx context.Context) (<-chan Event, error) {
	q, err := r.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := r.ch.QueueBind(q.Name, "", r.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := r.ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				e, err := decode(d.Body)
				if err != nil {
					r.logger.Warn("skipping malformed event", zap.String("message_id", d.MessageId), zap.Error(err))
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Rabbit) Close() error {
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

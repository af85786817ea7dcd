package bus

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Loopgate-Labs/loopgate/pkg/eventlog"
)

// Exchange is the topic exchange all envelopes route through, with
// the subject as routing key.
const Exchange = "loopgate.events"

// AMQPPublisher publishes envelopes to a RabbitMQ topic exchange.
type AMQPPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPPublisher(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}
	return &AMQPPublisher{conn: conn, channel: channel}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, env eventlog.Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	err = p.channel.PublishWithContext(ctx, Exchange, SubjectFor(env.StreamKind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    env.EventID,
		Type:         env.EventType,
		Timestamp:    env.OccurredAt,
		DeliveryMode: amqp.Persistent,
		Body:         data,
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.EventID, SubjectFor(env.StreamKind), err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

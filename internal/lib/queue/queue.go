package queue

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue publishes to a single durable AMQP queue.
type Queue struct {
	name       string
	connection *amqp.Connection
	channel    *amqp.Channel
	queue      amqp.Queue
}

func (q *Queue) Connect(URL string) error {
	conn, err := amqp.Dial(URL)

	if err != nil {
		return err
	}

	q.connection = conn

	ch, err := q.connection.Channel()

	if err != nil {
		_ = conn.Close()
		return err
	}

	q.channel = ch

	queue, err := q.channel.QueueDeclare(
		q.name,
		true,
		false,
		false,
		false,
		nil,
	)

	if err != nil {
		q.Close()
		return err
	}

	q.queue = queue
	return nil
}

func (q *Queue) Send(ctx context.Context, body []byte) error {
	return q.channel.PublishWithContext(ctx,
		"",
		q.queue.Name,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
		})
}

func (q *Queue) Close() {
	_ = q.channel.Close()
	_ = q.connection.Close()
}

func NewQueue(URL string, name string) (*Queue, error) {
	q := &Queue{name: name}
	err := q.Connect(URL)

	if err != nil {
		return nil, err
	}

	return q, nil
}

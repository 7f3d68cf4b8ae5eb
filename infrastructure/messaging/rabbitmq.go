package messaging

import (
	"context"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shipsaga/fulfillment/domain/envelope"
)

// exchangeName is the single topic exchange every logical topic is
// routed through; the topic name itself becomes the routing key. The
// event/command's AggregateID is not set as a message header or
// property; it is present only inside the JSON body.
const exchangeName = "shipsaga.events"

// RabbitMQPort is the broker-backed production adapter, generalizing the
// teacher's single-topic RabbitMQ client to the variadic-topic Port
// contract (§9 design notes: unify on variadic topics).
type RabbitMQPort struct {
	url    string
	policy RetryPolicy

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewRabbitMQPort builds an adapter around url; Connect must be called
// before Publish/Consume.
func NewRabbitMQPort(url string, policy RetryPolicy) *RabbitMQPort {
	return &RabbitMQPort{url: url, policy: policy}
}

// Connect establishes the connection, opens a channel, and declares the
// shared exchange. Lazy initialization is intentionally not used here:
// the producer/consumer's process-wide connection is owned exclusively
// by this call, started once at process startup (§9: shared mutable
// producer state across coroutines becomes a single owned actor).
func (r *RabbitMQPort) Connect() error {
	conn, err := amqp.Dial(r.url)
	if err != nil {
		return fmt.Errorf("messaging: connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("messaging: open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("messaging: enable publisher confirms: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("messaging: declare exchange: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.channel = ch
	r.mu.Unlock()

	log.Println("messaging: connected to RabbitMQ")
	return nil
}

func (r *RabbitMQPort) publish(ctx context.Context, topic, id string, raw []byte) error {
	r.mu.Lock()
	ch := r.channel
	r.mu.Unlock()
	if ch == nil {
		return ErrSerialization // not connected is a permanent, not transient, condition here
	}

	return ch.PublishWithContext(
		ctx,
		exchangeName,
		topic, // routing key = logical topic name
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    id,
			Body:         raw,
			DeliveryMode: amqp.Persistent,
		},
	)
}

// PublishEvent implements Port with persistent delivery and the event ID
// as the AMQP message ID. AggregateID is not used as a routing or
// partition key; per-aggregate order follows from the single durable
// queue per (consumer group, topic), which is FIFO for the whole topic.
// The broker does not deduplicate on the message ID, so a retried
// publish can be delivered twice.
func (r *RabbitMQPort) PublishEvent(ctx context.Context, event envelope.Event, topics ...string) error {
	raw, err := event.ToBytes()
	if err != nil {
		return &PublishError{Topic: joinTopics(topics), Attempts: 1, Err: ErrSerialization}
	}
	for _, topic := range topics {
		topic := topic
		if err := withRetry(ctx, r.policy, topic, func() error {
			return r.publish(ctx, topic, event.EventID, raw)
		}); err != nil {
			return err
		}
	}
	return nil
}

// PublishCommand implements Port.
func (r *RabbitMQPort) PublishCommand(ctx context.Context, command envelope.Command, topics ...string) error {
	raw, err := command.ToBytes()
	if err != nil {
		return &PublishError{Topic: joinTopics(topics), Attempts: 1, Err: ErrSerialization}
	}
	for _, topic := range topics {
		topic := topic
		if err := withRetry(ctx, r.policy, topic, func() error {
			return r.publish(ctx, topic, command.CommandID, raw)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *RabbitMQPort) declareAndBind(queueName, topic string) (<-chan amqp.Delivery, error) {
	r.mu.Lock()
	ch := r.channel
	r.mu.Unlock()
	if ch == nil {
		return nil, fmt.Errorf("messaging: channel not initialized")
	}

	queue, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: declare queue %s: %w", queueName, err)
	}

	if err := ch.QueueBind(queue.Name, topic, exchangeName, false, nil); err != nil {
		return nil, fmt.Errorf("messaging: bind queue %s to %s: %w", queueName, topic, err)
	}

	msgs, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: consume %s: %w", queueName, err)
	}
	return msgs, nil
}

// ConsumeEvent implements Port. One durable queue per (consumerGroup,
// topic), manual ack: handler success acks (commits), handler failure
// nacks with requeue (redelivery), malformed payloads ack-and-skip so a
// bad message never blocks the queue.
func (r *RabbitMQPort) ConsumeEvent(ctx context.Context, consumerGroup string, handler EventHandler, topics ...string) error {
	var wg sync.WaitGroup
	for _, topic := range topics {
		queueName := fmt.Sprintf("%s.%s", consumerGroup, topic)
		msgs, err := r.declareAndBind(queueName, topic)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(topic string, msgs <-chan amqp.Delivery) {
			defer wg.Done()
			r.consumeEvents(ctx, topic, msgs, handler)
		}(topic, msgs)
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (r *RabbitMQPort) consumeEvents(ctx context.Context, topic string, msgs <-chan amqp.Delivery, handler EventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			evt, err := envelope.EventFromBytes(msg.Body)
			if err != nil {
				log.Printf("messaging: malformed event on %s, skipping: %v", topic, err)
				msg.Ack(false)
				continue
			}
			if err := handler(ctx, evt); err != nil {
				log.Printf("messaging: handler error on %s: %v", topic, err)
				msg.Nack(false, true)
				continue
			}
			msg.Ack(false)
		}
	}
}

// ConsumeCommand implements Port, symmetric to ConsumeEvent.
func (r *RabbitMQPort) ConsumeCommand(ctx context.Context, consumerGroup string, handler CommandHandler, topics ...string) error {
	var wg sync.WaitGroup
	for _, topic := range topics {
		queueName := fmt.Sprintf("%s.%s", consumerGroup, topic)
		msgs, err := r.declareAndBind(queueName, topic)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(topic string, msgs <-chan amqp.Delivery) {
			defer wg.Done()
			r.consumeCommands(ctx, topic, msgs, handler)
		}(topic, msgs)
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (r *RabbitMQPort) consumeCommands(ctx context.Context, topic string, msgs <-chan amqp.Delivery, handler CommandHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			cmd, err := envelope.CommandFromBytes(msg.Body)
			if err != nil {
				log.Printf("messaging: malformed command on %s, skipping: %v", topic, err)
				msg.Ack(false)
				continue
			}
			if err := handler(ctx, cmd); err != nil {
				log.Printf("messaging: handler error on %s: %v", topic, err)
				msg.Nack(false, true)
				continue
			}
			msg.Ack(false)
		}
	}
}

// Close releases the channel and connection, safe to call once during
// shutdown.
func (r *RabbitMQPort) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

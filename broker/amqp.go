package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/miragespace/ctfinstancer/spec"
	"github.com/miragespace/ctfinstancer/spec/broker"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var _ broker.Publisher = &AMQPBroker{}

const (
	instanceEventsExchange string = "instance_events"
)

// AMQPBroker publishes instance lifecycle events to RabbitMQ
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	// amqp.Channel is not safe for concurrent publishing
	mu sync.Mutex
}

// NewAMQPBroker returns a Message Broker over RabbitMQ
func NewAMQPBroker(amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		amqpConn.Close()
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupEventsExchange(); err != nil {
		broker.Close()
		return nil, extErrors.Wrap(err, "Cannot declare exchange for instance events")
	}

	return broker, nil
}

func (a *AMQPBroker) setupEventsExchange() error {
	return a.channel.ExchangeDeclare(
		instanceEventsExchange, // name
		"topic",                // type
		true,                   // durable
		false,                  // auto-deleted
		false,                  // internal
		false,                  // no-wait
		nil,                    // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

func (a *AMQPBroker) publishViaRoutingKey(exchange, routingKey string, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel.Publish(
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// PublishEvent will publish the event on the instance events exchange, routed by its type
func (a *AMQPBroker) PublishEvent(e *spec.Event) error {
	body, err := EncodeEvent(e)
	if err != nil {
		return err
	}
	if err := a.publishViaRoutingKey(instanceEventsExchange, e.RoutingKey(), body); err != nil {
		return extErrors.Wrap(err, "Cannot publish instance event")
	}
	return nil
}

// EncodeEvent returns the wire representation of the event
func EncodeEvent(e *spec.Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot encode message into bytes")
	}
	return body, nil
}

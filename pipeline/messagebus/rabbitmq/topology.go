package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange    = "pipeline.events"
	DefaultDLXExchange = "pipeline.dlx"
	dlqSuffix          = ".dlq"

	delayedExchangeType = "x-delayed-message"
)

var (
	ErrChannelRequired = errors.New("amqp channel is required")
	ErrQueuesRequired  = errors.New("at least one queue is required")
)

// TopologyChannel is the subset of *amqp.Channel used to declare topology.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology names the exchanges and queues the transport uses.
type Topology struct {
	Exchange    string
	DLXExchange string
	// Delayed declares Exchange as x-delayed-message. It requires the
	// rabbitmq_delayed_message_exchange plugin.
	Delayed bool
	Queues  []string
}

func (topo Topology) normalized() Topology {
	if topo.Exchange == "" {
		topo.Exchange = DefaultExchange
	}

	if topo.DLXExchange == "" {
		topo.DLXExchange = DefaultDLXExchange
	}

	return topo
}

// DLQName returns the dead-letter queue bound to queue.
func DLQName(queue string) string {
	return queue + dlqSuffix
}

// DeclareTopology declares the exchanges, each queue with its dead-letter
// queue, and their bindings. Declarations are idempotent.
func DeclareTopology(ch TopologyChannel, topo Topology) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}

	topo = topo.normalized()

	if len(topo.Queues) == 0 {
		return ErrQueuesRequired
	}

	kind, args := amqp.ExchangeDirect, amqp.Table(nil)
	if topo.Delayed {
		kind, args = delayedExchangeType, amqp.Table{"x-delayed-type": amqp.ExchangeDirect}
	}

	if err := ch.ExchangeDeclare(topo.Exchange, kind, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topo.Exchange, err)
	}

	if err := ch.ExchangeDeclare(topo.DLXExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx %s: %w", topo.DLXExchange, err)
	}

	for _, queue := range topo.Queues {
		queue = strings.TrimSpace(queue)
		if queue == "" {
			continue
		}

		if err := declareQueue(ch, topo, queue); err != nil {
			return err
		}
	}

	return nil
}

func declareQueue(ch TopologyChannel, topo Topology, queue string) error {
	dlq := DLQName(queue)

	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq %s: %w", dlq, err)
	}

	if err := ch.QueueBind(dlq, queue, topo.DLXExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq %s: %w", dlq, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    topo.DLXExchange,
		"x-dead-letter-routing-key": queue,
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if err := ch.QueueBind(queue, queue, topo.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}

	return nil
}

// InspectChannel reads queue depth without declaring anything.
type InspectChannel interface {
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// DLQDepth reports the message count of each queue's dead-letter queue.
type DLQDepth struct {
	ch     InspectChannel
	queues []string
}

// NewDLQDepth creates a DLQ depth reader for queues.
func NewDLQDepth(ch InspectChannel, queues ...string) (*DLQDepth, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	if len(queues) == 0 {
		return nil, ErrQueuesRequired
	}

	return &DLQDepth{ch: ch, queues: append([]string(nil), queues...)}, nil
}

// CountFailed returns dead-lettered message counts keyed by DLQ name.
func (d *DLQDepth) CountFailed(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(d.queues))

	for _, queue := range d.queues {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dlq := DLQName(queue)

		// Durability flags must match the declaration or the broker closes
		// the channel.
		q, err := d.ch.QueueDeclarePassive(dlq, true, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("inspect %s: %w", dlq, err)
		}

		counts[dlq] = int64(q.Messages)
	}

	return counts, nil
}

//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errChannelClosed = errors.New("Exception (504) Reason: \"channel/connection is not open\"")

type exchangeDecl struct {
	name string
	kind string
	args amqp.Table
}

type queueDecl struct {
	name string
	args amqp.Table
}

type binding struct {
	queue    string
	key      string
	exchange string
}

type fakeChannel struct {
	mu sync.Mutex

	exchanges []exchangeDecl
	queues    []queueDecl
	bindings  []binding
	depth     map[string]int
	failOn    string

	confirmErr error
	confirms   chan amqp.Confirmation
	published  []amqp.Publishing
	routing    []string
	nack       bool
	silent     bool
	holdNext   bool
	held       []amqp.Confirmation
	closed     bool

	qos        int
	deliveries chan amqp.Delivery
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{depth: map[string]int{}, deliveries: make(chan amqp.Delivery, 8)}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, args amqp.Table) error {
	if c.failOn == name {
		return errChannelClosed
	}

	c.exchanges = append(c.exchanges, exchangeDecl{name: name, kind: kind, args: args})

	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if c.failOn == name {
		return amqp.Queue{}, errChannelClosed
	}

	c.queues = append(c.queues, queueDecl{name: name, args: args})

	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.bindings = append(c.bindings, binding{queue: name, key: key, exchange: exchange})

	return nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if c.failOn == name {
		return amqp.Queue{}, errChannelClosed
	}

	return amqp.Queue{Name: name, Messages: c.depth[name]}, nil
}

func (c *fakeChannel) Confirm(_ bool) error { return c.confirmErr }

func (c *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.confirms = confirm

	return confirm
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.published = append(c.published, msg)
	c.routing = append(c.routing, key)

	if c.silent {
		return nil
	}

	confirmation := amqp.Confirmation{DeliveryTag: uint64(len(c.published)), Ack: !c.nack}

	if c.holdNext {
		c.holdNext = false
		c.held = append(c.held, confirmation)

		return nil
	}

	pending := append(c.held, confirmation)
	c.held = nil

	go func() {
		for _, confirmation := range pending {
			c.confirms <- confirmation
		}
	}()

	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true

	return nil
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.qos = prefetchCount

	return nil
}

func (c *fakeChannel) ConsumeWithContext(_ context.Context, _, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.acked = append(a.acked, tag)

	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)

	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.acked), len(a.nacked)
}

// Package brokertest provides in-memory stand-ins for broker channels,
// connections, deliveries and publishers.
package brokertest

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/angelmondragon/filepipe-backend/pkg/broker"
)

// Delivery records how it was settled.
type Delivery struct {
	Payload       []byte
	HeaderValues  map[string]any
	ID            string
	Route         string
	Content       string
	IsRedelivered bool
	AckErr        error
	NackErr       error

	mu       sync.Mutex
	acks     int
	nacks    int
	requeued bool
}

func (d *Delivery) Body() []byte { return d.Payload }

func (d *Delivery) Headers() map[string]any {
	if d.HeaderValues == nil {
		return map[string]any{}
	}
	return d.HeaderValues
}

func (d *Delivery) MessageID() string   { return d.ID }
func (d *Delivery) RoutingKey() string  { return d.Route }
func (d *Delivery) ContentType() string { return d.Content }
func (d *Delivery) Redelivered() bool   { return d.IsRedelivered }

func (d *Delivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.AckErr != nil {
		return d.AckErr
	}
	d.acks++
	return nil
}

func (d *Delivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.NackErr != nil {
		return d.NackErr
	}
	d.nacks++
	d.requeued = requeue
	return nil
}

// Acks is the number of successful Ack calls.
func (d *Delivery) Acks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acks
}

// Nacks is the number of successful Nack calls and whether the last one requeued.
func (d *Delivery) Nacks() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nacks, d.requeued
}

// Publisher captures confirmed publishes.
type Publisher struct {
	Err error

	mu       sync.Mutex
	messages []broker.Message
}

func (p *Publisher) PublishConfirmed(_ context.Context, msg broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *Publisher) Messages() []broker.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.Message(nil), p.messages...)
}

// Publish is one PublishWithContext call seen by Channel.
type Publish struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// QueueDecl is one QueueDeclare call seen by Channel.
type QueueDecl struct {
	Name string
	Args amqp.Table
}

// Binding is one QueueBind call seen by Channel.
type Binding struct {
	Queue    string
	Key      string
	Exchange string
}

// Channel implements broker.Channel in memory. Publishes are confirmed
// immediately unless DropConfirms or NackPublishes is set.
type Channel struct {
	PublishErr    error
	ConfirmErr    error
	NackPublishes bool
	DropConfirms  bool
	Deliveries    chan amqp.Delivery

	mu          sync.Mutex
	published   []Publish
	exchanges   []string
	queues      []QueueDecl
	bindings    []Binding
	prefetch    int
	confirm     chan amqp.Confirmation
	closeNotify []chan *amqp.Error
	closed      bool
	consuming   bool
	stopped     bool
	tag         uint64
}

func NewChannel() *Channel {
	return &Channel{Deliveries: make(chan amqp.Delivery, 16)}
}

func (c *Channel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, name)
	return nil
}

func (c *Channel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = append(c.queues, QueueDecl{Name: name, Args: args})
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, Binding{Queue: name, Key: key, Exchange: exchange})
	return nil
}

func (c *Channel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return nil
}

func (c *Channel) Consume(_, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	c.consuming = true
	return c.Deliveries, nil
}

func (c *Channel) Cancel(_ string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	return nil
}

func (c *Channel) Confirm(_ bool) error {
	return c.ConfirmErr
}

func (c *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirm = confirm
	return confirm
}

func (c *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeNotify = append(c.closeNotify, receiver)
	return receiver
}

func (c *Channel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.published = append(c.published, Publish{Exchange: exchange, RoutingKey: key, Msg: msg})
	if c.confirm != nil && !c.DropConfirms {
		c.tag++
		select {
		case c.confirm <- amqp.Confirmation{DeliveryTag: c.tag, Ack: !c.NackPublishes}:
		default:
		}
	}
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, ch := range c.closeNotify {
		close(ch)
	}
	c.closeNotify = nil
	if c.consuming {
		c.stopLocked()
	}
	return nil
}

func (c *Channel) stopLocked() {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.Deliveries)
}

func (c *Channel) Published() []Publish {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Publish(nil), c.published...)
}

func (c *Channel) Exchanges() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.exchanges...)
}

func (c *Channel) Queues() []QueueDecl {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]QueueDecl(nil), c.queues...)
}

func (c *Channel) Bindings() []Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Binding(nil), c.bindings...)
}

func (c *Channel) Prefetch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetch
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Source hands out channels from a fixed list, then fresh ones.
type Source struct {
	Err error

	mu       sync.Mutex
	queue    []*Channel
	opened   []*Channel
}

func NewSource(channels ...*Channel) *Source {
	return &Source{queue: channels}
}

func (s *Source) Channel(_ context.Context) (broker.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var ch *Channel
	if len(s.queue) > 0 {
		ch, s.queue = s.queue[0], s.queue[1:]
	} else {
		ch = NewChannel()
	}
	s.opened = append(s.opened, ch)
	return ch, nil
}

// Opened lists every channel handed out so far.
func (s *Source) Opened() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Channel(nil), s.opened...)
}

// Conn implements broker.Conn.
type Conn struct {
	mu     sync.Mutex
	closed bool
	notify []chan *amqp.Error
	opened int
}

func (c *Conn) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	c.opened++
	return NewChannel(), nil
}

func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Close() error {
	c.drop(nil)
	return nil
}

// Drop simulates the broker closing the connection with reason.
func (c *Conn) Drop(reason *amqp.Error) {
	c.drop(reason)
}

func (c *Conn) drop(reason *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.notify {
		if reason != nil {
			ch <- reason
		}
		close(ch)
	}
	c.notify = nil
}

// Dialer fails the first Failures dials, then returns new Conns.
type Dialer struct {
	Failures int

	mu    sync.Mutex
	calls int
	conns []*Conn
}

var ErrDialRefused = errors.New("dial refused")

func (d *Dialer) Dial(_ string) (broker.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.Failures {
		return nil, ErrDialRefused
	}
	conn := &Conn{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Conns lists the connections dialed so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

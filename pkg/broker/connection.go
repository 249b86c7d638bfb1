package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
)

// State is the lifecycle position of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrConnectionClosed is returned once Close has been called.
var ErrConnectionClosed = errors.New("broker connection closed")

const connectionLostPoll = 50 * time.Millisecond

// ConnectionOptions configures a Connection.
type ConnectionOptions struct {
	URL              string
	Dial             Dialer
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// BackOff overrides the reconnect schedule built from ReconnectInitial and ReconnectMax.
	BackOff func() backoff.BackOff
	Logger  *logger.Logger
}

// Connection owns one AMQP connection and replaces it when the broker drops it.
// Channels are opened per use; consumers and publishers reopen theirs after a
// reconnect.
type Connection struct {
	url        string
	dial       Dialer
	newBackOff func() backoff.BackOff
	logg       *logger.Logger

	mu    sync.RWMutex
	state State
	conn  Conn
	ready chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection builds a disconnected Connection. Call Connect to dial.
func NewConnection(opts ConnectionOptions) (*Connection, error) {
	if opts.URL == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amqp url is required")
	}
	if opts.Dial == nil {
		opts.Dial = DialAMQP
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.BackOff == nil {
		initial, max := opts.ReconnectInitial, opts.ReconnectMax
		if initial <= 0 {
			initial = time.Second
		}
		if max < initial {
			max = 30 * time.Second
		}
		opts.BackOff = func() backoff.BackOff {
			exp := backoff.NewExponentialBackOff()
			exp.InitialInterval = initial
			exp.MaxInterval = max
			exp.MaxElapsedTime = 0
			return exp
		}
	}
	return &Connection{
		url:        opts.URL,
		dial:       opts.Dial,
		newBackOff: opts.BackOff,
		logg:       opts.Logger,
		state:      StateDisconnected,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// State reports the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect dials until it succeeds or ctx is done.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrConnectionClosed
	case StateDisconnected:
		c.setStateLocked(StateConnecting)
	default:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dialWithBackoff(ctx)
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		return pkgerrors.Wrap(pkgerrors.CodeTransport, err, "connect to broker")
	}
	if !c.attach(conn) {
		_ = conn.Close()
		return ErrConnectionClosed
	}
	return nil
}

// Channel opens a channel, waiting through a reconnect if one is in progress.
func (c *Connection) Channel(ctx context.Context) (Channel, error) {
	for {
		c.mu.RLock()
		state, conn, ready := c.state, c.conn, c.ready
		c.mu.RUnlock()

		if state == StateClosed {
			return nil, ErrConnectionClosed
		}
		var lost <-chan time.Time
		if state == StateConnected && conn != nil {
			ch, err := conn.Channel()
			if err == nil {
				return ch, nil
			}
			if !conn.IsClosed() {
				return nil, pkgerrors.Wrap(pkgerrors.CodeTransport, err, "open channel")
			}
			// the watcher has not swapped the connection yet
			lost = time.After(connectionLostPoll)
			ready = nil
		}

		select {
		case <-ready:
		case <-lost:
		case <-c.done:
			return nil, ErrConnectionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ping reports whether the connection is currently usable.
func (c *Connection) Ping(_ context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateConnected || c.conn == nil || c.conn.IsClosed() {
		return pkgerrors.New(pkgerrors.CodeTransport, "broker not connected").WithDetails(map[string]any{"state": c.state.String()})
	}
	return nil
}

// Close stops reconnecting and closes the live connection.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.setStateLocked(StateClosed)
		close(c.done)
		c.mu.Unlock()

		if conn != nil && !conn.IsClosed() {
			err = conn.Close()
		}
		c.wg.Wait()
	})
	return err
}

func (c *Connection) attach(conn Conn) bool {
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.setStateLocked(StateConnected)
	close(c.ready)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.watch(closes)
	return true
}

func (c *Connection) watch(closes <-chan *amqp.Error) {
	defer c.wg.Done()

	var reason *amqp.Error
	select {
	case <-c.done:
		return
	case reason = <-closes:
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.ready = make(chan struct{})
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	ctx := c.logg.WithField(context.Background(), "state", StateReconnecting.String())
	if reason != nil {
		c.logg.Error(ctx, "broker connection lost", reason)
	} else {
		c.logg.Warn(ctx, "broker connection lost")
	}

	dialCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	conn, err := c.dialWithBackoff(dialCtx)
	if err != nil {
		return
	}
	if !c.attach(conn) {
		_ = conn.Close()
	}
}

func (c *Connection) dialWithBackoff(ctx context.Context) (Conn, error) {
	var conn Conn
	attempt := 0
	operation := func() error {
		attempt++
		dialed, err := c.dial(c.url)
		if err != nil {
			logCtx := c.logg.WithField(ctx, "attempt", attempt)
			c.logg.Warn(logCtx, "broker dial failed: "+err.Error())
			return err
		}
		conn = dialed
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Connection) setStateLocked(next State) {
	prev := c.state
	c.state = next
	if prev == next {
		return
	}
	ctx := c.logg.WithFields(context.Background(), map[string]any{
		"from": prev.String(),
		"to":   next.String(),
	})
	c.logg.Info(ctx, "broker connection state changed")
}

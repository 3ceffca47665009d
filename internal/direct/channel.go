// Package direct implements the wide-area delivery path: a persistent
// connection to a remote endpoint with an explicit connection state
// machine, exponential reconnect backoff and a bounded pending buffer.
package direct

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State enumerates the connection states of the direct channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
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
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidState is returned by Open when the channel is not in a
	// state it can be opened from.
	ErrInvalidState = errors.New("direct: open is only valid from disconnected or failed")

	// ErrNotConnected is returned by Push when the channel is neither
	// connected nor attempting to connect.
	ErrNotConnected = errors.New("direct: not connected")
)

// Conn is one established connection to the remote endpoint.
type Conn interface {
	Write(payload []byte) error
	Close() error
}

// Dialer establishes connections to the remote endpoint. onDrop is invoked
// at most once when the returned connection closes unexpectedly.
type Dialer interface {
	Dial(ctx context.Context, endpoint, bearerToken string, onDrop func(error)) (Conn, error)
}

// Config holds the direct channel tunables. Endpoint and BearerToken may
// change at runtime via Configure; changes take effect on the next dial.
type Config struct {
	Endpoint    string
	BearerToken string // empty means anonymous

	InitialDelay time.Duration // first reconnect delay, doubled per attempt
	MaxDelay     time.Duration // backoff cap
	MaxAttempts  int           // reconnect attempts before giving up
	DialTimeout  time.Duration
	PendingLimit int // envelopes buffered while (re)connecting, oldest dropped
}

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMaxAttempts  = 5
	defaultDialTimeout  = 10 * time.Second
	defaultPendingLimit = 64
)

// WithLogger sets the logger for the channel.
func WithLogger(logger *slog.Logger) func(c *Channel) {
	return func(c *Channel) {
		c.logger = logger.With(slog.String("channel", "direct"))
	}
}

// WithClock sets the clock used for backoff timers.
func WithClock(clk clock.Clock) func(c *Channel) {
	return func(c *Channel) {
		c.clock = clk
	}
}

// WithStateFunc registers a state-change notification callback. The
// callback is invoked outside the channel's lock and must not block.
func WithStateFunc(fn func(State)) func(c *Channel) {
	return func(c *Channel) {
		c.onState = fn
	}
}

// Channel is the persistent direct connection to the remote consumer.
//
// Lifecycle: created disconnected; Open begins a connect attempt; an
// unexpected drop while connected triggers the reconnect policy; once the
// attempt budget is exhausted the channel parks in the failed state until
// Open is called again. Close tears everything down unconditionally and is
// idempotent, including concurrently with an in-progress connect.
type Channel struct {
	dialer  Dialer
	clock   clock.Clock
	logger  *slog.Logger
	onState func(State)

	mu       sync.Mutex
	cfg      Config
	state    State
	conn     Conn
	gen      uint64 // invalidates in-flight dials and timers from earlier lifecycles
	retries  int    // reconnect attempts started in the current cycle
	retry    *clock.Timer
	pending  [][]byte
	flushing bool
}

// NewChannel creates a direct channel. The channel starts disconnected and
// dials nothing until Open is called.
func NewChannel(dialer Dialer, cfg Config, options ...func(c *Channel)) *Channel {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = defaultPendingLimit
	}

	c := Channel{
		dialer: dialer,
		cfg:    cfg,
		state:  StateDisconnected,
		clock:  clock.New(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&c)
	}

	return &c
}

// Configure updates the endpoint and credentials. An already-open
// connection is unaffected; the new values are used on the next dial.
func (c *Channel) Configure(endpoint, bearerToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Endpoint = endpoint
	c.cfg.BearerToken = bearerToken
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel currently holds an established
// connection.
func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// Open begins a connect attempt. Valid only from the disconnected and
// failed states; the attempt itself is asynchronous and its outcome is
// observable through the state-change callback.
func (c *Channel) Open() error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateFailed {
		c.mu.Unlock()
		return ErrInvalidState
	}

	c.gen++
	c.retries = 0
	notify := c.beginConnectLocked()
	c.mu.Unlock()

	notify()
	return nil
}

// Push hands one encoded envelope to the channel. While connected it is
// written out immediately; while a connect or reconnect is in flight it is
// buffered up to the pending limit, dropping the oldest on overflow. A
// transport-level write failure is not retried per message; recovery is
// the reconnect policy's job.
func (c *Channel) Push(payload []byte) error {
	c.mu.Lock()

	switch c.state {
	case StateConnected:
		if c.flushing {
			c.bufferLocked(payload)
			c.mu.Unlock()
			return nil
		}
		conn := c.conn
		c.mu.Unlock()

		if err := conn.Write(payload); err != nil {
			c.logger.Warn("push write failed, awaiting reconnect", slog.Any("error", err))
		}
		return nil

	case StateConnecting, StateReconnecting:
		c.bufferLocked(payload)
		c.mu.Unlock()
		return nil

	default:
		c.mu.Unlock()
		return ErrNotConnected
	}
}

// Close cancels any pending reconnect, releases the connection and resets
// the state to disconnected. Safe to call redundantly and concurrently
// with an in-progress connect.
func (c *Channel) Close() {
	c.mu.Lock()

	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}

	conn := c.conn
	c.conn = nil
	c.pending = nil
	c.retries = 0
	c.flushing = false

	var notify func()
	if c.state != StateDisconnected {
		notify = c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if notify != nil {
		notify()
	}
}

// bufferLocked appends to the pending buffer, evicting the oldest envelope
// when the bound is hit.
func (c *Channel) bufferLocked(payload []byte) {
	if len(c.pending) >= c.cfg.PendingLimit {
		c.pending = c.pending[1:]
		c.logger.Debug("pending buffer full, dropped oldest envelope")
	}
	c.pending = append(c.pending, payload)
}

// beginConnectLocked transitions to connecting and launches the dial.
// Returns the deferred state notification.
func (c *Channel) beginConnectLocked() func() {
	notify := c.setStateLocked(StateConnecting)

	gen := c.gen
	endpoint, token, timeout := c.cfg.Endpoint, c.cfg.BearerToken, c.cfg.DialTimeout
	go c.connect(gen, endpoint, token, timeout)

	return notify
}

func (c *Channel) connect(gen uint64, endpoint, token string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := c.dialer.Dial(ctx, endpoint, token, func(dropErr error) {
		c.connDropped(gen, dropErr)
	})

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		// The channel was closed or reopened while we were dialing.
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		notify := c.connectFailedLocked(err)
		c.mu.Unlock()
		notify()
		return
	}

	c.conn = conn
	c.retries = 0
	c.flushing = true
	notify := c.setStateLocked(StateConnected)
	c.mu.Unlock()
	notify()

	c.flushPending(gen, conn)
}

// flushPending writes out envelopes buffered during the connect, in
// hand-off order. Pushes arriving mid-flush keep buffering so ordering is
// preserved.
func (c *Channel) flushPending(gen uint64, conn Conn) {
	for {
		c.mu.Lock()
		if gen != c.gen || c.conn != conn || len(c.pending) == 0 {
			c.flushing = false
			c.mu.Unlock()
			return
		}
		queued := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, p := range queued {
			if err := conn.Write(p); err != nil {
				c.logger.Warn("flushing pending envelope failed", slog.Any("error", err))
			}
		}
	}
}

// connDropped handles an unexpected connection loss reported by the
// transport while the channel believes itself connected.
func (c *Channel) connDropped(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}

	conn := c.conn
	c.conn = nil
	c.retries = 0
	c.logger.Warn("connection dropped", slog.Any("error", cause))

	notify := c.scheduleRetryLocked()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	notify()
}

// connectFailedLocked applies the reconnect policy after a failed attempt.
func (c *Channel) connectFailedLocked(cause error) func() {
	c.logger.Warn("connect attempt failed",
		slog.Int("attempt", c.retries), slog.Any("error", cause))

	if c.retries >= c.cfg.MaxAttempts {
		c.logger.Error("reconnect attempts exhausted",
			slog.Int("attempts", c.retries))
		c.pending = nil
		return c.setStateLocked(StateFailed)
	}
	return c.scheduleRetryLocked()
}

// scheduleRetryLocked arms the backoff timer for the next attempt. The
// k-th attempt (k starting at 1) fires min(initial * 2^(k-1), max) after
// the previous failure.
func (c *Channel) scheduleRetryLocked() func() {
	delay := backoff(c.cfg.InitialDelay, c.cfg.MaxDelay, c.retries)
	c.retries++

	c.logger.Info("scheduling reconnect",
		slog.Int("attempt", c.retries), slog.Duration("delay", delay))

	gen := c.gen
	c.retry = c.clock.AfterFunc(delay, func() {
		c.retryFired(gen)
	})
	return c.setStateLocked(StateReconnecting)
}

func (c *Channel) retryFired(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	notify := c.beginConnectLocked()
	c.mu.Unlock()
	notify()
}

// setStateLocked records a transition and returns the deferred
// notification, to be invoked after the lock is released.
func (c *Channel) setStateLocked(s State) func() {
	if c.state == s {
		return func() {}
	}

	c.logger.Debug("state transition",
		slog.String("from", c.state.String()), slog.String("to", s.String()))

	c.state = s
	cb := c.onState
	if cb == nil {
		return func() {}
	}
	return func() { cb(s) }
}

// backoff computes the delay before reconnect attempt number retries+1.
func backoff(initial, maxDelay time.Duration, retries int) time.Duration {
	delay := initial
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

// Package relay routes produced fixes to a delivery channel, owns channel
// lifecycle and tracks per-channel hand-off statistics.
package relay

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/location-relay/internal/direct"
	"github.com/roman-kulish/location-relay/internal/fix"
	"github.com/roman-kulish/location-relay/internal/wire"
)

const defaultQueueSize = 128

// Primary is the proximity delivery path consumed by the manager.
type Primary interface {
	// Reachable reports whether the counterpart device can receive
	// interactive sends right now.
	Reachable() bool

	// Publish delivers one fix through the proximity fallback chain.
	Publish(f fix.Fix) error
}

// Secondary is the wide-area delivery path consumed by the manager.
type Secondary interface {
	Configure(endpoint, bearerToken string)
	Open() error
	Push(payload []byte) error
	Close()
	State() direct.State
}

// Stats are the relay's monotonic hand-off counters. Each counter
// increments exactly once per successful hand-off to that channel's
// transport, not per confirmed network delivery.
type Stats struct {
	PrimarySent   uint64
	SecondarySent uint64
	Dropped       uint64
}

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) func(m *Manager) {
	return func(m *Manager) {
		m.logger = logger.With(slog.String("component", "relay"))
	}
}

// WithQueueSize sets the bound of the command queue between producers and
// the routing loop. Fixes arriving while the queue is full are dropped.
func WithQueueSize(n int) func(m *Manager) {
	return func(m *Manager) {
		m.cmds = make(chan func(), n)
	}
}

// Manager picks a transport for each fix and maintains channel lifecycle.
//
// All routing decisions and channel mutations happen on a single owner
// goroutine; Send and the channel state callbacks only post messages into
// it and never block the producer. Either channel may be nil when the
// platform or configuration does not provide it.
type Manager struct {
	primary   Primary
	secondary Secondary
	logger    *slog.Logger

	cmds    chan func()
	stop    chan struct{}
	stopped chan struct{}

	closeOnce sync.Once

	// Secondary routing configuration, owned by the loop.
	endpoint string
	token    string
	enabled  bool

	secondaryState atomic.Int32

	primarySent   atomic.Uint64
	secondarySent atomic.Uint64
	dropped       atomic.Uint64
}

// NewManager creates a relay manager and starts its routing loop.
func NewManager(primary Primary, secondary Secondary, options ...func(m *Manager)) *Manager {
	m := Manager{
		primary:   primary,
		secondary: secondary,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		cmds:      make(chan func(), defaultQueueSize),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	for _, option := range options {
		option(&m)
	}

	go m.loop()
	return &m
}

// Send routes one fix. Never blocks: when the routing loop cannot keep up
// the fix is dropped and counted, per the no-backpressure producer
// contract.
func (m *Manager) Send(f fix.Fix) {
	if !m.post(func() { m.route(f) }) {
		m.dropped.Add(1)
	}
}

// Configure sets the secondary channel's target and credentials. An
// already-open connection is unaffected until the next open.
func (m *Manager) Configure(endpoint, bearerToken string, enabled bool) {
	fn := func() {
		m.endpoint = endpoint
		m.token = bearerToken
		m.enabled = enabled
		if m.secondary != nil {
			m.secondary.Configure(endpoint, bearerToken)
		}
	}

	select {
	case <-m.stop:
	case m.cmds <- fn:
	}
}

// Close stops the routing loop and releases the secondary channel,
// resetting it to disconnected. Idempotent; fixes sent afterwards are
// dropped.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.stopped

		if m.secondary != nil {
			m.secondary.Close()
		}
	})
}

// Stats returns a snapshot of the hand-off counters.
func (m *Manager) Stats() Stats {
	return Stats{
		PrimarySent:   m.primarySent.Load(),
		SecondarySent: m.secondarySent.Load(),
		Dropped:       m.dropped.Load(),
	}
}

// SecondaryState returns the last observed state of the direct channel.
func (m *Manager) SecondaryState() direct.State {
	return direct.State(m.secondaryState.Load())
}

// OnSecondaryState is the state-change notification sink for the direct
// channel; wire it via direct.WithStateFunc. Notifications are marshaled
// onto the routing loop.
func (m *Manager) OnSecondaryState(s direct.State) {
	m.secondaryState.Store(int32(s))
	m.post(func() {
		m.logger.Info("direct channel state changed", slog.String("state", s.String()))
	})
}

func (m *Manager) post(fn func()) bool {
	select {
	case <-m.stop:
		return false
	default:
	}

	select {
	case m.cmds <- fn:
		return true
	default:
		return false
	}
}

func (m *Manager) loop() {
	defer close(m.stopped)

	for {
		select {
		case <-m.stop:
			return
		case fn := <-m.cmds:
			fn()
		}
	}
}

// route applies the channel priority order: proximity when the peer is
// reachable, the direct channel while disconnected, otherwise the fix is
// dropped as a non-fatal, reportable condition.
func (m *Manager) route(f fix.Fix) {
	if m.primary != nil && m.primary.Reachable() {
		// Reachability regained means the wide-area path is no longer
		// needed; release the constrained link and the remote endpoint's
		// connection slot.
		if m.secondary != nil && m.secondary.State() == direct.StateConnected {
			m.logger.Info("peer reachable again, closing direct channel")
			m.secondary.Close()
		}

		if err := m.primary.Publish(f); err != nil {
			m.dropped.Add(1)
			m.logger.Error("proximity publish failed",
				slog.Uint64("seq", f.Sequence), slog.Any("error", err))
			return
		}

		m.primarySent.Add(1)
		return
	}

	if m.enabled && m.endpoint != "" && m.secondary != nil {
		switch m.secondary.State() {
		case direct.StateDisconnected, direct.StateFailed:
			if err := m.secondary.Open(); err != nil {
				m.dropped.Add(1)
				m.logger.Error("opening direct channel failed", slog.Any("error", err))
				return
			}
		}

		payload, err := wire.EncodeEnvelope(f, time.Now().UTC())
		if err != nil {
			m.dropped.Add(1)
			m.logger.Error("encoding envelope failed",
				slog.Uint64("seq", f.Sequence), slog.Any("error", err))
			return
		}

		if err = m.secondary.Push(payload); err != nil {
			m.dropped.Add(1)
			m.logger.Error("direct push failed",
				slog.Uint64("seq", f.Sequence), slog.Any("error", err))
			return
		}

		m.secondarySent.Add(1)
		return
	}

	m.dropped.Add(1)
	m.logger.Debug("no channel available, dropping fix", slog.Uint64("seq", f.Sequence))
}

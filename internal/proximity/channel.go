// Package proximity implements the short-range delivery path: a layered
// fallback chain over a consumed link-layer session, plus the spool used
// for deferred transfers while the peer is out of reach.
package proximity

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/roman-kulish/location-relay/internal/fix"
	"github.com/roman-kulish/location-relay/internal/wire"
)

// LinkLayer is the consumed short-range messaging session. Implementations
// must be safe for concurrent use; SendInteractive reports its outcome
// asynchronously through the failure callback.
type LinkLayer interface {
	// Activated reports whether the session is ready to carry traffic at all.
	Activated() bool

	// Reachable reports whether the peer can receive interactive sends
	// right now.
	Reachable() bool

	// SendInteractive transmits a payload for immediate delivery. No
	// synchronous reply is expected; onFailure is invoked if transmission
	// fails.
	SendInteractive(payload []byte, onFailure func(error))

	// UpdateSharedContext publishes the payload as shared state so a peer
	// that reconnects later can retrieve the most recent value.
	UpdateSharedContext(payload []byte) error

	// QueueTransfer hands a durable artifact to the deferred-delivery
	// transport. The artifact is owned by the link layer afterwards.
	QueueTransfer(path string) error
}

// WithLogger sets the logger for the channel.
func WithLogger(logger *slog.Logger) func(c *Channel) {
	return func(c *Channel) {
		c.logger = logger.With(slog.String("channel", "proximity"))
	}
}

// Channel delivers fixes over the proximity link using a strict descending
// attempt chain: shared-state update, then interactive send, then queued
// transfer. The queued tier is the delivery floor; it is never skipped when
// the higher tiers are unavailable or fail.
type Channel struct {
	link     LinkLayer
	spoolDir string
	logger   *slog.Logger
}

// NewChannel creates a proximity channel writing queued-transfer artifacts
// under spoolDir.
func NewChannel(link LinkLayer, spoolDir string, options ...func(c *Channel)) *Channel {
	c := Channel{
		link:     link,
		spoolDir: spoolDir,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&c)
	}

	return &c
}

// Reachable reports whether the peer can currently receive interactive
// sends. Used by the relay manager for routing decisions.
func (c *Channel) Reachable() bool {
	return c.link.Activated() && c.link.Reachable()
}

// Publish runs the fallback chain for one fix. When the link-layer session
// has not activated yet the fix is silently dropped; fixes produced during
// the activation race are an accepted loss. An encode failure is surfaced
// to the caller and skips the queued tier, since the codec produces either
// a complete encoding or none at all.
func (c *Channel) Publish(f fix.Fix) error {
	if !c.link.Activated() {
		c.logger.Debug("link not activated, dropping fix", slog.Uint64("seq", f.Sequence))
		return nil
	}

	payload, err := wire.EncodeFix(f)
	if err != nil {
		return fmt.Errorf("encoding fix: %w", err)
	}

	// Tier 1: best-effort shared state, so a just-reconnected or
	// background-woken peer can pull the latest fix. Non-fatal.
	if err := c.link.UpdateSharedContext(payload); err != nil {
		c.logger.Warn("shared context update failed", slog.Any("error", err))
	}

	// Tier 2: interactive send when the peer is immediately reachable.
	// A transmit failure arrives asynchronously and falls through to
	// the queued tier.
	if c.link.Reachable() {
		c.link.SendInteractive(payload, func(sendErr error) {
			c.logger.Warn("interactive send failed, falling back to queued transfer",
				slog.Uint64("seq", f.Sequence), slog.Any("error", sendErr))

			if qErr := c.queueTransfer(payload); qErr != nil {
				c.logger.Error("queued transfer fallback failed",
					slog.Uint64("seq", f.Sequence), slog.Any("error", qErr))
			}
		})
		return nil
	}

	// Tier 3: the delivery floor.
	return c.queueTransfer(payload)
}

// queueTransfer writes the payload to a uniquely named artifact and hands
// it to the deferred-delivery transport. The transport owns the artifact
// once QueueTransfer returns.
func (c *Channel) queueTransfer(payload []byte) error {
	fh, err := os.CreateTemp(c.spoolDir, "fix-*.json")
	if err != nil {
		return fmt.Errorf("creating transfer artifact: %w", err)
	}

	if _, err = fh.Write(payload); err != nil {
		_ = fh.Close()
		_ = os.Remove(fh.Name())
		return fmt.Errorf("writing transfer artifact: %w", err)
	}
	if err = fh.Close(); err != nil {
		_ = os.Remove(fh.Name())
		return fmt.Errorf("closing transfer artifact: %w", err)
	}

	if err = c.link.QueueTransfer(fh.Name()); err != nil {
		return fmt.Errorf("queuing transfer: %w", err)
	}
	return nil
}

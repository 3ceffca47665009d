package direct

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type fakeConn struct {
	mu     sync.Mutex
	writes []string
	closed bool
}

func (c *fakeConn) Write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(payload))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type dialAttempt struct {
	endpoint string
	token    string
}

type dialResult struct {
	conn *fakeConn
	err  error
}

// fakeDialer hands each Dial invocation to the test through the dials
// channel and blocks until the test supplies an outcome.
type fakeDialer struct {
	dials   chan dialAttempt
	results chan dialResult

	mu     sync.Mutex
	onDrop func(error)
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		dials:   make(chan dialAttempt, 16),
		results: make(chan dialResult, 16),
	}
}

func (d *fakeDialer) Dial(_ context.Context, endpoint, token string, onDrop func(error)) (Conn, error) {
	d.dials <- dialAttempt{endpoint: endpoint, token: token}
	res := <-d.results

	if res.err != nil {
		return nil, res.err
	}

	d.mu.Lock()
	d.onDrop = onDrop
	d.mu.Unlock()
	return res.conn, nil
}

func (d *fakeDialer) dropConn(err error) {
	d.mu.Lock()
	fn := d.onDrop
	d.mu.Unlock()
	fn(err)
}

type harness struct {
	t       *testing.T
	channel *Channel
	dialer  *fakeDialer
	mock    *clock.Mock
	states  chan State
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := harness{
		t:      t,
		dialer: newFakeDialer(),
		mock:   clock.NewMock(),
		states: make(chan State, 32),
	}

	h.channel = NewChannel(h.dialer, cfg,
		WithClock(h.mock),
		WithStateFunc(func(s State) { h.states <- s }),
	)
	return &h
}

func (h *harness) waitState(want State) {
	h.t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for state %v (current %v)", want, h.channel.State())
		}
	}
}

func (h *harness) waitDial() dialAttempt {
	h.t.Helper()

	select {
	case a := <-h.dialer.dials:
		return a
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for dial attempt")
		return dialAttempt{}
	}
}

func (h *harness) expectNoDial() {
	h.t.Helper()

	// Give in-flight goroutines a chance to surface a stray dial.
	time.Sleep(50 * time.Millisecond)
	select {
	case a := <-h.dialer.dials:
		h.t.Fatalf("unexpected dial attempt to %s", a.endpoint)
	default:
	}
}

func (h *harness) failDial() {
	h.dialer.results <- dialResult{err: errors.New("connection refused")}
	h.waitState(StateReconnecting)
}

func testConfig() Config {
	return Config{
		Endpoint:     "ws://consumer.example:8765/ws",
		BearerToken:  "token-1",
		InitialDelay: time.Second,
		MaxDelay:     4 * time.Second,
		MaxAttempts:  3,
		DialTimeout:  time.Minute,
		PendingLimit: 8,
	}
}

func TestChannel_BackoffScheduleAndExhaustion(t *testing.T) {
	h := newHarness(t, testConfig())

	if err := h.channel.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.waitDial()
	h.failDial()

	// Attempt k fires min(initial * 2^(k-1), max) after the previous
	// failure: 1s, 2s, then capped at 4s.
	steps := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, delay := range steps {
		h.mock.Add(delay - time.Millisecond)
		h.expectNoDial()

		h.mock.Add(time.Millisecond)
		h.waitDial()

		if i < len(steps)-1 {
			h.failDial()
		}
	}

	// The third failed reconnect attempt exhausts the budget.
	h.dialer.results <- dialResult{err: errors.New("connection refused")}
	h.waitState(StateFailed)

	h.mock.Add(10 * time.Minute)
	h.expectNoDial()

	// An explicit Open is the only way out of failed.
	if err := h.channel.Open(); err != nil {
		t.Fatalf("Open from failed: %v", err)
	}
	h.waitDial()
}

func TestChannel_PushDeliversWithoutReopen(t *testing.T) {
	h := newHarness(t, testConfig())

	if err := h.channel.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.waitDial()

	conn := &fakeConn{}
	h.dialer.results <- dialResult{conn: conn}
	h.waitState(StateConnected)

	if err := h.channel.Push([]byte("fix1")); err != nil {
		t.Fatalf("Push fix1: %v", err)
	}
	if err := h.channel.Push([]byte("fix2")); err != nil {
		t.Fatalf("Push fix2: %v", err)
	}

	waitWrites(t, conn, []string{"fix1", "fix2"})
	h.expectNoDial()
}

func TestChannel_PendingBufferFlushedInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.PendingLimit = 2
	h := newHarness(t, cfg)

	if err := h.channel.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.waitDial()

	// Still connecting: pushes buffer up to the limit, oldest dropped.
	for _, p := range []string{"a", "b", "c"} {
		if err := h.channel.Push([]byte(p)); err != nil {
			t.Fatalf("Push %s: %v", p, err)
		}
	}

	conn := &fakeConn{}
	h.dialer.results <- dialResult{conn: conn}
	h.waitState(StateConnected)

	waitWrites(t, conn, []string{"b", "c"})
}

func TestChannel_UnexpectedDropReconnects(t *testing.T) {
	h := newHarness(t, testConfig())

	if err := h.channel.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.waitDial()

	first := &fakeConn{}
	h.dialer.results <- dialResult{conn: first}
	h.waitState(StateConnected)

	h.dialer.dropConn(errors.New("peer reset"))
	h.waitState(StateReconnecting)

	if !first.isClosed() {
		t.Error("dropped connection should be released")
	}

	h.mock.Add(time.Second)
	h.waitDial()

	second := &fakeConn{}
	h.dialer.results <- dialResult{conn: second}
	h.waitState(StateConnected)
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())

	if err := h.channel.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.waitDial()

	conn := &fakeConn{}
	h.dialer.results <- dialResult{conn: conn}
	h.waitState(StateConnected)

	h.channel.Close()
	h.waitState(StateDisconnected)
	if !conn.isClosed() {
		t.Error("Close should release the connection")
	}

	h.channel.Close()
	if got := h.channel.State(); got != StateDisconnected {
		t.Errorf("expected disconnected after double close, got %v", got)
	}
}

func TestChannel_CloseCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, testConfig())

	if err := h.channel.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.waitDial()
	h.failDial()

	h.channel.Close()
	h.waitState(StateDisconnected)

	h.mock.Add(time.Minute)
	h.expectNoDial()
}

func TestChannel_OpenInvalidWhileActive(t *testing.T) {
	h := newHarness(t, testConfig())

	if err := h.channel.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.waitDial()

	if err := h.channel.Open(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState while connecting, got %v", err)
	}

	h.dialer.results <- dialResult{conn: &fakeConn{}}
	h.waitState(StateConnected)

	if err := h.channel.Open(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState while connected, got %v", err)
	}
}

func TestChannel_PushRequiresOpen(t *testing.T) {
	h := newHarness(t, testConfig())

	if err := h.channel.Push([]byte("fix")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestChannel_ConfigureAppliesOnNextDial(t *testing.T) {
	h := newHarness(t, testConfig())

	if err := h.channel.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	first := h.waitDial()
	if first.endpoint != "ws://consumer.example:8765/ws" || first.token != "token-1" {
		t.Errorf("unexpected first dial target: %+v", first)
	}

	h.channel.Configure("ws://fallback.example:9000/ws", "token-2")
	h.failDial()

	h.mock.Add(time.Second)
	second := h.waitDial()
	if second.endpoint != "ws://fallback.example:9000/ws" || second.token != "token-2" {
		t.Errorf("reconfigured target not used on next dial: %+v", second)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 30 * time.Second},
		{10, 30 * time.Second},
		{63, 30 * time.Second}, // shift overflow territory
	}

	for _, tc := range tests {
		if got := backoff(time.Second, 30*time.Second, tc.retries); got != tc.want {
			t.Errorf("backoff(1s, 30s, %d) = %v, want %v", tc.retries, got, tc.want)
		}
	}
}

func waitWrites(t *testing.T, conn *fakeConn, want []string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := conn.snapshot()
		if len(got) >= len(want) {
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("write %d: expected %q, got %q (all: %v)", i, want[i], got[i], got)
				}
			}
			if len(got) > len(want) {
				t.Fatalf("expected %d writes, got %v", len(want), got)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for writes %v, got %v", want, conn.snapshot())
}

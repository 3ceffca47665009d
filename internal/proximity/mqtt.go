package proximity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	presenceOnline  = "online"
	presenceOffline = "offline"

	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

// MQTTConfig configures the MQTT-backed proximity link.
type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string // e.g. "relay/pair-7"
	DeviceID    string // presence identity of this device
	PeerID      string // presence identity of the counterpart device
	SpoolDir    string // queued-transfer artifact directory

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// WithMQTTLogger sets the logger for the link.
func WithMQTTLogger(logger *slog.Logger) func(l *MQTTLink) {
	return func(l *MQTTLink) {
		l.logger = logger.With(slog.String("link", "mqtt"))
	}
}

// MQTTLink implements LinkLayer over an MQTT session:
//
//   - reachability is the peer's retained presence topic, kept accurate
//     by a last-will message on ungraceful disconnect
//   - the shared-state tier is a retained publish, so the broker hands the
//     latest fix to a peer whenever it resubscribes
//   - the interactive tier is a plain QoS 0 publish with an asynchronous
//     outcome callback
//   - queued transfers drain through the spool once the session is
//     connected again
type MQTTLink struct {
	cfg    MQTTConfig
	client mqtt.Client
	spool  *Spool
	logger *slog.Logger

	mu         sync.RWMutex
	peerOnline bool

	kick chan struct{}
}

// NewMQTTLink connects to the broker, announces presence and begins
// tracking the peer's.
func NewMQTTLink(cfg MQTTConfig, options ...func(l *MQTTLink)) (*MQTTLink, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}

	l := MQTTLink{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		kick:   make(chan struct{}, 1),
	}

	for _, option := range options {
		option(&l)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetWill(l.presenceTopic(cfg.DeviceID), presenceOffline, 1, true).
		SetOnConnectHandler(l.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			l.logger.Warn("proximity link lost", slog.Any("error", err))
		})

	l.client = mqtt.NewClient(opts)
	if token := l.client.Connect(); !token.WaitTimeout(cfg.ConnectTimeout) || token.Error() != nil {
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("connecting to broker: %w", err)
		}
		return nil, errors.New("connecting to broker: timeout")
	}

	l.spool = NewSpool(cfg.SpoolDir, l.publishQueued,
		WithSpoolLogger(l.logger))

	return &l, nil
}

// Run drains queued transfers opportunistically until the context is
// cancelled, then withdraws presence and disconnects.
func (l *MQTTLink) Run(ctx context.Context) {
	drainCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go l.spool.Run(drainCtx)

	for {
		select {
		case <-ctx.Done():
			l.Close()
			return
		case <-l.kick:
			if err := l.spool.Drain(); err != nil && !errors.Is(err, ErrSinkUnavailable) {
				l.logger.Error("spool drain failed", slog.Any("error", err))
			}
		}
	}
}

// Activated reports whether the MQTT session is connected.
func (l *MQTTLink) Activated() bool {
	return l.client.IsConnectionOpen()
}

// Reachable reports whether the peer's presence topic shows it online.
func (l *MQTTLink) Reachable() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.peerOnline
}

// SendInteractive publishes the payload for immediate delivery. The
// outcome arrives asynchronously through onFailure.
func (l *MQTTLink) SendInteractive(payload []byte, onFailure func(error)) {
	token := l.client.Publish(l.topic("fix"), 0, false, payload)
	go func() {
		if !token.WaitTimeout(l.cfg.PublishTimeout) {
			onFailure(errors.New("interactive send: publish timeout"))
			return
		}
		if err := token.Error(); err != nil {
			onFailure(err)
		}
	}()
}

// UpdateSharedContext publishes the payload retained, replacing the
// previous shared state on the broker.
func (l *MQTTLink) UpdateSharedContext(payload []byte) error {
	token := l.client.Publish(l.topic("fix/latest"), 1, true, payload)
	if !token.WaitTimeout(l.cfg.PublishTimeout) {
		return errors.New("shared context update: publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("shared context update: %w", err)
	}
	return nil
}

// QueueTransfer accepts an artifact for deferred delivery. The artifact
// must already live in the spool directory; the spool owns it from here.
func (l *MQTTLink) QueueTransfer(path string) error {
	if filepath.Dir(path) != filepath.Clean(l.cfg.SpoolDir) {
		return fmt.Errorf("artifact %s is outside the spool directory", path)
	}

	// Nudge the drain loop; the artifact is already durable on disk.
	select {
	case l.kick <- struct{}{}:
	default:
	}
	return nil
}

// Close withdraws presence and disconnects from the broker.
func (l *MQTTLink) Close() {
	if l.client.IsConnectionOpen() {
		token := l.client.Publish(l.presenceTopic(l.cfg.DeviceID), 1, true, presenceOffline)
		token.WaitTimeout(l.cfg.PublishTimeout)
	}
	l.client.Disconnect(250)
}

func (l *MQTTLink) onConnect(client mqtt.Client) {
	l.logger.Info("proximity link connected", slog.String("broker", l.cfg.BrokerURL))

	token := client.Subscribe(l.presenceTopic(l.cfg.PeerID), 1, l.onPeerPresence)
	if !token.WaitTimeout(l.cfg.PublishTimeout) || token.Error() != nil {
		l.logger.Error("subscribing to peer presence", slog.Any("error", token.Error()))
	}

	token = client.Publish(l.presenceTopic(l.cfg.DeviceID), 1, true, presenceOnline)
	if !token.WaitTimeout(l.cfg.PublishTimeout) || token.Error() != nil {
		l.logger.Error("announcing presence", slog.Any("error", token.Error()))
	}
}

func (l *MQTTLink) onPeerPresence(_ mqtt.Client, msg mqtt.Message) {
	online := string(msg.Payload()) == presenceOnline

	l.mu.Lock()
	changed := l.peerOnline != online
	l.peerOnline = online
	l.mu.Unlock()

	if changed {
		l.logger.Info("peer presence changed", slog.Bool("online", online))
	}
}

// publishQueued is the spool sink: queued artifacts are delivered at QoS 1
// once the session is up.
func (l *MQTTLink) publishQueued(payload []byte) error {
	if !l.client.IsConnectionOpen() {
		return ErrSinkUnavailable
	}

	token := l.client.Publish(l.topic("fix/queued"), 1, false, payload)
	if !token.WaitTimeout(l.cfg.PublishTimeout) {
		return ErrSinkUnavailable
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing queued transfer: %w", err)
	}
	return nil
}

func (l *MQTTLink) topic(suffix string) string {
	return l.cfg.TopicPrefix + "/" + suffix
}

func (l *MQTTLink) presenceTopic(id string) string {
	return l.cfg.TopicPrefix + "/presence/" + id
}

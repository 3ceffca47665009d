package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/roman-kulish/location-relay/internal/direct"
	"github.com/roman-kulish/location-relay/internal/fix"
	"github.com/roman-kulish/location-relay/internal/proximity"
	"github.com/roman-kulish/location-relay/internal/relay"
)

const fixBufferSize = 16

// Run wires the configured producer into the relay and blocks until the
// context is cancelled or the producer fails.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	producer, err := createProducer(&config.Producer, logger)
	if err != nil {
		return fmt.Errorf("creating producer: %w", err)
	}

	var wg sync.WaitGroup

	var primary relay.Primary
	if config.Proximity.Enabled {
		spoolDir := config.Proximity.SpoolDir
		if spoolDir == "" {
			spoolDir = os.TempDir()
		}
		if err := os.MkdirAll(spoolDir, 0o755); err != nil {
			return fmt.Errorf("creating spool directory: %w", err)
		}

		link, err := createProximityLink(&config.Proximity, spoolDir, logger)
		if err != nil {
			return fmt.Errorf("creating proximity link: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			link.Run(ctx)
		}()

		primary = proximity.NewChannel(link, spoolDir,
			proximity.WithLogger(logger))
	}

	var manager *relay.Manager

	var secondary relay.Secondary
	if config.Direct.Enabled {
		secondary = direct.NewChannel(
			&direct.WebSocketDialer{},
			direct.Config{
				Endpoint:     config.Direct.Endpoint,
				BearerToken:  config.Direct.BearerToken,
				InitialDelay: config.Direct.InitialDelayDuration(),
				MaxDelay:     config.Direct.MaxDelayDuration(),
				MaxAttempts:  config.Direct.MaxAttempts,
			},
			direct.WithLogger(logger),
			direct.WithStateFunc(func(s direct.State) {
				if manager != nil {
					manager.OnSecondaryState(s)
				}
			}),
		)
	}

	manager = relay.NewManager(primary, secondary, relay.WithLogger(logger))
	manager.Configure(config.Direct.Endpoint, config.Direct.BearerToken, config.Direct.Enabled)

	fixes := make(chan fix.Fix, fixBufferSize)
	producerErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		producerErr <- producer.Run(ctx, fixes)
		close(fixes)
	}()

	for f := range fixes {
		manager.Send(f)
	}

	err = <-producerErr
	manager.Close()
	wg.Wait()

	stats := manager.Stats()
	logger.Info("relay stopped",
		slog.Uint64("primarySent", stats.PrimarySent),
		slog.Uint64("secondarySent", stats.SecondarySent),
		slog.Uint64("dropped", stats.Dropped))

	if err != nil {
		return fmt.Errorf("producer: %w", err)
	}
	return nil
}

func createProducer(config *ProducerConfig, logger *slog.Logger) (Producer, error) {
	switch config.Type {
	case ProducerSimulated:
		return NewSimulatedProducer(config.Simulated), nil

	case ProducerNMEA:
		return NewNMEAProducer(config.NMEA, WithProducerLogger(logger)), nil

	default:
		return nil, fmt.Errorf("unknown type '%s'", config.Type)
	}
}

func createProximityLink(config *ProximityConfig, spoolDir string, logger *slog.Logger) (*proximity.MQTTLink, error) {
	clientID := config.ClientID
	if clientID == "" {
		clientID = "relayd-" + config.DeviceID
	}

	return proximity.NewMQTTLink(proximity.MQTTConfig{
		BrokerURL:   config.BrokerURL,
		ClientID:    clientID,
		TopicPrefix: config.TopicPrefix,
		DeviceID:    config.DeviceID,
		PeerID:      config.PeerID,
		SpoolDir:    spoolDir,
	}, proximity.WithMQTTLogger(logger))
}

package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/benbjohnson/clock"
	serial "github.com/jacobsa/go-serial/serial"

	"github.com/roman-kulish/location-relay/internal/fix"
)

const (
	knotsToMPS = 0.514444

	// Nominal per-HDOP position error of a consumer GPS receiver, used to
	// turn a dilution factor into a metre estimate.
	gpsBaseAccuracyMeters = 5.0

	defaultUpdateInterval = time.Second
	defaultWalkSpeedMPS   = 1.4

	// Consecutive unreadable lines before the serial producer gives up on
	// the port.
	maxParseErrors = 50
)

// Producer emits fixes to out until the context is cancelled or the source
// fails. It must not close out.
type Producer interface {
	Run(ctx context.Context, out chan<- fix.Fix) error
}

// SimulatedProducer emits a random-walk track. It exists so the relay can
// be exercised end to end without GPS hardware.
type SimulatedProducer struct {
	lat, lon float64
	speed    float64
	interval time.Duration

	counter fix.Counter
	clock   clock.Clock
	rand    *rand.Rand
}

// NewSimulatedProducer creates a producer walking from the configured
// starting position.
func NewSimulatedProducer(cfg SimulatedConfig) *SimulatedProducer {
	p := SimulatedProducer{
		lat:      cfg.StartLatitude,
		lon:      cfg.StartLongitude,
		speed:    cfg.SpeedMPS,
		interval: time.Duration(cfg.UpdateInterval * float64(time.Second)),
		clock:    clock.New(),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if p.speed <= 0 {
		p.speed = defaultWalkSpeedMPS
	}
	if p.interval <= 0 {
		p.interval = defaultUpdateInterval
	}
	return &p
}

func (p *SimulatedProducer) Run(ctx context.Context, out chan<- fix.Fix) error {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	course := p.rand.Float64() * 360

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			course = math.Mod(course+p.rand.Float64()*30-15+360, 360)

			distance := p.speed * p.interval.Seconds()
			p.lat += distance * math.Cos(course*math.Pi/180) / 111320
			p.lon += distance * math.Sin(course*math.Pi/180) / (111320 * math.Cos(p.lat*math.Pi/180))

			f := fix.New(fix.Raw{
				Timestamp:          p.clock.Now().UTC(),
				Source:             fix.SourceSimulated,
				Latitude:           p.lat,
				Longitude:          p.lon,
				AltitudeMeters:     50 + p.rand.Float64()*5,
				HorizontalAccuracy: 5 + p.rand.Float64()*10,
				VerticalAccuracy:   8,
				SpeedMPS:           p.speed,
				CourseDegrees:      course,
				HeadingDegrees:     -1,
				BatteryFraction:    1,
			}, p.counter.Next())

			select {
			case out <- f:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// NMEAProducer reads sentences from a serial GPS receiver and emits one fix
// per valid RMC sentence, enriched with the altitude and dilution data of
// the most recent GGA sentence.
type NMEAProducer struct {
	cfg    NMEAConfig
	logger *slog.Logger

	counter fix.Counter
}

// WithProducerLogger sets the logger for the producer.
func WithProducerLogger(logger *slog.Logger) func(p *NMEAProducer) {
	return func(p *NMEAProducer) {
		p.logger = logger.With(slog.String("producer", ProducerNMEA))
	}
}

// NewNMEAProducer creates a producer reading from the configured serial
// port. The port is opened when Run is called.
func NewNMEAProducer(cfg NMEAConfig, options ...func(p *NMEAProducer)) *NMEAProducer {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}

	p := NMEAProducer{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&p)
	}

	return &p
}

func (p *NMEAProducer) Run(ctx context.Context, out chan<- fix.Fix) error {
	port, err := serial.Open(serial.OpenOptions{
		PortName:        p.cfg.SerialPort,
		BaudRate:        p.cfg.BaudRate,
		DataBits:        8,
		StopBits:        1,
		ParityMode:      serial.PARITY_NONE,
		MinimumReadSize: 1,
	})
	if err != nil {
		return fmt.Errorf("opening serial port '%s': %w", p.cfg.SerialPort, err)
	}
	defer port.Close()

	// The reader blocks on the port, so the read loop runs aside and the
	// select below ties its lifetime to the context.
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(port)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var altitude, hdop float64
	var hasGGA bool
	var parseErrors int

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("reading serial port: %w", err)
			}
			return fmt.Errorf("serial port '%s' closed", p.cfg.SerialPort)

		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "$") {
				continue
			}

			sentence, err := nmea.Parse(line)
			if err != nil {
				parseErrors++
				if parseErrors >= maxParseErrors {
					return fmt.Errorf("too many unreadable sentences, last: %w", err)
				}
				p.logger.Debug("skipping unreadable sentence", slog.Any("error", err))
				continue
			}
			parseErrors = 0

			switch sentence.DataType() {
			case nmea.TypeGGA:
				m := sentence.(nmea.GGA)
				altitude = m.Altitude
				hdop = m.HDOP
				hasGGA = true

			case nmea.TypeRMC:
				m := sentence.(nmea.RMC)
				if m.Validity != nmea.ValidRMC {
					continue
				}

				raw := fix.Raw{
					Timestamp:          rmcTime(m),
					Source:             fix.SourceNMEA,
					Latitude:           m.Latitude,
					Longitude:          m.Longitude,
					HorizontalAccuracy: gpsBaseAccuracyMeters,
					VerticalAccuracy:   -1, // invalidates altitude unless GGA seen
					SpeedMPS:           m.Speed * knotsToMPS,
					CourseDegrees:      m.Course,
					HeadingDegrees:     -1,
					BatteryFraction:    -1,
				}
				if hasGGA {
					raw.AltitudeMeters = altitude
					raw.HorizontalAccuracy = hdop * gpsBaseAccuracyMeters
					raw.VerticalAccuracy = hdop * gpsBaseAccuracyMeters * 1.5
				}

				select {
				case out <- fix.New(raw, p.counter.Next()):
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// rmcTime combines the date and time fields of an RMC sentence into a UTC
// timestamp, falling back to wall time when the receiver has no date yet.
func rmcTime(m nmea.RMC) time.Time {
	if !m.Date.Valid || !m.Time.Valid {
		return time.Now().UTC()
	}
	return time.Date(
		2000+m.Date.YY, time.Month(m.Date.MM), m.Date.DD,
		m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond),
		time.UTC,
	)
}

package fix

import (
	"sync/atomic"
	"time"
)

// Source identifies the platform that produced a fix. The values are part
// of the wire format and must stay stable across producer versions.
type Source string

const (
	SourceIOS       Source = "iOS"
	SourceWatchOS   Source = "watchOS"
	SourceAndroid   Source = "android"
	SourceNMEA      Source = "nmea"
	SourceSimulated Source = "simulated"
)

// Fix is a single position/motion measurement. A Fix is immutable once
// constructed: it is copied by value into each channel's send path and
// never mutated afterwards.
type Fix struct {
	Timestamp time.Time // Instant the measurement was taken
	Source    Source    // Producing platform
	Latitude  float64   // Decimal degrees, WGS84
	Longitude float64   // Decimal degrees, WGS84

	AltitudeMeters *float64 // nil when the source's vertical accuracy is invalid

	HorizontalAccuracyMeters float64 // Measurement uncertainty, >= 0
	VerticalAccuracyMeters   float64 // Measurement uncertainty, >= 0

	SpeedMPS       float64  // Ground speed in m/s, >= 0
	CourseDegrees  float64  // Course over ground, 0 when the source reports invalid
	HeadingDegrees *float64 // Compass heading, nil when no compass is available

	BatteryFraction float64 // 0.0-1.0, 0 when unavailable

	Sequence uint64 // Monotonically increasing per producer process
}

// Raw carries unvalidated measurement values exactly as reported by a
// sensor source. Negative accuracy, speed, course, heading or battery
// values mean the source considers the reading invalid or unavailable.
type Raw struct {
	Timestamp          time.Time
	Source             Source
	Latitude           float64
	Longitude          float64
	AltitudeMeters     float64
	HorizontalAccuracy float64
	VerticalAccuracy   float64
	SpeedMPS           float64
	CourseDegrees      float64
	HeadingDegrees     float64
	BatteryFraction    float64
}

// New builds an immutable Fix from a raw sensor reading, applying the
// validity rules of the measurement model:
//
//   - a negative vertical accuracy invalidates the altitude
//   - accuracies and speed are clamped to >= 0
//   - a negative course or heading means "not available"
//   - battery is clamped into [0, 1], 0 when unknown
func New(r Raw, seq uint64) Fix {
	f := Fix{
		Timestamp:                r.Timestamp,
		Source:                   r.Source,
		Latitude:                 r.Latitude,
		Longitude:                r.Longitude,
		HorizontalAccuracyMeters: max(r.HorizontalAccuracy, 0),
		SpeedMPS:                 max(r.SpeedMPS, 0),
		BatteryFraction:          min(max(r.BatteryFraction, 0), 1),
		Sequence:                 seq,
	}

	if r.VerticalAccuracy >= 0 {
		alt := r.AltitudeMeters
		f.AltitudeMeters = &alt
		f.VerticalAccuracyMeters = r.VerticalAccuracy
	}

	if r.CourseDegrees >= 0 {
		f.CourseDegrees = r.CourseDegrees
	}

	if r.HeadingDegrees >= 0 {
		heading := r.HeadingDegrees
		f.HeadingDegrees = &heading
	}

	return f
}

// Counter issues process-local, strictly increasing sequence numbers for
// produced fixes. Unlike a clock-derived sequence it can neither collide
// nor move backwards; cross-device uniqueness is (Source, Sequence).
type Counter struct {
	n atomic.Uint64
}

// Next returns the next sequence number. Safe for concurrent use.
func (c *Counter) Next() uint64 {
	return c.n.Add(1)
}

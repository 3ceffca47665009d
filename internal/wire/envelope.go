// Package wire implements the serialization of location fixes and the
// envelope that frames them on the direct channel, where relayed fixes
// share one socket with other message kinds.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roman-kulish/location-relay/internal/fix"
)

// Envelope kinds. These tags are part of the wire format and must stay
// stable across producer/consumer versions.
const (
	KindLocationFix = "location_fix"
)

var (
	// ErrUnknownKind is returned when an envelope carries a kind tag this
	// version does not understand.
	ErrUnknownKind = errors.New("wire: unknown envelope kind")

	// ErrEmptyPayload is returned when an envelope has no payload.
	ErrEmptyPayload = errors.New("wire: empty payload")
)

// Envelope is the tagged container for all payloads on the direct channel.
type Envelope struct {
	Kind         string          `json:"kind"`
	SentAtUnixMS int64           `json:"sent_at_unix_ms"`
	Payload      json.RawMessage `json:"payload"`
}

// fixPayload mirrors fix.Fix with the wire field names the consumer
// validates against.
type fixPayload struct {
	TimestampUnixMS    int64    `json:"ts_unix_ms"`
	Source             string   `json:"source"`
	Sequence           uint64   `json:"seq"`
	Latitude           float64  `json:"lat"`
	Longitude          float64  `json:"lon"`
	AltitudeMeters     *float64 `json:"alt_m,omitempty"`
	HorizontalAccuracy float64  `json:"h_accuracy_m"`
	VerticalAccuracy   float64  `json:"v_accuracy_m"`
	SpeedMPS           float64  `json:"speed_mps"`
	CourseDegrees      float64  `json:"course_deg"`
	HeadingDegrees     *float64 `json:"heading_deg,omitempty"`
	BatteryFraction    float64  `json:"battery"`
}

// EncodeFix serializes a single fix without envelope framing. This is the
// form the proximity channel sends, where the link layer already scopes
// payloads to a message kind.
func EncodeFix(f fix.Fix) ([]byte, error) {
	p, err := json.Marshal(toPayload(f))
	if err != nil {
		return nil, fmt.Errorf("encoding fix: %w", err)
	}
	return p, nil
}

// DecodeFix is the inverse of EncodeFix.
func DecodeFix(data []byte) (fix.Fix, error) {
	var p fixPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fix.Fix{}, fmt.Errorf("decoding fix: %w", err)
	}
	return fromPayload(p), nil
}

// EncodeEnvelope wraps a fix in a tagged envelope for transmission on the
// direct channel.
func EncodeEnvelope(f fix.Fix, sentAt time.Time) ([]byte, error) {
	payload, err := EncodeFix(f)
	if err != nil {
		return nil, err
	}

	p, err := json.Marshal(Envelope{
		Kind:         KindLocationFix,
		SentAtUnixMS: sentAt.UnixMilli(),
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return p, nil
}

// DecodeEnvelope parses an envelope and extracts the fix it carries.
// It rejects unknown kinds and empty payloads.
func DecodeEnvelope(data []byte) (fix.Fix, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fix.Fix{}, fmt.Errorf("decoding envelope: %w", err)
	}

	if env.Kind != KindLocationFix {
		return fix.Fix{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if len(env.Payload) == 0 {
		return fix.Fix{}, ErrEmptyPayload
	}

	return DecodeFix(env.Payload)
}

func toPayload(f fix.Fix) fixPayload {
	return fixPayload{
		TimestampUnixMS:    f.Timestamp.UnixMilli(),
		Source:             string(f.Source),
		Sequence:           f.Sequence,
		Latitude:           f.Latitude,
		Longitude:          f.Longitude,
		AltitudeMeters:     f.AltitudeMeters,
		HorizontalAccuracy: f.HorizontalAccuracyMeters,
		VerticalAccuracy:   f.VerticalAccuracyMeters,
		SpeedMPS:           f.SpeedMPS,
		CourseDegrees:      f.CourseDegrees,
		HeadingDegrees:     f.HeadingDegrees,
		BatteryFraction:    f.BatteryFraction,
	}
}

func fromPayload(p fixPayload) fix.Fix {
	return fix.Fix{
		Timestamp:                time.UnixMilli(p.TimestampUnixMS).UTC(),
		Source:                   fix.Source(p.Source),
		Sequence:                 p.Sequence,
		Latitude:                 p.Latitude,
		Longitude:                p.Longitude,
		AltitudeMeters:           p.AltitudeMeters,
		HorizontalAccuracyMeters: p.HorizontalAccuracy,
		VerticalAccuracyMeters:   p.VerticalAccuracy,
		SpeedMPS:                 p.SpeedMPS,
		CourseDegrees:            p.CourseDegrees,
		HeadingDegrees:           p.HeadingDegrees,
		BatteryFraction:          p.BatteryFraction,
	}
}

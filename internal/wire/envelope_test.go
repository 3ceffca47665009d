package wire

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/roman-kulish/location-relay/internal/fix"
)

func testFix() fix.Fix {
	alt := 87.3
	heading := 12.5
	return fix.Fix{
		Timestamp:                time.Date(2026, 6, 1, 8, 15, 42, 337e6, time.UTC),
		Source:                   fix.SourceWatchOS,
		Latitude:                 -33.865143,
		Longitude:                151.209900,
		AltitudeMeters:           &alt,
		HorizontalAccuracyMeters: 4.8,
		VerticalAccuracyMeters:   6.1,
		SpeedMPS:                 1.4,
		CourseDegrees:            96.2,
		HeadingDegrees:           &heading,
		BatteryFraction:          0.62,
		Sequence:                 4211,
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	in := testFix()
	sentAt := time.Date(2026, 6, 1, 8, 15, 43, 0, time.UTC)

	data, err := EncodeEnvelope(in, sentAt)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}

	out, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}

	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
}

func TestEnvelope_KindTagStable(t *testing.T) {
	data, err := EncodeEnvelope(testFix(), time.Now())
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Kind != "location_fix" {
		t.Errorf("expected kind 'location_fix', got %q", env.Kind)
	}
	if env.SentAtUnixMS == 0 {
		t.Error("expected non-zero sent_at_unix_ms")
	}
}

func TestEncodeFix_OptionalFieldsOmitted(t *testing.T) {
	f := testFix()
	f.AltitudeMeters = nil
	f.HeadingDegrees = nil

	data, err := EncodeFix(f)
	if err != nil {
		t.Fatalf("EncodeFix: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := fields["alt_m"]; ok {
		t.Error("alt_m should be omitted when altitude is absent")
	}
	if _, ok := fields["heading_deg"]; ok {
		t.Error("heading_deg should be omitted when no compass is available")
	}

	out, err := DecodeFix(data)
	if err != nil {
		t.Fatalf("DecodeFix: %v", err)
	}
	if out.AltitudeMeters != nil || out.HeadingDegrees != nil {
		t.Error("optional fields should decode as absent")
	}
}

func TestDecodeEnvelope_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"unknown kind", `{"kind":"chat_message","sent_at_unix_ms":1,"payload":{}}`, ErrUnknownKind},
		{"empty payload", `{"kind":"location_fix","sent_at_unix_ms":1}`, ErrEmptyPayload},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tc.data))
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := DecodeEnvelope([]byte("not json")); err == nil {
		t.Error("expected error for malformed envelope")
	}
}

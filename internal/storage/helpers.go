package storage

import (
	"database/sql"
	"time"

	"github.com/roman-kulish/location-relay/internal/fix"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func toFixRow(sessionID int64, f fix.Fix, receivedAt time.Time) fixRow {
	return fixRow{
		SessionID:  sessionID,
		ReceivedAt: receivedAt.UTC(),
		Timestamp:  f.Timestamp.UTC(),
		Source:     string(f.Source),
		Sequence:   int64(f.Sequence),
		Latitude:   f.Latitude,
		Longitude:  f.Longitude,
		Altitude:   nullFloat(f.AltitudeMeters),
		HAccuracy:  f.HorizontalAccuracyMeters,
		VAccuracy:  f.VerticalAccuracyMeters,
		Speed:      f.SpeedMPS,
		Course:     f.CourseDegrees,
		Heading:    nullFloat(f.HeadingDegrees),
		Battery:    f.BatteryFraction,
	}
}

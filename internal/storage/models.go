package storage

import (
	"database/sql"
	"time"

	"github.com/roman-kulish/location-relay/internal/fix"
	"github.com/roman-kulish/location-relay/internal/track"
)

// sessionRow mirrors a sessions table record.
type sessionRow struct {
	ID        int64
	StartTime time.Time
	Source    string
	DeviceID  string
	Config    sql.NullString
}

func (r sessionRow) toSession() *track.Session {
	s := track.Session{
		ID:        r.ID,
		StartTime: r.StartTime,
		Source:    r.Source,
		DeviceID:  r.DeviceID,
	}
	if r.Config.Valid {
		s.Config = &r.Config.String
	}
	return &s
}

// fixRow mirrors a fixes table record.
type fixRow struct {
	ID         int64
	SessionID  int64
	ReceivedAt time.Time
	Timestamp  time.Time
	Source     string
	Sequence   int64
	Latitude   float64
	Longitude  float64
	Altitude   sql.NullFloat64
	HAccuracy  float64
	VAccuracy  float64
	Speed      float64
	Course     float64
	Heading    sql.NullFloat64
	Battery    float64
}

func (r fixRow) toPoint() *track.Point {
	p := track.Point{
		ID:         r.ID,
		SessionID:  r.SessionID,
		ReceivedAt: r.ReceivedAt,
		Fix: fix.Fix{
			Timestamp:                r.Timestamp,
			Source:                   fix.Source(r.Source),
			Latitude:                 r.Latitude,
			Longitude:                r.Longitude,
			HorizontalAccuracyMeters: r.HAccuracy,
			VerticalAccuracyMeters:   r.VAccuracy,
			SpeedMPS:                 r.Speed,
			CourseDegrees:            r.Course,
			BatteryFraction:          r.Battery,
			Sequence:                 uint64(r.Sequence),
		},
	}
	if r.Altitude.Valid {
		p.Fix.AltitudeMeters = &r.Altitude.Float64
	}
	if r.Heading.Valid {
		p.Fix.HeadingDegrees = &r.Heading.Float64
	}
	return &p
}

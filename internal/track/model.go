package track

import (
	"time"

	"github.com/roman-kulish/location-relay/internal/fix"
)

// Session represents a single ingest session with one producer device.
// Each session captures metadata about who delivered fixes and when the
// connection began.
type Session struct {
	ID        int64     `json:"ID"`                      // Unique identifier for the session
	StartTime time.Time `json:"startTime"`               // When the session began
	Source    string    `json:"source"`                  // Producing platform (e.g. "iOS", "watchOS")
	DeviceID  string    `json:"deviceID"`                // Identifier of the producing device or connection
	Config    *string   `json:"config,string,omitempty"` // Optional session metadata in JSON format
}

// Point is one recorded fix within an ingest session.
type Point struct {
	ID         int64     `json:"ID"`
	SessionID  int64     `json:"sessionID"`
	ReceivedAt time.Time `json:"receivedAt"` // When the consumer received the fix
	Fix        fix.Fix   `json:"fix"`
}

package storage

import (
	"context"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/roman-kulish/location-relay/internal/fix"
	"github.com/roman-kulish/location-relay/internal/track"
)

// Store provides an interface for managing recorded location data.
// It handles ingest sessions and the fixes received within them in a
// thread-safe manner. All operations that write to the database should be
// considered atomic.
type Store interface {
	// CreateSession initializes a new ingest session and returns its
	// unique identifier.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - source: Producing platform (e.g. "iOS", "watchOS")
	//   - deviceID: Identifier of the producing device or connection
	//   - config: Optional session metadata. Can be string, []byte, or a
	//     JSON-serializable object
	//
	// Returns:
	//   - sessionID: Unique identifier for the created session
	//   - error: If session creation fails or context is cancelled
	CreateSession(ctx context.Context, source, deviceID string, config any) (sessionID int64, err error)

	// Session retrieves a specific ingest session by its ID.
	Session(ctx context.Context, id int64) (session *track.Session, err error)

	// Sessions returns all ingest sessions stored in the database,
	// ordered by start time in ascending order.
	Sessions(ctx context.Context) (sessions []*track.Session, err error)

	// StoreFix saves one received fix within a session.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - sessionID: ID of the session this fix belongs to
	//   - f: The decoded fix
	//   - receivedAt: When the consumer received the fix
	//
	// Returns:
	//   - pointID: Unique identifier for the stored fix
	//   - error: If storage fails or context is cancelled
	StoreFix(ctx context.Context, sessionID int64, f fix.Fix, receivedAt time.Time) (pointID int64, err error)

	// ReadFixes creates a FixReader iterating over a session's recorded
	// fixes in received order. The reader implements efficient iteration
	// over large sessions through batched queries and supports time-range
	// filtering.
	//
	// The returned reader must be closed after use to release database
	// resources. Each reader instance should only be used from a single
	// goroutine.
	ReadFixes(ctx context.Context, sessionID int64, opts ...ReaderOption) (*FixReader, error)

	// Close releases all database connections and resources. After Close
	// is called, the store instance cannot be reused. It is safe to call
	// Close multiple times.
	Close() error
}

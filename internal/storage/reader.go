package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roman-kulish/location-relay/internal/track"
)

// ErrNoData indicates either that no fixes exist for the given parameters,
// or that all available data has been read from the reader.
var ErrNoData = errors.New("no data available")

const defaultBatchSize = 500

// ReaderOption configures a FixReader with specific filtering criteria.
type ReaderOption func(*FixReader)

// WithStartTime sets the start time filter for the reader. Fixes received
// before this time will be excluded.
func WithStartTime(t time.Time) ReaderOption {
	return func(r *FixReader) {
		r.startTime = &t
	}
}

// WithEndTime sets the end time filter for the reader. Fixes received
// after this time will be excluded.
func WithEndTime(t time.Time) ReaderOption {
	return func(r *FixReader) {
		r.endTime = &t
	}
}

// WithTimeRange sets both start and end time filters. This is a convenience
// function equivalent to applying both WithStartTime and WithEndTime.
func WithTimeRange(startTime, endTime time.Time) ReaderOption {
	return func(r *FixReader) {
		r.startTime = &startTime
		r.endTime = &endTime
	}
}

// WithBatchSize sets the number of rows fetched per database query.
func WithBatchSize(n int) ReaderOption {
	return func(r *FixReader) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// FixReader provides an iterator-based interface for reading a session's
// recorded fixes in received order. Large sessions are read in batches
// keyed on the row ID, so the reader never holds the whole session in
// memory.
type FixReader struct {
	db *sql.DB

	sessionID int64
	session   *track.Session
	batchSize int

	startTime *time.Time // Optional start of time range filter
	endTime   *time.Time // Optional end of time range filter

	lastID  int64
	batch   []*track.Point
	pos     int
	current *track.Point
	err     error
}

// newFixReader creates a new FixReader for reading fixes from a database,
// applying optional filters.
func newFixReader(db *sql.DB, sessionID int64, opts ...ReaderOption) (*FixReader, error) {
	r := &FixReader{
		db:        db,
		sessionID: sessionID,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.init(context.Background()); err != nil {
		return nil, fmt.Errorf("initializing reader: %w", err)
	}
	return r, nil
}

func (r *FixReader) init(ctx context.Context) error {
	if r.db == nil {
		return errors.New("database connection required")
	}
	if r.sessionID <= 0 {
		return errors.New("session ID required")
	}
	if r.startTime != nil && r.endTime != nil && r.startTime.After(*r.endTime) {
		return fmt.Errorf("start time %s is after end time %s", r.startTime, r.endTime)
	}

	if err := r.loadSession(ctx); err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	return nil
}

func (r *FixReader) loadSession(ctx context.Context) (err error) {
	stmt, err := r.db.PrepareContext(ctx, selectSessionSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	var row sessionRow
	if err = stmt.QueryRowContext(ctx, r.sessionID).Scan(&row.ID, &row.StartTime, &row.Source, &row.DeviceID, &row.Config); err != nil {
		return fmt.Errorf("querying session: %w", err)
	}

	r.session = row.toSession()
	return
}

func (r *FixReader) fetchBatch(ctx context.Context) (err error) {
	startTime := time.Unix(0, 0).UTC()
	if r.startTime != nil {
		startTime = r.startTime.UTC()
	}
	endTime := time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	if r.endTime != nil {
		endTime = r.endTime.UTC()
	}

	stmt, err := r.db.PrepareContext(ctx, selectFixesSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	rows, err := stmt.QueryContext(ctx, r.sessionID, r.lastID, startTime, endTime, r.batchSize)
	if err != nil {
		return fmt.Errorf("querying fixes: %w", err)
	}
	defer closeWithError(rows, &err)

	r.batch = r.batch[:0]
	r.pos = 0

	for rows.Next() {
		var row fixRow
		if err = rows.Scan(
			&row.ID,
			&row.SessionID,
			&row.ReceivedAt,
			&row.Timestamp,
			&row.Source,
			&row.Sequence,
			&row.Latitude,
			&row.Longitude,
			&row.Altitude,
			&row.HAccuracy,
			&row.VAccuracy,
			&row.Speed,
			&row.Course,
			&row.Heading,
			&row.Battery,
		); err != nil {
			return fmt.Errorf("scanning fix: %w", err)
		}
		r.batch = append(r.batch, row.toPoint())
		r.lastID = row.ID
	}
	return rows.Err()
}

// Session returns metadata about the ingest session this reader is
// accessing.
func (r *FixReader) Session() *track.Session {
	return r.session
}

// Next advances the iterator and returns true if there is another fix to
// read, false when the iteration is complete or if an error occurred.
func (r *FixReader) Next(ctx context.Context) bool {
	if r.err != nil || r.db == nil {
		return false
	}

	if r.pos >= len(r.batch) {
		if err := r.fetchBatch(ctx); err != nil {
			r.err = err
			return false
		}
		if len(r.batch) == 0 {
			r.err = ErrNoData
			return false
		}
	}

	r.current = r.batch[r.pos]
	r.pos++
	return true
}

// Current returns the current fix in the iteration. If called after Next()
// returns false, the behavior is undefined.
func (r *FixReader) Current() *track.Point {
	return r.current
}

// Error returns any error that occurred during iteration. If Next() returns
// false, Error() should be checked to distinguish between end of data and
// an error condition.
func (r *FixReader) Error() error {
	if r.err != nil && !errors.Is(r.err, ErrNoData) {
		return r.err
	}
	return nil
}

// Close releases any resources associated with the reader. After Close is
// called, the reader should not be used.
func (r *FixReader) Close() error {
	r.batch = nil
	r.current = nil
	r.db = nil
	return nil
}

package calllog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by [Store.Get] when no record exists for a call id.
var ErrNotFound = errors.New("calllog: call not found")

var _ Recorder = (*Store)(nil)

// Call is a stored call detail record.
type Call struct {
	Record
	Summary
	Ended bool
}

// Store is a PostgreSQL-backed [Recorder]. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("calllog store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// CallStarted implements [Recorder]. A call id seen before is reset to a
// fresh, unfinished record.
func (s *Store) CallStarted(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO calls (call_id, model, voice, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (call_id) DO UPDATE
		SET model = EXCLUDED.model,
		    voice = EXCLUDED.voice,
		    started_at = EXCLUDED.started_at,
		    stream_id = '',
		    ended_at = NULL,
		    end_reason = '',
		    frames_in = 0,
		    frames_out = 0,
		    frames_dropped = 0`

	if _, err := s.pool.Exec(ctx, q, rec.CallID, rec.Model, rec.Voice, rec.StartedAt.UTC()); err != nil {
		return fmt.Errorf("calllog store: call started: %w", err)
	}
	return nil
}

// CallEnded implements [Recorder]. It returns [ErrNotFound] when the call was
// never started.
func (s *Store) CallEnded(ctx context.Context, callID string, sum Summary) error {
	const q = `
		UPDATE calls
		SET stream_id = $2,
		    ended_at = $3,
		    end_reason = $4,
		    frames_in = $5,
		    frames_out = $6,
		    frames_dropped = $7
		WHERE call_id = $1`

	tag, err := s.pool.Exec(ctx, q,
		callID,
		sum.StreamID,
		sum.EndedAt.UTC(),
		sum.Reason,
		sum.FramesIn,
		sum.FramesOut,
		sum.FramesDropped,
	)
	if err != nil {
		return fmt.Errorf("calllog store: call ended: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("calllog store: call ended %q: %w", callID, ErrNotFound)
	}
	return nil
}

// Get returns the record for callID.
func (s *Store) Get(ctx context.Context, callID string) (Call, error) {
	const q = `
		SELECT call_id, model, voice, started_at, stream_id, ended_at,
		       end_reason, frames_in, frames_out, frames_dropped
		FROM   calls
		WHERE  call_id = $1`

	var (
		c       Call
		endedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, q, callID).Scan(
		&c.CallID, &c.Model, &c.Voice, &c.StartedAt, &c.StreamID, &endedAt,
		&c.Reason, &c.FramesIn, &c.FramesOut, &c.FramesDropped,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Call{}, fmt.Errorf("calllog store: get %q: %w", callID, ErrNotFound)
	}
	if err != nil {
		return Call{}, fmt.Errorf("calllog store: get: %w", err)
	}
	if endedAt != nil {
		c.Ended = true
		c.EndedAt = *endedAt
	}
	return c, nil
}

// Ping verifies the database is reachable. It matches the health checker
// signature.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

package calllog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_id        TEXT         PRIMARY KEY,
    stream_id      TEXT         NOT NULL DEFAULT '',
    model          TEXT         NOT NULL DEFAULT '',
    voice          TEXT         NOT NULL DEFAULT '',
    started_at     TIMESTAMPTZ  NOT NULL,
    ended_at       TIMESTAMPTZ,
    end_reason     TEXT         NOT NULL DEFAULT '',
    frames_in      BIGINT       NOT NULL DEFAULT 0,
    frames_out     BIGINT       NOT NULL DEFAULT 0,
    frames_dropped BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls (started_at);`

// Migrate creates the calls table and its index if they do not exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCalls); err != nil {
		return fmt.Errorf("calllog migrate: %w", err)
	}
	return nil
}

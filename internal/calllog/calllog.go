// Package calllog records call detail records: one row per relayed call with
// its start, end, end reason and frame counters. It stores metadata only.
//
// [Store] persists records in PostgreSQL. [Nop] discards them and is used when
// no database is configured.
package calllog

import (
	"context"
	"time"
)

// End reasons recorded by the relay.
const (
	ReasonCompleted = "completed"
	ReasonError     = "error"
	ReasonShutdown  = "shutdown"
)

// Record describes a call at the moment its session is established.
type Record struct {
	CallID    string
	Model     string
	Voice     string
	StartedAt time.Time
}

// Summary describes how a call ended.
type Summary struct {
	StreamID      string
	EndedAt       time.Time
	Reason        string
	FramesIn      int64
	FramesOut     int64
	FramesDropped int64
}

// Recorder receives call lifecycle records. Implementations must be safe for
// concurrent use. Errors are reported to the caller, which logs them; a
// failing recorder never affects a call.
type Recorder interface {
	CallStarted(ctx context.Context, rec Record) error
	CallEnded(ctx context.Context, callID string, sum Summary) error
}

// Nop is a [Recorder] that discards everything.
type Nop struct{}

var _ Recorder = Nop{}

// CallStarted implements [Recorder].
func (Nop) CallStarted(context.Context, Record) error { return nil }

// CallEnded implements [Recorder].
func (Nop) CallEnded(context.Context, string, Summary) error { return nil }

// Package mock provides an in-memory [calllog.Recorder] for tests.
//
// The mock records every call and exposes exported error fields that control
// what it returns. It is safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callrelay/internal/calllog"
)

var _ calllog.Recorder = (*Recorder)(nil)

// Ended pairs a call id with the summary it ended with.
type Ended struct {
	CallID  string
	Summary calllog.Summary
}

// Recorder is a mock implementation of [calllog.Recorder].
type Recorder struct {
	mu sync.Mutex

	// StartErr is returned by CallStarted.
	StartErr error

	// EndErr is returned by CallEnded.
	EndErr error

	started []calllog.Record
	ended   []Ended
}

// CallStarted implements [calllog.Recorder].
func (r *Recorder) CallStarted(_ context.Context, rec calllog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, rec)
	return r.StartErr
}

// CallEnded implements [calllog.Recorder].
func (r *Recorder) CallEnded(_ context.Context, callID string, sum calllog.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, Ended{CallID: callID, Summary: sum})
	return r.EndErr
}

// Started returns a copy of every record passed to CallStarted.
func (r *Recorder) Started() []calllog.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calllog.Record, len(r.started))
	copy(out, r.started)
	return out
}

// EndedCalls returns a copy of every CallEnded invocation.
func (r *Recorder) EndedCalls() []Ended {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Ended, len(r.ended))
	copy(out, r.ended)
	return out
}

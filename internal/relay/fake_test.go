package relay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/pkg/telephony"
)

// readResult is one scripted ReadEvent outcome.
type readResult struct {
	ev  telephony.Event
	err error
}

// written is one frame or clear sent to the carrier.
type written struct {
	kind     string // "media" or "clear"
	streamID string
	payload  []byte
}

// fakeTel is a scripted carrier connection.
type fakeTel struct {
	reads chan readResult

	mu       sync.Mutex
	writes   []written
	writeErr error
	notify   chan struct{}

	closeOnce sync.Once
}

func newFakeTel() *fakeTel {
	return &fakeTel{
		reads:  make(chan readResult, 64),
		notify: make(chan struct{}, 64),
	}
}

func (f *fakeTel) send(ev telephony.Event) { f.reads <- readResult{ev: ev} }

func (f *fakeTel) fail(err error) { f.reads <- readResult{err: err} }

// hangUp makes ReadEvent return telephony.ErrClosed once queued events are
// consumed.
func (f *fakeTel) hangUp() { f.closeOnce.Do(func() { close(f.reads) }) }

func (f *fakeTel) ReadEvent(ctx context.Context) (telephony.Event, error) {
	select {
	case r, ok := <-f.reads:
		if !ok {
			return nil, telephony.ErrClosed
		}
		return r.ev, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTel) WriteMedia(_ context.Context, streamID string, ulaw []byte) error {
	return f.record(written{kind: "media", streamID: streamID, payload: append([]byte(nil), ulaw...)})
}

func (f *fakeTel) WriteClear(_ context.Context, streamID string) error {
	return f.record(written{kind: "clear", streamID: streamID})
}

func (f *fakeTel) record(w written) error {
	f.mu.Lock()
	err := f.writeErr
	if err == nil {
		f.writes = append(f.writes, w)
	}
	f.mu.Unlock()
	if err == nil {
		f.notify <- struct{}{}
	}
	return err
}

func (f *fakeTel) sent() []written {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]written(nil), f.writes...)
}

// waitWrite blocks until the next write or fails the test.
func (f *fakeTel) waitWrite(t *testing.T) {
	t.Helper()
	select {
	case <-f.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for carrier write")
	}
}

// eventually polls cond until it holds or fails the test.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

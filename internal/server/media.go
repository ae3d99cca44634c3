package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/relay"
	"github.com/MrWong99/callrelay/internal/session"
	"github.com/MrWong99/callrelay/pkg/telephony"
)

// defaultStartTimeout applies when no start timeout is configured.
const defaultStartTimeout = 10 * time.Second

// errNoCallID is returned by awaitStart when the start event carries no call
// id either.
var errNoCallID = errors.New("server: start event has no call id")

// ServeHTTP upgrades the request and relays the call until it ends.
//
// Query parameters: call_sid identifies the call; instructions and voice
// override the configured defaults. Without call_sid the call id is taken
// from the carrier's start event.
func (h *mediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.enter() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()

	log := observe.Logger(r.Context())

	q := r.URL.Query()
	callID := q.Get("call_sid")
	opts := relay.CallOptions{
		Instructions: q.Get("instructions"),
		Voice:        q.Get("voice"),
	}

	conn, err := telephony.Accept(w, r)
	if err != nil {
		log.Warn("server: media stream upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	// The request context is not cancelled by http.Server.Shutdown once the
	// connection is hijacked; tie the call to the server's lifetime as well.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.base, cancel)
	defer stop()

	if callID == "" {
		start, err := h.awaitStart(ctx, conn)
		if err != nil {
			log.Warn("server: no usable start event", "err", err, "remote", r.RemoteAddr)
			return
		}
		callID = start.CallID
		opts.Replay = []telephony.Event{start}
	}

	log = log.With("call_id", callID)
	log.Info("server: media stream accepted", "remote", conn.RemoteAddr().String())

	err = h.sup.Serve(ctx, callID, conn, opts)
	var connectErr *relay.UpstreamConnectError
	switch {
	case err == nil:
	case errors.Is(err, session.ErrDuplicateSession):
		log.Warn("server: call is already being relayed")
	case errors.As(err, &connectErr):
		log.Error("server: upstream unavailable", "err", err)
	default:
		log.Error("server: relay failed", "err", err)
	}
}

// awaitStart reads carrier events until the start event arrives. Events
// before it carry no audio the relay could forward yet and are discarded.
func (h *mediaHandler) awaitStart(ctx context.Context, conn relay.TelephonyConn) (telephony.Start, error) {
	timeout := h.startTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		ev, err := conn.ReadEvent(ctx)
		if err != nil {
			if errors.Is(err, telephony.ErrMalformedEvent) {
				continue
			}
			return telephony.Start{}, fmt.Errorf("server: await start: %w", err)
		}
		switch e := ev.(type) {
		case telephony.Start:
			if e.CallID == "" {
				return telephony.Start{}, errNoCallID
			}
			return e, nil
		case telephony.Stop:
			return telephony.Start{}, fmt.Errorf("server: await start: %w", telephony.ErrClosed)
		}
	}
}

// enter registers a handler unless the server is closing.
func (h *mediaHandler) enter() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.wg.Add(1)
	return true
}

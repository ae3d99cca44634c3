package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callrelay/internal/calllog"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/session"
	"github.com/MrWong99/callrelay/pkg/realtime"
	"github.com/MrWong99/callrelay/pkg/telephony"
)

// recordTimeout bounds each call log write.
const recordTimeout = 5 * time.Second

// Defaults are the per-call settings a [Supervisor] applies to every call it
// accepts. They can be replaced at runtime with [Supervisor.SetDefaults].
type Defaults struct {
	// Session is the upstream configuration sent once per call. Instructions
	// and Voice may be overridden per call.
	Session realtime.SessionConfig

	// InterruptOnSpeech enables barge-in on the outbound path.
	InterruptOnSpeech bool

	// ConnectTimeout bounds dialling and configuring the upstream session.
	// Zero means no bound beyond the call context.
	ConnectTimeout time.Duration

	// GracePeriod is how long one forwarder may keep running after the other
	// finished. Zero waits indefinitely.
	GracePeriod time.Duration
}

// SupervisorConfig holds the dependencies of a [Supervisor].
type SupervisorConfig struct {
	// Provider opens upstream sessions. Required.
	Provider realtime.Provider

	// Registry tracks active calls. Required.
	Registry session.Registry

	// Defaults are the initial per-call settings.
	Defaults Defaults

	// Recorder receives call detail records. Nil disables recording.
	Recorder calllog.Recorder

	// Metrics receives relay metrics. Nil disables metrics.
	Metrics *observe.Metrics
}

// CallOptions are the per-call overrides supplied when a call is accepted.
type CallOptions struct {
	// Instructions replaces the default instructions when non-empty.
	Instructions string

	// Voice replaces the default voice when non-empty.
	Voice string

	// Replay holds carrier events that were read before the call was handed
	// to the supervisor, typically the start event.
	Replay []telephony.Event
}

// Supervisor owns the lifecycle of every relayed call. It is safe for
// concurrent use; each call runs in its own [Supervisor.Serve] invocation.
type Supervisor struct {
	provider realtime.Provider
	registry session.Registry
	recorder calllog.Recorder
	metrics  *observe.Metrics
	defaults atomic.Pointer[Defaults]
}

// NewSupervisor creates a Supervisor from cfg.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	s := &Supervisor{
		provider: cfg.Provider,
		registry: cfg.Registry,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
	}
	if s.recorder == nil {
		s.recorder = calllog.Nop{}
	}
	s.SetDefaults(cfg.Defaults)
	return s
}

// SetDefaults replaces the per-call settings. Calls already in progress keep
// the settings they started with.
func (s *Supervisor) SetDefaults(d Defaults) {
	s.defaults.Store(&d)
}

// Defaults returns the current per-call settings.
func (s *Supervisor) Defaults() Defaults {
	return *s.defaults.Load()
}

// Serve relays one call until both directions have finished.
//
// It opens and configures an upstream session, registers the call, and runs
// the [Inbound] and [Outbound] forwarders concurrently. The only errors
// returned are *[UpstreamConnectError] when the upstream could not be set up
// and [session.ErrDuplicateSession] when callID is already being relayed; in
// both cases nothing remains registered and the new upstream is closed.
// Forwarder failures are logged and end the call without an error.
//
// Serve does not close tel; the caller owns the carrier connection.
func (s *Supervisor) Serve(ctx context.Context, callID string, tel TelephonyConn, opts CallOptions) error {
	d := s.Defaults()

	ctx, span := observe.StartCallSpan(ctx, callID)
	defer span.End()
	log := observe.Logger(ctx).With("call_id", callID)

	cfg := d.Session
	if opts.Instructions != "" {
		cfg.Instructions = opts.Instructions
	}
	if opts.Voice != "" {
		cfg.Voice = opts.Voice
	}

	upstream, err := s.connect(ctx, cfg, d.ConnectTimeout)
	if err != nil {
		s.upstreamError(ctx, "connect")
		log.Warn("relay: upstream connect failed", "err", err)
		return &UpstreamConnectError{CallID: callID, Err: err}
	}

	sess, err := s.registry.Create(callID, upstream)
	if err != nil {
		_ = upstream.Close()
		if errors.Is(err, session.ErrDuplicateSession) {
			log.Warn("relay: rejecting duplicate call")
		}
		return err
	}

	stats := &Stats{}
	reason := calllog.ReasonCompleted

	defer func() {
		streamID, _ := s.registry.StreamID(callID)
		s.registry.Remove(callID)
		_ = upstream.Close()

		elapsed := time.Since(sess.CreatedAt)
		if s.metrics != nil {
			s.metrics.SessionEnded(context.WithoutCancel(ctx), elapsed.Seconds())
		}
		s.record(ctx, log, func(rctx context.Context) error {
			return s.recorder.CallEnded(rctx, callID, calllog.Summary{
				StreamID:      streamID,
				EndedAt:       time.Now().UTC(),
				Reason:        reason,
				FramesIn:      stats.FramesIn.Load(),
				FramesOut:     stats.FramesOut.Load(),
				FramesDropped: stats.FramesDropped.Load(),
			})
		})
		log.Info("relay: call ended",
			"reason", reason,
			"duration", elapsed.Round(time.Millisecond),
			"frames_in", stats.FramesIn.Load(),
			"frames_out", stats.FramesOut.Load(),
			"frames_dropped", stats.FramesDropped.Load(),
		)
	}()

	if s.metrics != nil {
		s.metrics.SessionStarted(ctx)
	}
	s.record(ctx, log, func(rctx context.Context) error {
		return s.recorder.CallStarted(rctx, calllog.Record{
			CallID:    callID,
			Model:     cfg.Model,
			Voice:     cfg.Voice,
			StartedAt: sess.CreatedAt.UTC(),
		})
	})
	log.Info("relay: call started", "voice", cfg.Voice)

	in := &Inbound{
		CallID:   callID,
		Tel:      tel,
		Upstream: upstream,
		Registry: s.registry,
		Replay:   opts.Replay,
		Stats:    stats,
		Metrics:  s.metrics,
		Logger:   log.With("direction", observe.DirectionInbound),
	}
	out := &Outbound{
		CallID:            callID,
		Tel:               tel,
		Upstream:          upstream,
		Registry:          s.registry,
		InterruptOnSpeech: d.InterruptOnSpeech,
		Stats:             stats,
		Metrics:           s.metrics,
		Logger:            log.With("direction", observe.DirectionOutbound),
	}

	if err := s.run(ctx, log, upstream, d.GracePeriod, in.Run, out.Run); err != nil {
		reason = calllog.ReasonError
		log.Warn("relay: forwarder failed", "err", err)
	} else if ctx.Err() != nil {
		reason = calllog.ReasonShutdown
	}
	return nil
}

// connect dials and configures the upstream session. The session is closed
// again if configuration fails.
func (s *Supervisor) connect(ctx context.Context, cfg realtime.SessionConfig, timeout time.Duration) (realtime.Session, error) {
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	upstream, err := s.provider.Connect(cctx, cfg.Model)
	if err != nil {
		return nil, err
	}
	if err := upstream.UpdateSession(cctx, cfg); err != nil {
		_ = upstream.Close()
		return nil, fmt.Errorf("configure session: %w", err)
	}
	if s.metrics != nil {
		s.metrics.UpstreamConnectDuration.Record(ctx, time.Since(start).Seconds())
	}
	return upstream, nil
}

// run executes both forwarders and waits for them. Once the first one
// returns, the second is given grace to finish before its context is
// cancelled and the upstream closed. The returned error joins the forwarder
// errors, panics included.
func (s *Supervisor) run(ctx context.Context, log *slog.Logger, upstream realtime.Session, grace time.Duration, fns ...func(context.Context) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	finished := make(chan struct{}, len(fns))
	errs := make([]error, len(fns))

	var g errgroup.Group
	for i, fn := range fns {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("relay: forwarder panic: %v", r)
					log.Error("relay: forwarder panicked", "panic", r, "stack", string(debug.Stack()))
				}
				finished <- struct{}{}
			}()
			errs[i] = fn(runCtx)
			return nil
		})
	}

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		s.watch(runCtx, cancel, log, upstream, grace, finished, len(fns))
	}()

	_ = g.Wait()
	cancel()
	<-watchDone
	return errors.Join(errs...)
}

// watch enforces the grace period between the first and the last forwarder
// finishing.
func (s *Supervisor) watch(ctx context.Context, cancel context.CancelFunc, log *slog.Logger, upstream realtime.Session, grace time.Duration, finished <-chan struct{}, n int) {
	select {
	case <-finished:
	case <-ctx.Done():
		return
	}
	if n == 1 || grace <= 0 {
		return
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-finished:
	case <-ctx.Done():
	case <-timer.C:
		log.Debug("relay: grace period elapsed, cancelling remaining forwarder", "grace", grace)
		cancel()
		_ = upstream.Close()
	}
}

func (s *Supervisor) record(ctx context.Context, log *slog.Logger, fn func(context.Context) error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := fn(rctx); err != nil {
		log.Warn("relay: call log write failed", "err", err)
	}
}

func (s *Supervisor) upstreamError(ctx context.Context, kind string) {
	if s.metrics != nil {
		s.metrics.RecordUpstreamError(ctx, kind)
	}
}

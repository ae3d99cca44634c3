package relay_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/internal/calllog"
	cllmock "github.com/MrWong99/callrelay/internal/calllog/mock"
	"github.com/MrWong99/callrelay/internal/relay"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/internal/session"
	"github.com/MrWong99/callrelay/pkg/realtime"
	"github.com/MrWong99/callrelay/pkg/realtime/mock"
	"github.com/MrWong99/callrelay/pkg/telephony"
)

type fixture struct {
	up       *mock.Session
	provider *mock.Provider
	reg      *session.MemRegistry
	rec      *cllmock.Recorder
	sup      *relay.Supervisor
}

func newFixture(grace time.Duration) *fixture {
	up := mock.NewSession(16)
	f := &fixture{
		up:       up,
		provider: &mock.Provider{Session: up},
		reg:      session.NewMemRegistry(),
		rec:      &cllmock.Recorder{},
	}
	f.sup = relay.NewSupervisor(relay.SupervisorConfig{
		Provider: f.provider,
		Registry: f.reg,
		Recorder: f.rec,
		Defaults: relay.Defaults{
			Session: realtime.SessionConfig{
				Model:         "gpt-realtime",
				Instructions:  "Be helpful.",
				Voice:         "alloy",
				TurnDetection: realtime.DefaultTurnDetection(),
			},
			ConnectTimeout: time.Second,
			GracePeriod:    grace,
		},
	})
	return f
}

// serve runs Serve in the background and returns a channel with its result.
func (f *fixture) serve(ctx context.Context, tel relay.TelephonyConn, opts relay.CallOptions) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.sup.Serve(ctx, "CA1", tel, opts) }()
	return done
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestSupervisor_EndToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(5 * time.Second)
	tel := newFakeTel()
	done := f.serve(context.Background(), tel, relay.CallOptions{Voice: "verse"})

	tel.send(telephony.Start{StreamID: "MZ1", CallID: "CA1"})
	tel.send(telephony.Media{StreamID: "MZ1", Payload: bytesOf(0xFF, 160)})
	eventually(t, "one append", func() bool { return len(f.up.SentAudio()) == 1 })

	sent := f.up.SentAudio()[0]
	if len(sent) != 960 {
		t.Errorf("append: got %d bytes, want 960", len(sent))
	}
	if f.reg.Len() != 1 {
		t.Errorf("registry: got %d sessions, want 1", f.reg.Len())
	}

	f.up.Push(realtime.AudioDelta{Audio: make([]byte, 960)})
	tel.waitWrite(t)

	w := tel.sent()
	if len(w) != 1 || w[0].kind != "media" || w[0].streamID != "MZ1" || len(w[0].payload) != 160 {
		t.Fatalf("writes: got %+v, want one 160 byte media frame for MZ1", w)
	}

	tel.send(telephony.Stop{StreamID: "MZ1"})
	f.up.EndStream()
	if err := waitServe(t, done); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	ops := f.up.Calls()
	if len(ops) < 3 || ops[0] != mock.OpUpdateSession || ops[1] != mock.OpSendAudio {
		t.Errorf("ops: got %v, want update_session before send_audio", ops)
	}
	if ops[len(ops)-1] != mock.OpClose {
		t.Errorf("ops: got %v, want close last", ops)
	}
	updates := f.up.Updates()
	if len(updates) != 1 {
		t.Fatalf("session updates: got %d, want exactly 1", len(updates))
	}
	if updates[0].Voice != "verse" || updates[0].Instructions != "Be helpful." {
		t.Errorf("session config: got voice=%q instructions=%q", updates[0].Voice, updates[0].Instructions)
	}
	if f.reg.Len() != 0 {
		t.Errorf("registry: got %d sessions after call, want 0", f.reg.Len())
	}

	ended := f.rec.EndedCalls()
	if len(f.rec.Started()) != 1 || len(ended) != 1 {
		t.Fatalf("call log: started=%d ended=%d, want 1/1", len(f.rec.Started()), len(ended))
	}
	sum := ended[0].Summary
	if sum.StreamID != "MZ1" || sum.Reason != calllog.ReasonCompleted || sum.FramesIn != 1 || sum.FramesOut != 1 {
		t.Errorf("summary: got %+v", sum)
	}
}

func TestSupervisor_DuplicateCall(t *testing.T) {
	t.Parallel()
	f := newFixture(time.Second)
	existing := mock.NewSession(1)
	if _, err := f.reg.Create("CA1", existing); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := f.sup.Serve(context.Background(), "CA1", newFakeTel(), relay.CallOptions{})
	if !errors.Is(err, session.ErrDuplicateSession) {
		t.Fatalf("Serve: got %v, want ErrDuplicateSession", err)
	}
	if f.up.Closes() != 1 {
		t.Errorf("new upstream closes: got %d, want 1", f.up.Closes())
	}
	got, ok := f.reg.Get("CA1")
	if !ok || got.Upstream != realtime.Session(existing) {
		t.Error("existing session was replaced")
	}
	if existing.Closes() != 0 {
		t.Error("existing upstream was closed")
	}
}

func TestSupervisor_ConnectFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(time.Second)
	f.provider.ConnectErr = errors.New("dial refused")

	err := f.sup.Serve(context.Background(), "CA1", newFakeTel(), relay.CallOptions{})
	var ce *relay.UpstreamConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("Serve: got %v, want UpstreamConnectError", err)
	}
	if ce.CallID != "CA1" {
		t.Errorf("CallID: got %q", ce.CallID)
	}
	if f.reg.Len() != 0 {
		t.Error("nothing should be registered")
	}
	if len(f.rec.Started()) != 0 {
		t.Error("call log should not record a failed connect")
	}
}

func TestSupervisor_ConfigureFailureClosesUpstream(t *testing.T) {
	t.Parallel()
	f := newFixture(time.Second)
	f.up.UpdateSessionErr = errors.New("invalid voice")

	err := f.sup.Serve(context.Background(), "CA1", newFakeTel(), relay.CallOptions{})
	var ce *relay.UpstreamConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("Serve: got %v, want UpstreamConnectError", err)
	}
	if f.up.Closes() != 1 {
		t.Errorf("closes: got %d, want 1", f.up.Closes())
	}
	if len(f.up.SentAudio()) != 0 || f.reg.Len() != 0 {
		t.Error("no audio and no registration expected")
	}
}

func TestSupervisor_CircuitOpenFailsFast(t *testing.T) {
	t.Parallel()
	f := newFixture(time.Second)
	f.provider.ConnectErr = errors.New("503")
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "realtime", MaxFailures: 1, ResetTimeout: time.Hour})
	sup := relay.NewSupervisor(relay.SupervisorConfig{
		Provider: resilience.NewGuardedProvider(f.provider, breaker),
		Registry: f.reg,
		Defaults: f.sup.Defaults(),
	})

	_ = sup.Serve(context.Background(), "CA1", newFakeTel(), relay.CallOptions{})
	err := sup.Serve(context.Background(), "CA2", newFakeTel(), relay.CallOptions{})
	var ce *relay.UpstreamConnectError
	if !errors.As(err, &ce) || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Serve: got %v, want UpstreamConnectError wrapping ErrCircuitOpen", err)
	}
	if f.provider.Connects() != 1 {
		t.Errorf("dials: got %d, want 1", f.provider.Connects())
	}
}

func TestSupervisor_GraceCancelsSibling(t *testing.T) {
	t.Parallel()
	f := newFixture(50 * time.Millisecond)
	tel := newFakeTel()
	tel.send(telephony.Stop{})

	start := time.Now()
	if err := waitServe(t, f.serve(context.Background(), tel, relay.CallOptions{})); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, before the grace period", elapsed)
	}
	if f.up.Closes() == 0 {
		t.Error("upstream was not closed")
	}
	if f.reg.Len() != 0 {
		t.Error("registry entry left behind")
	}
}

func TestSupervisor_ZeroGraceWaitsForSibling(t *testing.T) {
	t.Parallel()
	f := newFixture(0)
	tel := newFakeTel()
	tel.send(telephony.Stop{})
	done := f.serve(context.Background(), tel, relay.CallOptions{})

	select {
	case err := <-done:
		t.Fatalf("Serve returned early: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	f.up.EndStream()
	if err := waitServe(t, done); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

// panicTel panics on the first read.
type panicTel struct{ *fakeTel }

func (panicTel) ReadEvent(context.Context) (telephony.Event, error) {
	panic("decoder exploded")
}

func TestSupervisor_RecoversForwarderPanic(t *testing.T) {
	t.Parallel()
	f := newFixture(20 * time.Millisecond)

	err := waitServe(t, f.serve(context.Background(), panicTel{newFakeTel()}, relay.CallOptions{}))
	if err != nil {
		t.Fatalf("Serve: got %v, want nil", err)
	}
	if f.reg.Len() != 0 || f.up.Closes() == 0 {
		t.Error("cleanup did not run")
	}
	ended := f.rec.EndedCalls()
	if len(ended) != 1 || ended[0].Summary.Reason != calllog.ReasonError {
		t.Errorf("call log: got %+v, want one error ending", ended)
	}
}

func TestSupervisor_ShutdownCancelsCall(t *testing.T) {
	t.Parallel()
	f := newFixture(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := f.serve(ctx, newFakeTel(), relay.CallOptions{})
	eventually(t, "registration", func() bool { return f.reg.Len() == 1 })

	cancel()
	if err := waitServe(t, done); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	ended := f.rec.EndedCalls()
	if len(ended) != 1 || ended[0].Summary.Reason != calllog.ReasonShutdown {
		t.Errorf("call log: got %+v, want shutdown", ended)
	}
}

func TestSupervisor_CallLogFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(time.Second)
	f.rec.StartErr = errors.New("db down")
	tel := newFakeTel()
	tel.send(telephony.Stop{})
	f.up.EndStream()

	if err := waitServe(t, f.serve(context.Background(), tel, relay.CallOptions{})); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestSupervisor_SetDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(time.Second)
	d := f.sup.Defaults()
	d.Session.Voice = "shimmer"
	d.Session.Model = "gpt-realtime-mini"
	d.InterruptOnSpeech = true
	f.sup.SetDefaults(d)

	tel := newFakeTel()
	tel.send(telephony.Stop{})
	f.up.EndStream()
	if err := waitServe(t, f.serve(context.Background(), tel, relay.CallOptions{})); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	updates := f.up.Updates()
	if len(updates) != 1 || updates[0].Voice != "shimmer" {
		t.Errorf("updates: got %+v, want voice shimmer", updates)
	}
	if got := f.provider.Models(); !slices.Equal(got, []string{"gpt-realtime-mini"}) {
		t.Errorf("dialled models: got %v, want [gpt-realtime-mini]", got)
	}
	if !slices.Contains(f.up.Calls(), mock.OpClose) {
		t.Error("upstream not closed")
	}
}

package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cws "github.com/coder/websocket"
	"github.com/gorilla/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/callrelay/internal/app"
	cllmock "github.com/MrWong99/callrelay/internal/calllog/mock"
	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/realtime"
	"github.com/MrWong99/callrelay/pkg/realtime/mock"
)

// testConfig returns a loaded config with defaults applied.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{Realtime: config.RealtimeConfig{APIKey: "sk-test"}}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type runningApp struct {
	app   *app.App
	up    *mock.Session
	rec   *cllmock.Recorder
	errCh chan error
	stop  context.CancelFunc
}

func startApp(t *testing.T, cfg *config.Config) *runningApp {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	up := mock.NewSession(16)
	rec := &cllmock.Recorder{}

	a, err := app.New(context.Background(), cfg,
		app.WithProvider(&mock.Provider{Session: up}),
		app.WithRecorder(rec),
		app.WithMetrics(testMetrics(t)),
		app.WithListener(ln),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &runningApp{app: a, up: up, rec: rec, errCh: make(chan error, 1), stop: cancel}
	go func() { r.errCh <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = a.Shutdown(sctx)
	})
	return r
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(t),
		app.WithProvider(&mock.Provider{}),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	d := a.Supervisor().Defaults()
	if d.Session.Model != config.DefaultModel || d.Session.Voice != config.DefaultVoice {
		t.Errorf("defaults: got model=%q voice=%q", d.Session.Model, d.Session.Voice)
	}
	if d.GracePeriod != config.DefaultGracePeriod {
		t.Errorf("grace: got %v", d.GracePeriod)
	}
	if a.Addr() != nil {
		t.Error("Addr should be nil before Run")
	}
}

func TestApp_ShutdownWithoutRun(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(t), app.WithProvider(&mock.Provider{}), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Idempotent.
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_RunServesStatus(t *testing.T) {
	t.Parallel()
	r := startApp(t, testConfig(t))

	resp, err := http.Get("http://" + r.app.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Status         string `json:"status"`
		Service        string `json:"service"`
		ActiveSessions int    `json:"active_sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "running" || body.Service != "callrelay" || body.ActiveSessions != 0 {
		t.Errorf("status: got %+v", body)
	}
}

func TestApp_RunAndShutdownDrainsCalls(t *testing.T) {
	t.Parallel()
	r := startApp(t, testConfig(t))

	url := "ws://" + r.app.Addr().String() + "/media-stream?call_sid=CA1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for r.app.ActiveCalls() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("call was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.stop()
	select {
	case err := <-r.errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if n := r.app.ActiveCalls(); n != 0 {
		t.Errorf("active calls after shutdown: got %d, want 0", n)
	}
	if r.up.Closes() == 0 {
		t.Error("upstream session was not closed")
	}
	if ended := r.rec.EndedCalls(); len(ended) != 1 {
		t.Errorf("call log: got %d endings, want 1", len(ended))
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()
	prev := testConfig(t)
	a, err := app.New(context.Background(), prev, app.WithProvider(&mock.Provider{}), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	next := testConfig(t)
	next.Realtime.Voice = "verse"
	next.Realtime.TurnDetection = realtime.TurnDetection{Type: "server_vad", Threshold: 0.7}
	next.Server.ListenAddr = ":9999"
	a.ApplyConfig(prev, next)

	d := a.Supervisor().Defaults()
	if d.Session.Voice != "verse" || d.Session.TurnDetection.Threshold != 0.7 {
		t.Errorf("defaults not reloaded: %+v", d.Session)
	}
}

func TestApp_ReloadedModelIsDialled(t *testing.T) {
	t.Parallel()

	models := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := cws.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		models <- r.URL.Query().Get("model")
		for {
			if _, _, err := c.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(upstream.Close)

	prev := testConfig(t)
	prev.Realtime.Model = "model-a"
	prev.Realtime.BaseURL = "ws" + strings.TrimPrefix(upstream.URL, "http")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a, err := app.New(context.Background(), prev,
		app.WithRecorder(&cllmock.Recorder{}),
		app.WithMetrics(testMetrics(t)),
		app.WithListener(ln),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = a.Shutdown(sctx)
	})

	next := testConfig(t)
	next.Realtime.Model = "model-b"
	next.Realtime.BaseURL = prev.Realtime.BaseURL
	a.ApplyConfig(prev, next)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/media-stream?call_sid=CA1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	select {
	case got := <-models:
		if got != "model-b" {
			t.Errorf("dialled model = %q, want model-b", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("upstream was never dialled")
	}
}

func TestCallDefaults(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Realtime.InputTranscription = "whisper-1"
	cfg.Realtime.InterruptOnSpeech = true
	zero := time.Duration(0)
	cfg.Server.GracePeriod = &zero

	d := app.CallDefaults(cfg)
	if d.Session.InputTranscriptionModel != "whisper-1" || !d.InterruptOnSpeech {
		t.Errorf("got %+v", d)
	}
	if d.GracePeriod != 0 {
		t.Errorf("grace: got %v, want 0", d.GracePeriod)
	}
}

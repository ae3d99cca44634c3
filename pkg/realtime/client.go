package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/coder/websocket"
)

// Compile-time assertions that Client and conn satisfy the interfaces.
var _ Provider = (*Client)(nil)
var _ Session = (*conn)(nil)

const (
	defaultModel   = "gpt-realtime"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// readLimit caps a single upstream message. Audio deltas routinely exceed
	// the library's 32 KiB default.
	readLimit = 4 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the model dialled when Connect is given none.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local fake server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client dials OpenAI Realtime sessions.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Model returns the default model.
func (c *Client) Model() string { return c.model }

// BaseURL returns the endpoint sessions are dialled on.
func (c *Client) BaseURL() string { return c.baseURL }

// Connect dials a new upstream session. ctx bounds the handshake only.
func (c *Client) Connect(ctx context.Context, model string) (Session, error) {
	if model == "" {
		model = c.model
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	return &conn{ws: ws}, nil
}

// ── conn ───────────────────────────────────────────────────────────────────────

// conn is one live upstream WebSocket. Writes are serialised by the library.
type conn struct {
	ws     *websocket.Conn
	closed atomic.Bool
}

// UpdateSession sends a session.update event.
func (s *conn) UpdateSession(ctx context.Context, cfg SessionConfig) error {
	data, err := EncodeSessionUpdate(cfg)
	if err != nil {
		return fmt.Errorf("realtime: marshal session.update: %w", err)
	}
	return s.write(ctx, data)
}

// SendAudio sends an input_audio_buffer.append event.
func (s *conn) SendAudio(ctx context.Context, pcm []byte) error {
	data, err := EncodeAppendAudio(pcm)
	if err != nil {
		return fmt.Errorf("realtime: marshal append: %w", err)
	}
	return s.write(ctx, data)
}

func (s *conn) write(ctx context.Context, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.ws.Write(ctx, websocket.MessageText, data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return s.classify("write", err)
	}
	return nil
}

// Receive reads and decodes the next upstream event.
func (s *conn) Receive(ctx context.Context) (Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	_, data, err := s.ws.Read(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, s.classify("read", err)
	}
	return Decode(data)
}

// Close terminates the session. Idempotent.
func (s *conn) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	// CloseNow skips the close handshake; a pending Read is unblocked either way.
	if err := s.ws.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		_ = s.ws.CloseNow()
	}
	return nil
}

// classify maps errors that mean "the connection is gone" onto ErrClosed.
func (s *conn) classify(op string, err error) error {
	switch {
	case s.closed.Load(),
		websocket.CloseStatus(err) != -1,
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %s: %w", ErrClosed, op, err)
	}
	return fmt.Errorf("realtime: %s: %w", op, err)
}

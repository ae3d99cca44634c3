package telephony

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// defaultWriteTimeout bounds a single outbound write when the caller's
// context carries no deadline.
const defaultWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Media streams are opened by the carrier, not a browser.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Conn is the server side of one media-stream WebSocket.
//
// ReadEvent must be called from a single goroutine. WriteMedia and WriteClear
// may be called concurrently with ReadEvent and with each other. Close is
// idempotent and safe to call from any goroutine.
type Conn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// Accept upgrades an HTTP request to a media-stream connection. On failure
// the upgrader has already written an HTTP error response.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("telephony: upgrade: %w", err)
	}
	return NewConn(ws), nil
}

// NewConn wraps an already-upgraded WebSocket.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// ReadEvent blocks until the next message arrives and decodes it.
//
// Cancelling ctx unblocks a pending read; the connection is unusable
// afterwards. A malformed message yields an error wrapping
// [ErrMalformedEvent] and leaves the connection readable. Peer or local
// closure yields an error wrapping [ErrClosed].
func (c *Conn) ReadEvent(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, c.classify("read", err)
	}
	return Decode(data)
}

// WriteMedia sends one chunk of µ-law audio for playback on streamID.
func (c *Conn) WriteMedia(ctx context.Context, streamID string, ulaw []byte) error {
	data, err := EncodeMedia(streamID, ulaw)
	if err != nil {
		return fmt.Errorf("telephony: encode media: %w", err)
	}
	return c.write(ctx, data)
}

// WriteClear asks the carrier to discard audio queued for playback on
// streamID.
func (c *Conn) WriteClear(ctx context.Context, streamID string) error {
	data, err := EncodeClear(streamID)
	if err != nil {
		return fmt.Errorf("telephony: encode clear: %w", err)
	}
	return c.write(ctx, data)
}

func (c *Conn) write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return c.classify("write", err)
	}
	return nil
}

// Close sends a normal close frame (best effort) and releases the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

// classify maps socket errors that mean "the stream is over" onto ErrClosed.
func (c *Conn) classify(op string, err error) error {
	var closeErr *websocket.CloseError
	switch {
	case c.closed.Load(),
		errors.As(err, &closeErr),
		errors.Is(err, websocket.ErrCloseSent),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %s: %w", ErrClosed, op, err)
	}
	return fmt.Errorf("telephony: %s: %w", op, err)
}

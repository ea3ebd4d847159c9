// Package transport carries JSON text frames to and from the backend voice
// endpoint over a websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned by Send after the connection has gone away.
	ErrClosed = errors.New("transport: connection closed")
	// ErrQueueFull is returned by Send when the write queue has no room. The
	// frame is dropped.
	ErrQueueFull = errors.New("transport: send queue full")
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultQueueSize        = 256
	writeWait               = 5 * time.Second
)

// Conn is an open duplex channel.
type Conn interface {
	// Send enqueues one frame without blocking.
	Send(payload []byte) error
	// Messages delivers inbound frames. It is closed when the read loop ends.
	Messages() <-chan []byte
	// Done is closed when the connection is gone, for any reason.
	Done() <-chan struct{}
	// Err returns the reason the connection ended, or nil after a local Close.
	Err() error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Options configures a WSDialer.
type Options struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	QueueSize        int
	Logger           zerolog.Logger
}

// WSDialer dials the backend with gorilla/websocket.
type WSDialer struct {
	opts Options
	log  zerolog.Logger
}

func NewDialer(opts Options) *WSDialer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &WSDialer{opts: opts, log: opts.Logger.With().Str("component", "transport").Logger()}
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	headers := http.Header{}
	if d.opts.Token != "" {
		headers.Set("Authorization", "Bearer "+d.opts.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: d.opts.HandshakeTimeout}

	d.log.Debug().Str("url", d.opts.URL).Msg("connecting to voice endpoint")
	ws, resp, err := dialer.DialContext(ctx, d.opts.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", d.opts.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.opts.URL, err)
	}
	c := newConn(ws, d.opts.QueueSize, d.log)
	d.log.Info().Str("url", d.opts.URL).Msg("connected to voice endpoint")
	return c, nil
}

type wsConn struct {
	ws  *websocket.Conn
	log zerolog.Logger

	out    chan []byte
	in     chan []byte
	stopCh chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newConn(ws *websocket.Conn, queue int, log zerolog.Logger) *wsConn {
	c := &wsConn{
		ws:     ws,
		log:    log,
		out:    make(chan []byte, queue),
		in:     make(chan []byte, queue),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *wsConn) Messages() <-chan []byte { return c.in }
func (c *wsConn) Done() <-chan struct{}   { return c.done }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Send(payload []byte) error {
	select {
	case <-c.stopCh:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close sends a close frame and tears the connection down. Safe to call more
// than once.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCh)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	<-c.done
	return err
}

func (c *wsConn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *wsConn) readLoop() {
	defer close(c.done)
	defer close(c.in)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				c.log.Warn().Err(err).Msg("voice channel read failed")
				c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
				_ = c.ws.Close()
			}
			return
		}
		select {
		case c.in <- msg:
		case <-c.stopCh:
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Warn().Err(err).Msg("voice channel write failed")
				c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
				_ = c.ws.Close()
				return
			}
		}
	}
}

package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
)

// AgentPath is the server path of the agent control-plane socket.
const AgentPath = "/ws/agent"

// CloseAbnormal is reported when the peer vanished without a close frame.
const CloseAbnormal = gorilla.CloseAbnormalClosure

// CloseNoStatus closes without a status code in the close frame.
const CloseNoStatus = gorilla.CloseNoStatusReceived

// Options tunes the transport.
type Options struct {
	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds every single write, including the close frame.
	WriteTimeout time.Duration
	// ReadLimit caps the size of one inbound frame. Larger frames close the
	// connection.
	ReadLimit int64
	// Header is sent with the opening handshake.
	Header http.Header
	// SendBuffer is the outbound queue length; DefaultSendBuffer if zero.
	SendBuffer int
}

// DefaultOptions returns transport defaults suitable for the agent socket.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadLimit:        1 << 20,
	}
}

// AgentURL derives the agent socket URL from the configured server address by
// rewriting http(s) to ws(s) and appending AgentPath to any base path.
func AgentURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", serverURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + AgentPath
	u.RawPath = ""
	return u.String(), nil
}

// DefaultSendBuffer is the number of outbound frames a Client buffers before
// it starts dropping them.
const DefaultSendBuffer = 64

var (
	// ErrClosed is returned by Send once Close was called.
	ErrClosed = errors.New("websocket closed")
	// ErrSendBufferFull is returned by Send when the writer is behind.
	ErrSendBufferFull = errors.New("websocket send buffer full")
)

// Client is one open agent socket. Outbound frames are queued and written by
// a dedicated writer goroutine, so Send and CloseAsync never block on the
// network. Reads happen on the single goroutine running ReadLoop.
type Client struct {
	conn         *gorilla.Conn
	writeTimeout time.Duration

	out chan []byte

	mu          sync.Mutex
	closing     chan struct{}
	closeCode   int
	closeReason string
	closeOnce   sync.Once

	// done is closed once the writer goroutine exited and the connection is
	// torn down. err is valid after that.
	done chan struct{}
	err  error
}

// Dial opens a socket to rawURL and starts its writer.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	dialer := &gorilla.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	buffer := opts.SendBuffer
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	c := &Client{
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		out:          make(chan []byte, buffer),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// Send queues one text frame. It never blocks: the frame is dropped with
// ErrSendBufferFull when the writer is behind and with ErrClosed after Close.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	select {
	case c.out <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// ReadLoop delivers inbound text frames to fn, in arrival order, until the
// connection fails or is closed. Binary frames are ignored. The returned
// error describes why the loop ended; see CloseDetails.
func (c *Client) ReadLoop(fn func([]byte)) error {
	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != gorilla.TextMessage {
			continue
		}
		fn(payload)
	}
}

// CloseAsync asks the writer to flush the frames already queued, send a close
// frame carrying code and reason and tear the connection down. It returns
// immediately. Only the first call (of CloseAsync or Close) has an effect.
func (c *Client) CloseAsync(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeReason = code, reason
		c.mu.Unlock()
		close(c.closing)
	})
}

// Close is CloseAsync followed by waiting for the teardown. It is safe to
// call multiple times.
func (c *Client) Close(code int, reason string) error {
	c.CloseAsync(code, reason)
	<-c.done
	return c.err
}

// Done is closed once the connection was torn down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) writeLoop() {
	defer close(c.done)
	for {
		select {
		case payload := <-c.out:
			if err := c.write(payload); err != nil {
				// The reader sees the closed connection and ends ReadLoop.
				c.CloseAsync(CloseAbnormal, "")
				_ = c.conn.Close()
				return
			}
		case <-c.closing:
			c.err = c.shutdown()
			return
		}
	}
}

func (c *Client) write(payload []byte) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(gorilla.TextMessage, payload)
}

// shutdown flushes queued frames, writes the close frame and closes the
// connection.
func (c *Client) shutdown() error {
	var werr error
flush:
	for {
		select {
		case payload := <-c.out:
			if werr = c.write(payload); werr != nil {
				break flush
			}
		default:
			break flush
		}
	}

	if werr == nil {
		c.mu.Lock()
		code, reason := c.closeCode, c.closeReason
		c.mu.Unlock()

		deadline := time.Now().Add(time.Second)
		if c.writeTimeout > 0 {
			deadline = time.Now().Add(c.writeTimeout)
		}
		msg := gorilla.FormatCloseMessage(code, reason)
		werr = c.conn.WriteControl(gorilla.CloseMessage, msg, deadline)
	}

	err := c.conn.Close()
	if werr != nil && !errors.Is(werr, gorilla.ErrCloseSent) && !errors.Is(werr, net.ErrClosed) {
		err = errors.Join(werr, err)
	}
	return err
}

// CloseDetails extracts the close code and reason from a ReadLoop error.
// Errors that are not close frames map to CloseAbnormal.
func CloseDetails(err error) (int, string) {
	var ce *gorilla.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	if err == nil {
		return CloseAbnormal, ""
	}
	return CloseAbnormal, err.Error()
}

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// QUIC transport defaults.
const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 30 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  DefaultMaxIdleTimeout,
		KeepAlivePeriod: DefaultKeepAlivePeriod,
		// One framed stream per connection, no uni streams.
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: 0,
	}
}

type quicListener struct {
	ln     *quic.Listener
	closed atomic.Bool
}

func listenQUIC(addr string, opts Options) (Listener, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for quic listener")
	}
	ln, err := quic.ListenAddr(addr, withALPN(opts.TLSConfig, ALPNProtocol), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}
	return &quicListener{ln: ln}, nil
}

func (l *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if l.closed.Load() {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	return &quicConn{qconn: conn}, nil
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	l.closed.Store(true)
	return l.ln.Close()
}

func dialQUIC(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	cfg := opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS13}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	qconn, err := quic.DialAddr(ctx, addr, withALPN(cfg, ALPNProtocol), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial failed: %w", err)
	}
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(0, "connection closed")
		return nil, fmt.Errorf("quic open stream failed: %w", err)
	}
	return &quicConn{qconn: qconn, stream: stream}, nil
}

// quicConn exposes one bidirectional QUIC stream as a net.Conn. The
// dialer opens its stream up front. The server side accepts lazily: the
// dialer's stream only materializes here once it carries data, so the
// first Read or Write waits for it. Deadlines set before that are kept
// and applied to the stream on arrival; a pending read deadline also
// bounds the wait itself.
type quicConn struct {
	qconn  quic.Connection
	accept sync.Once

	mu            sync.Mutex
	stream        quic.Stream
	acquireErr    error
	readDeadline  time.Time
	writeDeadline time.Time
}

func (c *quicConn) acquire() (quic.Stream, error) {
	c.mu.Lock()
	if c.stream != nil || c.acquireErr != nil {
		s, err := c.stream, c.acquireErr
		c.mu.Unlock()
		return s, err
	}
	deadline := c.readDeadline
	c.mu.Unlock()

	c.accept.Do(func() {
		ctx := c.qconn.Context()
		if !deadline.IsZero() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadline)
			defer cancel()
		}
		s, err := c.qconn.AcceptStream(ctx)

		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.acquireErr = err
			return
		}
		if !c.readDeadline.IsZero() {
			s.SetReadDeadline(c.readDeadline)
		}
		if !c.writeDeadline.IsZero() {
			s.SetWriteDeadline(c.writeDeadline)
		}
		c.stream = s
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream, c.acquireErr
}

func (c *quicConn) Read(p []byte) (int, error) {
	s, err := c.acquire()
	if err != nil {
		return 0, err
	}
	return s.Read(p)
}

func (c *quicConn) Write(p []byte) (int, error) {
	s, err := c.acquire()
	if err != nil {
		return 0, err
	}
	return s.Write(p)
}

// Close tears down the whole connection, which also resets the stream.
func (c *quicConn) Close() error {
	return c.qconn.CloseWithError(0, "connection closed")
}

func (c *quicConn) LocalAddr() net.Addr {
	return c.qconn.LocalAddr()
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.qconn.RemoteAddr()
}

func (c *quicConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *quicConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return c.stream.SetReadDeadline(t)
	}
	c.readDeadline = t
	return nil
}

func (c *quicConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return c.stream.SetWriteDeadline(t)
	}
	c.writeDeadline = t
	return nil
}

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// WebSocket transport defaults.
const (
	// DefaultWSPath is the HTTP path WebSocket listeners serve on.
	DefaultWSPath = "/t"

	// wsReadLimit caps incoming message size, sitting above the framed
	// protocol's 10 MiB payload cap.
	wsReadLimit = 16 * 1024 * 1024

	wsShutdownTimeout = 5 * time.Second
)

// wsListener accepts WebSocket connections through an embedded HTTP
// server and hands them out as net.Conn.
type wsListener struct {
	server  *http.Server
	ln      net.Listener
	connCh  chan net.Conn
	closeCh chan struct{}
	closed  atomic.Bool
}

func listenWS(addr string, opts Options) (Listener, error) {
	path := opts.Path
	if path == "" {
		path = DefaultWSPath
	}

	l := &wsListener{
		connCh:  make(chan net.Conn, 16),
		closeCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}
	if opts.TLSConfig != nil {
		// The upgrade runs over HTTP/1.1, not the framed protocol's ALPN.
		ln = tls.NewListener(ln, withALPN(opts.TLSConfig, "http/1.1"))
	}
	l.ln = ln
	l.server = &http.Server{Handler: mux}

	go l.server.Serve(ln)

	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	c.SetReadLimit(wsReadLimit)

	conn := wsConn{
		Conn:   websocket.NetConn(context.Background(), c, websocket.MessageBinary),
		remote: wsAddr{addr: r.RemoteAddr},
	}

	// Accept hijacked the underlying connection, so it outlives this
	// handler.
	select {
	case l.connCh <- conn:
	case <-l.closeCh:
		c.Close(websocket.StatusGoingAway, "server closed")
	}
}

func (l *wsListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *wsListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), wsShutdownTimeout)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// wsConn overrides the peer address, which websocket.NetConn does not
// carry. The session layer keys its rate limiter on the peer host.
type wsConn struct {
	net.Conn
	remote net.Addr
}

func (c wsConn) RemoteAddr() net.Addr {
	return c.remote
}

type wsAddr struct {
	addr string
}

func (a wsAddr) Network() string { return "ws" }
func (a wsAddr) String() string  { return a.addr }

func dialWS(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	u := wsURL(addr, opts)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	client := &http.Client{}
	if strings.HasPrefix(u, "wss://") {
		cfg := opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS13}
		}
		// An http.Transport with an explicit TLS config stays on
		// HTTP/1.1, which the WebSocket upgrade requires.
		client.Transport = &http.Transport{TLSClientConfig: cfg.Clone()}
	}

	c, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: client})
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	c.SetReadLimit(wsReadLimit)

	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

// wsURL builds the dial URL. Explicit ws:// and wss:// addresses pass
// through unchanged and must carry their own path.
func wsURL(addr string, opts Options) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	path := opts.Path
	if path == "" {
		path = DefaultWSPath
	}
	scheme := "ws"
	if opts.TLSConfig != nil {
		scheme = "wss"
	}
	return scheme + "://" + addr + path
}

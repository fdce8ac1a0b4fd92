// Package transport provides the listeners and dialers that carry
// coordinator sessions over TCP, TLS, WebSocket, and QUIC. Every
// transport hands out plain net.Conn values so the framed protocol
// layer stays transport-agnostic.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// ALPNProtocol is the application protocol negotiated on TLS and QUIC
// transports.
const ALPNProtocol = "drover/1"

// Type identifies a transport.
type Type string

const (
	// TypeTCP is plain TCP, for testing and trusted networks.
	TypeTCP Type = "tcp"
	// TypeTLS is TCP with TLS.
	TypeTLS Type = "tls"
	// TypeWS is WebSocket, optionally over TLS.
	TypeWS Type = "ws"
	// TypeQUIC is QUIC with a single bidirectional stream per connection.
	TypeQUIC Type = "quic"
)

// ParseType parses a transport type name.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeTCP, TypeTLS, TypeWS, TypeQUIC:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown transport type: %q", s)
}

// Options carries transport settings shared by listeners and dialers.
type Options struct {
	// TLSConfig is the serving or dialing TLS configuration. Required
	// for tls and quic listeners; enables wss for WebSocket.
	TLSConfig *tls.Config

	// Path is the HTTP path WebSocket listeners serve on.
	Path string

	// Timeout bounds dial attempts. Zero means no limit beyond the
	// caller's context.
	Timeout time.Duration
}

// Listener accepts transport connections.
type Listener interface {
	// Accept waits for the next connection. When the listener is torn
	// down by cancellation, the context error wins over the close error.
	Accept(ctx context.Context) (net.Conn, error)

	// Addr returns the listener's bound address.
	Addr() net.Addr

	// Close stops the listener. Connections already accepted stay open.
	// In-flight and later Accept calls report net.ErrClosed.
	Close() error
}

// Listen creates a listener of the given type on addr.
func Listen(typ Type, addr string, opts Options) (Listener, error) {
	switch typ {
	case TypeTCP:
		return listenTCP(addr)
	case TypeTLS:
		return listenTLS(addr, opts)
	case TypeWS:
		return listenWS(addr, opts)
	case TypeQUIC:
		return listenQUIC(addr, opts)
	default:
		return nil, fmt.Errorf("unknown transport type: %q", typ)
	}
}

// Dial connects to a coordinator over the given transport type.
func Dial(ctx context.Context, typ Type, addr string, opts Options) (net.Conn, error) {
	switch typ {
	case TypeTCP:
		return dialTCP(ctx, addr, opts)
	case TypeTLS:
		return dialTLS(ctx, addr, opts)
	case TypeWS:
		return dialWS(ctx, addr, opts)
	case TypeQUIC:
		return dialQUIC(ctx, addr, opts)
	default:
		return nil, fmt.Errorf("unknown transport type: %q", typ)
	}
}

// netListener adapts a net.Listener. Accept blocks in the underlying
// listener; closing the listener unblocks it.
type netListener struct {
	ln net.Listener
}

func listenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}
	return &netListener{ln: ln}, nil
}

func listenTLS(addr string, opts Options) (Listener, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for tls listener")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}
	return &netListener{ln: tls.NewListener(ln, withALPN(opts.TLSConfig, ALPNProtocol))}, nil
}

func (l *netListener) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, err
	}
	return conn, nil
}

func (l *netListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *netListener) Close() error {
	return l.ln.Close()
}

func dialTCP(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	dialer := net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return conn, nil
}

func dialTLS(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	cfg := opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	dialer := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: opts.Timeout},
		Config:    withALPN(cfg, ALPNProtocol),
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return conn, nil
}

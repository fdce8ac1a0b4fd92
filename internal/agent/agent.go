// Package agent implements the endpoint-side client. It obtains an
// operator-approved credential from the coordinator, registers with it,
// and services dispatched commands until the connection drops or the
// credential is pulled.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/executor"
	"github.com/droverhq/drover/internal/logging"
	"github.com/droverhq/drover/internal/protocol"
	"github.com/droverhq/drover/internal/transport"
)

const (
	// DefaultTokenFile is where the agent caches its credential.
	DefaultTokenFile = "drover-token"

	// authTimeout bounds the coordinator's verdict on a registration or
	// credential poll.
	authTimeout = 10 * time.Second

	// maxPollsPerConn caps status polls on one credential connection.
	// At the default 5s interval this is ten minutes.
	maxPollsPerConn = 120

	// suspendedBackoff stretches the reconnect wait while access is
	// denied or revoked; only an operator can clear either state.
	suspendedBackoff = 6
)

// Config contains agent settings.
type Config struct {
	Endpoint  string // endpoint identifier; empty uses the hostname
	Transport string // tcp, tls, ws, quic
	Address   string // coordinator address
	TokenFile string // credential cache path

	Pin      string // pinned coordinator certificate fingerprint
	Insecure bool   // skip TLS verification

	DialTimeout   time.Duration
	ExecTimeout   time.Duration
	PollInterval  time.Duration
	ReconnectWait time.Duration
	MaxFrameSize  uint32

	Logger *slog.Logger
}

// Agent is the endpoint-side client.
type Agent struct {
	cfg       Config
	endpoint  string
	transport transport.Type
	logger    *slog.Logger
}

// New creates an agent. The endpoint id defaults to the hostname.
func New(cfg Config) (*Agent, error) {
	typ, err := transport.ParseType(cfg.Transport)
	if err != nil {
		return nil, err
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("coordinator address is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint, err = os.Hostname()
		if err != nil || endpoint == "" {
			endpoint = "unknown-endpoint"
		}
	}

	if cfg.TokenFile == "" {
		cfg.TokenFile = DefaultTokenFile
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = executor.DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 10 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Agent{
		cfg:       cfg,
		endpoint:  endpoint,
		transport: typ,
		logger:    logger.With("endpoint", endpoint),
	}, nil
}

// Endpoint returns the endpoint identifier the agent registers under.
func (a *Agent) Endpoint() string {
	return a.endpoint
}

// Run drives the connect cycle until ctx is canceled: obtain a
// credential if the token file is empty, register with it, serve
// commands, reconnect. The token file is reread every cycle so a
// renewal or deletion takes effect on the next connection.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting",
		"coordinator", a.cfg.Address,
		"transport", string(a.transport))

	for {
		var wait time.Duration
		if secret := a.loadToken(); secret == "" {
			wait = a.obtainCredential(ctx)
		} else {
			wait = a.serve(ctx, secret)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if !a.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

// obtainCredential connects, files a credential request, and polls until
// the operator decides or the poll budget runs out. An approved secret
// lands in the token file. The return value is the wait before the next
// cycle.
func (a *Agent) obtainCredential(ctx context.Context) time.Duration {
	conn, err := a.dial(ctx)
	if err != nil {
		a.logger.Warn("credential request dial failed", "error", err)
		return a.cfg.ReconnectWait
	}
	defer conn.Close()

	// Cancellation closes the conn, which unblocks a pending read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	origin := localHost(conn)
	if err := conn.WriteMessage(protocol.EncodeTokenRequest(a.endpoint, origin)); err != nil {
		a.logger.Warn("credential request send failed", "error", err)
		return a.cfg.ReconnectWait
	}
	a.logger.Info("credential requested, awaiting operator approval")

	polls := 0
	for {
		conn.SetReadDeadline(time.Now().Add(authTimeout))
		msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Warn("credential request connection lost", "error", err)
			}
			return a.cfg.ReconnectWait
		}

		status, secret, ok := msg.TokenStatus()
		if !ok {
			a.logger.Warn("unexpected reply to credential request", "tag", msg.Tag)
			return a.cfg.ReconnectWait
		}

		switch status {
		case protocol.StatusApproved:
			if secret == "" {
				a.logger.Warn("approval carried no credential")
				return a.cfg.ReconnectWait
			}
			if err := a.saveToken(secret); err != nil {
				a.logger.Error("failed to save credential",
					"path", a.cfg.TokenFile, "error", err)
				return a.cfg.ReconnectWait
			}
			a.logger.Info("credential approved", "path", a.cfg.TokenFile)
			return 0

		case protocol.StatusPending:
			if polls >= maxPollsPerConn {
				a.logger.Warn("gave up waiting for approval", "polls", polls)
				return a.cfg.ReconnectWait * suspendedBackoff
			}
			if !a.sleep(ctx, a.cfg.PollInterval) {
				return 0
			}
			polls++
			if polls%6 == 0 {
				a.logger.Info("still awaiting approval",
					"elapsed", time.Duration(polls)*a.cfg.PollInterval)
			}
			if err := conn.WriteMessage(protocol.EncodeStatusCheck(a.endpoint)); err != nil {
				a.logger.Warn("status poll send failed", "error", err)
				return a.cfg.ReconnectWait
			}

		case protocol.StatusDenied:
			a.logger.Warn("credential request denied by operator")
			return a.cfg.ReconnectWait * suspendedBackoff

		default:
			a.logger.Warn("unexpected credential status", "status", status)
			return a.cfg.ReconnectWait
		}
	}
}

// serve registers with the coordinator and executes dispatched commands
// until the connection drops or the credential is pulled. The return
// value is the wait before the next cycle.
func (a *Agent) serve(ctx context.Context, secret string) time.Duration {
	conn, err := a.dial(ctx)
	if err != nil {
		a.logger.Warn("dial failed", "error", err)
		return a.cfg.ReconnectWait
	}
	defer conn.Close()

	// Cancellation closes the conn, which unblocks the serve loop read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteMessage(protocol.EncodeRegister(a.endpoint, secret)); err != nil {
		a.logger.Warn("registration send failed", "error", err)
		return a.cfg.ReconnectWait
	}

	conn.SetReadDeadline(time.Now().Add(authTimeout))
	msg, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("no registration verdict", "error", err)
		}
		return a.cfg.ReconnectWait
	}

	status, _, ok := msg.TokenStatus()
	if !ok {
		a.logger.Warn("unexpected reply to registration", "tag", msg.Tag)
		return a.cfg.ReconnectWait
	}

	switch status {
	case protocol.StatusApproved:
	case protocol.StatusRevoked:
		// The credential still exists and can be renewed server-side;
		// keep the file and back off.
		a.logger.Warn("access suspended, credential revoked")
		return a.cfg.ReconnectWait * suspendedBackoff
	case protocol.StatusInvalid:
		a.logger.Warn("credential rejected, requesting a new one")
		a.deleteToken()
		return 0
	default:
		a.logger.Warn("unexpected registration verdict", "status", status)
		return a.cfg.ReconnectWait
	}

	a.logger.Info("registered", "coordinator", a.cfg.Address)

	conn.SetReadDeadline(time.Time{})
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Warn("connection lost", "error", err)
			}
			return a.cfg.ReconnectWait
		}

		if command, ok := msg.Command(); ok {
			stdout, stderr := executor.Run(ctx, command, a.cfg.ExecTimeout)
			if err := conn.WriteMessage(protocol.EncodeResult(stdout, stderr)); err != nil {
				a.logger.Warn("result send failed", "error", err)
				return a.cfg.ReconnectWait
			}
			continue
		}

		if status, _, ok := msg.TokenStatus(); ok {
			switch status {
			case protocol.StatusRevoked:
				a.logger.Warn("credential revoked by operator")
				return a.cfg.ReconnectWait * suspendedBackoff
			case protocol.StatusDeleted:
				a.logger.Warn("credential deleted by operator")
				a.deleteToken()
				return 0
			}
		}

		// Anything else is noise; keep serving.
		a.logger.Debug("ignoring unexpected frame", "tag", msg.Tag)
	}
}

// dial opens a framed connection to the coordinator.
func (a *Agent) dial(ctx context.Context) (*protocol.Conn, error) {
	opts := transport.Options{Timeout: a.cfg.DialTimeout}
	if a.transport != transport.TypeTCP {
		opts.TLSConfig = transport.ClientTLSConfig(
			serverName(a.cfg.Address), a.cfg.Pin, a.cfg.Insecure)
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	defer cancel()

	nc, err := transport.Dial(dialCtx, a.transport, a.cfg.Address, opts)
	if err != nil {
		return nil, err
	}
	return protocol.NewConnSize(nc, a.cfg.MaxFrameSize), nil
}

// sleep waits for d or until ctx is canceled, reporting whether the
// wait may continue into another cycle.
func (a *Agent) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// loadToken reads the cached credential. A missing or unreadable file
// means no credential.
func (a *Agent) loadToken() string {
	data, err := os.ReadFile(a.cfg.TokenFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (a *Agent) saveToken(secret string) error {
	return os.WriteFile(a.cfg.TokenFile, []byte(secret), 0600)
}

func (a *Agent) deleteToken() {
	if err := os.Remove(a.cfg.TokenFile); err != nil && !os.IsNotExist(err) {
		a.logger.Warn("failed to delete token file",
			"path", a.cfg.TokenFile, "error", err)
	}
}

// localHost reports the connection's local IP, filed as the request
// origin. Empty when the transport hides the local address; the
// coordinator then falls back to the connection's remote address.
func localHost(conn *protocol.Conn) string {
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return ""
	}
	return host
}

// serverName extracts the host used for TLS verification. The address
// is host:port for tcp, tls and quic, and may be a full URL for ws.
func serverName(addr string) string {
	if strings.Contains(addr, "://") {
		if u, err := url.Parse(addr); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

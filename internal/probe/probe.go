// Package probe provides reachability diagnostics for drover
// coordinators. A probe dials a listener the way an agent would,
// records the served TLS certificate, and confirms the peer speaks the
// coordinator protocol with a credential status check, which never
// files a request or touches the rate limiter.
package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/certutil"
	"github.com/droverhq/drover/internal/protocol"
	"github.com/droverhq/drover/internal/transport"
)

// Options contains configuration for a connectivity probe.
type Options struct {
	// Transport type: "tcp", "tls", "ws", "quic"
	Transport string

	// Address is the host:port to probe. WebSocket probes also accept
	// a full ws:// or wss:// URL.
	Address string

	// Path is the HTTP path for WebSocket probes (default: "/t")
	Path string

	// Endpoint is the identifier sent in the status check. Probing with
	// a real endpoint id reports that credential's status; the default
	// "probe" id reports "invalid" on any healthy coordinator.
	Endpoint string

	// Timeout for the entire probe operation (default: 10s)
	Timeout time.Duration

	// Pin is an optional expected certificate fingerprint
	// (sha256:<hex>). When set, the probe fails unless the served
	// certificate matches. When empty, any certificate is accepted and
	// reported.
	Pin string

	// Plaintext probes a ws:// listener behind a TLS-terminating
	// reverse proxy. Only valid for WebSocket transport.
	Plaintext bool
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	// Success indicates whether the probe succeeded
	Success bool

	// Transport type that was tested
	Transport string

	// Address that was probed
	Address string

	// Status is the credential status the coordinator reported for the
	// probed endpoint id
	Status string

	// Fingerprint is the SHA256 fingerprint of the served certificate
	// (empty for plaintext probes)
	Fingerprint string

	// NotAfter is the served certificate's expiry (zero for plaintext)
	NotAfter time.Time

	// RTT is the time from dial to the coordinator's reply
	RTT time.Duration

	// Error is the error that occurred (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// Probe tests connectivity to a drover coordinator listener.
// It performs:
// 1. Transport-level connection (TCP/TLS/WebSocket/QUIC)
// 2. Protocol verification (TOKEN_REQUEST status check round-trip)
func Probe(ctx context.Context, opts Options) *Result {
	result := &Result{
		Transport: opts.Transport,
		Address:   opts.Address,
	}

	// Set defaults
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "probe"
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	typ, err := transport.ParseType(opts.Transport)
	if err != nil {
		return result.fail(err)
	}

	if opts.Plaintext && typ != transport.TypeWS {
		return result.fail(fmt.Errorf("plaintext mode is only supported for WebSocket transport"))
	}

	tOpts := transport.Options{
		Path:    opts.Path,
		Timeout: opts.Timeout,
	}
	if typ != transport.TypeTCP && !opts.Plaintext {
		tOpts.TLSConfig = probeTLSConfig(opts, result)
	}

	start := time.Now()
	nc, err := transport.Dial(ctx, typ, opts.Address, tOpts)
	if err != nil {
		return result.fail(err)
	}
	defer nc.Close()

	status, err := statusCheck(ctx, nc, opts.Endpoint)
	if err != nil {
		return result.fail(err)
	}

	result.Success = true
	result.Status = status
	result.RTT = time.Since(start)
	return result
}

func (r *Result) fail(err error) *Result {
	r.Error = err
	r.ErrorDetail = classifyError(err)
	return r
}

// statusCheck sends a credential status poll and waits for the
// coordinator's TOKEN_STATUS reply.
func statusCheck(ctx context.Context, nc net.Conn, endpoint string) (string, error) {
	conn := protocol.NewConn(nc)
	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
	}

	if err := conn.WriteMessage(protocol.EncodeStatusCheck(endpoint)); err != nil {
		return "", fmt.Errorf("failed to send status check: %w", err)
	}

	msg, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("failed to read status reply: %w", err)
	}

	status, _, ok := msg.TokenStatus()
	if !ok {
		return "", fmt.Errorf("unexpected reply %q, want %s", msg.Tag, protocol.TagTokenStatus)
	}
	return status, nil
}

// probeTLSConfig builds the dialing TLS config. Chain verification is
// always skipped so self-signed coordinators can be probed; the served
// certificate is recorded into result, and an optional pin becomes the
// trust decision.
func probeTLSConfig(opts Options, result *Result) *tls.Config {
	return &tls.Config{
		ServerName:         serverName(opts.Address),
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			var leaf *x509.Certificate
			for _, raw := range rawCerts {
				cert, err := x509.ParseCertificate(raw)
				if err != nil {
					continue
				}
				if leaf == nil {
					leaf = cert
					result.Fingerprint = certutil.Fingerprint(cert)
					result.NotAfter = cert.NotAfter
				}
				if opts.Pin != "" && certutil.VerifyFingerprint(cert, opts.Pin) {
					return nil
				}
			}
			if opts.Pin != "" {
				if result.Fingerprint != "" {
					return fmt.Errorf("certificate fingerprint %s does not match pin %s", result.Fingerprint, opts.Pin)
				}
				return fmt.Errorf("no certificate presented to match pin %s", opts.Pin)
			}
			return nil
		},
	}
}

// serverName extracts the SNI host from a probe address.
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

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	// Connection errors
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if strings.Contains(errStr, "connection refused") {
			return "Connection refused - coordinator not running or port blocked"
		}
		if strings.Contains(errStr, "no route to host") {
			return "No route to host - network unreachable"
		}
		if strings.Contains(errStr, "network is unreachable") {
			return "Network unreachable"
		}
	}

	// Timeout errors
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Connection timed out - firewall may be blocking"
	}

	// Pin mismatches before generic TLS errors
	if strings.Contains(errStr, "pin") {
		return "Certificate mismatch - " + errStr
	}

	// TLS errors
	if strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls") || strings.Contains(errStr, "x509") {
		if strings.Contains(errStr, "expired") {
			return "TLS error - certificate has expired"
		}
		return "TLS handshake failed - " + err.Error()
	}

	// Protocol errors
	if strings.Contains(errStr, "unexpected reply") || strings.Contains(errStr, "status reply") {
		return "Connected but received invalid response - not a drover coordinator?"
	}

	return err.Error()
}

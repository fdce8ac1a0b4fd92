// Package session implements the per-connection state machine of the
// coordinator: first-message dispatch, credential request handling, and
// the authenticated serve loop feeding the connection registry.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/droverhq/drover/internal/credential"
	"github.com/droverhq/drover/internal/logging"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/notify"
	"github.com/droverhq/drover/internal/protocol"
	"github.com/droverhq/drover/internal/recovery"
	"github.com/droverhq/drover/internal/registry"
)

const (
	// DefaultHandshakeTimeout bounds the wait for a connection's first frame.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultPollTimeout bounds the idle gap between credential status
	// polls. Agents poll every few seconds, so this only fires on dead or
	// misbehaving peers.
	DefaultPollTimeout = 90 * time.Second

	// DefaultRequestBurst is the per-origin burst for fresh credential
	// requests.
	DefaultRequestBurst = 3
)

// Config contains configuration for a session handler.
type Config struct {
	Store    credential.Store
	Registry *registry.Registry
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	HandshakeTimeout time.Duration
	PollTimeout      time.Duration

	// MaxFrameSize caps inbound wire payloads. Zero means the protocol
	// default.
	MaxFrameSize uint32

	// RequestLimit throttles fresh credential requests per origin host.
	// Status polls are never limited. Zero means one per minute.
	RequestLimit rate.Limit
	RequestBurst int
}

// Handler authenticates inbound connections and services them until they
// close. One Handler serves all connections; each connection runs in its
// own goroutine via Handle.
type Handler struct {
	store    credential.Store
	registry *registry.Registry
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger

	handshakeTimeout time.Duration
	pollTimeout      time.Duration
	maxFrameSize     uint32

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewHandler creates a session handler.
func NewHandler(cfg Config) *Handler {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.RequestLimit <= 0 {
		cfg.RequestLimit = rate.Every(time.Minute)
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = DefaultRequestBurst
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Handler{
		store:            cfg.Store,
		registry:         cfg.Registry,
		notifier:         cfg.Notifier,
		metrics:          m,
		logger:           logger,
		handshakeTimeout: cfg.HandshakeTimeout,
		pollTimeout:      cfg.PollTimeout,
		maxFrameSize:     cfg.MaxFrameSize,
		limiters:         make(map[string]*rate.Limiter),
		limit:            cfg.RequestLimit,
		burst:            cfg.RequestBurst,
	}
}

// Handle runs the session state machine for one accepted connection. It
// returns when the connection is closed. The first frame decides the
// path: TOKEN_REQUEST enters the credential flow, REGISTER the
// authentication flow. Anything else closes silently.
func (h *Handler) Handle(ctx context.Context, nc net.Conn) {
	defer recovery.RecoverWithLog(h.logger, "session")

	conn := protocol.NewConnSize(nc, h.maxFrameSize)

	conn.SetReadDeadline(time.Now().Add(h.handshakeTimeout))
	msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}

	switch msg.Tag {
	case protocol.TagTokenRequest:
		h.metrics.RecordSession("token_request")
		h.handleTokenRequest(ctx, conn, msg)
	case protocol.TagRegister:
		h.metrics.RecordSession("register")
		h.handleRegister(ctx, conn, msg)
	default:
		// No reply before authentication.
		conn.Close()
	}
}

// handleTokenRequest services the credential request flow: a one-shot
// status check, or a fresh request followed by the poll loop.
func (h *Handler) handleTokenRequest(ctx context.Context, conn *protocol.Conn, msg protocol.Message) {
	defer conn.Close()

	endpoint, origin, ok := msg.TokenRequest()
	if !ok {
		return
	}

	log := h.logger.With(logging.KeyEndpoint, endpoint, logging.KeyRemoteAddr, remoteAddr(conn))

	if origin == protocol.OriginStatusCheck {
		h.metrics.RecordCredentialRequest("status_check")
		h.replyCurrentStatus(ctx, conn, endpoint, log)
		return
	}
	if origin == "" {
		origin = remoteAddr(conn)
	}

	if !h.allowRequest(origin) {
		// Over-limit requests are answered as pending without touching
		// the store; the poll loop below reports the truth via Lookup.
		h.metrics.RecordCredentialRequest("rate_limited")
		log.Warn("credential request rate limited", "origin", origin)
		if err := conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusPending, "")); err != nil {
			return
		}
		h.pollLoop(ctx, conn, endpoint, log)
		return
	}

	rec, created, err := h.store.Request(ctx, endpoint, origin)
	if err != nil {
		log.Error("credential request failed", logging.KeyError, err)
		return
	}

	if created {
		h.metrics.RecordCredentialRequest("created")
		h.notifier.Publish(notify.TokenRequest{Endpoint: endpoint, Origin: origin, At: time.Now()})
		log.Info("credential request awaiting approval", "origin", origin)
	} else {
		h.metrics.RecordCredentialRequest("existing")
	}

	if rec.Status == credential.StatusApproved {
		// Already approved: hand the secret straight back.
		conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusApproved, rec.Secret))
		return
	}

	if err := conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusPending, "")); err != nil {
		return
	}
	h.pollLoop(ctx, conn, endpoint, log)
}

// pollLoop answers repeated status polls on the same connection until the
// request reaches a final decision, the peer leaves, or the poll idles
// out. Only TOKEN_REQUEST frames for the same endpoint are accepted.
func (h *Handler) pollLoop(ctx context.Context, conn *protocol.Conn, endpoint string, log *slog.Logger) {
	for {
		conn.SetReadDeadline(time.Now().Add(h.pollTimeout))
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		polled, _, ok := msg.TokenRequest()
		if !ok || polled != endpoint {
			return
		}
		if final := h.replyCurrentStatus(ctx, conn, endpoint, log); final {
			return
		}
	}
}

// replyCurrentStatus reports the credential's current status to the peer.
// Approvals include the secret. It returns true when the decision is
// final and the connection should close.
func (h *Handler) replyCurrentStatus(ctx context.Context, conn *protocol.Conn, endpoint string, log *slog.Logger) bool {
	rec, err := h.store.Lookup(ctx, endpoint)
	if err != nil {
		if !errors.Is(err, credential.ErrNotFound) {
			log.Error("credential lookup failed", logging.KeyError, err)
		}
		conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusInvalid, ""))
		return true
	}

	switch rec.Status {
	case credential.StatusApproved:
		log.Info("credential delivered", logging.KeyStatus, rec.Status.String())
		conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusApproved, rec.Secret))
		return true
	case credential.StatusPending:
		conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusPending, ""))
		return false
	case credential.StatusDenied:
		conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusDenied, ""))
		return true
	default:
		conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusRevoked, ""))
		return true
	}
}

// handleRegister authenticates a REGISTER message against the store.
//
//	record absent            -> invalid, close
//	secret mismatch          -> invalid, close
//	status revoked           -> revoked, close
//	status pending or denied -> invalid, close
//	status approved          -> approved, register and serve
func (h *Handler) handleRegister(ctx context.Context, conn *protocol.Conn, msg protocol.Message) {
	endpoint, secret, ok := msg.Register()
	if !ok {
		conn.Close()
		return
	}

	log := h.logger.With(logging.KeyEndpoint, endpoint, logging.KeyRemoteAddr, remoteAddr(conn))

	rec, err := h.store.Lookup(ctx, endpoint)
	if errors.Is(err, credential.ErrNotFound) {
		h.refuse(conn, protocol.StatusInvalid, log)
		return
	}
	if err != nil {
		log.Error("credential lookup failed", logging.KeyError, err)
		conn.Close()
		return
	}

	if !credential.SecretEqual(rec.Secret, secret) {
		h.refuse(conn, protocol.StatusInvalid, log)
		return
	}

	switch rec.Status {
	case credential.StatusApproved:
	case credential.StatusRevoked:
		h.refuse(conn, protocol.StatusRevoked, log)
		return
	default:
		h.refuse(conn, protocol.StatusInvalid, log)
		return
	}

	h.metrics.RecordAuthResult(protocol.StatusApproved)
	h.serve(ctx, conn, endpoint, log)
}

// refuse reports a registration failure and closes. The write is
// best-effort; an unauthenticated peer learns nothing beyond the status.
func (h *Handler) refuse(conn *protocol.Conn, status string, log *slog.Logger) {
	h.metrics.RecordAuthResult(status)
	log.Warn("registration refused", logging.KeyStatus, status)
	conn.WriteMessage(protocol.EncodeTokenStatus(status, ""))
	conn.Close()
}

// serve owns an authenticated connection. It registers the endpoint,
// confirms the registration to the peer, then pumps frames until the
// transport dies: RESULT messages feed the dispatcher through the
// registry entry, everything else is dropped.
func (h *Handler) serve(ctx context.Context, conn *protocol.Conn, endpoint string, log *slog.Logger) {
	conn.SetReadDeadline(time.Time{})

	entry := registry.NewEntry(endpoint, conn)
	log = log.With(logging.KeySessionID, entry.SessionID)

	if prev := h.registry.Register(entry); prev != nil {
		// A reconnect supersedes the old entry; close its transport so
		// the old handler unblocks and tears itself down.
		prev.Conn.Close()
		h.metrics.RecordSupersede()
		log.Info("superseded previous session", "previous_session", prev.SessionID)
	}
	h.metrics.RecordRegister()

	if err := conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusApproved, "")); err != nil {
		h.teardown(conn, endpoint, entry, log)
		return
	}
	log.Info("endpoint registered")

	// Shutdown closes the conn, which unblocks the read below.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msg.Tag {
		case protocol.TagResult:
			entry.PushResult(msg)
		default:
			log.Debug("unexpected message from registered endpoint", "tag", msg.Tag)
		}
	}

	h.teardown(conn, endpoint, entry, log)
}

// teardown removes the registry entry if it still belongs to this
// session and closes the transport. A superseding registration keeps its
// own entry.
func (h *Handler) teardown(conn *protocol.Conn, endpoint string, entry *registry.Entry, log *slog.Logger) {
	entry.MarkGone()
	if h.registry.Remove(endpoint, entry) {
		h.metrics.RecordDisconnect()
		log.Info("endpoint disconnected")
	}
	conn.Close()
}

// allowRequest applies the per-origin token bucket to a fresh credential
// request. Origins are keyed by host so reconnects from changing source
// ports share a bucket.
func (h *Handler) allowRequest(origin string) bool {
	host := origin
	if hp, _, err := net.SplitHostPort(origin); err == nil {
		host = hp
	}

	h.mu.Lock()
	lim, ok := h.limiters[host]
	if !ok {
		lim = rate.NewLimiter(h.limit, h.burst)
		h.limiters[host] = lim
	}
	h.mu.Unlock()

	return lim.Allow()
}

func remoteAddr(conn *protocol.Conn) string {
	if ra := conn.RemoteAddr(); ra != nil {
		return ra.String()
	}
	return ""
}

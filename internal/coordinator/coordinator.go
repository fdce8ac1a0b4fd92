// Package coordinator assembles the serving side of drover: the
// credential store, connection registry, session handler, dispatcher,
// transport listeners, and the optional health server. One Coordinator
// serves all configured listeners.
package coordinator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/droverhq/drover/internal/certutil"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/credential"
	"github.com/droverhq/drover/internal/dispatch"
	"github.com/droverhq/drover/internal/health"
	"github.com/droverhq/drover/internal/logging"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/notify"
	"github.com/droverhq/drover/internal/registry"
	"github.com/droverhq/drover/internal/session"
	"github.com/droverhq/drover/internal/transport"
)

// certExpiryWarning is how far ahead of certificate expiry startup
// begins warning.
const certExpiryWarning = 30 * 24 * time.Hour

// Coordinator owns the components of a running coordinator process.
// Build one with New, then either call Run with a context, or drive
// Start and Stop directly.
type Coordinator struct {
	cfg        config.CoordinatorConfig
	store      credential.Store
	registry   *registry.Registry
	notifier   *notify.Notifier
	metrics    *metrics.Metrics
	dispatcher *dispatch.Dispatcher
	sessions   *session.Handler
	health     *health.Server
	logger     *slog.Logger

	listeners []transport.Listener

	// baseCtx parents every session; cancelling it tears them down.
	baseCtx context.Context
	cancel  context.CancelFunc

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a coordinator from its configuration. The caller opens
// the credential store and keeps ownership of it; the coordinator only
// uses it.
func New(cfg config.CoordinatorConfig, store credential.Store, logger *slog.Logger) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("credential store required")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	m := metrics.Default()
	reg := registry.New()
	notifier := notify.NewNotifier()

	dispatcher := dispatch.New(dispatch.Config{
		Registry:        reg,
		Metrics:         m,
		Logger:          logger,
		ResponseTimeout: cfg.ResponseTimeout,
	})

	sessions := session.NewHandler(session.Config{
		Store:            store,
		Registry:         reg,
		Notifier:         notifier,
		Metrics:          m,
		Logger:           logger,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PollTimeout:      cfg.PollTimeout,
		MaxFrameSize:     uint32(cfg.MaxFrameSize),
		RequestLimit:     rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		RequestBurst:     cfg.RequestBurst,
	})

	baseCtx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cfg:        cfg,
		store:      store,
		registry:   reg,
		notifier:   notifier,
		metrics:    m,
		dispatcher: dispatcher,
		sessions:   sessions,
		logger:     logger,
		baseCtx:    baseCtx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
	}

	if cfg.Health.Enabled {
		c.health = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, c)
	}

	return c, nil
}

// Run starts the coordinator, blocks until ctx is cancelled, then stops
// it.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Stop()
}

// Start brings up every configured listener and the optional health
// server. On failure everything already started is closed again.
func (c *Coordinator) Start() error {
	if c.running.Load() {
		return fmt.Errorf("coordinator already running")
	}
	c.running.Store(true)

	// Requests that arrived before a restart still need operator
	// attention, so the pending badge starts from the store.
	if pending, err := c.store.Pending(c.baseCtx); err != nil {
		c.logger.Warn("failed to load pending credential requests",
			logging.KeyError, err)
	} else {
		c.notifier.SetPendingCount(len(pending))
	}

	for _, lc := range c.cfg.Listeners {
		if err := c.startListener(lc); err != nil {
			c.logger.Error("failed to start listener",
				logging.KeyAddress, lc.Address,
				logging.KeyTransport, lc.Transport,
				logging.KeyError, err)
			c.unwind()
			return fmt.Errorf("start listener %s: %w", lc.Address, err)
		}
	}

	if c.health != nil {
		if err := c.health.Start(); err != nil {
			c.logger.Error("failed to start health server",
				logging.KeyAddress, c.cfg.Health.Address,
				logging.KeyError, err)
			c.unwind()
			return fmt.Errorf("start health server: %w", err)
		}
		c.logger.Info("health server started",
			logging.KeyAddress, c.health.Address())
	}

	c.logger.Info("coordinator started",
		"listeners", len(c.listeners),
		"database", c.cfg.Database)

	return nil
}

// startListener builds the TLS configuration for one listener, binds
// it, and spawns its accept loop.
func (c *Coordinator) startListener(lc config.ListenerConfig) error {
	typ, err := transport.ParseType(lc.Transport)
	if err != nil {
		return err
	}

	var tlsConfig *tls.Config
	switch {
	case typ == transport.TypeTCP:
		// Plain TCP carries no certificate.
	case typ == transport.TypeWS && lc.TLS.Mode == "":
		c.logger.Warn("websocket listener without TLS; use only behind a trusted reverse proxy",
			logging.KeyAddress, lc.Address)
	default:
		tlsConfig, err = transport.ServerTLSConfig(transport.TLSSettings{
			Mode:       transport.CertMode(lc.TLS.Mode),
			CertFile:   lc.TLS.Cert,
			KeyFile:    lc.TLS.Key,
			CommonName: lc.TLS.CommonName,
			ACMEHosts:  lc.TLS.ACMEHosts,
			ACMECache:  lc.TLS.ACMECache,
		})
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
		c.logCertificate(lc.Address, tlsConfig)
	}

	ln, err := transport.Listen(typ, lc.Address, transport.Options{
		TLSConfig: tlsConfig,
		Path:      lc.Path,
	})
	if err != nil {
		return err
	}

	c.listeners = append(c.listeners, ln)

	c.logger.Info("listener started",
		logging.KeyAddress, ln.Addr().String(),
		logging.KeyTransport, lc.Transport)

	c.wg.Add(1)
	go c.acceptLoop(ln)

	return nil
}

// logCertificate reports the serving certificate fingerprint so
// operators can hand it to agents as a pin, and warns when it is
// expired or close to it. ACME listeners fetch certificates lazily and
// have nothing to report at startup.
func (c *Coordinator) logCertificate(addr string, cfg *tls.Config) {
	if len(cfg.Certificates) == 0 || cfg.Certificates[0].Leaf == nil {
		return
	}
	leaf := cfg.Certificates[0].Leaf

	c.logger.Info("listener certificate",
		logging.KeyAddress, addr,
		"fingerprint", certutil.Fingerprint(leaf),
		"expires", leaf.NotAfter.Format(time.RFC3339))

	if certutil.IsExpired(leaf) {
		c.logger.Warn("listener certificate is expired",
			logging.KeyAddress, addr)
	} else if certutil.IsExpiringSoon(leaf, certExpiryWarning) {
		c.logger.Warn("listener certificate expires soon",
			logging.KeyAddress, addr,
			"expires", leaf.NotAfter.Format(time.RFC3339))
	}
}

// acceptLoop accepts connections until the coordinator stops or the
// listener is closed. Each connection gets its own session goroutine.
func (c *Coordinator) acceptLoop(ln transport.Listener) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		nc, err := ln.Accept(c.baseCtx)
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Debug("accept error",
				logging.KeyLocalAddr, ln.Addr().String(),
				logging.KeyError, err)
			continue
		}

		c.wg.Add(1)
		go c.handleConn(nc)
	}
}

func (c *Coordinator) handleConn(nc net.Conn) {
	defer c.wg.Done()
	c.sessions.Handle(c.baseCtx, nc)
}

// Stop closes the listeners, cancels every session, and waits for the
// goroutines to drain. Safe to call more than once.
func (c *Coordinator) Stop() error {
	c.stopOnce.Do(func() {
		c.logger.Info("stopping coordinator")
		c.running.Store(false)
		close(c.stopCh)

		if c.health != nil {
			c.health.Stop()
		}

		// Stop intake first, then tear down the established sessions.
		c.closeListeners()
		c.cancel()

		c.wg.Wait()
		c.logger.Info("coordinator stopped")
	})
	return nil
}

// StopWithContext stops with a deadline. Sessions stuck mid-handshake
// hold their connection until the handshake timeout, so shutdown gives
// up on them rather than wait.
func (c *Coordinator) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- c.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) unwind() {
	c.closeListeners()
	c.cancel()
	c.running.Store(false)
}

func (c *Coordinator) closeListeners() {
	for _, ln := range c.listeners {
		ln.Close()
	}
	c.listeners = nil
}

// IsRunning reports whether Start has succeeded and Stop has not run.
func (c *Coordinator) IsRunning() bool {
	return c.running.Load()
}

// Stats summarizes the coordinator for the health endpoint.
func (c *Coordinator) Stats() health.Stats {
	return health.Stats{
		ConnectedEndpoints: c.registry.Len(),
		PendingRequests:    c.notifier.PendingCount(),
		Listeners:          len(c.listeners),
	}
}

// Addrs returns the bound listener addresses, in configuration order.
// Useful when listeners are configured on port 0.
func (c *Coordinator) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(c.listeners))
	for _, ln := range c.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Registry exposes the connection registry to the console.
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// Notifier exposes the credential request notifier to the console.
func (c *Coordinator) Notifier() *notify.Notifier {
	return c.notifier
}

// Dispatcher exposes the command dispatcher to the console.
func (c *Coordinator) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

// Store exposes the credential store the coordinator was built with.
func (c *Coordinator) Store() credential.Store {
	return c.store
}

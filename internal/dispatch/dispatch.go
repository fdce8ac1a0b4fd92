// Package dispatch implements the operator-facing command dispatcher:
// one synchronous command round-trip per call against a connected
// endpoint, serialized per connection.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/droverhq/drover/internal/logging"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/protocol"
	"github.com/droverhq/drover/internal/registry"
)

const (
	// DefaultResponseTimeout bounds the wait for a command result. It
	// sits above the agent's execution timeout so a slow command is
	// reported by the agent, not cut off here.
	DefaultResponseTimeout = 35 * time.Second

	// DefaultDrainWait bounds the wait for each late reply still owed
	// from a previous timed-out command before giving up with ErrBusy.
	DefaultDrainWait = 2 * time.Second
)

var (
	// ErrNotConnected is returned when the endpoint has no live connection.
	ErrNotConnected = errors.New("endpoint is not connected")

	// ErrSendFailed is returned when the command could not be written.
	ErrSendFailed = errors.New("failed to send command")

	// ErrTimeout is returned when no result arrived in time. The
	// connection stays open; the reply is drained before the next command.
	ErrTimeout = errors.New("timed out waiting for command result")

	// ErrBusy is returned when a previous command's reply is still
	// outstanding and did not arrive within the drain window.
	ErrBusy = errors.New("previous command still running")

	// ErrDisconnected is returned when the endpoint went away mid-exchange.
	ErrDisconnected = errors.New("endpoint disconnected")

	// ErrMalformedResponse is returned when the result payload is missing
	// its output separator.
	ErrMalformedResponse = errors.New("malformed command result")
)

// Output is the captured output of one remote command.
type Output struct {
	Stdout string
	Stderr string
}

// Config contains configuration for a dispatcher.
type Config struct {
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	ResponseTimeout time.Duration
	DrainWait       time.Duration
}

// Dispatcher performs synchronous command round-trips over registry
// entries. Safe for concurrent use; per-endpoint exchanges are
// serialized by the entry's dispatch lock.
type Dispatcher struct {
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	responseTimeout time.Duration
	drainWait       time.Duration
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.DrainWait <= 0 {
		cfg.DrainWait = DefaultDrainWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &Dispatcher{
		registry:        cfg.Registry,
		metrics:         m,
		logger:          logger,
		responseTimeout: cfg.ResponseTimeout,
		drainWait:       cfg.DrainWait,
	}
}

// Run sends one command to a connected endpoint and waits for its
// result. Concurrent calls against the same endpoint are serialized so
// two round-trips never interleave on one transport.
func (d *Dispatcher) Run(ctx context.Context, endpoint, command string) (Output, error) {
	entry, ok := d.registry.Get(endpoint)
	if !ok {
		d.metrics.RecordDispatch(outcome(ErrNotConnected), 0)
		return Output{}, ErrNotConnected
	}

	entry.DispatchMu.Lock()
	defer entry.DispatchMu.Unlock()

	start := time.Now()
	out, err := d.exchange(ctx, entry, command)
	d.metrics.RecordDispatch(outcome(err), time.Since(start).Seconds())
	if err != nil {
		d.logger.Debug("dispatch failed",
			logging.KeyEndpoint, endpoint,
			logging.KeySessionID, entry.SessionID,
			logging.KeyError, err)
	}
	return out, err
}

func (d *Dispatcher) exchange(ctx context.Context, entry *registry.Entry, command string) (Output, error) {
	// Discard anything already buffered. Each drained message settles an
	// owed late reply when one is outstanding; the rest was unsolicited.
	for {
		select {
		case <-entry.Results:
			entry.DropStale()
			continue
		default:
		}
		break
	}

	// Wait out replies still owed from previous timeouts so the next
	// result on the wire belongs to this command.
	for entry.StaleCount() > 0 {
		select {
		case <-entry.Results:
			entry.DropStale()
		case <-entry.Gone():
			return Output{}, ErrDisconnected
		case <-time.After(d.drainWait):
			return Output{}, ErrBusy
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
	}

	select {
	case <-entry.Gone():
		return Output{}, ErrDisconnected
	default:
	}

	if err := entry.Conn.WriteMessage(protocol.EncodeCommand(command)); err != nil {
		// The session's reader notices the closed transport and cleans up.
		entry.Conn.Close()
		return Output{}, ErrSendFailed
	}

	select {
	case msg := <-entry.Results:
		stdout, stderr, ok := msg.Result()
		if !ok {
			return Output{}, ErrMalformedResponse
		}
		return Output{Stdout: stdout, Stderr: stderr}, nil
	case <-entry.Gone():
		return Output{}, ErrDisconnected
	case <-time.After(d.responseTimeout):
		entry.AddStale()
		return Output{}, ErrTimeout
	case <-ctx.Done():
		entry.AddStale()
		return Output{}, ctx.Err()
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrSendFailed):
		return "send_failed"
	case errors.Is(err, ErrDisconnected):
		return "disconnected"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	default:
		return "error"
	}
}

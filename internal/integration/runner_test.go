// Package integration exercises the coordinator and agent together over
// real transports: credential requests, operator decisions, registration,
// and command dispatch against live listeners.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/agent"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/coordinator"
	"github.com/droverhq/drover/internal/credential"
	"github.com/droverhq/drover/internal/logging"
	"github.com/droverhq/drover/internal/protocol"
	"github.com/droverhq/drover/internal/registry"
)

// env is a running coordinator with its credential store, bound to an
// ephemeral loopback port over one transport.
type env struct {
	coordinator *coordinator.Coordinator
	store       credential.Store
	transport   string
	addr        string
}

// newEnv starts a coordinator listening on 127.0.0.1:0 over the given
// transport. Everything except plain tcp serves a self-signed
// certificate; agents dial with Insecure set, the way a fresh
// deployment runs before a fingerprint is pinned.
func newEnv(t *testing.T, transportName string) *env {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := credential.Open(ctx, filepath.Join(t.TempDir(), "drover.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := coordinatorConfig(transportName)
	c, err := coordinator.New(cfg, store, logging.NopLogger())
	if err != nil {
		t.Fatalf("create coordinator: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(func() { c.Stop() })

	return &env{
		coordinator: c,
		store:       store,
		transport:   transportName,
		addr:        c.Addrs()[0].String(),
	}
}

func coordinatorConfig(transportName string) config.CoordinatorConfig {
	lc := config.ListenerConfig{
		Transport: transportName,
		Address:   "127.0.0.1:0",
	}
	if transportName != "tcp" {
		lc.TLS = config.TLSConfig{Mode: "selfsigned", CommonName: "drover-test"}
	}

	cfg := config.Default().Coordinator
	cfg.Listeners = []config.ListenerConfig{lc}
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.PollTimeout = 5 * time.Second
	cfg.ResponseTimeout = 5 * time.Second
	cfg.Health.Enabled = false
	return cfg
}

// agentHandle is an agent running its connect cycle in the background.
type agentHandle struct {
	agent     *agent.Agent
	tokenFile string
	cancel    context.CancelFunc
	done      chan error
}

// startAgent runs an agent against the env coordinator with timings
// shrunk so approvals, denials, and reconnects play out in tens of
// milliseconds instead of tens of seconds.
func startAgent(t *testing.T, e *env, endpoint string) *agentHandle {
	t.Helper()
	return launchAgent(t, e, endpoint, "")
}

// startAgentWithToken runs an agent whose token file is pre-populated,
// as after an out-of-band provisioning or with a stale secret.
func startAgentWithToken(t *testing.T, e *env, endpoint, secret string) *agentHandle {
	t.Helper()
	return launchAgent(t, e, endpoint, secret)
}

func launchAgent(t *testing.T, e *env, endpoint, secret string) *agentHandle {
	t.Helper()

	tokenFile := filepath.Join(t.TempDir(), "drover-token")
	if secret != "" {
		if err := os.WriteFile(tokenFile, []byte(secret+"\n"), 0600); err != nil {
			t.Fatalf("seed token: %v", err)
		}
	}
	a, err := agent.New(agent.Config{
		Endpoint:      endpoint,
		Transport:     e.transport,
		Address:       e.addr,
		TokenFile:     tokenFile,
		Insecure:      true,
		DialTimeout:   2 * time.Second,
		ExecTimeout:   5 * time.Second,
		PollInterval:  50 * time.Millisecond,
		ReconnectWait: 100 * time.Millisecond,
		Logger:        logging.NopLogger(),
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &agentHandle{
		agent:     a,
		tokenFile: tokenFile,
		cancel:    cancel,
		done:      make(chan error, 1),
	}
	go func() { h.done <- a.Run(ctx) }()

	t.Cleanup(func() { h.stop(t) })
	return h
}

// stop cancels the agent run loop and waits for it to exit.
func (h *agentHandle) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Error("agent did not stop after cancel")
	}
}

// token returns the current content of the agent's token file, or ""
// when the file does not exist.
func (h *agentHandle) token() string {
	data, err := os.ReadFile(h.tokenFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitPending blocks until the endpoint has a pending credential
// request on file.
func waitPending(t *testing.T, e *env, endpoint string) {
	t.Helper()
	waitFor(t, "pending request for "+endpoint, func() bool {
		rec, err := e.store.Lookup(context.Background(), endpoint)
		return err == nil && rec.Status == credential.StatusPending
	})
}

// approve waits for the endpoint's request to arrive, then approves it
// the way an operator would.
func approve(t *testing.T, e *env, endpoint string) credential.Record {
	t.Helper()
	waitPending(t, e, endpoint)
	rec, err := e.store.Approve(context.Background(), endpoint)
	if err != nil {
		t.Fatalf("approve %s: %v", endpoint, err)
	}
	return rec
}

// waitRegistered blocks until the endpoint shows up in the connection
// registry and returns its entry.
func waitRegistered(t *testing.T, e *env, endpoint string) *registry.Entry {
	t.Helper()
	var entry *registry.Entry
	waitFor(t, endpoint+" to register", func() bool {
		got, ok := e.coordinator.Registry().Get(endpoint)
		entry = got
		return ok
	})
	return entry
}

// kick pushes a terminal status to a registered endpoint and closes its
// connection, mirroring what the operator console does on revoke and
// delete. The matching store change is the caller's business.
func kick(t *testing.T, e *env, endpoint, status string) {
	t.Helper()
	entry, ok := e.coordinator.Registry().Get(endpoint)
	if !ok {
		t.Fatalf("kick %s: not registered", endpoint)
	}
	entry.Conn.WriteMessage(protocol.EncodeTokenStatus(status, ""))
	entry.Conn.Close()
}

// dispatch runs a command on the endpoint through the coordinator's
// dispatcher and returns the trimmed stdout.
func dispatch(t *testing.T, e *env, endpoint, command string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := e.coordinator.Dispatcher().Run(ctx, endpoint, command)
	if err != nil {
		t.Fatalf("dispatch %q to %s: %v", command, endpoint, err)
	}
	return strings.TrimSpace(out.Stdout)
}

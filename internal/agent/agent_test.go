package agent

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/protocol"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testConfig(t *testing.T, addr, tokenFile string) Config {
	t.Helper()
	return Config{
		Endpoint:      "ep-test",
		Transport:     "tcp",
		Address:       addr,
		TokenFile:     tokenFile,
		DialTimeout:   2 * time.Second,
		PollInterval:  20 * time.Millisecond,
		ReconnectWait: 20 * time.Millisecond,
	}
}

func TestNew_Defaults(t *testing.T) {
	a, err := New(Config{Transport: "tcp", Address: "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	host, _ := os.Hostname()
	if host != "" && a.Endpoint() != host {
		t.Errorf("Endpoint() = %q, want hostname %q", a.Endpoint(), host)
	}
	if a.cfg.TokenFile != DefaultTokenFile {
		t.Errorf("TokenFile = %q, want %q", a.cfg.TokenFile, DefaultTokenFile)
	}
	if a.cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", a.cfg.PollInterval)
	}
}

func TestNew_InvalidTransport(t *testing.T) {
	if _, err := New(Config{Transport: "carrier-pigeon", Address: "127.0.0.1:1"}); err == nil {
		t.Error("New() should reject an unknown transport")
	}
}

func TestNew_MissingAddress(t *testing.T) {
	if _, err := New(Config{Transport: "tcp"}); err == nil {
		t.Error("New() should require an address")
	}
}

func TestAgent_ObtainCredential(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	tokenPath := filepath.Join(t.TempDir(), "token")

	// Fake coordinator: pending on the fresh request, approval on the
	// first poll, then accept the follow-up registration.
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn := protocol.NewConn(nc)
		defer conn.Close()

		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if endpoint, origin, ok := msg.TokenRequest(); !ok || endpoint != "ep-test" || origin == protocol.OriginStatusCheck {
			return
		}
		conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusPending, ""))

		msg, err = conn.ReadMessage()
		if err != nil || !msg.IsStatusCheck() {
			return
		}
		conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusApproved, "sec-123"))

		// The agent reconnects to register with the new credential
		nc2, err := ln.Accept()
		if err != nil {
			return
		}
		conn2 := protocol.NewConn(nc2)
		defer conn2.Close()
		if msg, err := conn2.ReadMessage(); err == nil {
			if _, secret, ok := msg.Register(); ok && secret == "sec-123" {
				conn2.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusApproved, ""))
			}
		}
		conn2.ReadMessage() // hold until the agent shuts down
	}()

	a, err := New(testConfig(t, ln.Addr().String(), tokenPath))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		data, err := os.ReadFile(tokenPath)
		return err == nil && string(data) == "sec-123"
	})

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestAgent_ServeCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping shell test on Windows")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	tokenPath := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenPath, []byte("sec-456"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	resultCh := make(chan string, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn := protocol.NewConn(nc)
		defer conn.Close()

		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		endpoint, secret, ok := msg.Register()
		if !ok || endpoint != "ep-test" || secret != "sec-456" {
			return
		}
		conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusApproved, ""))

		conn.WriteMessage(protocol.EncodeCommand("echo roundtrip"))
		msg, err = conn.ReadMessage()
		if err != nil {
			return
		}
		if stdout, _, ok := msg.Result(); ok {
			resultCh <- stdout
		}
		conn.ReadMessage() // hold until the agent shuts down
	}()

	a, err := New(testConfig(t, ln.Addr().String(), tokenPath))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	select {
	case stdout := <-resultCh:
		if !strings.Contains(stdout, "roundtrip") {
			t.Errorf("stdout = %q, want to contain roundtrip", stdout)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no command result before timeout")
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestAgent_InvalidVerdictDeletesToken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	tokenPath := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenPath, []byte("stale-secret"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn := protocol.NewConn(nc)
		if _, err := conn.ReadMessage(); err == nil {
			conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusInvalid, ""))
		}
		conn.Close()

		// The agent falls back to requesting a fresh credential
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			conn := protocol.NewConn(nc)
			if _, err := conn.ReadMessage(); err == nil {
				conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusPending, ""))
			}
			conn.ReadMessage()
			conn.Close()
		}
	}()

	a, err := New(testConfig(t, ln.Addr().String(), tokenPath))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		_, err := os.Stat(tokenPath)
		return os.IsNotExist(err)
	})

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestAgent_RevokedVerdictKeepsToken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	tokenPath := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenPath, []byte("suspended-secret"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	verdictSent := make(chan struct{})
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn := protocol.NewConn(nc)
		if _, err := conn.ReadMessage(); err == nil {
			conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusRevoked, ""))
			close(verdictSent)
		}
		conn.Close()
	}()

	a, err := New(testConfig(t, ln.Addr().String(), tokenPath))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	select {
	case <-verdictSent:
	case <-time.After(5 * time.Second):
		t.Fatal("no registration before timeout")
	}

	// Give the agent time to act on the verdict, then check the file
	// survived. Revoked credentials can be renewed by the operator.
	time.Sleep(100 * time.Millisecond)
	if _, err := os.Stat(tokenPath); err != nil {
		t.Errorf("token file should survive a revoked verdict: %v", err)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestAgent_DeletedMidServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	tokenPath := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenPath, []byte("doomed-secret"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn := protocol.NewConn(nc)
		if _, err := conn.ReadMessage(); err == nil {
			conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusApproved, ""))
			conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusDeleted, ""))
		}
		conn.ReadMessage()
		conn.Close()

		// The agent reconnects to request a fresh credential
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			conn := protocol.NewConn(nc)
			if _, err := conn.ReadMessage(); err == nil {
				conn.WriteMessage(protocol.EncodeTokenStatus(protocol.StatusPending, ""))
			}
			conn.ReadMessage()
			conn.Close()
		}
	}()

	a, err := New(testConfig(t, ln.Addr().String(), tokenPath))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		_, err := os.Stat(tokenPath)
		return os.IsNotExist(err)
	})

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestServerName(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"192.0.2.10:4444", "192.0.2.10"},
		{"c2.example.com:4444", "c2.example.com"},
		{"wss://c2.example.com:443/updates", "c2.example.com"},
		{"ws://10.0.0.5/t", "10.0.0.5"},
		{"bare-host", "bare-host"},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := serverName(tt.addr); got != tt.want {
				t.Errorf("serverName(%q) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}

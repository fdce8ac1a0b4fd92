package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/droverhq/drover/internal/certutil"
)

// serverTLS returns a self-signed serving config and its fingerprint.
func serverTLS(t *testing.T) (*tls.Config, string) {
	t.Helper()
	cfg, err := ServerTLSConfig(TLSSettings{Mode: CertModeSelfSigned, CommonName: "localhost"})
	if err != nil {
		t.Fatalf("ServerTLSConfig failed: %v", err)
	}
	return cfg, certutil.Fingerprint(cfg.Certificates[0].Leaf)
}

// roundTrip dials the listener, writes "hello", and expects it echoed
// back by the accepted connection.
func roundTrip(t *testing.T, typ Type, ln Listener, addr string, dialOpts Options) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			serverErr <- err
			return
		}
		if _, err := conn.Write(buf); err != nil {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	conn, err := Dial(ctx, typ, addr, dialOpts)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo failed: %v", err)
	}
	if got := string(buf); got != "hello" {
		t.Errorf("echo = %q, want %q", got, "hello")
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server side failed: %v", err)
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"tcp", TypeTCP, false},
		{"tls", TypeTLS, false},
		{"ws", TypeWS, false},
		{"quic", TypeQUIC, false},
		{"h2", "", true},
		{"TCP", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTCPRoundTrip(t *testing.T) {
	ln, err := Listen(TypeTCP, "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	roundTrip(t, TypeTCP, ln, ln.Addr().String(), Options{Timeout: 2 * time.Second})
}

func TestTLSRoundTrip(t *testing.T) {
	cfg, fingerprint := serverTLS(t)
	ln, err := Listen(TypeTLS, "127.0.0.1:0", Options{TLSConfig: cfg})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	roundTrip(t, TypeTLS, ln, ln.Addr().String(), Options{
		TLSConfig: ClientTLSConfig("localhost", fingerprint, false),
		Timeout:   2 * time.Second,
	})
}

func TestTLSPinMismatch(t *testing.T) {
	cfg, _ := serverTLS(t)
	ln, err := Listen(TypeTLS, "127.0.0.1:0", Options{TLSConfig: cfg})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		// The TLS accept returns before the handshake runs; the
		// failure surfaces on the first read.
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.Read(make([]byte, 1))
		conn.Close()
	}()

	wrong := "sha256:" + strings.Repeat("00", 32)
	_, err = Dial(ctx, TypeTLS, ln.Addr().String(), Options{
		TLSConfig: ClientTLSConfig("localhost", wrong, false),
		Timeout:   2 * time.Second,
	})
	if err == nil {
		t.Fatal("expected dial error for mismatched pin")
	}
}

func TestTLSListenerRequiresConfig(t *testing.T) {
	if _, err := Listen(TypeTLS, "127.0.0.1:0", Options{}); err == nil {
		t.Error("expected error for tls listener without TLS config")
	}
}

func TestListenerCloseUnblocksAccept(t *testing.T) {
	ln, err := Listen(TypeTCP, "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := ln.Accept(context.Background())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	ln.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected error from Accept after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after Close")
	}
}

func TestAcceptReturnsContextError(t *testing.T) {
	ln, err := Listen(TypeTCP, "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := ln.Accept(ctx)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	ln.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Accept error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return")
	}
}

func TestServerTLSConfigSelfSigned(t *testing.T) {
	cfg, err := ServerTLSConfig(TLSSettings{})
	if err != nil {
		t.Fatalf("ServerTLSConfig failed: %v", err)
	}

	if len(cfg.Certificates) != 1 {
		t.Fatalf("Certificates length = %d, want 1", len(cfg.Certificates))
	}
	leaf := cfg.Certificates[0].Leaf
	if leaf == nil {
		t.Fatal("certificate leaf not populated")
	}
	if leaf.Subject.CommonName != "drover" {
		t.Errorf("CommonName = %q, want %q", leaf.Subject.CommonName, "drover")
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %x, want TLS 1.3", cfg.MinVersion)
	}
}

func TestServerTLSConfigFile(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "srv.crt")
	keyPath := filepath.Join(dir, "srv.key")

	gen, err := certutil.GenerateSelfSigned("file-mode")
	if err != nil {
		t.Fatalf("GenerateSelfSigned failed: %v", err)
	}
	if err := gen.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatalf("SaveToFiles failed: %v", err)
	}

	cfg, err := ServerTLSConfig(TLSSettings{Mode: CertModeFile, CertFile: certPath, KeyFile: keyPath})
	if err != nil {
		t.Fatalf("ServerTLSConfig failed: %v", err)
	}
	leaf := cfg.Certificates[0].Leaf
	if leaf == nil {
		t.Fatal("certificate leaf not populated")
	}
	if leaf.Subject.CommonName != "file-mode" {
		t.Errorf("CommonName = %q, want %q", leaf.Subject.CommonName, "file-mode")
	}
}

func TestServerTLSConfigFileMissing(t *testing.T) {
	if _, err := ServerTLSConfig(TLSSettings{Mode: CertModeFile}); err == nil {
		t.Error("expected error without cert files")
	}
	_, err := ServerTLSConfig(TLSSettings{
		Mode:     CertModeFile,
		CertFile: "/nonexistent/srv.crt",
		KeyFile:  "/nonexistent/srv.key",
	})
	if err == nil {
		t.Error("expected error for missing files")
	}
}

func TestServerTLSConfigACME(t *testing.T) {
	cfg, err := ServerTLSConfig(TLSSettings{
		Mode:      CertModeACME,
		ACMEHosts: []string{"drover.example.com"},
		ACMECache: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("ServerTLSConfig failed: %v", err)
	}
	if cfg.GetCertificate == nil {
		t.Error("acme config should fetch certificates dynamically")
	}

	found := false
	for _, p := range cfg.NextProtos {
		if p == acme.ALPNProto {
			found = true
		}
	}
	if !found {
		t.Error("acme config should advertise the challenge protocol")
	}

	if _, err := ServerTLSConfig(TLSSettings{Mode: CertModeACME}); err == nil {
		t.Error("expected error for acme mode without hosts")
	}
}

func TestServerTLSConfigUnknownMode(t *testing.T) {
	if _, err := ServerTLSConfig(TLSSettings{Mode: "letsencrypt"}); err == nil {
		t.Error("expected error for unknown cert mode")
	}
}

func TestClientTLSConfig(t *testing.T) {
	cfg := ClientTLSConfig("c.example.com", "", false)
	if cfg.InsecureSkipVerify {
		t.Error("default config should verify the chain")
	}
	if cfg.ServerName != "c.example.com" {
		t.Errorf("ServerName = %q, want %q", cfg.ServerName, "c.example.com")
	}

	cfg = ClientTLSConfig("c.example.com", "", true)
	if !cfg.InsecureSkipVerify {
		t.Error("insecure config should skip verification")
	}
	if cfg.VerifyPeerCertificate != nil {
		t.Error("insecure config should not pin")
	}

	cfg = ClientTLSConfig("c.example.com", "sha256:"+strings.Repeat("ab", 32), false)
	if !cfg.InsecureSkipVerify {
		t.Error("pinned config replaces chain verification")
	}
	if cfg.VerifyPeerCertificate == nil {
		t.Error("pinned config should verify fingerprints")
	}
}

func TestWithALPNPreservesACME(t *testing.T) {
	cfg := &tls.Config{NextProtos: []string{"h2", "http/1.1", acme.ALPNProto}}
	got := withALPN(cfg, ALPNProtocol)

	want := []string{ALPNProtocol, acme.ALPNProto}
	if len(got.NextProtos) != len(want) {
		t.Fatalf("NextProtos = %v, want %v", got.NextProtos, want)
	}
	for i := range want {
		if got.NextProtos[i] != want[i] {
			t.Fatalf("NextProtos = %v, want %v", got.NextProtos, want)
		}
	}
	if len(cfg.NextProtos) != 3 {
		t.Error("withALPN should not mutate the input config")
	}
}

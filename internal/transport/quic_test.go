package transport

import (
	"context"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
)

func TestQUICRoundTrip(t *testing.T) {
	cfg, fingerprint := serverTLS(t)
	ln, err := Listen(TypeQUIC, "127.0.0.1:0", Options{TLSConfig: cfg})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	roundTrip(t, TypeQUIC, ln, ln.Addr().String(), Options{
		TLSConfig: ClientTLSConfig("localhost", fingerprint, false),
		Timeout:   2 * time.Second,
	})
}

func TestQUICListenerRequiresConfig(t *testing.T) {
	if _, err := Listen(TypeQUIC, "127.0.0.1:0", Options{}); err == nil {
		t.Error("expected error for quic listener without TLS config")
	}
}

func TestQUICReadDeadlineBeforeStream(t *testing.T) {
	cfg, fingerprint := serverTLS(t)
	ln, err := Listen(TypeQUIC, "127.0.0.1:0", Options{TLSConfig: cfg})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Dial at the QUIC layer without opening a stream, so the accepted
	// conn has nothing to hand out.
	clientCfg := withALPN(ClientTLSConfig("localhost", fingerprint, false), ALPNProtocol)
	qconn, err := quic.DialAddr(ctx, ln.Addr().String(), clientCfg, quicConfig())
	if err != nil {
		t.Fatalf("quic dial failed: %v", err)
	}
	defer qconn.CloseWithError(0, "")

	conn, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline failed: %v", err)
	}
	start := time.Now()
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected read error with no incoming stream")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("read waited %v, the deadline should have bounded it", elapsed)
	}
}

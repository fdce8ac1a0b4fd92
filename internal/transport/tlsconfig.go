package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/droverhq/drover/internal/certutil"
)

// CertMode selects how a TLS-terminating listener obtains its certificate.
type CertMode string

const (
	// CertModeSelfSigned generates a self-signed certificate at startup.
	CertModeSelfSigned CertMode = "selfsigned"
	// CertModeFile loads the certificate and key from files.
	CertModeFile CertMode = "file"
	// CertModeACME obtains certificates from Let's Encrypt.
	CertModeACME CertMode = "acme"
)

// TLSSettings describes the certificate source for a listener.
type TLSSettings struct {
	// Mode defaults to CertModeSelfSigned.
	Mode CertMode

	// CertFile and KeyFile are the PEM files for CertModeFile.
	CertFile string
	KeyFile  string

	// CommonName is the subject for self-signed certificates.
	CommonName string

	// ACMEHosts is the host whitelist for CertModeACME.
	ACMEHosts []string

	// ACMECache is the autocert cache directory. Empty disables
	// caching, so certificates are requested again on restart.
	ACMECache string
}

// ServerTLSConfig builds the serving TLS configuration for a listener.
// For selfsigned and file modes the certificate leaf is populated so
// callers can log the fingerprint and expiry.
func ServerTLSConfig(s TLSSettings) (*tls.Config, error) {
	mode := s.Mode
	if mode == "" {
		mode = CertModeSelfSigned
	}

	switch mode {
	case CertModeSelfSigned:
		name := s.CommonName
		if name == "" {
			name = "drover"
		}
		gen, err := certutil.GenerateSelfSigned(name)
		if err != nil {
			return nil, fmt.Errorf("generate certificate: %w", err)
		}
		cert, err := gen.TLSCertificate()
		if err != nil {
			return nil, fmt.Errorf("load generated certificate: %w", err)
		}
		cert.Leaf = gen.Certificate
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
		}, nil

	case CertModeFile:
		if s.CertFile == "" || s.KeyFile == "" {
			return nil, fmt.Errorf("cert and key files required for file cert mode")
		}
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		if cert.Leaf == nil && len(cert.Certificate) > 0 {
			if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
				cert.Leaf = leaf
			}
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
		}, nil

	case CertModeACME:
		if len(s.ACMEHosts) == 0 {
			return nil, fmt.Errorf("at least one host required for acme cert mode")
		}
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.ACMEHosts...),
		}
		if s.ACMECache != "" {
			manager.Cache = autocert.DirCache(s.ACMECache)
		}
		cfg := manager.TLSConfig()
		cfg.MinVersion = tls.VersionTLS13
		return cfg, nil

	default:
		return nil, fmt.Errorf("unknown cert mode: %q", mode)
	}
}

// ClientTLSConfig builds the dialing TLS configuration for an agent. A
// non-empty pin switches verification to certificate fingerprint
// matching, which also accepts self-signed coordinator certificates.
func ClientTLSConfig(serverName, pin string, insecure bool) *tls.Config {
	cfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS13,
	}
	switch {
	case pin != "":
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = pinVerifier(pin)
	case insecure:
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// pinVerifier accepts any presented certificate whose SHA256 fingerprint
// matches the pin. Chain verification is skipped; the pin is the trust
// anchor.
func pinVerifier(pin string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				continue
			}
			if certutil.VerifyFingerprint(cert, pin) {
				return nil
			}
		}
		return fmt.Errorf("no presented certificate matches the pinned fingerprint")
	}
}

// withALPN clones cfg with NextProtos led by protos. The ACME challenge
// protocol is preserved when present so tls-alpn-01 keeps working.
func withALPN(cfg *tls.Config, protos ...string) *tls.Config {
	c := cfg.Clone()
	next := make([]string, 0, len(protos)+1)
	next = append(next, protos...)
	for _, p := range cfg.NextProtos {
		if p == acme.ALPNProto {
			next = append(next, p)
		}
	}
	c.NextProtos = next
	return c
}

package protocol

import (
	"strings"
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantTag  string
		wantRest string
	}{
		{"register", "REGISTER:host-01:secret", "REGISTER", "host-01:secret"},
		{"command", "CMD:ls -la /tmp", "CMD", "ls -la /tmp"},
		{"bare tag", "TOKEN_REQUEST", "TOKEN_REQUEST", ""},
		{"empty rest", "CMD:", "CMD", ""},
		{"no tag", ":payload", "", "payload"},
		{"empty", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := ParseMessage([]byte(tt.payload))
			if msg.Tag != tt.wantTag || msg.Rest != tt.wantRest {
				t.Errorf("ParseMessage(%q) = {%q, %q}, want {%q, %q}",
					tt.payload, msg.Tag, msg.Rest, tt.wantTag, tt.wantRest)
			}
		})
	}
}

func TestDecodeText_InvalidUTF8(t *testing.T) {
	payload := []byte{'C', 'M', 'D', ':', 0xFF, 0xFE, 'o', 'k'}
	text := DecodeText(payload)

	if !strings.HasPrefix(text, "CMD:") {
		t.Errorf("DecodeText lost the prefix: %q", text)
	}
	if !strings.Contains(text, "�") {
		t.Errorf("DecodeText(%v) = %q, want replacement character", payload, text)
	}
	if !strings.HasSuffix(text, "ok") {
		t.Errorf("DecodeText lost trailing valid bytes: %q", text)
	}
}

func TestMessage_Register(t *testing.T) {
	tests := []struct {
		name         string
		payload      string
		wantEndpoint string
		wantSecret   string
		wantOK       bool
	}{
		{"valid", "REGISTER:host-01:a1b2c3", "host-01", "a1b2c3", true},
		{"secret with colon", "REGISTER:host-01:weird:secret", "host-01", "weird:secret", true},
		{"missing secret", "REGISTER:host-01", "", "", false},
		{"empty endpoint", "REGISTER::a1b2c3", "", "", false},
		{"wrong tag", "CMD:REGISTER:x:y", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint, secret, ok := ParseMessage([]byte(tt.payload)).Register()
			if endpoint != tt.wantEndpoint || secret != tt.wantSecret || ok != tt.wantOK {
				t.Errorf("Register() = (%q, %q, %v), want (%q, %q, %v)",
					endpoint, secret, ok, tt.wantEndpoint, tt.wantSecret, tt.wantOK)
			}
		})
	}
}

func TestMessage_TokenRequest(t *testing.T) {
	tests := []struct {
		name         string
		payload      string
		wantEndpoint string
		wantOrigin   string
		wantOK       bool
	}{
		{"with origin", "TOKEN_REQUEST:host-01:10.0.0.5", "host-01", "10.0.0.5", true},
		{"status check", "TOKEN_REQUEST:host-01:status_check", "host-01", "status_check", true},
		{"no origin", "TOKEN_REQUEST:host-01", "host-01", "", true},
		{"empty endpoint", "TOKEN_REQUEST:", "", "", false},
		{"bare tag", "TOKEN_REQUEST", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint, origin, ok := ParseMessage([]byte(tt.payload)).TokenRequest()
			if endpoint != tt.wantEndpoint || origin != tt.wantOrigin || ok != tt.wantOK {
				t.Errorf("TokenRequest() = (%q, %q, %v), want (%q, %q, %v)",
					endpoint, origin, ok, tt.wantEndpoint, tt.wantOrigin, tt.wantOK)
			}
		})
	}
}

func TestMessage_IsStatusCheck(t *testing.T) {
	if !ParseMessage(EncodeStatusCheck("host-01")).IsStatusCheck() {
		t.Error("IsStatusCheck() = false for a status_check request")
	}
	if ParseMessage(EncodeTokenRequest("host-01", "10.0.0.5")).IsStatusCheck() {
		t.Error("IsStatusCheck() = true for a fresh request")
	}
}

func TestMessage_Result(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantStdout string
		wantStderr string
		wantOK     bool
	}{
		{"both halves", "RESULT:out|||err", "out", "err", true},
		{"empty stderr", "RESULT:out|||", "out", "", true},
		{"empty stdout", "RESULT:|||err", "", "err", true},
		{"multiline", "RESULT:line1\nline2|||warn", "line1\nline2", "warn", true},
		{"missing separator", "RESULT:no separator here", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, ok := ParseMessage([]byte(tt.payload)).Result()
			if ok != tt.wantOK {
				t.Fatalf("Result() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if stdout != tt.wantStdout || stderr != tt.wantStderr {
				t.Errorf("Result() = (%q, %q), want (%q, %q)",
					stdout, stderr, tt.wantStdout, tt.wantStderr)
			}
		})
	}
}

func TestMessage_TokenStatus(t *testing.T) {
	status, secret, ok := ParseMessage(EncodeTokenStatus(StatusApproved, "cafe01")).TokenStatus()
	if !ok || status != StatusApproved || secret != "cafe01" {
		t.Errorf("TokenStatus() = (%q, %q, %v), want (approved, cafe01, true)", status, secret, ok)
	}

	status, secret, ok = ParseMessage(EncodeTokenStatus(StatusRevoked, "")).TokenStatus()
	if !ok || status != StatusRevoked || secret != "" {
		t.Errorf("TokenStatus() = (%q, %q, %v), want (revoked, , true)", status, secret, ok)
	}

	if _, _, ok := ParseMessage([]byte("TOKEN_STATUS")).TokenStatus(); ok {
		t.Error("TokenStatus() ok = true for bare tag")
	}
}

func TestEncodeRoundTrips(t *testing.T) {
	if got := string(EncodeRegister("h", "s")); got != "REGISTER:h:s" {
		t.Errorf("EncodeRegister = %q", got)
	}
	if got := string(EncodeCommand("echo hi")); got != "CMD:echo hi" {
		t.Errorf("EncodeCommand = %q", got)
	}
	if got := string(EncodeResult("a", "b")); got != "RESULT:a|||b" {
		t.Errorf("EncodeResult = %q", got)
	}
	if got := string(EncodeTokenRequest("h", "1.2.3.4")); got != "TOKEN_REQUEST:h:1.2.3.4" {
		t.Errorf("EncodeTokenRequest = %q", got)
	}
	if got := string(EncodeTokenStatus("pending", "")); got != "TOKEN_STATUS:pending" {
		t.Errorf("EncodeTokenStatus = %q", got)
	}
	if got := string(EncodeTokenStatus("approved", "sec")); got != "TOKEN_STATUS:approved:sec" {
		t.Errorf("EncodeTokenStatus with secret = %q", got)
	}

	// Command output containing the separator itself still round-trips
	// stdout-first: the first separator wins.
	stdout, stderr, ok := ParseMessage(EncodeResult("a|||b", "c")).Result()
	if !ok || stdout != "a" || stderr != "b|||c" {
		t.Errorf("separator in stdout: got (%q, %q, %v)", stdout, stderr, ok)
	}
}

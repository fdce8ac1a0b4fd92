// Package protocol implements the drover wire protocol: length-prefixed
// frames carrying colon-separated text messages between the coordinator
// and its endpoint agents.
package protocol

import (
	"strings"
	"unicode/utf8"
)

// Message tags. A message is the tag, a colon, then tag-specific fields.
const (
	TagRegister     = "REGISTER"      // agent -> coordinator: REGISTER:<endpoint>:<secret>
	TagCommand      = "CMD"           // coordinator -> agent: CMD:<command line>
	TagResult       = "RESULT"        // agent -> coordinator: RESULT:<stdout>|||<stderr>
	TagTokenRequest = "TOKEN_REQUEST" // agent -> coordinator: TOKEN_REQUEST:<endpoint>:<origin>
	TagTokenStatus  = "TOKEN_STATUS"  // coordinator -> agent: TOKEN_STATUS:<status>[:<secret>]
)

// Credential statuses as they appear on the wire. The first four mirror
// stored record states; "invalid" and "deleted" exist only on the wire.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRevoked  = "revoked"
	StatusDenied   = "denied"
	StatusInvalid  = "invalid"
	StatusDeleted  = "deleted"
)

// OriginStatusCheck in the origin field marks a TOKEN_REQUEST that only
// polls for a decision instead of filing a new request.
const OriginStatusCheck = "status_check"

// ResultSeparator splits captured stdout from stderr in RESULT payloads.
const ResultSeparator = "|||"

// Message is one decoded wire message.
type Message struct {
	Tag  string
	Rest string // everything after the first colon, may itself contain colons
}

// ParseMessage decodes a frame payload into its tag and remainder.
func ParseMessage(payload []byte) Message {
	tag, rest, _ := strings.Cut(DecodeText(payload), ":")
	return Message{Tag: tag, Rest: rest}
}

// DecodeText interprets payload bytes as UTF-8, substituting the
// replacement character for invalid sequences so decoding never fails.
func DecodeText(payload []byte) string {
	if utf8.Valid(payload) {
		return string(payload)
	}
	return strings.ToValidUTF8(string(payload), string(utf8.RuneError))
}

// Register returns the endpoint id and secret of a REGISTER message.
// Both fields must be present; the secret may contain colons.
func (m Message) Register() (endpoint, secret string, ok bool) {
	if m.Tag != TagRegister {
		return "", "", false
	}
	endpoint, secret, ok = strings.Cut(m.Rest, ":")
	if endpoint == "" {
		return "", "", false
	}
	return endpoint, secret, ok
}

// TokenRequest returns the endpoint id and origin of a TOKEN_REQUEST
// message. The origin may be empty when the agent omitted it; callers
// fall back to the connection's remote address.
func (m Message) TokenRequest() (endpoint, origin string, ok bool) {
	if m.Tag != TagTokenRequest {
		return "", "", false
	}
	endpoint, origin, _ = strings.Cut(m.Rest, ":")
	return endpoint, origin, endpoint != ""
}

// IsStatusCheck reports whether a TOKEN_REQUEST message is a poll for an
// existing request rather than a new one.
func (m Message) IsStatusCheck() bool {
	_, origin, ok := m.TokenRequest()
	return ok && origin == OriginStatusCheck
}

// Command returns the command line of a CMD message.
func (m Message) Command() (string, bool) {
	if m.Tag != TagCommand {
		return "", false
	}
	return m.Rest, true
}

// TokenStatus returns the status and optional secret of a TOKEN_STATUS
// message. The secret is only present on approvals.
func (m Message) TokenStatus() (status, secret string, ok bool) {
	if m.Tag != TagTokenStatus || m.Rest == "" {
		return "", "", false
	}
	status, secret, _ = strings.Cut(m.Rest, ":")
	return status, secret, true
}

// Result splits a RESULT payload into its stdout and stderr halves.
// A payload without the separator is malformed.
func (m Message) Result() (stdout, stderr string, ok bool) {
	if m.Tag != TagResult {
		return "", "", false
	}
	stdout, stderr, ok = strings.Cut(m.Rest, ResultSeparator)
	return
}

// EncodeRegister builds a REGISTER payload.
func EncodeRegister(endpoint, secret string) []byte {
	return []byte(TagRegister + ":" + endpoint + ":" + secret)
}

// EncodeCommand builds a CMD payload.
func EncodeCommand(command string) []byte {
	return []byte(TagCommand + ":" + command)
}

// EncodeResult builds a RESULT payload.
func EncodeResult(stdout, stderr string) []byte {
	return []byte(TagResult + ":" + stdout + ResultSeparator + stderr)
}

// EncodeTokenRequest builds a TOKEN_REQUEST payload.
func EncodeTokenRequest(endpoint, origin string) []byte {
	return []byte(TagTokenRequest + ":" + endpoint + ":" + origin)
}

// EncodeStatusCheck builds a TOKEN_REQUEST poll payload.
func EncodeStatusCheck(endpoint string) []byte {
	return EncodeTokenRequest(endpoint, OriginStatusCheck)
}

// EncodeTokenStatus builds a TOKEN_STATUS payload. An empty secret is
// omitted; approvals pass the credential secret so the agent can store it.
func EncodeTokenStatus(status, secret string) []byte {
	if secret == "" {
		return []byte(TagTokenStatus + ":" + status)
	}
	return []byte(TagTokenStatus + ":" + status + ":" + secret)
}

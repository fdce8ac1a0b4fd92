// Package credential manages endpoint credentials: opaque secrets issued
// per endpoint and gated behind an operator approval workflow.
package credential

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of an endpoint credential.
type Status uint8

const (
	// StatusUnknown is the zero value and is never persisted.
	StatusUnknown Status = iota
	// StatusPending awaits an operator decision.
	StatusPending
	// StatusApproved admits the endpoint.
	StatusApproved
	// StatusRevoked blocks a previously approved endpoint; the secret is
	// retained so the credential can be renewed.
	StatusRevoked
	// StatusDenied rejects a pending request.
	StatusDenied
)

// String returns the status as stored and sent on the wire.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusRevoked:
		return "revoked"
	case StatusDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// ParseStatus converts a stored status string back to a Status.
func ParseStatus(s string) Status {
	switch s {
	case "pending":
		return StatusPending
	case "approved":
		return StatusApproved
	case "revoked":
		return StatusRevoked
	case "denied":
		return StatusDenied
	default:
		return StatusUnknown
	}
}

// Record is one endpoint credential.
type Record struct {
	ID          int64
	Endpoint    string
	Secret      string
	Status      Status
	Origin      string    // address the last request came from
	RequestedAt time.Time
	ApprovedAt  time.Time // zero if never approved
	RevokedAt   time.Time // zero if never revoked
	Notes       string
}

var (
	// ErrNotFound is returned when no credential exists for an endpoint.
	ErrNotFound = errors.New("credential not found")

	// ErrWrongState is returned when an operation is not permitted for
	// the credential's current status.
	ErrWrongState = errors.New("operation not permitted in current credential status")
)

// Store is the credential persistence interface. The allowed transitions:
//
//	(absent)         --Request--> pending
//	pending          --Approve--> approved
//	pending          --Deny-----> denied
//	approved         --Revoke---> revoked
//	revoked          --Renew----> approved  (same secret)
//	revoked, denied  --Request--> pending   (new secret)
//	any              --Delete---> (absent)
//
// Approve on an already approved credential succeeds without change.
// Everything else returns ErrWrongState.
type Store interface {
	// Request files or refreshes a credential request. created is true
	// when a record was inserted or reset to pending; existing pending
	// or approved records are returned unchanged.
	Request(ctx context.Context, endpoint, origin string) (rec Record, created bool, err error)

	// Approve moves a pending credential to approved.
	Approve(ctx context.Context, endpoint string) (Record, error)

	// Deny rejects a pending credential.
	Deny(ctx context.Context, endpoint string) error

	// Revoke blocks an approved credential.
	Revoke(ctx context.Context, endpoint string) error

	// Renew re-approves a revoked credential, keeping its secret.
	Renew(ctx context.Context, endpoint string) (Record, error)

	// Delete removes a credential in any status.
	Delete(ctx context.Context, endpoint string) error

	// AddManual provisions an approved credential without a request from
	// the endpoint. An existing non-approved record is approved keeping
	// its stored secret; an approved one is returned unchanged.
	AddManual(ctx context.Context, endpoint string) (Record, error)

	// Lookup returns the credential for an endpoint.
	Lookup(ctx context.Context, endpoint string) (Record, error)

	// Pending lists pending requests, oldest first.
	Pending(ctx context.Context) ([]Record, error)

	// All lists every credential, most recently requested first.
	All(ctx context.Context) ([]Record, error)

	// Close releases the underlying storage.
	Close() error
}

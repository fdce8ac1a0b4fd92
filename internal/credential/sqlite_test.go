package credential

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "credentials.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RequestCreatesPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, created, err := s.Request(ctx, "host-01", "10.0.0.5:51000")
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if !created {
		t.Error("Request() created = false for a new endpoint")
	}
	if rec.Status != StatusPending {
		t.Errorf("status = %s, want pending", rec.Status)
	}
	if len(rec.Secret) != SecretBytes*2 {
		t.Errorf("secret length = %d, want %d", len(rec.Secret), SecretBytes*2)
	}
	if rec.Origin != "10.0.0.5:51000" {
		t.Errorf("origin = %q, want 10.0.0.5:51000", rec.Origin)
	}
	if rec.RequestedAt.IsZero() {
		t.Error("requested_at not set")
	}
	if !rec.ApprovedAt.IsZero() || !rec.RevokedAt.IsZero() {
		t.Error("approval/revocation stamps set on a fresh request")
	}
}

func TestStore_RequestExistingUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _, err := s.Request(ctx, "host-01", "10.0.0.5")
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	// A repeat request while pending returns the same record.
	again, created, err := s.Request(ctx, "host-01", "10.9.9.9")
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if created {
		t.Error("created = true for an existing pending request")
	}
	if again.Secret != first.Secret {
		t.Error("pending re-request rotated the secret")
	}
	if again.Origin != "10.0.0.5" {
		t.Errorf("pending re-request overwrote origin: %q", again.Origin)
	}

	// Same once approved.
	if _, err := s.Approve(ctx, "host-01"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	approved, created, err := s.Request(ctx, "host-01", "10.9.9.9")
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if created || approved.Status != StatusApproved || approved.Secret != first.Secret {
		t.Errorf("request on approved: created=%v status=%s secret rotated=%v",
			created, approved.Status, approved.Secret != first.Secret)
	}
}

func TestStore_RequestAfterDenialStartsOver(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _, err := s.Request(ctx, "host-01", "10.0.0.5")
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if err := s.Deny(ctx, "host-01"); err != nil {
		t.Fatalf("Deny() error = %v", err)
	}

	rec, created, err := s.Request(ctx, "host-01", "10.0.0.7")
	if err != nil {
		t.Fatalf("Request() after deny error = %v", err)
	}
	if !created {
		t.Error("created = false after a denied record was reset")
	}
	if rec.Status != StatusPending {
		t.Errorf("status = %s, want pending", rec.Status)
	}
	if rec.Secret == first.Secret {
		t.Error("reset request kept the old secret")
	}
	if rec.Origin != "10.0.0.7" {
		t.Errorf("origin = %q, want the new request origin", rec.Origin)
	}
}

func TestStore_RequestAfterRevocationStartsOver(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _, _ := s.Request(ctx, "host-01", "10.0.0.5")
	if _, err := s.Approve(ctx, "host-01"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if err := s.Revoke(ctx, "host-01"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	rec, created, err := s.Request(ctx, "host-01", "10.0.0.5")
	if err != nil {
		t.Fatalf("Request() after revoke error = %v", err)
	}
	if !created || rec.Status != StatusPending || rec.Secret == first.Secret {
		t.Errorf("revoked reset: created=%v status=%s secret rotated=%v",
			created, rec.Status, rec.Secret != first.Secret)
	}
	if !rec.ApprovedAt.IsZero() || !rec.RevokedAt.IsZero() {
		t.Error("reset did not clear approval/revocation stamps")
	}
}

func TestStore_ApproveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Request(ctx, "host-01", "10.0.0.5")

	first, err := s.Approve(ctx, "host-01")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if first.Status != StatusApproved || first.ApprovedAt.IsZero() {
		t.Fatalf("first approve: status=%s approved_at zero=%v", first.Status, first.ApprovedAt.IsZero())
	}

	second, err := s.Approve(ctx, "host-01")
	if err != nil {
		t.Fatalf("second Approve() error = %v", err)
	}
	if second.Secret != first.Secret {
		t.Error("repeated approve rotated the secret")
	}
	if !second.ApprovedAt.Equal(first.ApprovedAt) {
		t.Error("repeated approve moved the approval stamp")
	}
}

func TestStore_TransitionGuards(t *testing.T) {
	ctx := context.Background()

	// Each case prepares an endpoint in a given status, then verifies
	// which operations are refused from that status.
	prepare := map[string]func(t *testing.T, s *SQLiteStore, ep string){
		"pending": func(t *testing.T, s *SQLiteStore, ep string) {
			if _, _, err := s.Request(ctx, ep, "origin"); err != nil {
				t.Fatal(err)
			}
		},
		"approved": func(t *testing.T, s *SQLiteStore, ep string) {
			s.Request(ctx, ep, "origin")
			if _, err := s.Approve(ctx, ep); err != nil {
				t.Fatal(err)
			}
		},
		"revoked": func(t *testing.T, s *SQLiteStore, ep string) {
			s.Request(ctx, ep, "origin")
			s.Approve(ctx, ep)
			if err := s.Revoke(ctx, ep); err != nil {
				t.Fatal(err)
			}
		},
		"denied": func(t *testing.T, s *SQLiteStore, ep string) {
			s.Request(ctx, ep, "origin")
			if err := s.Deny(ctx, ep); err != nil {
				t.Fatal(err)
			}
		},
	}

	tests := []struct {
		fromStatus string
		op         string
	}{
		{"approved", "deny"},
		{"revoked", "deny"},
		{"denied", "deny"},
		{"pending", "revoke"},
		{"revoked", "revoke"},
		{"denied", "revoke"},
		{"pending", "renew"},
		{"approved", "renew"},
		{"denied", "renew"},
		{"revoked", "approve"},
		{"denied", "approve"},
	}

	for _, tt := range tests {
		t.Run(tt.op+" from "+tt.fromStatus, func(t *testing.T) {
			s := newTestStore(t)
			prepare[tt.fromStatus](t, s, "host-01")

			var err error
			switch tt.op {
			case "deny":
				err = s.Deny(ctx, "host-01")
			case "revoke":
				err = s.Revoke(ctx, "host-01")
			case "renew":
				_, err = s.Renew(ctx, "host-01")
			case "approve":
				_, err = s.Approve(ctx, "host-01")
			}

			if !errors.Is(err, ErrWrongState) {
				t.Errorf("%s from %s: error = %v, want ErrWrongState", tt.op, tt.fromStatus, err)
			}

			// The record must be untouched by the refused operation.
			rec, lerr := s.Lookup(ctx, "host-01")
			if lerr != nil {
				t.Fatalf("Lookup() error = %v", lerr)
			}
			if rec.Status.String() != tt.fromStatus {
				t.Errorf("status changed to %s after refused %s", rec.Status, tt.op)
			}
		})
	}
}

func TestStore_OperationsOnAbsentEndpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Approve(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Approve(absent) error = %v, want ErrNotFound", err)
	}
	if err := s.Deny(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Deny(absent) error = %v, want ErrNotFound", err)
	}
	if err := s.Revoke(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Revoke(absent) error = %v, want ErrNotFound", err)
	}
	if _, err := s.Renew(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Renew(absent) error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(absent) error = %v, want ErrNotFound", err)
	}
	if _, err := s.Lookup(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(absent) error = %v, want ErrNotFound", err)
	}
}

func TestStore_RenewRestoresSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orig, _, _ := s.Request(ctx, "host-01", "10.0.0.5")
	s.Approve(ctx, "host-01")
	if err := s.Revoke(ctx, "host-01"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	rec, err := s.Renew(ctx, "host-01")
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if rec.Status != StatusApproved {
		t.Errorf("status after renew = %s, want approved", rec.Status)
	}
	if rec.Secret != orig.Secret {
		t.Error("renew rotated the secret; the endpoint's stored copy would stop working")
	}
	if !rec.RevokedAt.IsZero() {
		t.Error("renew left the revocation stamp in place")
	}
}

func TestStore_DeleteFromEveryStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	setups := []struct {
		endpoint string
		setup    func(ep string)
	}{
		{"pending-host", func(ep string) { s.Request(ctx, ep, "o") }},
		{"approved-host", func(ep string) { s.Request(ctx, ep, "o"); s.Approve(ctx, ep) }},
		{"revoked-host", func(ep string) { s.Request(ctx, ep, "o"); s.Approve(ctx, ep); s.Revoke(ctx, ep) }},
		{"denied-host", func(ep string) { s.Request(ctx, ep, "o"); s.Deny(ctx, ep) }},
	}

	for _, tt := range setups {
		tt.setup(tt.endpoint)
		if err := s.Delete(ctx, tt.endpoint); err != nil {
			t.Errorf("Delete(%s) error = %v", tt.endpoint, err)
		}
		if _, err := s.Lookup(ctx, tt.endpoint); !errors.Is(err, ErrNotFound) {
			t.Errorf("Lookup(%s) after delete error = %v, want ErrNotFound", tt.endpoint, err)
		}
	}
}

func TestStore_AddManual(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Fresh endpoint: provisioned approved with a new secret.
	rec, err := s.AddManual(ctx, "host-01")
	if err != nil {
		t.Fatalf("AddManual() error = %v", err)
	}
	if rec.Status != StatusApproved || rec.Secret == "" || rec.ApprovedAt.IsZero() {
		t.Errorf("manual add: status=%s secret empty=%v", rec.Status, rec.Secret == "")
	}

	// Already approved: unchanged.
	again, err := s.AddManual(ctx, "host-01")
	if err != nil {
		t.Fatalf("AddManual() repeat error = %v", err)
	}
	if again.Secret != rec.Secret {
		t.Error("repeat manual add rotated the secret")
	}

	// Pending endpoint: approved keeping the requested secret.
	reqRec, _, _ := s.Request(ctx, "host-02", "10.0.0.9")
	manual, err := s.AddManual(ctx, "host-02")
	if err != nil {
		t.Fatalf("AddManual(pending) error = %v", err)
	}
	if manual.Status != StatusApproved || manual.Secret != reqRec.Secret {
		t.Errorf("manual add over pending: status=%s secret kept=%v",
			manual.Status, manual.Secret == reqRec.Secret)
	}
}

func TestStore_PendingAndAllListings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, ep := range []string{"alpha", "bravo", "charlie"} {
		if _, _, err := s.Request(ctx, ep, "10.0.0.1"); err != nil {
			t.Fatalf("Request(%s) error = %v", ep, err)
		}
	}
	s.Approve(ctx, "bravo")

	pending, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Pending() returned %d records, want 2", len(pending))
	}
	// Oldest first.
	if pending[0].Endpoint != "alpha" || pending[1].Endpoint != "charlie" {
		t.Errorf("Pending() order = [%s, %s], want [alpha, charlie]",
			pending[0].Endpoint, pending[1].Endpoint)
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("All() returned %d records, want 3", len(all))
	}
	// Most recent request first.
	if all[0].Endpoint != "charlie" || all[2].Endpoint != "alpha" {
		t.Errorf("All() order = [%s .. %s], want [charlie .. alpha]",
			all[0].Endpoint, all[2].Endpoint)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	rec, _, err := s.Request(ctx, "host-01", "10.0.0.5")
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if _, err := s.Approve(ctx, "host-01"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Lookup(ctx, "host-01")
	if err != nil {
		t.Fatalf("Lookup() after reopen error = %v", err)
	}
	if got.Status != StatusApproved || got.Secret != rec.Secret {
		t.Errorf("reopened record: status=%s secret kept=%v", got.Status, got.Secret == rec.Secret)
	}
}

package registry

import (
	"net"
	"testing"

	"github.com/droverhq/drover/internal/protocol"
)

func pipeEntry(t *testing.T, endpoint string) (*Entry, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return NewEntry(endpoint, protocol.NewConn(local)), remote
}

func TestNewEntry(t *testing.T) {
	e, _ := pipeEntry(t, "host-01")

	if e.Endpoint != "host-01" {
		t.Errorf("Endpoint = %q, want host-01", e.Endpoint)
	}
	if len(e.SessionID) != 8 {
		t.Errorf("SessionID length = %d, want 8", len(e.SessionID))
	}
	if e.ConnectedAt.IsZero() {
		t.Error("ConnectedAt not set")
	}
	if e.Results == nil || cap(e.Results) == 0 {
		t.Error("Results channel missing or unbuffered")
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New()
	e, _ := pipeEntry(t, "host-01")

	if prev := r.Register(e); prev != nil {
		t.Errorf("Register() on empty registry returned prev = %v", prev)
	}

	got, ok := r.Get("host-01")
	if !ok || got != e {
		t.Errorf("Get() = (%v, %v), want the registered entry", got, ok)
	}
	if _, ok := r.Get("unknown"); ok {
		t.Error("Get(unknown) returned ok")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_RegisterReturnsSuperseded(t *testing.T) {
	r := New()
	old, _ := pipeEntry(t, "host-01")
	r.Register(old)

	replacement, _ := pipeEntry(t, "host-01")
	prev := r.Register(replacement)
	if prev != old {
		t.Errorf("Register() prev = %v, want the superseded entry", prev)
	}

	got, _ := r.Get("host-01")
	if got != replacement {
		t.Error("Get() did not return the replacement entry")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d after supersede, want 1", r.Len())
	}
}

func TestRegistry_RemoveIsConditional(t *testing.T) {
	r := New()
	old, _ := pipeEntry(t, "host-01")
	r.Register(old)

	replacement, _ := pipeEntry(t, "host-01")
	r.Register(replacement)

	// The old handler tearing down must not remove the newer entry.
	if r.Remove("host-01", old) {
		t.Error("Remove() with a stale entry reported success")
	}
	if _, ok := r.Get("host-01"); !ok {
		t.Fatal("newer registration was removed by a stale handler")
	}

	if !r.Remove("host-01", replacement) {
		t.Error("Remove() with the live entry reported failure")
	}
	if _, ok := r.Get("host-01"); ok {
		t.Error("entry still present after Remove")
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	r := New()
	for _, ep := range []string{"zulu", "alpha", "mike"} {
		e, _ := pipeEntry(t, ep)
		r.Register(e)
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List() returned %d entries, want 3", len(list))
	}
	want := []string{"alpha", "mike", "zulu"}
	for i, e := range list {
		if e.Endpoint != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, e.Endpoint, want[i])
		}
	}
}

func TestEntry_StaleAccounting(t *testing.T) {
	e, _ := pipeEntry(t, "host-01")

	if e.StaleCount() != 0 {
		t.Errorf("initial StaleCount() = %d, want 0", e.StaleCount())
	}
	if e.DropStale() {
		t.Error("DropStale() on zero count returned true")
	}

	e.AddStale()
	e.AddStale()
	if e.StaleCount() != 2 {
		t.Errorf("StaleCount() = %d, want 2", e.StaleCount())
	}

	if !e.DropStale() || !e.DropStale() {
		t.Error("DropStale() failed with owed replies")
	}
	if e.DropStale() {
		t.Error("DropStale() went below zero")
	}
}

func TestEntry_PushResultNeverBlocks(t *testing.T) {
	e, _ := pipeEntry(t, "host-01")

	// Overfill the buffer; the oldest results are discarded.
	for i := 0; i < cap(e.Results)+3; i++ {
		e.PushResult(protocol.Message{Tag: protocol.TagResult, Rest: string(rune('a' + i))})
	}

	if got := len(e.Results); got != cap(e.Results) {
		t.Fatalf("buffered results = %d, want %d", got, cap(e.Results))
	}

	// The survivors are the newest ones, in order.
	first := <-e.Results
	if first.Rest != "d" {
		t.Errorf("oldest surviving result = %q, want %q", first.Rest, "d")
	}
}

func TestEntry_MarkGone(t *testing.T) {
	e, _ := pipeEntry(t, "host-01")

	select {
	case <-e.Gone():
		t.Fatal("Gone() closed before teardown")
	default:
	}

	e.MarkGone()
	e.MarkGone() // repeat calls are safe

	select {
	case <-e.Gone():
	default:
		t.Error("Gone() not closed after MarkGone")
	}
}

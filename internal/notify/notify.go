// Package notify carries pending-request alerts from session handlers to
// the operator console.
package notify

import (
	"sync/atomic"
	"time"
)

// TokenRequest announces a newly filed credential request.
type TokenRequest struct {
	Endpoint string
	Origin   string
	At       time.Time
}

// Notifier fans pending-request notifications from session handlers to
// the console. It also tracks an approximate pending-request count shown
// in the console prompt; the count is seeded from the store at startup
// and adjusted as requests arrive and are decided.
type Notifier struct {
	ch      chan TokenRequest
	pending atomic.Int64
}

// DefaultBuffer is how many undelivered notifications are kept. Beyond
// this the oldest are dropped; the pending list still shows the request.
const DefaultBuffer = 64

// NewNotifier creates a Notifier with the default buffer.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan TokenRequest, DefaultBuffer)}
}

// Publish queues a notification and bumps the pending count. Never
// blocks: when the buffer is full the oldest notification is dropped.
func (n *Notifier) Publish(req TokenRequest) {
	n.pending.Add(1)
	for {
		select {
		case n.ch <- req:
			return
		default:
		}
		select {
		case <-n.ch:
		default:
		}
	}
}

// TryNext pops the next notification without blocking.
func (n *Notifier) TryNext() (TokenRequest, bool) {
	select {
	case req := <-n.ch:
		return req, true
	default:
		return TokenRequest{}, false
	}
}

// PendingCount returns the tracked pending-request count.
func (n *Notifier) PendingCount() int {
	return int(n.pending.Load())
}

// SetPendingCount replaces the tracked count, used at startup to match
// the store.
func (n *Notifier) SetPendingCount(count int) {
	n.pending.Store(int64(count))
}

// DecrementPending lowers the tracked count after a request is decided.
// Never goes below zero.
func (n *Notifier) DecrementPending() {
	for {
		cur := n.pending.Load()
		if cur <= 0 {
			return
		}
		if n.pending.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

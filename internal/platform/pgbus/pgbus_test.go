package pgbus

import (
	"testing"
)

// pq.Listener requires a live Postgres connection to construct, so this
// package has no meaningful unit test surface beyond the wake-channel
// plumbing exercised indirectly by internal/outbox's tests against a
// fake wake source. This file exists to document that decision rather
// than fake a connection.
func TestWakeChannelBuffering(t *testing.T) {
	b := &Bus{wake: map[string]chan struct{}{"applications_pending": make(chan struct{}, 1)}}

	ch := b.Wake("applications_pending")

	b.wake["applications_pending"] <- struct{}{}
	select {
	case <-ch:
	default:
		t.Fatal("expected buffered wake signal")
	}

	// Second signal coalesces instead of blocking.
	b.wake["applications_pending"] <- struct{}{}
	select {
	case b.wake["applications_pending"] <- struct{}{}:
		t.Fatal("channel should already be full, not accept a second buffered write")
	default:
	}
}

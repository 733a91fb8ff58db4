// Package pgbus provides a PostgreSQL LISTEN/NOTIFY wake channel. The
// outbox consumer (C9) uses it to react to new pending_jobs rows
// immediately instead of waiting for its next cron tick (§4.9 trigger T2
// calls pg_notify on insert).
package pgbus

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/r3e-network/creditflow/internal/logger"
)

// Bus listens on a fixed set of Postgres NOTIFY channels and fans
// notifications out as wake signals. Unlike a generic pub/sub bus, callers
// don't get the notification payload — a wake is just a hint to re-poll,
// so the application id that T2's trigger (§4.9) sends as payload is
// discarded.
type Bus struct {
	listener *pq.Listener
	log      *logger.Logger

	wake map[string]chan struct{}
}

// New opens a pq.Listener against dsn and begins LISTEN-ing on channels.
func New(dsn string, log *logger.Logger, channels ...string) (*Bus, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).Warn("pgbus: listener event")
		}
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)

	b := &Bus{
		listener: listener,
		log:      log,
		wake:     make(map[string]chan struct{}, len(channels)),
	}

	for _, ch := range channels {
		if err := listener.Listen(ch); err != nil {
			listener.Close()
			return nil, fmt.Errorf("pgbus: listen %s: %w", ch, err)
		}
		// Buffered 1: a pending wake coalesces with any new notification
		// that arrives before the consumer drains it.
		b.wake[ch] = make(chan struct{}, 1)
	}

	go b.run()

	return b, nil
}

// Wake returns the channel callers should select on to be notified that
// channel has new rows worth polling for.
func (b *Bus) Wake(channel string) <-chan struct{} {
	return b.wake[channel]
}

// Notify publishes a wake signal on channel via pg_notify. Used by tests
// and by components that want to nudge a consumer without waiting for a
// database trigger.
func Notify(ctx context.Context, db *sql.DB, channel string) error {
	_, err := db.ExecContext(ctx, "SELECT pg_notify($1, '')", channel)
	return err
}

func (b *Bus) run() {
	for notification := range b.listener.Notify {
		if notification == nil {
			// Connection dropped and was re-established; re-poll every
			// known channel defensively since we may have missed events.
			for _, ch := range b.wake {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			continue
		}

		ch, ok := b.wake[notification.Channel]
		if !ok {
			continue
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close stops listening and releases the underlying connection.
func (b *Bus) Close() error {
	return b.listener.Close()
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGChannel is the NOTIFY channel carrying change events.
const PGChannel = "prealert_events"

// maxNotifyPayload is the largest payload Postgres accepts in NOTIFY.
const maxNotifyPayload = 7999

// PGBroker publishes events with pg_notify and fans out notifications
// received on a dedicated LISTEN connection to local subscriptions. Every
// instance sharing the database sees every event, including its own.
type PGBroker struct {
	*Local
	pool   *pgxpool.Pool
	logger zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewPGBroker acquires a pooled connection, issues LISTEN, and starts the
// notification loop.
func NewPGBroker(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) (*PGBroker, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+PGChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", PGChannel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &PGBroker{
		Local:  NewLocal(),
		pool:   pool,
		logger: logger.With().Str("component", "realtime-pg").Logger(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(b.done)
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(loopCtx)
			if err != nil {
				if errors.Is(loopCtx.Err(), context.Canceled) {
					return
				}
				b.logger.Error().Err(err).Msg("listen loop stopped")
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
				b.logger.Warn().Err(err).Msg("dropping malformed notification")
				continue
			}
			b.Dispatch(ev)
		}
	}()

	return b, nil
}

// Publish sends ev through pg_notify. Delivery to local subscribers happens
// when the notification comes back on the LISTEN connection. Events too
// large for NOTIFY are only delivered to this instance's subscribers.
func (b *PGBroker) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if len(payload) > maxNotifyPayload {
		b.logger.Warn().Str("table", ev.Table).Int("bytes", len(payload)).
			Msg("event exceeds notify limit, delivering locally only")
		b.Dispatch(ev)
		return nil
	}
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", PGChannel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Close stops the listen loop and releases its connection.
func (b *PGBroker) Close() {
	b.once.Do(func() {
		b.cancel()
		<-b.done
	})
}

package queue

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	listenerMinReconnect = 100 * time.Millisecond
	listenerMaxReconnect = 10 * time.Second
	cleanupQueryTimeout  = 30 * time.Second
	cleanupBatchSize     = 1000
)

// ErrNoDatabase is returned when the PostgreSQL broker is built without a handle.
var ErrNoDatabase = errors.New("queue database handle is nil")

// Postgres is a Broker over the queue_messages table.
//
// Pops claim the oldest live row with FOR UPDATE SKIP LOCKED, so concurrent
// workers in any number of processes never receive the same message. Pushes
// pg_notify the key; blocked pops wake on the notification and also re-check
// every PollInterval in case one was missed while the listener reconnected.
//
// The table is created by the primary-store migrations. The *sql.DB is
// managed externally; Close does not close it.
type Postgres struct {
	db       *sql.DB
	listener *pq.Listener
	config   PostgresConfig
	logger   *slog.Logger

	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}

	cleanupInterval time.Duration
	cleanupStop     chan struct{}
	cleanupDone     chan struct{}
	notifyDone      chan struct{}
	closeOnce       sync.Once
}

var _ Broker = (*Postgres)(nil)

// NewPostgres creates the PostgreSQL broker, subscribes to its notify channel
// and starts the expired-message sweep.
func NewPostgres(db *sql.DB, cfg *Config, logger *slog.Logger) (*Postgres, error) {
	if db == nil {
		return nil, ErrNoDatabase
	}

	if cfg.Postgres.listenerURL == "" {
		return nil, ErrDatabaseURLRequired
	}

	pgCfg := cfg.Postgres
	if pgCfg.NotifyChannel == "" {
		pgCfg.NotifyChannel = defaultNotifyChannel
	}

	if pgCfg.PollInterval <= 0 {
		pgCfg.PollInterval = defaultPollInterval
	}

	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	listener := pq.NewListener(pgCfg.listenerURL, listenerMinReconnect, listenerMaxReconnect,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("Queue listener event",
					slog.Int("event", int(event)),
					slog.String("error", err.Error()),
				)
			}
		},
	)

	if err := listener.Listen(pgCfg.NotifyChannel); err != nil {
		_ = listener.Close()

		return nil, connectivityError("listen", err)
	}

	p := &Postgres{
		db:              db,
		listener:        listener,
		config:          pgCfg,
		logger:          logger,
		waiters:         make(map[string]map[chan struct{}]struct{}),
		cleanupInterval: cleanupInterval,
		cleanupStop:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
		notifyDone:      make(chan struct{}),
	}

	go p.runNotifications()
	go p.runCleanup()

	logger.Info("Started PostgreSQL queue",
		slog.String("notify_channel", pgCfg.NotifyChannel),
		slog.Duration("cleanup_interval", cleanupInterval),
	)

	return p, nil
}

// Push inserts a message and notifies listeners in the same statement, so the
// notification is delivered only once the row is visible.
func (p *Postgres) Push(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}

	_, err := p.db.ExecContext(ctx, `
		WITH inserted AS (
			INSERT INTO queue_messages (queue_key, payload, expires_at)
			VALUES ($1, $2, CASE WHEN $3::bigint > 0 THEN NOW() + ($3::bigint * INTERVAL '1 millisecond') END)
			RETURNING queue_key
		)
		SELECT pg_notify($4, queue_key) FROM inserted`,
		key, value, ttl.Milliseconds(), p.config.NotifyChannel,
	)
	if err != nil {
		return connectivityError("push", err)
	}

	return nil
}

// Pop claims the oldest live message at key, waiting up to timeout.
func (p *Postgres) Pop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	// Register before the first attempt so a push between the attempt and the
	// wait is not missed.
	wake := p.subscribe(key)
	defer p.unsubscribe(key, wake)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	poll := time.NewTicker(p.config.PollInterval)
	defer poll.Stop()

	for {
		value, found, err := p.tryPop(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, err
		}

		if found {
			return value, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, popDeadline(ctx)
		case <-p.cleanupStop:
			return nil, ErrClosed
		case <-wake:
		case <-poll.C:
		}
	}
}

func (p *Postgres) tryPop(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte

	err := p.db.QueryRowContext(ctx, `
		DELETE FROM queue_messages
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE queue_key = $1 AND (expires_at IS NULL OR expires_at > NOW())
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING payload`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, connectivityError("pop", err)
	}

	return value, true, nil
}

// HealthCheck pings both the pool and the listener connection.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return connectivityError("ping", err)
	}

	if err := p.listener.Ping(); err != nil {
		return connectivityError("listener ping", err)
	}

	return nil
}

// Close stops the background goroutines and the listener. Safe to call multiple times.
func (p *Postgres) Close() error {
	var err error

	p.closeOnce.Do(func() {
		close(p.cleanupStop)

		err = p.listener.Close()

		for _, done := range []chan struct{}{p.cleanupDone, p.notifyDone} {
			select {
			case <-done:
			case <-time.After(shutdownTimeout):
				p.logger.Warn("Queue goroutine did not stop within timeout")
			}
		}

		p.logger.Info("Stopped PostgreSQL queue")
	})

	return err
}

func (p *Postgres) subscribe(key string) chan struct{} {
	ch := make(chan struct{}, 1)

	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.waiters[key]
	if !ok {
		set = make(map[chan struct{}]struct{})
		p.waiters[key] = set
	}

	set[ch] = struct{}{}

	return ch
}

func (p *Postgres) unsubscribe(key string, ch chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if set, ok := p.waiters[key]; ok {
		delete(set, ch)

		if len(set) == 0 {
			delete(p.waiters, key)
		}
	}
}

// wake signals waiters on key, or every waiter when key is empty.
func (p *Postgres) wake(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	signal := func(set map[chan struct{}]struct{}) {
		for ch := range set {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}

	if key == "" {
		for _, set := range p.waiters {
			signal(set)
		}

		return
	}

	signal(p.waiters[key])
}

// runNotifications fans listener notifications out to blocked pops. A nil
// notification means the listener reconnected and may have missed some, so
// every waiter re-checks.
func (p *Postgres) runNotifications() {
	defer close(p.notifyDone)

	for n := range p.listener.NotificationChannel() {
		if n == nil {
			p.wake("")

			continue
		}

		p.wake(n.Extra)
	}
}

func (p *Postgres) runCleanup() {
	defer close(p.cleanupDone)

	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-p.cleanupStop:
			cancel()

			return
		case <-ticker.C:
			cleanupCtx, cleanupCancel := context.WithTimeout(ctx, cleanupQueryTimeout)
			p.cleanupExpired(cleanupCtx)
			cleanupCancel()
		}
	}
}

// cleanupExpired deletes expired messages in batches to keep locks short.
func (p *Postgres) cleanupExpired(ctx context.Context) {
	startTime := time.Now()
	totalDeleted := int64(0)

	for ctx.Err() == nil {
		result, err := p.db.ExecContext(ctx, `
			DELETE FROM queue_messages
			WHERE id IN (
				SELECT id FROM queue_messages
				WHERE expires_at IS NOT NULL AND expires_at <= NOW()
				ORDER BY expires_at
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)`, cleanupBatchSize)
		if err != nil {
			p.logger.Error("Failed to cleanup expired queue messages",
				slog.String("error", err.Error()),
				slog.Int64("rows_deleted_before_error", totalDeleted),
			)

			return
		}

		deleted, err := result.RowsAffected()
		if err != nil || deleted == 0 {
			break
		}

		totalDeleted += deleted

		if deleted < cleanupBatchSize {
			break
		}
	}

	if totalDeleted > 0 {
		p.logger.Info("Cleaned up expired queue messages",
			slog.Int64("rows_deleted", totalDeleted),
			slog.Duration("duration", time.Since(startTime)),
		)
	}
}

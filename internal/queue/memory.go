package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const shutdownTimeout = 5 * time.Second

type (
	// Memory is an in-process Broker. Values pushed with a ttl are dropped once
	// expired, either when a Pop skips them or by the periodic sweep.
	Memory struct {
		mu     sync.Mutex
		lists  map[string]*memoryList
		now    func() time.Time
		closed bool
		logger *slog.Logger

		cleanupInterval time.Duration
		cleanupStop     chan struct{}
		cleanupDone     chan struct{}
		closeOnce       sync.Once
	}

	memoryList struct {
		items []memoryItem
		// wake is closed and replaced on every push to release blocked pops.
		wake chan struct{}
	}

	memoryItem struct {
		value     []byte
		expiresAt time.Time // zero: never
	}
)

var _ Broker = (*Memory)(nil)

// NewMemory creates an in-process broker and starts its expiry sweep.
func NewMemory(cleanupInterval time.Duration, logger *slog.Logger) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	m := &Memory{
		lists:           make(map[string]*memoryList),
		now:             time.Now,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		cleanupStop:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	go m.runCleanup()

	return m
}

// Push appends value to the list at key.
func (m *Memory) Push(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}

	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	list := m.list(key)
	list.items = append(list.items, item)

	close(list.wake)
	list.wake = make(chan struct{})

	return nil
}

// Pop removes the oldest live value at key, waiting up to timeout.
func (m *Memory) Pop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		value, found, wake, err := m.tryPop(key)
		if err != nil {
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
		case <-m.cleanupStop:
			return nil, ErrClosed
		case <-wake:
		}
	}
}

// tryPop returns the head value, or the channel to wait on when there is none.
func (m *Memory) tryPop(key string) ([]byte, bool, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, nil, ErrClosed
	}

	list := m.list(key)
	now := m.now()

	for len(list.items) > 0 {
		item := list.items[0]
		list.items[0] = memoryItem{}
		list.items = list.items[1:]

		if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
			continue
		}

		if len(list.items) == 0 {
			list.items = nil
		}

		return item.value, true, nil, nil
	}

	return nil, false, list.wake, nil
}

// Len returns the number of values waiting at key, expired ones included.
func (m *Memory) Len(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if list, ok := m.lists[key]; ok {
		return len(list.items)
	}

	return 0
}

// HealthCheck reports whether the broker is open.
func (m *Memory) HealthCheck(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	return nil
}

// Close stops the sweep and releases blocked pops. Safe to call multiple times.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		close(m.cleanupStop)

		select {
		case <-m.cleanupDone:
		case <-time.After(shutdownTimeout):
			m.logger.Warn("Memory broker sweep did not stop within timeout")
		}
	})

	return nil
}

// list returns the list at key, creating it. Callers hold m.mu.
func (m *Memory) list(key string) *memoryList {
	list, ok := m.lists[key]
	if !ok {
		list = &memoryList{wake: make(chan struct{})}
		m.lists[key] = list
	}

	return list
}

func (m *Memory) runCleanup() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.cleanupStop:
			return
		case <-ticker.C:
			if dropped := m.sweep(); dropped > 0 {
				m.logger.Debug("Dropped expired queue values", slog.Int("count", dropped))
			}
		}
	}
}

// sweep drops expired values and forgets empty lists nobody is waiting on.
func (m *Memory) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	dropped := 0

	for key, list := range m.lists {
		live := list.items[:0]

		for _, item := range list.items {
			if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
				dropped++

				continue
			}

			live = append(live, item)
		}

		list.items = live

		if len(list.items) == 0 {
			// Waiters hold the old wake channel; release them so they re-register.
			close(list.wake)
			delete(m.lists, key)
		}
	}

	return dropped
}

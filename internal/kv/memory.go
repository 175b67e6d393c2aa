package kv

import (
	"fmt"
	"sync"
)

// Memory is an in-process [Store] used by tests and by embedders that want a
// scratch medium. It enforces an optional byte quota and supports fault
// injection through [Memory.SetHook], which lets a test reject a write or
// silently substitute the stored bytes (simulating a truncating medium).
//
// Memory implements [Locker] with its own mutex, so lease acquisition over it
// is atomic within a process.
//
// The zero value is not usable; call [NewMemory].
type Memory struct {
	mu     sync.Mutex
	data   map[string][]byte
	quota  int // total value bytes allowed; 0 means unlimited
	subs   map[int]func(Event)
	nextID int

	// lockMu serializes WithLock sections separately from mu so that fn can
	// call Get/Set/Remove without deadlocking.
	lockMu sync.Mutex

	// SetHook, when non-nil, intercepts every Set. It may return an error to
	// fail the write, or replacement bytes that are stored instead of value
	// (the caller still believes value was written). A (nil, nil) return
	// stores value unchanged.
	SetHook func(key string, value []byte) ([]byte, error)
}

// NewMemory returns an empty in-memory store with no quota.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string][]byte),
		subs: make(map[int]func(Event)),
	}
}

// SetQuota limits the total number of value bytes the store will hold.
// A Set that would push the total past the quota fails with [ErrQuotaExceeded]
// and leaves the store unchanged. Zero removes the limit.
func (m *Memory) SetQuota(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.quota = bytes
}

// Get returns the value stored under key, or (nil, false, nil) when absent.
// The returned slice is a copy; mutating it does not affect the store.
func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}

	out := make([]byte, len(v))
	copy(out, v)

	return out, true, nil
}

// Set stores value under key, subject to the quota and [Memory.SetHook].
func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()

	stored := value

	if m.SetHook != nil {
		replaced, err := m.SetHook(key, value)
		if err != nil {
			m.mu.Unlock()

			return err
		}

		if replaced != nil {
			stored = replaced
		}
	}

	if m.quota > 0 {
		total := len(stored)
		for k, v := range m.data {
			if k != key {
				total += len(v)
			}
		}

		if total > m.quota {
			m.mu.Unlock()

			return fmt.Errorf("%w: %d bytes over %d byte limit", ErrQuotaExceeded, total-m.quota, m.quota)
		}
	}

	cp := make([]byte, len(stored))
	copy(cp, stored)
	m.data[key] = cp

	subs := m.snapshotSubs()
	m.mu.Unlock()

	notify(subs, Event{Key: key, Value: stored})

	return nil
}

// Remove deletes key. Removing an absent key is a no-op.
func (m *Memory) Remove(key string) error {
	m.mu.Lock()

	_, existed := m.data[key]
	delete(m.data, key)

	subs := m.snapshotSubs()
	m.mu.Unlock()

	if existed {
		notify(subs, Event{Key: key, Value: nil})
	}

	return nil
}

// Subscribe registers fn for change events. The returned cancel function is
// idempotent. fn is called without the store's lock held.
func (m *Memory) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		delete(m.subs, id)
	}
}

// WithLock runs fn while holding an exclusive in-process lock.
// Store operations inside fn must not themselves call WithLock.
func (m *Memory) WithLock(_ string, fn func() error) error {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	return fn()
}

var _ Locker = (*Memory)(nil)

func (m *Memory) snapshotSubs() []func(Event) {
	out := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		out = append(out, fn)
	}

	return out
}

func notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}

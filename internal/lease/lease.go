// Package lease implements the exclusive-writer lease over the shared
// key-value medium.
//
// The lease is ordinary data in the same store it protects: a record with a
// holder identifier and a last-renewed timestamp. It is advisory; the medium
// does not enforce it. Acquisition is a read-decide-write sequence, which is
// a check-then-act race on media without a native mutual-exclusion
// primitive. When the backend implements [kv.Locker] the sequence runs
// inside a real critical section; otherwise acquisition stays best-effort and
// the staleness timeout is the correctness backstop: a record whose
// timestamp age exceeds [StaleAfter] is treated as abandoned and reclaimed.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"daybook/internal/kv"
)

// DefaultKey is the storage key for the lease record.
const DefaultKey = "lease.json"

// HeartbeatInterval is how often a holder refreshes its record.
const HeartbeatInterval = 30 * time.Second

// StaleAfter is the age past which a lease record is treated as abandoned.
// Three heartbeat intervals: a holder survives two consecutive missed beats
// before anyone may reclaim its lease.
const StaleAfter = 3 * HeartbeatInterval

// Errors returned by lease operations.
var (
	// ErrNotHolder indicates a holder-only operation was called without
	// holding the lease. This is a programming error.
	ErrNotHolder = errors.New("lease: not the holder")

	// ErrLeaseLost indicates our record was overwritten by another context.
	// The caller must stop writing and transition to read-only.
	ErrLeaseLost = errors.New("lease: lost to another context")
)

// State describes the lease from one coordinator's point of view.
type State int

const (
	// Unheld means no lease record exists.
	Unheld State = iota

	// HeldByUs means the stored record carries our identifier.
	HeldByUs

	// HeldByOther means a fresh record with a foreign identifier exists.
	HeldByOther

	// Stale means a foreign record exists but its timestamp age exceeds
	// [StaleAfter]; it is eligible for reclamation.
	Stale
)

func (s State) String() string {
	switch s {
	case Unheld:
		return "unheld"
	case HeldByUs:
		return "held-by-us"
	case HeldByOther:
		return "held-by-other"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Record is the lease record stored under the lease key.
type Record struct {
	LeaseID   string `json:"leaseId"`
	Timestamp int64  `json:"timestamp"` // ms since epoch, last acquire or renew
}

// EventKind classifies lease-state change notifications.
type EventKind int

const (
	// EventAcquired fires when a holder writes a fresh record.
	EventAcquired EventKind = iota

	// EventReleased fires when the record is deleted.
	EventReleased

	// EventLost fires on the losing side when a held lease is discovered to
	// have been overwritten.
	EventLost
)

// Event is a lease-state change notification.
//
// Delivery depends on the backend's change listener reaching this process;
// it is an optimization, never a correctness mechanism. Peers that miss an
// event still converge through [Coordinator.IsActive] and the staleness
// timeout.
type Event struct {
	Kind    EventKind
	LeaseID string // holder identifier for EventAcquired
	Ours    bool   // whether this coordinator caused the change
}

// Options configures a [Coordinator]. The zero value is usable.
type Options struct {
	// Key overrides the lease storage key. Defaults to [DefaultKey].
	Key string

	// Now supplies timestamps. Defaults to [time.Now].
	Now func() time.Time

	// Heartbeat overrides the renewal period. Defaults to
	// [HeartbeatInterval].
	Heartbeat time.Duration

	// Stale overrides the abandonment threshold. Defaults to [StaleAfter].
	Stale time.Duration

	// Logger receives diagnostics. Defaults to [slog.Default].
	Logger *slog.Logger
}

// Coordinator manages one execution context's claim on the writer lease.
// Each coordinator has a unique identifier for its lifetime.
//
// The zero value is not usable; call [NewCoordinator].
type Coordinator struct {
	store kv.Store
	key   string
	id    string
	now   func() time.Time
	beat  time.Duration
	stale time.Duration
	log   *slog.Logger

	mu          sync.Mutex
	held        bool
	subs        map[int]func(Event)
	nextSub     int
	cancelStore func()
}

// NewCoordinator returns a coordinator with a fresh identity.
func NewCoordinator(store kv.Store, opts Options) *Coordinator {
	key := opts.Key
	if key == "" {
		key = DefaultKey
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	beat := opts.Heartbeat
	if beat <= 0 {
		beat = HeartbeatInterval
	}

	stale := opts.Stale
	if stale <= 0 {
		stale = StaleAfter
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Coordinator{
		store: store,
		key:   key,
		id:    uuid.NewString(),
		now:   now,
		beat:  beat,
		stale: stale,
		log:   log,
		subs:  make(map[int]func(Event)),
	}
}

// ID returns this coordinator's lease identifier.
func (c *Coordinator) ID() string {
	return c.id
}

// Holds reports whether this coordinator believes it holds the lease.
// The belief can be stale until the next heartbeat observes a takeover.
func (c *Coordinator) Holds() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.held
}

// Acquire attempts to take the writer lease.
//
// Absent record: write a fresh one and re-read to confirm no racing
// acquisition overwrote it. Fresh foreign record: return [HeldByOther]
// without writing. Stale foreign record: reclaim it.
//
// Returns the resulting state, [HeldByUs] on success.
func (c *Coordinator) Acquire() (State, error) {
	var state State

	attempt := func() error {
		s, err := c.acquire()
		state = s

		return err
	}

	err := c.withStoreLock(attempt)
	if err != nil {
		return Unheld, err
	}

	c.mu.Lock()
	c.held = state == HeldByUs
	c.mu.Unlock()

	return state, nil
}

// withStoreLock runs fn inside the backend's critical section when the
// backend provides one, and directly otherwise. Every read-decide-write
// sequence on the lease record goes through here.
func (c *Coordinator) withStoreLock(fn func() error) error {
	if locker, ok := c.store.(kv.Locker); ok {
		return locker.WithLock(c.key, fn)
	}

	return fn()
}

func (c *Coordinator) acquire() (State, error) {
	rec, err := c.read()
	if err != nil {
		return Unheld, err
	}

	if rec != nil {
		if rec.LeaseID == c.id {
			// Already ours; refresh the timestamp.
			return HeldByUs, c.write()
		}

		if c.fresh(rec) {
			return HeldByOther, nil
		}

		c.log.Info("reclaiming stale lease", "key", c.key, "stale_id", rec.LeaseID,
			"age", c.age(rec))
	}

	err = c.write()
	if err != nil {
		return Unheld, err
	}

	// Re-read to detect a racing acquisition that overwrote ours. Without a
	// [kv.Locker] backend this detection is best-effort only.
	confirm, err := c.read()
	if err != nil {
		return Unheld, err
	}

	if confirm == nil || confirm.LeaseID != c.id {
		return HeldByOther, nil
	}

	return HeldByUs, nil
}

// Heartbeat refreshes the held lease's timestamp. Only the holder may call
// it. If our record was overwritten by another context, the coordinator
// demotes itself, emits [EventLost], and returns [ErrLeaseLost].
func (c *Coordinator) Heartbeat() error {
	c.mu.Lock()
	held := c.held
	c.mu.Unlock()

	if !held {
		return ErrNotHolder
	}

	var lost bool

	err := c.withStoreLock(func() error {
		rec, err := c.read()
		if err != nil {
			return err
		}

		if rec == nil || rec.LeaseID != c.id {
			lost = true

			return nil
		}

		return c.write()
	})
	if err != nil {
		return err
	}

	// Demote and notify outside the store lock; subscriber callbacks may
	// touch the store themselves.
	if lost {
		c.mu.Lock()
		c.held = false
		c.mu.Unlock()

		c.log.Warn("lease lost", "key", c.key)
		c.emit(Event{Kind: EventLost, Ours: true})

		return ErrLeaseLost
	}

	return nil
}

// Run heartbeats on the configured interval until ctx is cancelled or the
// lease is lost. On clean cancellation the lease is released.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.beat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.Release()
		case <-ticker.C:
			err := c.Heartbeat()
			if err != nil {
				if errors.Is(err, ErrLeaseLost) {
					return err
				}

				// Transient storage failure; the record just ages until the
				// next beat succeeds or a peer reclaims it.
				c.log.Warn("heartbeat failed", "key", c.key, "err", err)
			}
		}
	}
}

// Release deletes the lease record only if it still carries our identifier.
// Safe to call twice, without holding, or after the lease was stolen and
// reclaimed; those cases are no-ops.
func (c *Coordinator) Release() error {
	c.mu.Lock()
	c.held = false
	c.mu.Unlock()

	return c.withStoreLock(func() error {
		rec, err := c.read()
		if err != nil {
			return err
		}

		if rec == nil || rec.LeaseID != c.id {
			return nil
		}

		err = c.store.Remove(c.key)
		if err != nil {
			return fmt.Errorf("lease: release: %w", err)
		}

		return nil
	})
}

// Clear deletes the lease record unconditionally, whoever holds it.
// Destructive; only the manual recovery path (reset) uses it.
func (c *Coordinator) Clear() error {
	c.mu.Lock()
	c.held = false
	c.mu.Unlock()

	err := c.store.Remove(c.key)
	if err != nil {
		return fmt.Errorf("lease: clear: %w", err)
	}

	return nil
}

// IsActive reports whether a fresh lease record exists, with no side
// effects. Other contexts use it to decide whether acquisition is worth
// attempting.
func (c *Coordinator) IsActive() (bool, error) {
	rec, err := c.read()
	if err != nil {
		return false, err
	}

	return rec != nil && c.fresh(rec), nil
}

// Inspect returns the lease state from this coordinator's point of view,
// with no side effects.
func (c *Coordinator) Inspect() (State, error) {
	rec, err := c.read()
	if err != nil {
		return Unheld, err
	}

	switch {
	case rec == nil:
		return Unheld, nil
	case rec.LeaseID == c.id:
		return HeldByUs, nil
	case c.fresh(rec):
		return HeldByOther, nil
	default:
		return Stale, nil
	}
}

// Subscribe registers fn for lease-state change events. The first
// subscription attaches a change listener to the underlying store so peers'
// acquisitions and releases surface without polling; cancelling the last
// subscription detaches it again. The returned cancel function is
// idempotent.
func (c *Coordinator) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelStore == nil {
		c.cancelStore = c.store.Subscribe(c.onStoreEvent)
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn

	return func() {
		c.mu.Lock()
		delete(c.subs, id)

		var detach func()

		if len(c.subs) == 0 {
			detach = c.cancelStore
			c.cancelStore = nil
		}
		c.mu.Unlock()

		// The store's own cancel may take backend locks; call it outside ours.
		if detach != nil {
			detach()
		}
	}
}

// onStoreEvent translates raw store changes on the lease key into lease
// events.
func (c *Coordinator) onStoreEvent(ev kv.Event) {
	if ev.Key != c.key {
		return
	}

	if ev.Value == nil {
		c.emit(Event{Kind: EventReleased})

		return
	}

	var rec Record

	err := json.Unmarshal(ev.Value, &rec)
	if err != nil {
		return
	}

	c.emit(Event{Kind: EventAcquired, LeaseID: rec.LeaseID, Ours: rec.LeaseID == c.id})
}

func (c *Coordinator) emit(ev Event) {
	c.mu.Lock()
	subs := make([]func(Event), 0, len(c.subs))

	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// read returns the stored record, or nil when absent. A record that does not
// parse is treated as dangling garbage: logged and reported as absent so a
// fresh acquisition can overwrite it.
func (c *Coordinator) read() (*Record, error) {
	raw, ok, err := c.store.Get(c.key)
	if err != nil {
		return nil, fmt.Errorf("lease: read: %w", err)
	}

	if !ok {
		return nil, nil
	}

	var rec Record

	err = json.Unmarshal(raw, &rec)
	if err != nil || rec.LeaseID == "" {
		c.log.Warn("unreadable lease record, treating as absent", "key", c.key)

		return nil, nil
	}

	return &rec, nil
}

// write stores our record with a current timestamp.
func (c *Coordinator) write() error {
	data, err := json.Marshal(Record{LeaseID: c.id, Timestamp: c.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("lease: encode: %w", err)
	}

	err = c.store.Set(c.key, data)
	if err != nil {
		return fmt.Errorf("lease: write: %w", err)
	}

	return nil
}

func (c *Coordinator) fresh(rec *Record) bool {
	return c.age(rec) < c.stale
}

func (c *Coordinator) age(rec *Record) time.Duration {
	return time.Duration(c.now().UnixMilli()-rec.Timestamp) * time.Millisecond
}

// Package recovery orchestrates startup: integrity check, lease acquisition,
// and the decision whether this context may write, write with a warning, or
// must stay read-only with export and reset as the only permitted actions.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"daybook/internal/lease"
	"daybook/internal/schema"
	"daybook/internal/txn"
)

// Health is the document's validation outcome.
type Health int

const (
	// Unvalidated means Startup has not run yet.
	Unvalidated Health = iota

	// Healthy means the document validated cleanly (or was just
	// bootstrapped).
	Healthy

	// PartiallyCorrupted means the envelope was valid but some items were
	// discarded.
	PartiallyCorrupted

	// Corrupted means the document is unreadable or shape-invalid.
	Corrupted
)

func (h Health) String() string {
	switch h {
	case Unvalidated:
		return "unvalidated"
	case Healthy:
		return "healthy"
	case PartiallyCorrupted:
		return "partially-corrupted"
	case Corrupted:
		return "corrupted"
	default:
		return fmt.Sprintf("Health(%d)", int(h))
	}
}

// Mode is what the application is allowed to do.
// The zero value is ReadOnly so an unstarted controller never permits writes.
type Mode int

const (
	// ReadOnly permits only export and reset.
	ReadOnly Mode = iota

	// Writable permits normal operation.
	Writable

	// WritableWithWarning permits writes but a warning must be surfaced.
	WritableWithWarning
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case Writable:
		return "writable"
	case WritableWithWarning:
		return "writable-with-warning"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Read-only and warning reasons. These exact strings are surfaced verbatim
// by the UI layer; treat them as part of the observable contract.
const (
	ReasonCorrupt        = "Stored data is corrupted and cannot be trusted. Export a copy or reset to continue."
	ReasonLeaseHeld      = "Another open tab currently holds write access. This tab is read-only."
	ReasonPartial        = "Some saved tasks were unreadable and were set aside. The remaining data is intact."
	ReasonRollbackFailed = "A failed save could not be undone. Editing is disabled to protect your data. Export a copy or reset to continue."
	ReasonQuota          = "Storage is full. Saving is disabled until space is freed or the data is reset."
)

// Status is the controller's decision.
type Status struct {
	Health  Health
	Mode    Mode
	Reason  string // empty when Mode == Writable
	Dropped int    // items discarded under partial corruption
}

// Options configures a [Controller]. The zero value is usable.
type Options struct {
	// Now supplies timestamps for bootstrapping. Defaults to [time.Now].
	Now func() time.Time

	// Logger receives diagnostics. Defaults to [slog.Default].
	Logger *slog.Logger
}

// Controller sequences validation and lease acquisition, and tracks the
// session's mode afterwards.
type Controller struct {
	mgr   *txn.Manager
	coord *lease.Coordinator
	now   func() time.Time
	log   *slog.Logger

	mu     sync.Mutex
	status Status
}

// NewController returns a controller over the given transaction manager and
// lease coordinator. They must share the same underlying store.
func NewController(mgr *txn.Manager, coord *lease.Coordinator, opts Options) *Controller {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Controller{mgr: mgr, coord: coord, now: now, log: log}
}

// Startup validates the stored document, attempts to acquire the writer
// lease, and bootstraps a fresh document when the store is empty. The
// resulting status decides the application's mode for the session.
//
// A corrupted document forces read-only without attempting acquisition: a
// context that cannot trust the data has no business holding the writer
// lease. The bootstrap write happens only after acquisition succeeds; a
// context that loses the lease race must not touch the shared store, or it
// would race the holder's own first commit.
func (c *Controller) Startup() (Status, error) {
	res, err := c.mgr.Inspect()
	if err != nil {
		return Status{}, fmt.Errorf("recovery: startup: %w", err)
	}

	if res.Err != nil {
		c.log.Warn("document corrupted, forcing read-only", "err", res.Err)

		return c.set(Status{Health: Corrupted, Mode: ReadOnly, Reason: ReasonCorrupt}), nil
	}

	health := Healthy
	if res.Dropped > 0 {
		health = PartiallyCorrupted
	}

	state, err := c.coord.Acquire()
	if err != nil {
		return Status{}, fmt.Errorf("recovery: acquire lease: %w", err)
	}

	if state != lease.HeldByUs {
		return c.set(Status{Health: health, Mode: ReadOnly, Reason: ReasonLeaseHeld, Dropped: res.Dropped}), nil
	}

	if res.Doc == nil {
		err = c.mgr.Write(schema.NewDocument(c.now()))
		if err != nil {
			return Status{}, fmt.Errorf("recovery: bootstrap: %w", err)
		}

		c.log.Info("bootstrapped fresh document")
	}

	if health == PartiallyCorrupted {
		return c.set(Status{Health: health, Mode: WritableWithWarning, Reason: ReasonPartial, Dropped: res.Dropped}), nil
	}

	return c.set(Status{Health: health, Mode: Writable}), nil
}

// Status returns the current decision.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

// Writable reports whether the session may mutate the document.
func (c *Controller) Writable() bool {
	return c.Status().Mode != ReadOnly
}

// Degrade transitions the session after a fatal mid-session error from the
// transaction or lease layer. Unrecognized errors leave the status unchanged.
// Returns the (possibly updated) status.
func (c *Controller) Degrade(err error) Status {
	switch {
	case errors.Is(err, txn.ErrRollbackFailed):
		c.log.Error("rollback failed, forcing read-only", "err", err)

		return c.set(Status{Health: Corrupted, Mode: ReadOnly, Reason: ReasonRollbackFailed})
	case errors.Is(err, txn.ErrQuotaExceeded):
		c.log.Warn("storage quota exceeded, disabling writes", "err", err)

		return c.merge(ReadOnly, ReasonQuota)
	case errors.Is(err, lease.ErrLeaseLost):
		c.log.Warn("writer lease lost, forcing read-only", "err", err)

		return c.merge(ReadOnly, ReasonLeaseHeld)
	default:
		return c.Status()
	}
}

// ExportRaw returns the raw stored bytes unmodified. Permitted in every
// mode, including read-only.
func (c *Controller) ExportRaw() ([]byte, error) {
	return c.mgr.ExportRaw()
}

// Reset destroys all state: the lease record is cleared unconditionally, the
// primary, backup, and preferences keys are wiped, and a freshly-initialized
// empty document is written. Permitted in every mode; it is the manual
// recovery path of last resort.
//
// After a successful reset the controller re-runs startup so the session can
// return to writable mode.
func (c *Controller) Reset() (Status, error) {
	err := c.coord.Clear()
	if err != nil {
		return c.Status(), fmt.Errorf("recovery: reset: %w", err)
	}

	err = c.mgr.Reset()
	if err != nil {
		return c.Status(), fmt.Errorf("recovery: reset: %w", err)
	}

	return c.Startup()
}

func (c *Controller) set(s Status) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status = s

	return s
}

// merge forces mode/reason while keeping the recorded health.
func (c *Controller) merge(mode Mode, reason string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status.Mode = mode
	c.status.Reason = reason

	return c.status
}

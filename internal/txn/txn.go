// Package txn performs validated, verified, rollback-protected writes of the
// daybook document against the shared key-value medium.
//
// The commit sequence for a write:
//  1. Validate the new document (reject before touching storage)
//  2. Copy the current raw value verbatim to the backup key
//  3. Serialize and store the new value under the primary key
//  4. Read the primary key back and byte-compare against what was written
//  5. On store or verification failure, restore the backup (best-effort)
//
// This gives an at-most-one-intermediate-state guarantee: the primary key
// holds either the old value, the fully-written new value, or, only in the
// narrow window between store and verification, a value that is then rolled
// back. The manager does not check the writer lease itself; callers combine
// it with the lease coordinator to get the full safety property.
package txn

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"daybook/internal/kv"
	"daybook/internal/schema"
)

// Keys names the storage keys the manager operates on.
type Keys struct {
	Document    string
	Backup      string
	Preferences string
}

// DefaultKeys are the key names used unless overridden.
var DefaultKeys = Keys{
	Document:    "document.json",
	Backup:      "backup.json",
	Preferences: "preferences.json",
}

// Options configures a [Manager]. The zero value is usable.
type Options struct {
	// Keys overrides the storage key names. Zero fields fall back to
	// [DefaultKeys].
	Keys Keys

	// Now supplies timestamps. Defaults to [time.Now].
	Now func() time.Time

	// Logger receives read-path diagnostics. Defaults to [slog.Default].
	Logger *slog.Logger
}

// Manager is the transaction layer over a [kv.Store].
// The zero value is not usable; call [NewManager].
type Manager struct {
	store kv.Store
	keys  Keys
	now   func() time.Time
	log   *slog.Logger
}

// NewManager returns a manager bound to store.
func NewManager(store kv.Store, opts Options) *Manager {
	keys := opts.Keys

	if keys.Document == "" {
		keys.Document = DefaultKeys.Document
	}

	if keys.Backup == "" {
		keys.Backup = DefaultKeys.Backup
	}

	if keys.Preferences == "" {
		keys.Preferences = DefaultKeys.Preferences
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Manager{store: store, keys: keys, now: now, log: log}
}

// Write validates doc, recomputes its metadata cache, and commits it with
// backup and post-write verification. The caller's document is not mutated.
//
// On failure the previous value is restored; if that restore itself fails,
// the returned error matches [ErrRollbackFailed] and carries both causes.
func (m *Manager) Write(doc *schema.Document) error {
	if doc == nil {
		return errors.New("txn: write: document is nil")
	}

	d := *doc
	d.Tasks = slices.Clone(doc.Tasks)
	d.Metadata = schema.ComputeMetadata(d.Tasks, m.now())

	err := schema.ValidateDocument(&d)
	if err != nil {
		return fmt.Errorf("txn: write: %w", err)
	}

	data, err := json.Marshal(&d)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	prev, hadPrev, err := m.store.Get(m.keys.Document)
	if err != nil {
		return fmt.Errorf("txn: write: reading current value: %w", err)
	}

	if hadPrev {
		err = m.store.Set(m.keys.Backup, prev)
		if err != nil {
			return fmt.Errorf("txn: write: backup: %w", err)
		}
	}

	err = m.store.Set(m.keys.Document, data)
	if err != nil {
		return m.rollback(prev, hadPrev, fmt.Errorf("txn: write: store: %w", err))
	}

	got, ok, err := m.store.Get(m.keys.Document)
	if err != nil || !ok || !bytes.Equal(got, data) {
		cause := fmt.Errorf("%w: stored %d bytes, read back %d", ErrVerification, len(data), len(got))
		if err != nil {
			cause = fmt.Errorf("%w: read back: %v", ErrVerification, err)
		}

		return m.rollback(prev, hadPrev, cause)
	}

	return nil
}

// Read returns the stored document, or nil (with no error) when the key is
// absent or the stored value is unusable. Validation failures are logged,
// not returned, so callers uniformly treat "no usable document" as the
// signal to bootstrap a fresh one.
//
// Under partial corruption the salvaged subset is returned and the dropped
// count logged; the document stays usable.
func (m *Manager) Read() (*schema.Document, error) {
	raw, ok, err := m.store.Get(m.keys.Document)
	if err != nil {
		return nil, fmt.Errorf("txn: read: %w", err)
	}

	if !ok {
		return nil, nil
	}

	res := schema.Validate(raw)
	if res.Err != nil {
		m.log.Warn("stored document failed validation", "key", m.keys.Document, "err", res.Err)

		return nil, nil
	}

	if res.Dropped > 0 {
		m.log.Warn("stored document partially corrupted", "key", m.keys.Document, "dropped", res.Dropped)
	}

	return res.Doc, nil
}

// CheckIntegrity reports whether the stored document can be trusted.
// An absent key means "not yet initialized" and passes; a partially
// corrupted document still has a trustworthy envelope and passes. Only
// unreadable or shape-invalid bytes fail.
func (m *Manager) CheckIntegrity() bool {
	raw, ok, err := m.store.Get(m.keys.Document)
	if err != nil {
		m.log.Warn("integrity check could not read store", "err", err)

		return false
	}

	if !ok {
		return true
	}

	return schema.Validate(raw).Err == nil
}

// Inspect validates the stored raw value and returns the full result,
// including the dropped-item count. Absent key returns a healthy result with
// a nil document.
func (m *Manager) Inspect() (schema.Result, error) {
	raw, ok, err := m.store.Get(m.keys.Document)
	if err != nil {
		return schema.Result{}, fmt.Errorf("txn: inspect: %w", err)
	}

	if !ok {
		return schema.Result{}, nil
	}

	return schema.Validate(raw), nil
}

// ExportRaw returns the raw stored bytes unmodified, even when corrupt.
// Absent key returns nil.
func (m *Manager) ExportRaw() ([]byte, error) {
	raw, ok, err := m.store.Get(m.keys.Document)
	if err != nil {
		return nil, fmt.Errorf("txn: export: %w", err)
	}

	if !ok {
		return nil, nil
	}

	return raw, nil
}

// Reset wipes the primary, backup, and preferences keys and writes a
// freshly-initialized empty document through the normal commit path.
func (m *Manager) Reset() error {
	for _, key := range []string{m.keys.Document, m.keys.Backup, m.keys.Preferences} {
		err := m.store.Remove(key)
		if err != nil {
			return fmt.Errorf("txn: reset: %w", err)
		}
	}

	err := m.Write(schema.NewDocument(m.now()))
	if err != nil {
		return fmt.Errorf("txn: reset: %w", err)
	}

	return nil
}

// ReadPreferences returns the sidecar preferences record, or nil when absent
// or unusable. The record may be staler or fresher than the document; callers
// must tolerate that.
func (m *Manager) ReadPreferences() (*schema.Preferences, error) {
	raw, ok, err := m.store.Get(m.keys.Preferences)
	if err != nil {
		return nil, fmt.Errorf("txn: read preferences: %w", err)
	}

	if !ok {
		return nil, nil
	}

	var p schema.Preferences

	err = json.Unmarshal(raw, &p)
	if err == nil {
		err = schema.ValidatePreferences(p)
	}

	if err != nil {
		m.log.Warn("stored preferences failed validation", "key", m.keys.Preferences, "err", err)

		return nil, nil
	}

	return &p, nil
}

// WritePreferences validates and stores the sidecar preferences record.
// Preferences are small and independently replaceable, so they skip the
// backup-and-verify dance the document gets.
func (m *Manager) WritePreferences(p schema.Preferences) error {
	err := schema.ValidatePreferences(p)
	if err != nil {
		return fmt.Errorf("txn: write preferences: %w", err)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	err = m.store.Set(m.keys.Preferences, data)
	if err != nil {
		return fmt.Errorf("txn: write preferences: %w", err)
	}

	return nil
}

// rollback restores the pre-transaction value after cause. When the restore
// itself fails both errors are surfaced under [ErrRollbackFailed].
func (m *Manager) rollback(prev []byte, hadPrev bool, cause error) error {
	var restoreErr error

	if hadPrev {
		restoreErr = m.store.Set(m.keys.Document, prev)
	} else {
		restoreErr = m.store.Remove(m.keys.Document)
	}

	if restoreErr != nil {
		return fmt.Errorf("%w: write: %v; restore: %v", ErrRollbackFailed, cause, restoreErr)
	}

	return cause
}

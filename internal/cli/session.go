package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"daybook/internal/kv"
	"daybook/internal/lease"
	"daybook/internal/recovery"
	"daybook/internal/schema"
	"daybook/internal/txn"
)

var errReadOnly = errors.New("read-only mode")

// session wires one command invocation to the storage medium: backend, then
// transaction manager, lease coordinator, and recovery controller on top.
type session struct {
	cfg    Config
	store  kv.Store
	mgr    *txn.Manager
	coord  *lease.Coordinator
	ctrl   *recovery.Controller
	status recovery.Status

	closeStore func() error
}

// openSession opens the configured backend and runs recovery startup.
// Callers must call [session.close] when done; it releases the lease.
func openSession(cfg Config, log *slog.Logger) (*session, error) {
	s := &session{cfg: cfg}

	switch cfg.Backend {
	case BackendSQLite:
		store, err := kv.OpenSQLite(filepath.Join(cfg.DataDirAbs, "daybook.sqlite"))
		if err != nil {
			return nil, err
		}

		s.store = store
		s.closeStore = store.Close
	default:
		store, err := kv.NewFile(cfg.DataDirAbs)
		if err != nil {
			return nil, err
		}

		s.store = store
	}

	s.mgr = txn.NewManager(s.store, txn.Options{Logger: log})
	s.coord = lease.NewCoordinator(s.store, lease.Options{
		Heartbeat: cfg.Heartbeat(),
		Logger:    log,
	})
	s.ctrl = recovery.NewController(s.mgr, s.coord, recovery.Options{Logger: log})

	status, err := s.ctrl.Startup()
	if err != nil {
		_ = s.close()

		return nil, err
	}

	s.status = status

	return s, nil
}

// close releases the lease and the backend.
func (s *session) close() error {
	var errs []error

	if s.coord != nil {
		if err := s.coord.Release(); err != nil {
			errs = append(errs, err)
		}
	}

	if s.closeStore != nil {
		if err := s.closeStore(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// warnStatus surfaces a degraded status on the IO, so every command leads
// with the same message the UI banner would show.
func (s *session) warnStatus(o *IO) {
	if s.status.Reason != "" {
		o.Warn(s.status.Reason)
	}
}

// requireWritable fails with the controller's reason when the session may
// not mutate the document.
func (s *session) requireWritable() error {
	if !s.ctrl.Writable() {
		return fmt.Errorf("%w: %s", errReadOnly, s.status.Reason)
	}

	return nil
}

// mutate reads the document, applies fn, and writes the result through the
// transaction manager. A fatal write error degrades the session mode.
func (s *session) mutate(fn func(doc *schema.Document) error) error {
	err := s.requireWritable()
	if err != nil {
		return err
	}

	doc, err := s.mgr.Read()
	if err != nil {
		return err
	}

	if doc == nil {
		doc = schema.NewDocument(time.Now())
	}

	err = fn(doc)
	if err != nil {
		return err
	}

	err = s.mgr.Write(doc)
	if err != nil {
		s.status = s.ctrl.Degrade(err)

		return err
	}

	return nil
}

package cli

import (
	"log/slog"

	"daybook/internal/lease"
)

func cmdStatus(o *IO, cfg Config, log *slog.Logger, args []string) error {
	if hasHelpFlag(args) {
		o.Println("Usage: daybook status")
		o.Println()
		o.Println("Show document health, session mode, and lease state.")

		return nil
	}

	s, err := openSession(cfg, log)
	if err != nil {
		return err
	}

	defer func() { _ = s.close() }()

	s.warnStatus(o)

	res, err := s.mgr.Inspect()
	if err != nil {
		return err
	}

	leaseState, err := s.coord.Inspect()
	if err != nil {
		return err
	}

	active, err := s.coord.IsActive()
	if err != nil {
		return err
	}

	o.Println("health:", s.status.Health)
	o.Println("mode:", s.status.Mode)

	if s.status.Dropped > 0 {
		o.Printf("dropped items: %d\n", s.status.Dropped)
	}

	if res.Doc != nil {
		o.Println("tasks:", res.Doc.Metadata.TotalTaskCount)
		o.Println("last modified:", res.Doc.Metadata.LastModified)
	}

	// The session holds the lease itself while running, so report the state
	// a peer would see.
	switch leaseState {
	case lease.HeldByUs:
		o.Println("lease: held by this session")
	case lease.HeldByOther:
		o.Println("lease: held by another context")
	case lease.Stale:
		o.Println("lease: stale record, reclaimable")
	case lease.Unheld:
		o.Println("lease: unheld")
	}

	o.Println("lease active:", active)

	return nil
}

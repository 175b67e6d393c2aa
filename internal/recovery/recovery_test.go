package recovery_test

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"daybook/internal/kv"
	"daybook/internal/lease"
	"daybook/internal/recovery"
	"daybook/internal/schema"
	"daybook/internal/txn"
)

var testNow = time.Date(2025, time.October, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *kv.Memory
	mgr   *txn.Manager
	coord *lease.Coordinator
	ctrl  *recovery.Controller
}

func newFixture(store *kv.Memory) *fixture {
	discard := slog.New(slog.DiscardHandler)

	mgr := txn.NewManager(store, txn.Options{
		Now:    func() time.Time { return testNow },
		Logger: discard,
	})

	coord := lease.NewCoordinator(store, lease.Options{
		Now:    func() time.Time { return testNow },
		Logger: discard,
	})

	ctrl := recovery.NewController(mgr, coord, recovery.Options{
		Now:    func() time.Time { return testNow },
		Logger: discard,
	})

	return &fixture{store: store, mgr: mgr, coord: coord, ctrl: ctrl}
}

func mustTask(t *testing.T, description, date string) schema.Task {
	t.Helper()

	task, err := schema.NewTask(description, date, testNow)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}

	return task
}

func seedDoc(t *testing.T, store kv.Store, tasks ...schema.Task) {
	t.Helper()

	doc := schema.NewDocument(testNow)
	doc.Tasks = tasks
	doc.Metadata = schema.ComputeMetadata(tasks, testNow)

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	err = store.Set(txn.DefaultKeys.Document, data)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestStartup_EmptyStore_BootstrapsAndGoesWritable(t *testing.T) {
	t.Parallel()

	f := newFixture(kv.NewMemory())

	status, err := f.ctrl.Startup()
	if err != nil {
		t.Fatalf("startup: %v", err)
	}

	if status.Health != recovery.Healthy || status.Mode != recovery.Writable {
		t.Fatalf("status = %+v, want Healthy/Writable", status)
	}

	if status.Reason != "" {
		t.Fatalf("reason = %q, want empty", status.Reason)
	}

	// A fresh empty document must now exist in storage.
	doc, err := f.mgr.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if doc == nil || len(doc.Tasks) != 0 {
		t.Fatalf("bootstrapped doc = %+v, want empty document", doc)
	}

	if !f.coord.Holds() {
		t.Fatal("startup should have acquired the writer lease")
	}
}

func TestStartup_HealthyDocument(t *testing.T) {
	t.Parallel()

	f := newFixture(kv.NewMemory())
	seedDoc(t, f.store, mustTask(t, "water the plants", "2025-10-10"))

	status, err := f.ctrl.Startup()
	if err != nil {
		t.Fatalf("startup: %v", err)
	}

	if status.Health != recovery.Healthy || status.Mode != recovery.Writable {
		t.Fatalf("status = %+v, want Healthy/Writable", status)
	}
}

func TestStartup_CorruptDocument_ReadOnlyWithoutLease(t *testing.T) {
	t.Parallel()

	f := newFixture(kv.NewMemory())

	err := f.store.Set(txn.DefaultKeys.Document, []byte("{not json"))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	status, err := f.ctrl.Startup()
	if err != nil {
		t.Fatalf("startup: %v", err)
	}

	if status.Health != recovery.Corrupted || status.Mode != recovery.ReadOnly {
		t.Fatalf("status = %+v, want Corrupted/ReadOnly", status)
	}

	if status.Reason != recovery.ReasonCorrupt {
		t.Fatalf("reason = %q, want ReasonCorrupt", status.Reason)
	}

	// A context that cannot trust the data must not take the lease.
	if f.coord.Holds() {
		t.Fatal("corrupted startup must not acquire the lease")
	}

	if f.ctrl.Writable() {
		t.Fatal("controller must report not writable")
	}
}

func TestStartup_PartialCorruption_WritableWithWarning(t *testing.T) {
	t.Parallel()

	f := newFixture(kv.NewMemory())

	good := mustTask(t, "water the plants", "2025-10-10")
	bad := mustTask(t, "mangled", "2025-10-10")
	bad.ID = "not-a-uuid"

	seedDoc(t, f.store, good, bad)

	status, err := f.ctrl.Startup()
	if err != nil {
		t.Fatalf("startup: %v", err)
	}

	if status.Health != recovery.PartiallyCorrupted {
		t.Fatalf("health = %v, want PartiallyCorrupted", status.Health)
	}

	if status.Mode != recovery.WritableWithWarning {
		t.Fatalf("mode = %v, want WritableWithWarning", status.Mode)
	}

	if status.Reason != recovery.ReasonPartial {
		t.Fatalf("reason = %q, want ReasonPartial", status.Reason)
	}

	if status.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", status.Dropped)
	}

	if !f.ctrl.Writable() {
		t.Fatal("WritableWithWarning must still permit writes")
	}
}

func TestStartup_LeaseHeldByPeer_ReadOnly(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()

	peer := newFixture(store)

	_, err := peer.ctrl.Startup()
	if err != nil {
		t.Fatalf("peer startup: %v", err)
	}

	f := newFixture(store)

	status, err := f.ctrl.Startup()
	if err != nil {
		t.Fatalf("startup: %v", err)
	}

	if status.Health != recovery.Healthy {
		t.Fatalf("health = %v, want Healthy", status.Health)
	}

	if status.Mode != recovery.ReadOnly || status.Reason != recovery.ReasonLeaseHeld {
		t.Fatalf("status = %+v, want ReadOnly/ReasonLeaseHeld", status)
	}
}

func TestStartup_LeaseHeldByPeer_DoesNotBootstrap(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()

	// A peer holds a fresh lease but has not committed a document yet.
	peer := lease.NewCoordinator(store, lease.Options{
		Now:    func() time.Time { return testNow },
		Logger: slog.New(slog.DiscardHandler),
	})

	state, err := peer.Acquire()
	if err != nil || state != lease.HeldByUs {
		t.Fatalf("peer acquire = (%v, %v), want HeldByUs", state, err)
	}

	f := newFixture(store)

	status, err := f.ctrl.Startup()
	if err != nil {
		t.Fatalf("startup: %v", err)
	}

	if status.Mode != recovery.ReadOnly || status.Reason != recovery.ReasonLeaseHeld {
		t.Fatalf("status = %+v, want ReadOnly/ReasonLeaseHeld", status)
	}

	// The losing context must not have written anything; the peer's first
	// commit would otherwise race against a stray bootstrap.
	_, ok, err := store.Get(txn.DefaultKeys.Document)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if ok {
		t.Fatal("read-only context mutated the shared store during startup")
	}
}

func TestDegrade_RollbackFailure_IsTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(kv.NewMemory())

	_, err := f.ctrl.Startup()
	if err != nil {
		t.Fatalf("startup: %v", err)
	}

	status := f.ctrl.Degrade(fmt.Errorf("txn: write: boom: %w", txn.ErrRollbackFailed))

	if status.Health != recovery.Corrupted || status.Mode != recovery.ReadOnly {
		t.Fatalf("status = %+v, want Corrupted/ReadOnly", status)
	}

	if status.Reason != recovery.ReasonRollbackFailed {
		t.Fatalf("reason = %q, want ReasonRollbackFailed", status.Reason)
	}
}

func TestDegrade_QuotaExceeded_KeepsHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(kv.NewMemory())

	_, err := f.ctrl.Startup()
	if err != nil {
		t.Fatalf("startup: %v", err)
	}

	status := f.ctrl.Degrade(fmt.Errorf("txn: write: %w", txn.ErrQuotaExceeded))

	if status.Health != recovery.Healthy {
		t.Fatalf("health = %v, want Healthy preserved", status.Health)
	}

	if status.Mode != recovery.ReadOnly || status.Reason != recovery.ReasonQuota {
		t.Fatalf("status = %+v, want ReadOnly/ReasonQuota", status)
	}
}

func TestDegrade_LeaseLost(t *testing.T) {
	t.Parallel()

	f := newFixture(kv.NewMemory())

	_, err := f.ctrl.Startup()
	if err != nil {
		t.Fatalf("startup: %v", err)
	}

	status := f.ctrl.Degrade(lease.ErrLeaseLost)

	if status.Mode != recovery.ReadOnly || status.Reason != recovery.ReasonLeaseHeld {
		t.Fatalf("status = %+v, want ReadOnly/ReasonLeaseHeld", status)
	}
}

func TestDegrade_UnknownError_LeavesStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(kv.NewMemory())

	before, err := f.ctrl.Startup()
	if err != nil {
		t.Fatalf("startup: %v", err)
	}

	after := f.ctrl.Degrade(fmt.Errorf("transient network blip"))
	if after != before {
		t.Fatalf("status changed on unknown error: %+v -> %+v", before, after)
	}
}

func TestExportRaw_PermittedWhileCorrupted(t *testing.T) {
	t.Parallel()

	f := newFixture(kv.NewMemory())

	raw := []byte("{definitely not json")

	err := f.store.Set(txn.DefaultKeys.Document, raw)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = f.ctrl.Startup()
	if err != nil {
		t.Fatalf("startup: %v", err)
	}

	got, err := f.ctrl.ExportRaw()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	if string(got) != string(raw) {
		t.Fatalf("export = %q, want the stored bytes verbatim", got)
	}
}

func TestReset_RecoversFromCorruption(t *testing.T) {
	t.Parallel()

	f := newFixture(kv.NewMemory())

	err := f.store.Set(txn.DefaultKeys.Document, []byte("{broken"))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	status, err := f.ctrl.Startup()
	if err != nil {
		t.Fatalf("startup: %v", err)
	}

	if status.Mode != recovery.ReadOnly {
		t.Fatalf("mode = %v, want ReadOnly before reset", status.Mode)
	}

	status, err = f.ctrl.Reset()
	if err != nil {
		t.Fatalf("reset: %v", err)
	}

	if status.Health != recovery.Healthy || status.Mode != recovery.Writable {
		t.Fatalf("status after reset = %+v, want Healthy/Writable", status)
	}

	doc, err := f.mgr.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if doc == nil || len(doc.Tasks) != 0 {
		t.Fatalf("doc after reset = %+v, want fresh empty document", doc)
	}
}

func TestReset_ClearsForeignLease(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()

	peer := newFixture(store)

	_, err := peer.ctrl.Startup()
	if err != nil {
		t.Fatalf("peer startup: %v", err)
	}

	f := newFixture(store)

	status, err := f.ctrl.Startup()
	if err != nil {
		t.Fatalf("startup: %v", err)
	}

	if status.Mode != recovery.ReadOnly {
		t.Fatalf("mode = %v, want ReadOnly while peer holds the lease", status.Mode)
	}

	status, err = f.ctrl.Reset()
	if err != nil {
		t.Fatalf("reset: %v", err)
	}

	if status.Mode != recovery.Writable {
		t.Fatalf("mode after reset = %v, want Writable", status.Mode)
	}

	if !f.coord.Holds() {
		t.Fatal("reset should leave this context holding the lease")
	}
}

func TestZeroValueStatus_IsReadOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(kv.NewMemory())

	// Before Startup runs, the controller must not permit writes.
	if f.ctrl.Writable() {
		t.Fatal("unstarted controller must be read-only")
	}

	status := f.ctrl.Status()
	if status.Health != recovery.Unvalidated || status.Mode != recovery.ReadOnly {
		t.Fatalf("zero status = %+v, want Unvalidated/ReadOnly", status)
	}
}

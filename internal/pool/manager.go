// Package pool multiplexes many hypervisor.Drivers: bounded admission,
// store-backed persistence after every transition, and reconstruction
// of a live fleet across a host process restart.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/kestrelvm/kestrel/internal/catalog"
	"github.com/kestrelvm/kestrel/internal/hvconfig"
	"github.com/kestrelvm/kestrel/internal/hyperr"
	"github.com/kestrelvm/kestrel/internal/hypervisor"
	"github.com/kestrelvm/kestrel/internal/machinecore"
	"github.com/kestrelvm/kestrel/internal/store"
)

// ErrNotFound is returned when an operation names an unknown vmid.
var ErrNotFound = hyperr.New(hyperr.KindValidation, "microvm not found")

// Clock abstracts time.Now so MachineCore timestamps can be stamped
// deterministically in tests without depending on wall-clock time.
type Clock func() time.Time

// Manager is a vmid-keyed map of Drivers, a semaphore bounding how many
// may exist concurrently, and a Store for rebuild-on-restart. The pool
// owns the semaphore and the store handle; it shares Drivers with
// callers but every per-Driver operation still goes through the
// Driver's own exclusive access.
type Manager struct {
	mu      sync.RWMutex
	drivers map[string]*hypervisor.Driver

	sem   chan struct{}
	store store.Store
	log   *slog.Logger
	clock Clock
}

// Config configures a Manager.
type Config struct {
	Capacity int
	Store    store.Store
	Logger   *slog.Logger
	Clock    Clock // defaults to time.Now
}

// New constructs a Manager with the given capacity and store.
func New(cfg Config) *Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = hvconfig.DefaultPoolCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		drivers: make(map[string]*hypervisor.Driver),
		sem:     make(chan struct{}, cfg.Capacity),
		store:   cfg.Store,
		log:     cfg.Logger,
		clock:   cfg.Clock,
	}
}

// acquire blocks for a free semaphore slot, fairly, up to ctx's
// deadline or cancellation.
func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return hyperr.Wrap(hyperr.KindCancelled, ctx.Err(), "acquire pool permit")
	}
}

func (m *Manager) release() {
	select {
	case <-m.sem:
	default:
	}
}

// Create acquires a permit, constructs a Driver in state None,
// persists its initial MachineCore row, and registers it. The vmid is
// freshly generated unless hv already carries one. The permit is held
// until Delete.
func (m *Manager) Create(ctx context.Context, hv *hvconfig.HypervisorConfig, mv *hvconfig.MicroVMConfig, log *logrus.Entry) (string, error) {
	if err := m.acquire(ctx); err != nil {
		return "", err
	}

	vmid := hv.VMID
	if vmid == "" {
		vmid = ulid.Make().String()
	}
	hv.VMID = vmid
	mv.VMID = vmid

	d, err := hypervisor.New(hv, mv, log)
	if err != nil {
		m.release()
		return "", err
	}

	now := m.clock()
	core := &machinecore.MachineCore{
		VMID:       vmid,
		SocketPath: d.SocketPath(),
		WorkDir:    hv.WorkDir,
		Status:     d.Status(),
		CreatedAt:  now,
		UpdatedAt:  now,
		Hypervisor: *hv,
		MicroVM:    *mv,
	}
	if err := m.store.Put(ctx, core); err != nil {
		m.release()
		return "", hyperr.Wrap(hyperr.KindStorage, err, "persist initial machine core for %q", vmid)
	}

	m.mu.Lock()
	m.drivers[vmid] = d
	m.mu.Unlock()

	activeVMs.Set(float64(m.Len()))
	recordLifecycle("create", nil)
	m.log.Info("microvm created", "vmid", vmid)
	return vmid, nil
}

func (m *Manager) lookup(vmid string) (*hypervisor.Driver, error) {
	m.mu.RLock()
	d, ok := m.drivers[vmid]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// persist writes d's current state back to the store under vmid.
func (m *Manager) persist(ctx context.Context, vmid string, d *hypervisor.Driver) error {
	core := &machinecore.MachineCore{
		VMID:       vmid,
		SocketPath: d.SocketPath(),
		WorkDir:    d.HypervisorConfig().WorkDir,
		Status:     d.Status(),
		UpdatedAt:  m.clock(),
		Hypervisor: *d.HypervisorConfig(),
		MicroVM:    *d.MicroVMConfig(),
	}
	existing, err := m.store.Get(ctx, vmid)
	if err == nil {
		core.CreatedAt = existing.CreatedAt
	} else {
		core.CreatedAt = core.UpdatedAt
	}
	if err := m.store.Put(ctx, core); err != nil {
		return hyperr.Wrap(hyperr.KindStorage, err, "persist machine core for %q", vmid)
	}
	return nil
}

// Start forwards to Driver.Start, returning NotFound if vmid is
// unknown, then persists the resulting state.
func (m *Manager) Start(ctx context.Context, vmid string) error {
	d, err := m.lookup(vmid)
	if err != nil {
		return err
	}
	started := m.clock()
	err = d.Start(ctx)
	vmBootDuration.Observe(m.clock().Sub(started).Seconds())
	recordLifecycle("start", err)
	if err != nil {
		kind, ok := hyperr.KindOf(err)
		if !ok {
			kind = "unknown"
		}
		vmStartFailures.WithLabelValues(string(kind)).Inc()
	}
	if perr := m.persist(ctx, vmid, d); perr != nil {
		m.log.Error("failed to persist machine core after start", "vmid", vmid, "error", perr)
	}
	return err
}

// Pause forwards to Driver.Pause.
func (m *Manager) Pause(ctx context.Context, vmid string) error {
	d, err := m.lookup(vmid)
	if err != nil {
		return err
	}
	err = d.Pause(ctx)
	recordLifecycle("pause", err)
	if perr := m.persist(ctx, vmid, d); perr != nil {
		m.log.Error("failed to persist machine core after pause", "vmid", vmid, "error", perr)
	}
	return err
}

// Resume forwards to Driver.Resume.
func (m *Manager) Resume(ctx context.Context, vmid string) error {
	d, err := m.lookup(vmid)
	if err != nil {
		return err
	}
	err = d.Resume(ctx)
	recordLifecycle("resume", err)
	if perr := m.persist(ctx, vmid, d); perr != nil {
		m.log.Error("failed to persist machine core after resume", "vmid", vmid, "error", perr)
	}
	return err
}

// Stop forwards to Driver.Stop.
func (m *Manager) Stop(ctx context.Context, vmid string) error {
	d, err := m.lookup(vmid)
	if err != nil {
		return err
	}
	err = d.Stop(ctx)
	recordLifecycle("stop", err)
	if perr := m.persist(ctx, vmid, d); perr != nil {
		m.log.Error("failed to persist machine core after stop", "vmid", vmid, "error", perr)
	}
	return err
}

// Snapshot forwards to Driver.Snapshot and registers the resulting
// snapshot in the store's snapshot table.
func (m *Manager) Snapshot(ctx context.Context, vmid, memPath, statePath string, kind catalog.SnapshotType) error {
	d, err := m.lookup(vmid)
	if err != nil {
		return err
	}
	if err := d.Snapshot(ctx, memPath, statePath, kind); err != nil {
		recordLifecycle("snapshot", err)
		return err
	}
	recordLifecycle("snapshot", nil)
	rec := &store.SnapshotRecord{
		VMID:         vmid,
		MemFilePath:  memPath,
		SnapshotPath: statePath,
		Kind:         string(kind),
		CreatedAt:    m.clock().Unix(),
	}
	if err := m.store.PutSnapshot(ctx, rec); err != nil {
		m.log.Error("failed to register snapshot", "vmid", vmid, "error", err)
	}
	return nil
}

// Delete stops (if needed) and deletes the Driver, removes it from the
// map, deletes its MachineCore row, and releases its permit.
// Idempotent: deleting an unknown vmid is a no-op, matching the
// Driver's own idempotent Delete.
func (m *Manager) Delete(ctx context.Context, vmid string) error {
	m.mu.Lock()
	d, ok := m.drivers[vmid]
	if ok {
		delete(m.drivers, vmid)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	started := m.clock()
	err := d.Delete(ctx)
	vmCleanupDuration.Observe(m.clock().Sub(started).Seconds())
	recordLifecycle("delete", err)
	if derr := m.store.Delete(ctx, vmid); derr != nil {
		m.log.Error("failed to delete machine core", "vmid", vmid, "error", derr)
	}
	m.release()
	activeVMs.Set(float64(m.Len()))
	m.log.Info("microvm deleted", "vmid", vmid)
	return err
}

// Get returns the Driver registered under vmid, for callers (e.g. the
// admin surface) that need direct read access such as Status or
// PingRemote. Returns ErrNotFound if absent.
func (m *Manager) Get(vmid string) (*hypervisor.Driver, error) {
	return m.lookup(vmid)
}

// List returns every vmid currently registered, in no particular order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.drivers))
	for id := range m.drivers {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of Drivers currently registered.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.drivers)
}

// Shutdown iterates every Driver, deletes it (best-effort), drains the
// semaphore by acquiring every permit, then closes the store. After it
// returns, every Driver has been driven to Delete.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.drivers))
	for id := range m.drivers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Delete(ctx, id); err != nil {
			m.log.Error("failed to delete microvm during shutdown", "vmid", id, "error", err)
		}
	}

	for i := 0; i < cap(m.sem); i++ {
		select {
		case m.sem <- struct{}{}:
		default:
			return fmt.Errorf("pool shutdown: could not drain all %d permits", cap(m.sem))
		}
	}

	return m.store.Close()
}

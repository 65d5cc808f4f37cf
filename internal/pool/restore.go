package pool

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/kestrelvm/kestrel/internal/hypervisor"
)

// RestoreAll rebuilds a Driver for every MachineCore row in the store.
// No PID is ever adopted (see machinecore's package doc): a restored
// Driver whose persisted status was Running or Paused attempts to
// reconnect to its socket; on success it resumes in that status, on
// failure it is marked Failure and its row deleted, and the Driver
// stays registered in Failure until an explicit Delete. Rows left in
// None, Start, Stop, Delete, or Failure are not worth reconnecting (no socket
// handshake is meaningful in those states) and are simply dropped;
// only live machines get rebuilt.
func (m *Manager) RestoreAll(ctx context.Context, log *logrus.Entry) error {
	cores, err := m.store.ListAll(ctx)
	if err != nil {
		return err
	}

	for _, core := range cores {
		hv := core.Hypervisor
		mv := core.MicroVM

		if core.Status != hypervisor.StatusRunning && core.Status != hypervisor.StatusPaused {
			if derr := m.store.Delete(ctx, core.VMID); derr != nil {
				m.log.Error("failed to drop stale machine core", "vmid", core.VMID, "error", derr)
			}
			continue
		}

		if err := m.acquire(ctx); err != nil {
			return err
		}

		d, err := hypervisor.Restore(&hv, &mv, core.Status, log)
		if err != nil {
			m.release()
			m.log.Error("failed to rebuild driver on restore", "vmid", core.VMID, "error", err)
			continue
		}

		if err := d.Reconnect(ctx); err != nil {
			d.MarkFailed("socket unreachable on restore")
			m.log.Warn("microvm socket unreachable on restore, marked failed", "vmid", core.VMID, "error", err)
		} else {
			m.log.Info("microvm reconnected on restore", "vmid", core.VMID, "status", d.Status())
		}

		m.mu.Lock()
		m.drivers[core.VMID] = d
		m.mu.Unlock()

		if d.Status() == hypervisor.StatusFailure {
			if derr := m.store.Delete(ctx, core.VMID); derr != nil {
				m.log.Error("failed to drop unreachable machine core", "vmid", core.VMID, "error", derr)
			}
			continue
		}

		if perr := m.persist(ctx, core.VMID, d); perr != nil {
			m.log.Error("failed to persist restored machine core", "vmid", core.VMID, "error", perr)
		}
	}

	return nil
}

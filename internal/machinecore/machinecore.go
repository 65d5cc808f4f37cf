// Package machinecore defines the persistable snapshot of a Driver's
// identifying state, used by the Pool to rebuild Drivers after a
// process restart.
//
// POSIX gives no guarantee that a PID read from a prior run still
// refers to the same process, so MachineCore deliberately persists only
// re-derivable state, socket path and configuration, and never a PID.
// On restore, a Driver whose socket is gone is marked Failure rather
// than adopted; see pool.Manager.RestoreAll.
package machinecore

import (
	"encoding/json"
	"time"

	"github.com/kestrelvm/kestrel/internal/hvconfig"
)

// Status mirrors hypervisor.MicroVMStatus without importing it, so
// machinecore stays a leaf package the store can depend on without a
// cycle back through hypervisor.
type Status string

const (
	StatusNone    Status = "None"
	StatusStart   Status = "Start"
	StatusRunning Status = "Running"
	StatusPaused  Status = "Paused"
	StatusStop    Status = "Stop"
	StatusDelete  Status = "Delete"
	StatusFailure Status = "Failure"
)

// MachineCore is the row persisted per vmid: enough to reconnect to a
// live VMM's socket, and nothing that depends on process identity
// surviving a restart.
type MachineCore struct {
	VMID       string                  `json:"vmid"`
	SocketPath string                  `json:"socket_path"`
	WorkDir    string                  `json:"work_dir"`
	Status     Status                  `json:"status"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
	Hypervisor hvconfig.HypervisorConfig `json:"hypervisor_config"`
	MicroVM    hvconfig.MicroVMConfig    `json:"microvm_config"`
}

// Marshal serializes the core for storage.
func (m *MachineCore) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal populates m from a previously-stored row.
func (m *MachineCore) Unmarshal(data []byte) error {
	return json.Unmarshal(data, m)
}

package hypervisor

import "github.com/kestrelvm/kestrel/internal/machinecore"

// MicroVMStatus is the Driver's state machine value. It is the same
// type the Pool persists in a MachineCore row, so machinecore.Status is
// reused directly rather than duplicated here.
type MicroVMStatus = machinecore.Status

const (
	StatusNone    = machinecore.StatusNone
	StatusStart   = machinecore.StatusStart
	StatusRunning = machinecore.StatusRunning
	StatusPaused  = machinecore.StatusPaused
	StatusStop    = machinecore.StatusStop
	StatusDelete  = machinecore.StatusDelete
	StatusFailure = machinecore.StatusFailure
)

func oneOf(status MicroVMStatus, allowed ...MicroVMStatus) bool {
	for _, a := range allowed {
		if status == a {
			return true
		}
	}
	return false
}

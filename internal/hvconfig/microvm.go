package hvconfig

import (
	"github.com/kestrelvm/kestrel/internal/catalog"
	"github.com/kestrelvm/kestrel/internal/hyperr"
)

// MicroVMConfig is the guest-facing configuration applied by the Driver
// at start. Fields mirror the catalog's wire types directly so the
// Driver can pass them straight to Encode without a translation layer.
type MicroVMConfig struct {
	VMID string

	Logger  *catalog.Logger
	Metrics *catalog.Metrics

	BootSource catalog.BootSource

	Drives            []catalog.Drive
	NetworkInterfaces []catalog.NetworkInterface
	Vsocks            []catalog.Vsock

	CPUConfig     *catalog.CPUConfig
	MachineConfig catalog.MachineConfiguration

	Balloon       *catalog.Balloon
	EntropyDevice *catalog.EntropyDevice

	MmdsConfig    *catalog.MmdsConfig
	InitialMmds   map[string]any
}

// Validate enforces the invariants on the guest-facing settings:
// exactly one root drive, vcpu count in [1,32], positive memory.
func (m *MicroVMConfig) Validate() error {
	if m.VMID == "" {
		return hyperr.New(hyperr.KindValidation, "vmid is required")
	}
	if m.BootSource.KernelImagePath == "" {
		return hyperr.New(hyperr.KindValidation, "boot source kernel image path is required")
	}

	rootCount := 0
	seenDriveIDs := make(map[string]bool, len(m.Drives))
	for _, d := range m.Drives {
		if seenDriveIDs[d.DriveID] {
			return hyperr.New(hyperr.KindValidation, "duplicate drive id %q", d.DriveID)
		}
		seenDriveIDs[d.DriveID] = true
		if d.IsRootDevice {
			rootCount++
		}
	}
	if rootCount != 1 {
		return hyperr.New(hyperr.KindValidation, "exactly one drive must have is_root_device=true, found %d", rootCount)
	}

	seenIfaceIDs := make(map[string]bool, len(m.NetworkInterfaces))
	for _, n := range m.NetworkInterfaces {
		if seenIfaceIDs[n.IfaceID] {
			return hyperr.New(hyperr.KindValidation, "duplicate network interface id %q", n.IfaceID)
		}
		seenIfaceIDs[n.IfaceID] = true
	}

	if len(m.Vsocks) > 1 {
		return hyperr.New(hyperr.KindValidation, "at most one vsock device is permitted, found %d", len(m.Vsocks))
	}

	if m.MachineConfig.VCPUCount < 1 || m.MachineConfig.VCPUCount > 32 {
		return hyperr.New(hyperr.KindValidation, "vcpu_count must be in [1,32], got %d", m.MachineConfig.VCPUCount)
	}
	if m.MachineConfig.MemSizeMib <= 0 {
		return hyperr.New(hyperr.KindValidation, "mem_size_mib must be positive, got %d", m.MachineConfig.MemSizeMib)
	}

	return nil
}

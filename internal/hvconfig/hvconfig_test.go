package hvconfig

import (
	"testing"

	"github.com/kestrelvm/kestrel/internal/catalog"
	"github.com/kestrelvm/kestrel/internal/hyperr"
)

func validConfig() HypervisorConfig {
	return HypervisorConfig{
		VMMBinPath:        "/usr/bin/firecracker",
		WorkDir:           "/tmp/kestrel/vm1",
		SocketPath:        "/tmp/kestrel/vm1/fc.sock",
		LaunchTimeoutSec:  5,
		RequestTimeoutSec: 2,
		VMID:              "vm1",
	}
}

func TestHypervisorConfigValidateOK(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestHypervisorConfigRejectsRelativeSocketPath(t *testing.T) {
	c := validConfig()
	c.SocketPath = "relative/fc.sock"
	assertValidationError(t, c.Validate())
}

func TestHypervisorConfigRejectsMissingVMID(t *testing.T) {
	c := validConfig()
	c.VMID = ""
	assertValidationError(t, c.Validate())
}

func TestHypervisorConfigJailerRequiresAllFields(t *testing.T) {
	c := validConfig()
	c.Jailer = &JailerConfig{}
	assertValidationError(t, c.Validate())
}

func TestHypervisorConfigJailerOK(t *testing.T) {
	c := validConfig()
	c.Jailer = &JailerConfig{
		JailerBinPath: "/usr/bin/jailer",
		UID:           123,
		GID:           100,
		ID:            "vm1",
		ChrootBaseDir: "/srv/jailer",
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestJailerWorkspacePath(t *testing.T) {
	j := &JailerConfig{ChrootBaseDir: "/srv/jailer", ID: "vm1"}
	got := j.WorkspacePath("/usr/bin/firecracker")
	want := "/srv/jailer/firecracker/vm1/root"
	if got != want {
		t.Errorf("WorkspacePath = %q, want %q", got, want)
	}
}

func validMicroVMConfig() MicroVMConfig {
	return MicroVMConfig{
		VMID:       "vm1",
		BootSource: catalog.BootSource{KernelImagePath: "/img/vmlinux"},
		Drives: []catalog.Drive{
			{DriveID: "rootfs", PathOnHost: "/img/root.ext4", IsRootDevice: true},
		},
		MachineConfig: catalog.MachineConfiguration{VCPUCount: 2, MemSizeMib: 256},
	}
}

func TestMicroVMConfigValidateOK(t *testing.T) {
	c := validMicroVMConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestMicroVMConfigRejectsNoRootDrive(t *testing.T) {
	c := validMicroVMConfig()
	c.Drives = []catalog.Drive{{DriveID: "data", PathOnHost: "/img/data.ext4"}}
	assertValidationError(t, c.Validate())
}

func TestMicroVMConfigRejectsTwoRootDrives(t *testing.T) {
	c := validMicroVMConfig()
	c.Drives = append(c.Drives, catalog.Drive{DriveID: "rootfs2", PathOnHost: "/img/root2.ext4", IsRootDevice: true})
	assertValidationError(t, c.Validate())
}

func TestMicroVMConfigRejectsVCPUOutOfRange(t *testing.T) {
	c := validMicroVMConfig()
	c.MachineConfig.VCPUCount = 33
	assertValidationError(t, c.Validate())

	c2 := validMicroVMConfig()
	c2.MachineConfig.VCPUCount = 0
	assertValidationError(t, c2.Validate())
}

func TestMicroVMConfigRejectsNonPositiveMemory(t *testing.T) {
	c := validMicroVMConfig()
	c.MachineConfig.MemSizeMib = 0
	assertValidationError(t, c.Validate())
}

func TestMicroVMConfigRejectsMultipleVsocks(t *testing.T) {
	c := validMicroVMConfig()
	c.Vsocks = []catalog.Vsock{
		{VsockID: "a", GuestCID: 3, UDSPath: "/tmp/a.vsock"},
		{VsockID: "b", GuestCID: 4, UDSPath: "/tmp/b.vsock"},
	}
	assertValidationError(t, c.Validate())
}

func assertValidationError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if kind, ok := hyperr.KindOf(err); !ok || kind != hyperr.KindValidation {
		t.Errorf("KindOf(err) = %v, %v; want KindValidation, true", kind, ok)
	}
}

package hypervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kestrelvm/kestrel/internal/catalog"
	"github.com/kestrelvm/kestrel/internal/hvconfig"
	"github.com/kestrelvm/kestrel/internal/hyperr"
	"github.com/kestrelvm/kestrel/internal/process"
	"github.com/sirupsen/logrus"
)

// newTestDriver builds a Driver already connected to a running fakeVMM,
// standing in for the post-Launch state that Supervisor.Launch would
// normally establish by spawning a real binary. Exercising
// process.Supervisor's actual exec path belongs to the process package
// tests, not here: this package's tests focus on configuration
// ordering, state-machine guards, and failure classification against a
// real (fake) socket peer.
func newTestDriver(t *testing.T, sockPath string) (*Driver, *fakeVMM) {
	t.Helper()
	f := startFakeVMM(t, sockPath)

	hv := &hvconfig.HypervisorConfig{
		VMMBinPath:        "/bin/true",
		SocketPath:        sockPath,
		VMID:              "vm1",
		LaunchTimeoutSec:  2,
		RequestTimeoutSec: 2,
	}
	mv := &hvconfig.MicroVMConfig{
		VMID:       "vm1",
		BootSource: catalog.BootSource{KernelImagePath: "/img/vmlinux"},
		Drives: []catalog.Drive{
			{DriveID: "rootfs", PathOnHost: "/img/root.ext4", IsRootDevice: true},
		},
		MachineConfig: catalog.MachineConfiguration{VCPUCount: 2, MemSizeMib: 256},
	}
	if err := hv.Validate(); err != nil {
		t.Fatalf("hv.Validate: %v", err)
	}
	if err := mv.Validate(); err != nil {
		t.Fatalf("mv.Validate: %v", err)
	}

	a, err := dialAgent(sockPath, hv.RequestTimeout())
	if err != nil {
		t.Fatalf("dialAgent: %v", err)
	}

	d := &Driver{
		hv:     hv,
		mv:     mv,
		sup:    process.New(hv, nil),
		agent:  a,
		status: StatusStart,
		log:    logrus.NewEntry(logrus.StandardLogger()),
	}
	return d, f
}

func TestConfigureThenInstanceStartReachesRunning(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "fc.sock")
	d, f := newTestDriver(t, sockPath)

	if err := d.configure(); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := call(d, catalog.CreateSyncAction, catalog.InstanceActionInfo{ActionType: catalog.ActionInstanceStart}); err != nil {
		t.Fatalf("InstanceStart: %v", err)
	}
	d.status = StatusRunning

	f.mu.Lock()
	state := f.instanceState
	mc := f.machineConfig
	f.mu.Unlock()

	if state != catalog.InstanceStateRunning {
		t.Errorf("instance state = %v, want Running", state)
	}
	if mc.VCPUCount != 2 || mc.MemSizeMib != 256 {
		t.Errorf("machine config = %+v, want vcpu=2 mem=256", mc)
	}

	info, err := call(d, catalog.DescribeInstance, catalog.Empty{})
	if err != nil {
		t.Fatalf("DescribeInstance: %v", err)
	}
	if info.State != catalog.InstanceStateRunning {
		t.Errorf("DescribeInstance state = %v, want Running", info.State)
	}
}

func TestPauseAllowedOnlyFromRunning(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "fc.sock")
	d, _ := newTestDriver(t, sockPath)

	d.status = StatusNone
	if err := d.Pause(context.Background()); err == nil {
		t.Fatal("expected error pausing from None")
	} else if kind, _ := hyperr.KindOf(err); kind != hyperr.KindBadState {
		t.Errorf("KindOf(err) = %v, want KindBadState", kind)
	}

	d.status = StatusRunning
	if err := d.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if d.Status() != StatusPaused {
		t.Errorf("status = %v, want Paused", d.Status())
	}
}

func TestResumeAllowedOnlyFromPaused(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "fc.sock")
	d, _ := newTestDriver(t, sockPath)

	d.status = StatusRunning
	if err := d.Resume(context.Background()); err == nil {
		t.Fatal("expected error resuming from Running")
	}

	d.status = StatusPaused
	if err := d.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if d.Status() != StatusRunning {
		t.Errorf("status = %v, want Running", d.Status())
	}
}

func TestSnapshotRequiresPaused(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "fc.sock")
	d, f := newTestDriver(t, sockPath)

	d.status = StatusRunning
	f.mu.Lock()
	f.instanceState = catalog.InstanceStateRunning
	f.mu.Unlock()

	err := d.Snapshot(context.Background(), "/tmp/mem", "/tmp/state", catalog.SnapshotFull)
	if err == nil {
		t.Fatal("expected BadStateError snapshotting while Running")
	}
	kind, ok := hyperr.KindOf(err)
	if !ok || kind != hyperr.KindBadState {
		t.Errorf("KindOf(err) = %v, %v; want KindBadState, true", kind, ok)
	}
	if d.Status() != StatusRunning {
		t.Errorf("status = %v, want unchanged Running", d.Status())
	}
}

func TestSnapshotDiffRequiresDirtyPageTracking(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "fc.sock")
	d, f := newTestDriver(t, sockPath)

	d.status = StatusPaused
	f.mu.Lock()
	f.instanceState = catalog.InstanceStatePaused
	f.mu.Unlock()

	err := d.Snapshot(context.Background(), "/tmp/mem", "/tmp/state", catalog.SnapshotDiff)
	if err == nil {
		t.Fatal("expected validation error for diff snapshot without dirty-page tracking")
	}
	if kind, _ := hyperr.KindOf(err); kind != hyperr.KindValidation {
		t.Errorf("KindOf(err) = %v, want KindValidation", kind)
	}
}

func TestSnapshotSucceedsWhenPaused(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "fc.sock")
	d, f := newTestDriver(t, sockPath)

	d.status = StatusPaused
	f.mu.Lock()
	f.instanceState = catalog.InstanceStatePaused
	f.mu.Unlock()

	if err := d.Snapshot(context.Background(), "/tmp/mem", "/tmp/state", catalog.SnapshotFull); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "fc.sock")
	d, _ := newTestDriver(t, sockPath)

	d.status = StatusStop
	if err := d.Delete(context.Background()); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	if d.Status() != StatusDelete {
		t.Fatalf("status after first Delete = %v, want Delete", d.Status())
	}
	if err := d.Delete(context.Background()); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if d.Status() != StatusDelete {
		t.Errorf("status after second Delete = %v, want Delete (no-op)", d.Status())
	}
}

func TestBalloonResizeRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "fc.sock")
	d, _ := newTestDriver(t, sockPath)
	d.status = StatusRunning

	_, err := Do(d, catalog.PutBalloon, catalog.Balloon{
		AmountMib:             100,
		StatsPollingIntervalS: 5,
		DeflateOnOOM:          true,
	})
	if err != nil {
		t.Fatalf("PutBalloon: %v", err)
	}

	cfg, err := Do(d, catalog.DescribeBalloonConfig, catalog.Empty{})
	if err != nil {
		t.Fatalf("DescribeBalloonConfig: %v", err)
	}
	if cfg.AmountMib != 100 || cfg.StatsPollingIntervalS != 5 || !cfg.DeflateOnOOM {
		t.Errorf("balloon config = %+v, want amount=100 interval=5 deflate=true", cfg)
	}

	if _, err := Do(d, catalog.PatchBalloon, catalog.BalloonUpdate{AmountMib: 50}); err != nil {
		t.Fatalf("PatchBalloon: %v", err)
	}
	cfg, err = Do(d, catalog.DescribeBalloonConfig, catalog.Empty{})
	if err != nil {
		t.Fatalf("DescribeBalloonConfig after patch: %v", err)
	}
	if cfg.AmountMib != 50 {
		t.Errorf("amount_mib after patch = %d, want 50", cfg.AmountMib)
	}
}

func TestDoRequiresBoundConnection(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "fc.sock")
	d, _ := newTestDriver(t, sockPath)
	d.status = StatusNone

	_, err := Do(d, catalog.GetMmds, catalog.Empty{})
	if err == nil {
		t.Fatal("expected BadState from Do in state None")
	}
	if kind, _ := hyperr.KindOf(err); kind != hyperr.KindBadState {
		t.Errorf("KindOf(err) = %v, want KindBadState", kind)
	}
}

func TestDeleteRemovesSocketFile(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "fc.sock")
	d, _ := newTestDriver(t, sockPath)
	d.status = StatusRunning

	if _, err := os.Stat(sockPath); err != nil {
		t.Fatalf("socket should exist while running: %v", err)
	}
	if err := d.Delete(context.Background()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Errorf("socket %q still exists after Delete (stat err = %v)", sockPath, err)
	}
}

func TestStopAllowedOnlyFromRunningOrPaused(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "fc.sock")
	d, _ := newTestDriver(t, sockPath)

	d.status = StatusNone
	if err := d.Stop(context.Background()); err == nil {
		t.Fatal("expected error stopping from None")
	}
}

// Package hypervisor implements the single-VM façade: it sequences
// configuration endpoints in the order the VMM requires, owns the state
// machine (None → Start → Running ↔ Paused → Stop → Delete, with
// Failure as a terminal sink), and exposes the Driver's public
// operations.
package hypervisor

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/kestrelvm/kestrel/internal/catalog"
	"github.com/kestrelvm/kestrel/internal/hvconfig"
	"github.com/kestrelvm/kestrel/internal/hyperr"
	"github.com/kestrelvm/kestrel/internal/process"
	"github.com/sirupsen/logrus"
)

// Driver is the single-VM control object: one child process (via its
// Supervisor), one socket (via its agent), and one state machine.
type Driver struct {
	mu sync.Mutex

	hv *hvconfig.HypervisorConfig
	mv *hvconfig.MicroVMConfig

	sup   *process.Supervisor
	agent *agent

	status MicroVMStatus
	log    *logrus.Entry
}

// New constructs a Driver in state None. hv and mv are validated here;
// construction fails fast on any invariant violation rather than
// surfacing it later from inside start().
func New(hv *hvconfig.HypervisorConfig, mv *hvconfig.MicroVMConfig, log *logrus.Entry) (*Driver, error) {
	if err := hv.Validate(); err != nil {
		return nil, err
	}
	if err := mv.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("vmid", hv.VMID)

	return &Driver{
		hv:     hv,
		mv:     mv,
		sup:    process.New(hv, log),
		status: StatusNone,
		log:    log,
	}, nil
}

// Restore rebuilds a Driver for a microVM that was already in flight
// before this process started, taking its status from a persisted
// MachineCore row instead of the usual None. The Driver's agent is left
// unbound; callers (the pool, in RestoreAll) must call Reconnect or
// MarkFailed depending on whether the socket is still reachable. See
// the package doc on machinecore's PID-free persistence design.
func Restore(hv *hvconfig.HypervisorConfig, mv *hvconfig.MicroVMConfig, status MicroVMStatus, log *logrus.Entry) (*Driver, error) {
	d, err := New(hv, mv, log)
	if err != nil {
		return nil, err
	}
	d.status = status
	return d, nil
}

// Status returns the Driver's current state.
func (d *Driver) Status() MicroVMStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// VMID returns the identifier this Driver was constructed with.
func (d *Driver) VMID() string { return d.hv.VMID }

// SocketPath returns the control socket's effective path, accounting
// for jailer chroot relocation.
func (d *Driver) SocketPath() string { return d.sup.EffectiveSocketPath() }

// HypervisorConfig returns the Driver's hypervisor configuration, for
// persistence by the pool. The caller must not mutate it.
func (d *Driver) HypervisorConfig() *hvconfig.HypervisorConfig { return d.hv }

// MicroVMConfig returns the Driver's microVM configuration, for
// persistence by the pool. The caller must not mutate it.
func (d *Driver) MicroVMConfig() *hvconfig.MicroVMConfig { return d.mv }

func (d *Driver) requireStatus(allowed ...MicroVMStatus) error {
	if !oneOf(d.status, allowed...) {
		return hyperr.New(hyperr.KindBadState, "operation not permitted").WithState(string(d.status))
	}
	return nil
}

// PingRemote issues a liveness GetFirecrackerVersion request. It uses
// the bound agent when there is one, and otherwise dials a short-lived
// connection that is closed before returning. I/O failure is surfaced as KindRequest ("Unreachable" in the
// taxonomy's terms).
func (d *Driver) PingRemote(ctx context.Context) (catalog.FirecrackerVersion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.agent != nil {
		return sendOperation(d.agent, catalog.GetFirecrackerVersion, catalog.Empty{})
	}

	a, err := dialAgent(d.sup.EffectiveSocketPath(), d.hv.RequestTimeout())
	if err != nil {
		return catalog.FirecrackerVersion{}, hyperr.Wrap(hyperr.KindRequest, err, "ping remote").WithSub(hyperr.SubConnectionClosed)
	}
	defer a.close()
	return sendOperation(a, catalog.GetFirecrackerVersion, catalog.Empty{})
}

// Reconnect dials the VMM's control socket and binds it as the
// Driver's agent, without going through Start's launch-and-configure
// sequence. Used by the pool to resume control of a microVM that was
// already Running or Paused before a host process restart.
func (d *Driver) Reconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireStatus(StatusRunning, StatusPaused); err != nil {
		return err
	}
	a, err := dialAgent(d.sup.EffectiveSocketPath(), d.hv.RequestTimeout())
	if err != nil {
		return hyperr.Wrap(hyperr.KindUnhealthy, err, "reconnect to vmm socket")
	}
	d.agent = a
	return nil
}

// MarkFailed forces the Driver into the terminal Failure state,
// bypassing the normal transition guards. Used by the pool when a
// restored machine's socket cannot be reached.
func (d *Driver) MarkFailed(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = StatusFailure
	d.log.WithField("reason", reason).Warn("microvm marked failed")
}

// Start launches the VMM, applies configuration in the required order
// (or points the VMM at a pre-exported config file), and issues
// InstanceStart. On any failure the Driver moves to Failure.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.requireStatus(StatusNone); err != nil {
		return err
	}
	d.status = StatusStart

	if err := d.sup.Launch(ctx); err != nil {
		d.status = StatusFailure
		return err
	}

	a, err := dialAgent(d.sup.EffectiveSocketPath(), d.hv.RequestTimeout())
	if err != nil {
		d.status = StatusFailure
		return hyperr.Wrap(hyperr.KindUnhealthy, err, "connect to vmm socket")
	}
	d.agent = a

	if d.hv.ExportedConfigPath != "" {
		if err := d.exportConfig(); err != nil {
			d.status = StatusFailure
			return err
		}
	} else if err := d.configure(); err != nil {
		d.status = StatusFailure
		return err
	}

	if _, err := call(d, catalog.CreateSyncAction, catalog.InstanceActionInfo{ActionType: catalog.ActionInstanceStart}); err != nil {
		d.status = StatusFailure
		return hyperr.Wrap(hyperr.KindFatal, err, "InstanceStart action failed")
	}

	d.status = StatusRunning
	d.log.Info("microvm running")
	return nil
}

// configure applies every configuration endpoint in the order the VMM
// requires: logger, metrics, boot source, drives, network interfaces,
// vsocks, CPU config, machine config, balloon, entropy, MMDS.
func (d *Driver) configure() error {
	mv := d.mv

	if mv.Logger != nil {
		if _, err := call(d, catalog.PutLogger, *mv.Logger); err != nil {
			return hyperr.Wrap(hyperr.KindValidation, err, "configure logger")
		}
	}
	if mv.Metrics != nil {
		if _, err := call(d, catalog.PutMetrics, *mv.Metrics); err != nil {
			return hyperr.Wrap(hyperr.KindValidation, err, "configure metrics")
		}
	}
	if _, err := call(d, catalog.PutGuestBootSource, mv.BootSource); err != nil {
		return hyperr.Wrap(hyperr.KindValidation, err, "configure boot source")
	}
	for _, drive := range mv.Drives {
		op := catalog.PutGuestDriveByID.WithID(drive.DriveID)
		if _, err := call(d, op, drive); err != nil {
			return hyperr.Wrap(hyperr.KindValidation, err, "configure drive %q", drive.DriveID)
		}
	}
	for _, iface := range mv.NetworkInterfaces {
		op := catalog.PutGuestNetworkInterfaceByID.WithID(iface.IfaceID)
		if _, err := call(d, op, iface); err != nil {
			return hyperr.Wrap(hyperr.KindValidation, err, "configure network interface %q", iface.IfaceID)
		}
	}
	for _, vsock := range mv.Vsocks {
		if _, err := call(d, catalog.PutGuestVsock, vsock); err != nil {
			return hyperr.Wrap(hyperr.KindValidation, err, "configure vsock %q", vsock.VsockID)
		}
	}
	if mv.CPUConfig != nil {
		if _, err := call(d, catalog.PutCPUConfiguration, *mv.CPUConfig); err != nil {
			return hyperr.Wrap(hyperr.KindValidation, err, "configure cpu config")
		}
	}
	if _, err := call(d, catalog.PutMachineConfiguration, mv.MachineConfig); err != nil {
		return hyperr.Wrap(hyperr.KindValidation, err, "configure machine config")
	}
	if mv.Balloon != nil {
		if _, err := call(d, catalog.PutBalloon, *mv.Balloon); err != nil {
			return hyperr.Wrap(hyperr.KindValidation, err, "configure balloon")
		}
	}
	if mv.EntropyDevice != nil {
		if _, err := call(d, catalog.PutEntropyDevice, *mv.EntropyDevice); err != nil {
			return hyperr.Wrap(hyperr.KindValidation, err, "configure entropy device")
		}
	}
	if mv.MmdsConfig != nil {
		if _, err := call(d, catalog.PutMmdsConfig, *mv.MmdsConfig); err != nil {
			return hyperr.Wrap(hyperr.KindValidation, err, "configure mmds config")
		}
		if mv.InitialMmds != nil {
			if _, err := call(d, catalog.PutMmds, mv.InitialMmds); err != nil {
				return hyperr.Wrap(hyperr.KindValidation, err, "configure initial mmds contents")
			}
		}
	}
	return nil
}

// exportConfig writes the entire microVM configuration to
// hv.ExportedConfigPath in one shot. When that path is set, per-endpoint
// configuration is skipped entirely and the VMM is started with
// --config-file instead (see process.buildVMMArgv).
func (d *Driver) exportConfig() error {
	full := catalog.FullVMConfiguration{
		BootSource:        &d.mv.BootSource,
		Drives:            d.mv.Drives,
		NetworkInterfaces: d.mv.NetworkInterfaces,
		MachineConfig:     &d.mv.MachineConfig,
		Logger:            d.mv.Logger,
		Metrics:           d.mv.Metrics,
		MmdsConfig:        d.mv.MmdsConfig,
		CPUConfig:         d.mv.CPUConfig,
		EntropyDevice:     d.mv.EntropyDevice,
		Balloon:           d.mv.Balloon,
	}
	if len(d.mv.Vsocks) == 1 {
		full.Vsock = &d.mv.Vsocks[0]
	}

	data, err := json.MarshalIndent(full, "", "  ")
	if err != nil {
		return hyperr.Wrap(hyperr.KindValidation, err, "marshal exported config")
	}
	if err := os.WriteFile(d.hv.ExportedConfigPath, data, 0o644); err != nil {
		return hyperr.Wrap(hyperr.KindValidation, err, "write exported config to %q", d.hv.ExportedConfigPath)
	}
	return nil
}

// Pause issues PATCH /vm {state: Paused}, allowed only from Running.
func (d *Driver) Pause(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireStatus(StatusRunning); err != nil {
		return err
	}
	if _, err := call(d, catalog.PatchVM, catalog.VM{State: catalog.VMStatePaused}); err != nil {
		return err
	}
	d.status = StatusPaused
	return nil
}

// Resume issues PATCH /vm {state: Resumed}, allowed only from Paused.
func (d *Driver) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireStatus(StatusPaused); err != nil {
		return err
	}
	if _, err := call(d, catalog.PatchVM, catalog.VM{State: catalog.VMStateResumed}); err != nil {
		return err
	}
	d.status = StatusRunning
	return nil
}

// Snapshot creates a memory + state snapshot, allowed only from
// Paused. Diff snapshots require dirty-page tracking to have been
// enabled in the machine config, validated here rather than left for
// the VMM to reject.
func (d *Driver) Snapshot(ctx context.Context, memPath, statePath string, kind catalog.SnapshotType) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireStatus(StatusPaused); err != nil {
		return err
	}
	if kind == catalog.SnapshotDiff && !d.mv.MachineConfig.TrackDirtyPages {
		return hyperr.New(hyperr.KindValidation, "diff snapshot requested but dirty-page tracking was never enabled").WithState(string(d.status))
	}
	_, err := call(d, catalog.CreateSnapshot, catalog.SnapshotCreateParams{
		MemFilePath:  memPath,
		SnapshotPath: statePath,
		SnapshotType: kind,
	})
	return err
}

// Stop performs the graceful shutdown sequence: SendCtrlAltDel, poll
// for NotStarted, fall back to SIGTERM then SIGKILL on timeout.
// Allowed from Running or Paused.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireStatus(StatusRunning, StatusPaused); err != nil {
		return err
	}
	return d.shutdown(ctx, true)
}

// shutdown implements both the graceful and forced teardown sequences.
// SendCtrlAltDel's reliability as a shutdown trigger is guest-OS
// dependent (it assumes an x86 guest wired to handle the keystroke), so
// the graceful path always falls back to SIGTERM/SIGKILL if the guest
// doesn't reach NotStarted within ShutdownPollTimeout.
func (d *Driver) shutdown(ctx context.Context, graceful bool) error {
	if graceful && d.agent != nil {
		if _, err := call(d, catalog.CreateSyncAction, catalog.InstanceActionInfo{ActionType: catalog.ActionSendCtrlAltDel}); err == nil {
			d.pollForNotStarted(ctx)
		}
	}

	if d.sup.Alive() {
		_ = d.sup.Signal(syscall.SIGTERM)
		if !d.waitWithTimeout(ctx, 2*time.Second) && d.sup.Alive() {
			_ = d.sup.Signal(syscall.SIGKILL)
			d.waitWithTimeout(ctx, 2*time.Second)
		}
	}

	_ = d.agent.close()
	d.agent = nil

	cleanupErr := d.sup.Cleanup()
	d.status = StatusStop
	return cleanupErr
}

func (d *Driver) pollForNotStarted(ctx context.Context) {
	deadline := time.Now().Add(d.hv.ShutdownPollTimeout())
	for time.Now().Before(deadline) {
		info, err := call(d, catalog.DescribeInstance, catalog.Empty{})
		if err == nil && info.State == catalog.InstanceStateNotStarted {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (d *Driver) waitWithTimeout(ctx context.Context, timeout time.Duration) bool {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := d.sup.Wait(waitCtx)
	return err == nil
}

// Delete force-terminates the child and removes every host artifact.
// Idempotent: calling Delete from Delete is a no-op.
func (d *Driver) Delete(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.status == StatusDelete {
		return nil
	}

	if oneOf(d.status, StatusRunning, StatusPaused, StatusStart, StatusFailure) {
		_ = d.shutdown(ctx, false)
	} else {
		_ = d.sup.Cleanup()
	}

	d.status = StatusDelete
	return nil
}

// WaitExit blocks until the child process exits for any reason.
func (d *Driver) WaitExit(ctx context.Context) (process.ExitResult, error) {
	return d.sup.Wait(ctx)
}

// Do executes an arbitrary catalog operation against the microVM under
// the Driver's exclusive access. This is the escape hatch for post-boot
// device control that has no dedicated wrapper — balloon resizes, MMDS
// updates, drive patches — and is allowed whenever a control connection
// is bound (Start, Running, Paused).
func Do[Req any, Resp any](d *Driver, op catalog.Operation[Req, Resp], req Req) (Resp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var zero Resp
	if err := d.requireStatus(StatusStart, StatusRunning, StatusPaused); err != nil {
		return zero, err
	}
	return call(d, op, req)
}

// call funnels a Driver-level operation through the bound agent: a
// KindRequest error is retried once on a fresh connection if the child
// is still alive, otherwise it is fatal.
func call[Req any, Resp any](d *Driver, op catalog.Operation[Req, Resp], req Req) (Resp, error) {
	resp, err := sendOperation(d.agent, op, req)
	if err == nil {
		return resp, nil
	}
	if hyperr.Is(err, hyperr.KindRequest) && d.sup.Alive() {
		if fresh, dialErr := dialAgent(d.sup.EffectiveSocketPath(), d.hv.RequestTimeout()); dialErr == nil {
			_ = d.agent.close()
			d.agent = fresh
			if resp2, err2 := sendOperation(d.agent, op, req); err2 == nil {
				return resp2, nil
			}
		}
	} else if hyperr.Is(err, hyperr.KindRequest) {
		d.status = StatusFailure
		return resp, hyperr.Wrap(hyperr.KindFatal, err, "control socket I/O failed and the vmm child is not alive").WithState(string(d.status))
	}
	return resp, err
}

// Package process spawns, monitors, and tears down the VMM child
// process, with optional jailer sandboxing. It owns the host-side
// socket path, stdio streams, and working directory it creates, and
// enforces readiness at launch.
package process

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kestrelvm/kestrel/internal/catalog"
	"github.com/kestrelvm/kestrel/internal/hvconfig"
	"github.com/kestrelvm/kestrel/internal/hyperr"
	"github.com/kestrelvm/kestrel/internal/wire"
	"github.com/sirupsen/logrus"
)

// ExitResult is the outcome of the VMM child process exiting.
type ExitResult struct {
	Code int
	Err  error // the *exec.ExitError, if any; nil for a clean exit
}

// Supervisor owns exactly one VMM child process and the host artifacts
// it created (socket file, stdio streams, jail subtree). It does not
// know about the microVM state machine; that is the Driver's job.
type Supervisor struct {
	cfg *hvconfig.HypervisorConfig
	log *logrus.Entry

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
	closers []func() error
	owned   []string // FIFO and lock files created at launch, removed on cleanup

	done   chan struct{}
	result ExitResult
}

// New builds a Supervisor for cfg. cfg is not copied; callers must not
// mutate it after Launch.
func New(cfg *hvconfig.HypervisorConfig, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		cfg:  cfg,
		log:  log.WithField("vmid", cfg.VMID),
		done: make(chan struct{}),
	}
}

// EffectiveSocketPath is the host-visible path to the VMM's control
// socket: cfg.SocketPath directly, or translated into the jail
// workspace when a jailer is configured.
func (s *Supervisor) EffectiveSocketPath() string {
	if s.cfg.Jailer == nil {
		return s.cfg.SocketPath
	}
	return filepath.Join(s.cfg.Jailer.WorkspacePath(s.cfg.VMMBinPath), s.cfg.SocketPath)
}

// PID returns the supervised child's process id, or 0 if not started.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Launch performs the full launch sequence: validate the socket path
// is free, compose argv, wire stdio, spawn, then poll for socket
// readiness and a single codec ping within LaunchTimeoutSec.
// On any readiness failure the child is killed and artifacts cleaned
// before returning a KindUnhealthy error (KindCancelled if ctx ends
// first).
func (s *Supervisor) Launch(ctx context.Context) error {
	sockPath := s.EffectiveSocketPath()

	if _, err := os.Stat(sockPath); err == nil {
		if !s.cfg.ClearOnStart {
			return hyperr.New(hyperr.KindLaunch, "socket path %q already exists", sockPath)
		}
		if err := os.Remove(sockPath); err != nil {
			return hyperr.Wrap(hyperr.KindLaunch, err, "remove stale socket %q", sockPath)
		}
	}

	if err := os.MkdirAll(filepath.Dir(sockPath), 0o755); err != nil {
		return hyperr.Wrap(hyperr.KindLaunch, err, "create socket directory")
	}

	if err := s.createArtifacts(); err != nil {
		_ = s.Cleanup()
		return err
	}

	binPath := s.cfg.VMMBinPath
	argv := buildVMMArgv(s.cfg)
	if s.cfg.Jailer != nil {
		binPath = s.cfg.Jailer.JailerBinPath
		argv = buildJailerArgv(s.cfg)
	}

	cmd := exec.Command(binPath, argv...)

	stdout, stdoutCloser, err := s.stdioFor(s.cfg.Jailer, true, os.Stdout)
	if err != nil {
		_ = s.Cleanup()
		return err
	}
	stderr, stderrCloser, err := s.stdioFor(s.cfg.Jailer, false, os.Stderr)
	if err != nil {
		_ = s.Cleanup()
		return err
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	s.mu.Lock()
	if stdoutCloser != nil {
		s.closers = append(s.closers, stdoutCloser.Close)
	}
	if stderrCloser != nil {
		s.closers = append(s.closers, stderrCloser.Close)
	}
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		_ = s.Cleanup()
		return hyperr.Wrap(hyperr.KindLaunch, err, "start vmm process")
	}

	s.mu.Lock()
	s.cmd = cmd
	s.started = true
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		s.mu.Lock()
		s.result = ExitResult{Code: code, Err: err}
		s.mu.Unlock()
		close(s.done)
	}()

	if err := s.awaitReady(ctx, sockPath); err != nil {
		_ = s.Signal(syscall.SIGKILL)
		_, _ = s.Wait(context.Background())
		_ = s.Cleanup()
		return err
	}

	s.log.Info("vmm ready")
	return nil
}

// createArtifacts makes the log/metrics FIFOs and the lifecycle lock
// file ahead of the spawn. The lock is created exclusively: a
// pre-existing lock means another supervisor owns (or leaked) this
// instance, and launch fails unless the caller opted into
// clear-on-start. Every file created here is recorded so Cleanup can
// remove it on any exit path.
func (s *Supervisor) createArtifacts() error {
	mkfifo := func(path string) error {
		if _, err := os.Stat(path); err == nil {
			if !s.cfg.ClearOnStart {
				return hyperr.New(hyperr.KindLaunch, "fifo %q already exists", path)
			}
			if err := os.Remove(path); err != nil {
				return hyperr.Wrap(hyperr.KindLaunch, err, "remove stale fifo %q", path)
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return hyperr.Wrap(hyperr.KindLaunch, err, "create fifo directory for %q", path)
		}
		if err := syscall.Mkfifo(path, 0o700); err != nil {
			return hyperr.Wrap(hyperr.KindLaunch, err, "create fifo %q", path)
		}
		s.mu.Lock()
		s.owned = append(s.owned, path)
		s.mu.Unlock()
		return nil
	}

	if s.cfg.LogFifoPath != "" {
		if err := mkfifo(s.cfg.LogFifoPath); err != nil {
			return err
		}
	}
	if s.cfg.MetricsFifoPath != "" {
		if err := mkfifo(s.cfg.MetricsFifoPath); err != nil {
			return err
		}
	}

	if s.cfg.LockPath != "" {
		if s.cfg.ClearOnStart {
			if err := os.Remove(s.cfg.LockPath); err != nil && !os.IsNotExist(err) {
				return hyperr.Wrap(hyperr.KindLaunch, err, "remove stale lock %q", s.cfg.LockPath)
			}
		}
		if err := os.MkdirAll(filepath.Dir(s.cfg.LockPath), 0o755); err != nil {
			return hyperr.Wrap(hyperr.KindLaunch, err, "create lock directory")
		}
		f, err := os.OpenFile(s.cfg.LockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return hyperr.Wrap(hyperr.KindLaunch, err, "create lock file %q", s.cfg.LockPath)
		}
		f.Close()
		s.mu.Lock()
		s.owned = append(s.owned, s.cfg.LockPath)
		s.mu.Unlock()
	}

	return nil
}

func (s *Supervisor) stdioFor(jailer *hvconfig.JailerConfig, isStdout bool, fallback *os.File) (io.Writer, io.Closer, error) {
	disp := hvconfig.StdioDisposition{Kind: hvconfig.StdioInherit}
	if jailer != nil {
		if isStdout {
			disp = jailer.Stdout
		} else {
			disp = jailer.Stderr
		}
	}
	w, closer, err := resolveStdio(disp, fallback)
	return w, closer, err
}

// awaitReady polls sockPath with exponential backoff capped at
// cfg.LaunchTimeoutSec, then issues one GetFirecrackerVersion ping.
func (s *Supervisor) awaitReady(ctx context.Context, sockPath string) error {
	deadline := time.Now().Add(time.Duration(s.cfg.LaunchTimeoutSec) * time.Second)
	backoff := 10 * time.Millisecond
	const maxBackoff = 250 * time.Millisecond

	for {
		if _, err := os.Stat(sockPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			return hyperr.New(hyperr.KindUnhealthy, "socket %q did not appear within %ds", sockPath, s.cfg.LaunchTimeoutSec)
		}
		select {
		case <-ctx.Done():
			return hyperr.Wrap(hyperr.KindCancelled, ctx.Err(), "launch cancelled while waiting for socket")
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	pingCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := pingOnce(pingCtx, sockPath); err != nil {
		return hyperr.Wrap(hyperr.KindUnhealthy, err, "first ping against %q failed", sockPath)
	}
	return nil
}

// pingOnce dials sockPath and issues a single GetFirecrackerVersion
// request, used both as the launch-readiness probe and as the model
// for Driver.PingRemote.
func pingOnce(ctx context.Context, sockPath string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", sockPath)
	if err != nil {
		return hyperr.Wrap(hyperr.KindRequest, err, "dial %q", sockPath).WithSub(hyperr.SubConnectionClosed)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	method, path, body, err := catalog.GetFirecrackerVersion.Encode(catalog.Empty{})
	if err != nil {
		return err
	}
	if err := wire.EncodeRequest(conn, method, path, body); err != nil {
		return err
	}

	resp, err := wire.ParseResponse(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	_, err = catalog.GetFirecrackerVersion.Decode(resp)
	return err
}

// Signal delivers sig to the child process.
func (s *Supervisor) Signal(sig syscall.Signal) error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return hyperr.New(hyperr.KindBadState, "signal requested but process was never started")
	}
	if err := cmd.Process.Signal(sig); err != nil {
		return hyperr.Wrap(hyperr.KindLaunch, err, "signal %v to pid %d", sig, cmd.Process.Pid)
	}
	return nil
}

// Alive reports whether the child process has not yet been reaped.
// Used to classify a post-start I/O failure as transient (child still
// alive, worth a retry) versus fatal (child already gone).
func (s *Supervisor) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Wait blocks until the child exits or ctx is cancelled. Multiple
// callers may wait concurrently: done is closed exactly once.
func (s *Supervisor) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		r := s.result
		s.mu.Unlock()
		return r, nil
	case <-ctx.Done():
		return ExitResult{}, ctx.Err()
	}
}

// Cleanup removes every host artifact this Supervisor created: opened
// stdio streams, log/metrics FIFOs, the socket file, the lifecycle
// lock, and (if the jailer config opted in) the jail subtree. It is
// idempotent and collects every error rather than stopping at the
// first.
func (s *Supervisor) Cleanup() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		} else if err != nil {
			s.log.WithError(err).Warn("cleanup error suppressed")
		}
	}

	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	owned := s.owned
	s.owned = nil
	s.mu.Unlock()

	// Closers were appended stdout then stderr; close in reverse.
	// Owned files are removed in creation order (FIFOs, then lock), so
	// the lock asserting ownership of the rest is the last thing gone.
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			note(hyperr.Wrap(hyperr.KindStorage, err, "close stdio stream"))
		}
	}

	sockPath := s.EffectiveSocketPath()
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		note(hyperr.Wrap(hyperr.KindStorage, err, "remove socket %q", sockPath))
	}

	for i := 0; i < len(owned); i++ {
		if err := os.Remove(owned[i]); err != nil && !os.IsNotExist(err) {
			note(hyperr.Wrap(hyperr.KindStorage, err, "remove %q", owned[i]))
		}
	}

	if s.cfg.Jailer != nil && s.cfg.Jailer.ClearOnDelete {
		jailRoot := filepath.Dir(s.cfg.Jailer.WorkspacePath(s.cfg.VMMBinPath))
		if err := os.RemoveAll(jailRoot); err != nil {
			note(hyperr.Wrap(hyperr.KindStorage, err, "remove jail subtree %q", jailRoot))
		}
	}

	return firstErr
}

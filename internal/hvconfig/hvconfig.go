// Package hvconfig holds the immutable configuration trees consumed by
// the process supervisor, driver, and pool, plus the env-var loader that
// builds sensible defaults for all of them. Every value here is read
// once and validated before use; nothing here is mutated afterward.
package hvconfig

import (
	"path/filepath"
	"time"

	"github.com/kestrelvm/kestrel/internal/hyperr"
)

// LogLevel mirrors catalog.LogLevel; kept distinct so hvconfig has no
// dependency on the operation catalog.
type LogLevel string

const (
	LogLevelError LogLevel = "Error"
	LogLevelWarn  LogLevel = "Warning"
	LogLevelInfo  LogLevel = "Info"
	LogLevelDebug LogLevel = "Debug"
)

// StdioDisposition selects how the VMM (or jailer) child's stdout/stderr
// is connected.
type StdioDisposition struct {
	Kind StdioKind
	Path string // for KindRedirectToPath
	FD   int    // for KindRedirectToFD
}

type StdioKind int

const (
	StdioInherit StdioKind = iota
	StdioNull
	StdioPiped
	StdioRedirectToPath
	StdioRedirectToFD
)

// JailerConfig configures the optional chroot/uid-dropping sandbox
// wrapper.
type JailerConfig struct {
	JailerBinPath string
	UID           int
	GID           int
	ID            string // becomes part of the jail workspace path
	NumaNode      int
	ChrootBaseDir string
	Daemonize     bool
	NetNS         string // optional network namespace path
	Stdout        StdioDisposition
	Stderr        StdioDisposition
	Stdin         StdioDisposition
	ClearOnDelete bool // delete the jail subtree on Driver.delete
}

// WorkspacePath returns the jail's root directory:
// <chroot-base>/<basename-of-exec-file>/<id>/root.
func (j *JailerConfig) WorkspacePath(execFile string) string {
	return filepath.Join(j.ChrootBaseDir, filepath.Base(execFile), j.ID, "root")
}

// HypervisorConfig is the immutable, validated configuration of one VMM
// instance: everything the process supervisor and Driver need that is
// not specific to the guest being booted.
type HypervisorConfig struct {
	VMMBinPath  string
	Jailer      *JailerConfig // nil means jailer disabled
	WorkDir     string
	SocketPath  string // absolute; must not exist at launch
	ClearOnStart bool  // remove a stale socket file instead of failing

	// LogFifoPath and MetricsFifoPath, if set, are named pipes the
	// supervisor creates before launch and removes on cleanup; the VMM's
	// logger and metrics endpoints are pointed at them.
	LogFifoPath     string
	LogLevel        LogLevel
	MetricsFifoPath string

	// LockPath, if set, is a lifecycle lock file asserting exclusive
	// ownership of this instance's artifacts: created exclusively at
	// launch, removed on cleanup. A pre-existing lock means another
	// supervisor owns (or leaked) the instance.
	LockPath string

	// ExportedConfigPath, if set, is where the full microVM config is
	// written once and the VMM is told to load it via --config-file,
	// bypassing per-endpoint configuration entirely.
	ExportedConfigPath string

	LaunchTimeoutSec       int
	RequestTimeoutSec      int
	ShutdownPollTimeoutSec int // cap on polling for NotStarted during graceful shutdown
	SeccompLevel           int

	VMID string
}

// LaunchTimeout is LaunchTimeoutSec as a time.Duration.
func (c *HypervisorConfig) LaunchTimeout() time.Duration {
	return time.Duration(c.LaunchTimeoutSec) * time.Second
}

// RequestTimeout is RequestTimeoutSec as a time.Duration.
func (c *HypervisorConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// ShutdownPollTimeout is ShutdownPollTimeoutSec as a time.Duration,
// falling back to LaunchTimeout when unset.
func (c *HypervisorConfig) ShutdownPollTimeout() time.Duration {
	if c.ShutdownPollTimeoutSec <= 0 {
		return c.LaunchTimeout()
	}
	return time.Duration(c.ShutdownPollTimeoutSec) * time.Second
}

// Validate checks that the jailer fields are all present when a jailer
// is configured, that the socket path is absolute, and that the
// timeouts are positive.
func (c *HypervisorConfig) Validate() error {
	if c.VMMBinPath == "" {
		return hyperr.New(hyperr.KindValidation, "vmm binary path is required")
	}
	if c.SocketPath == "" {
		return hyperr.New(hyperr.KindValidation, "socket path is required")
	}
	if !filepath.IsAbs(c.SocketPath) {
		return hyperr.New(hyperr.KindValidation, "socket path %q must be absolute", c.SocketPath)
	}
	if c.VMID == "" {
		return hyperr.New(hyperr.KindValidation, "vmid is required")
	}
	if c.LaunchTimeoutSec <= 0 {
		return hyperr.New(hyperr.KindValidation, "launch timeout must be positive")
	}
	if c.RequestTimeoutSec <= 0 {
		return hyperr.New(hyperr.KindValidation, "request timeout must be positive")
	}

	if c.Jailer != nil {
		j := c.Jailer
		if j.JailerBinPath == "" {
			return hyperr.New(hyperr.KindValidation, "jailer enabled but jailer binary path is empty")
		}
		if j.ID == "" {
			return hyperr.New(hyperr.KindValidation, "jailer enabled but id is empty")
		}
		if j.ChrootBaseDir == "" {
			return hyperr.New(hyperr.KindValidation, "jailer enabled but chroot base dir is empty")
		}
		if j.UID <= 0 || j.GID <= 0 {
			return hyperr.New(hyperr.KindValidation, "jailer enabled but uid/gid are not both set")
		}
	}

	return nil
}

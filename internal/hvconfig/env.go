package hvconfig

import (
	"os"
	"strconv"
)

// Default values applied when an env var is absent.
const (
	DefaultLaunchTimeoutSec  = 5
	DefaultRequestTimeoutSec = 2
	DefaultSeccompLevel      = 2
	DefaultPoolCapacity      = 8
	DefaultChrootBaseDir     = "/srv/jailer"
)

// EnvDefaults is a partial HypervisorConfig plus pool-level settings
// loaded once from the environment: every KESTREL_* variable is read at
// construction, falls back to a compiled-in default, and is never
// re-read afterward.
type EnvDefaults struct {
	VMMBinPath    string
	JailerBinPath string
	ChrootBaseDir string

	LaunchTimeoutSec       int
	RequestTimeoutSec      int
	ShutdownPollTimeoutSec int
	SeccompLevel           int

	// LogDir is where per-VM log and metrics FIFOs are created; LockDir
	// is where per-VM lifecycle lock files live.
	LogDir    string
	SocketDir string
	LockDir   string

	JailerUID int
	JailerGID int

	PoolCapacity int

	ListenAddr string
	DBPath     string
	LogLevel   string
}

// Load reads KESTREL_* environment variables into an EnvDefaults,
// falling back to compiled-in defaults for anything unset.
func Load() EnvDefaults {
	return EnvDefaults{
		VMMBinPath:    getenvString("KESTREL_VMM_BIN", "/usr/bin/firecracker"),
		JailerBinPath: getenvString("KESTREL_JAILER_BIN", "/usr/bin/jailer"),
		ChrootBaseDir: getenvString("KESTREL_CHROOT_BASE", DefaultChrootBaseDir),

		LaunchTimeoutSec:       getenvInt("KESTREL_LAUNCH_TIMEOUT_SEC", DefaultLaunchTimeoutSec),
		RequestTimeoutSec:      getenvInt("KESTREL_REQUEST_TIMEOUT_SEC", DefaultRequestTimeoutSec),
		ShutdownPollTimeoutSec: getenvInt("KESTREL_SHUTDOWN_POLL_TIMEOUT_SEC", DefaultLaunchTimeoutSec),
		SeccompLevel:           getenvInt("KESTREL_SECCOMP_LEVEL", DefaultSeccompLevel),

		LogDir:    getenvString("KESTREL_LOG_DIR", "/var/log/kestrel"),
		SocketDir: getenvString("KESTREL_SOCKET_DIR", "/run/kestrel"),
		LockDir:   getenvString("KESTREL_LOCK_DIR", "/run/kestrel/locks"),

		JailerUID: getenvInt("KESTREL_JAILER_UID", 0),
		JailerGID: getenvInt("KESTREL_JAILER_GID", 0),

		PoolCapacity: getenvInt("KESTREL_POOL_CAPACITY", DefaultPoolCapacity),

		ListenAddr: getenvString("KESTREL_LISTEN_ADDR", ":8080"),
		DBPath:     getenvString("KESTREL_DB_PATH", "kestrel.db"),
		LogLevel:   getenvString("KESTREL_LOG_LEVEL", "info"),
	}
}

func getenvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

package process

import (
	"strconv"

	"github.com/kestrelvm/kestrel/internal/hvconfig"
)

// buildVMMArgv composes the direct (non-jailer) invocation:
// <vmm-bin> --api-sock <socket-path> [--id <vmid>]
// [--seccomp-level <n>] [--config-file <path>].
func buildVMMArgv(cfg *hvconfig.HypervisorConfig) []string {
	args := []string{"--api-sock", cfg.SocketPath}
	if cfg.VMID != "" {
		args = append(args, "--id", cfg.VMID)
	}
	if cfg.SeccompLevel != 0 {
		args = append(args, "--seccomp-level", strconv.Itoa(cfg.SeccompLevel))
	}
	if cfg.ExportedConfigPath != "" {
		args = append(args, "--config-file", cfg.ExportedConfigPath)
	}
	return args
}

// buildJailerArgv composes the jailer-wrapped invocation:
//
//	<jailer-bin> --id <id> --uid <u> --gid <g> --exec-file <vmm-bin>
//	  --chroot-base-dir <base> [--netns <path>] [--daemonize]
//	  -- --api-sock <socket-path-relative-to-jail>
//
// The wrapped binary's own flags follow the "--" separator.
func buildJailerArgv(cfg *hvconfig.HypervisorConfig) []string {
	j := cfg.Jailer
	args := []string{
		"--id", j.ID,
		"--uid", strconv.Itoa(j.UID),
		"--gid", strconv.Itoa(j.GID),
		"--exec-file", cfg.VMMBinPath,
		"--chroot-base-dir", j.ChrootBaseDir,
	}
	if j.NumaNode != 0 {
		args = append(args, "--node", strconv.Itoa(j.NumaNode))
	}
	if j.NetNS != "" {
		args = append(args, "--netns", j.NetNS)
	}
	if j.Daemonize {
		args = append(args, "--daemonize")
	}

	args = append(args, "--")
	args = append(args, buildVMMArgv(cfg)...)
	return args
}

package catalog

import "github.com/kestrelvm/kestrel/internal/wire"

// The endpoint table. Each entry is a fully-typed Operation binding a
// method and path template to the request/response types above. Entries
// whose path contains "{id}" must be resolved with WithID before Encode
// is called.
var (
	DescribeInstance = Operation[Empty, InstanceInfo]{Method: wire.MethodGet, Path: "/"}

	GetFirecrackerVersion = Operation[Empty, FirecrackerVersion]{Method: wire.MethodGet, Path: "/version"}

	GetExportVMConfig = Operation[Empty, FullVMConfiguration]{Method: wire.MethodGet, Path: "/vm/config"}

	GetMachineConfiguration   = Operation[Empty, MachineConfiguration]{Method: wire.MethodGet, Path: "/machine-config"}
	PutMachineConfiguration   = Operation[MachineConfiguration, Empty]{Method: wire.MethodPut, Path: "/machine-config"}
	PatchMachineConfiguration = Operation[MachineConfiguration, Empty]{Method: wire.MethodPatch, Path: "/machine-config"}

	PutGuestBootSource = Operation[BootSource, Empty]{Method: wire.MethodPut, Path: "/boot-source"}

	PutGuestDriveByID   = Operation[Drive, Empty]{Method: wire.MethodPut, Path: "/drives/{id}"}
	PatchGuestDriveByID = Operation[PartialDrive, Empty]{Method: wire.MethodPatch, Path: "/drives/{id}"}

	PutGuestNetworkInterfaceByID   = Operation[NetworkInterface, Empty]{Method: wire.MethodPut, Path: "/network-interfaces/{id}"}
	PatchGuestNetworkInterfaceByID = Operation[PartialNetworkInterface, Empty]{Method: wire.MethodPatch, Path: "/network-interfaces/{id}"}

	PutGuestVsock = Operation[Vsock, Empty]{Method: wire.MethodPut, Path: "/vsock"}

	PutBalloon           = Operation[Balloon, Empty]{Method: wire.MethodPut, Path: "/balloon"}
	PatchBalloon         = Operation[BalloonUpdate, Empty]{Method: wire.MethodPatch, Path: "/balloon"}
	DescribeBalloonConfig = Operation[Empty, Balloon]{Method: wire.MethodGet, Path: "/balloon"}

	PatchBalloonStatsInterval = Operation[BalloonStatsUpdate, Empty]{Method: wire.MethodPatch, Path: "/balloon/statistics"}
	DescribeBalloonStats      = Operation[Empty, BalloonStatistics]{Method: wire.MethodGet, Path: "/balloon/statistics"}

	PutLogger = Operation[Logger, Empty]{Method: wire.MethodPut, Path: "/logger"}

	PutMetrics = Operation[Metrics, Empty]{Method: wire.MethodPut, Path: "/metrics"}

	PutMmdsConfig = Operation[MmdsConfig, Empty]{Method: wire.MethodPut, Path: "/mmds/config"}
	PutMmds       = Operation[map[string]any, Empty]{Method: wire.MethodPut, Path: "/mmds"}
	PatchMmds     = Operation[map[string]any, Empty]{Method: wire.MethodPatch, Path: "/mmds"}
	GetMmds       = Operation[Empty, map[string]any]{Method: wire.MethodGet, Path: "/mmds"}

	PutCPUConfiguration = Operation[CPUConfig, Empty]{Method: wire.MethodPut, Path: "/cpu-config"}

	PutEntropyDevice = Operation[EntropyDevice, Empty]{Method: wire.MethodPut, Path: "/entropy"}

	CreateSyncAction = Operation[InstanceActionInfo, Empty]{Method: wire.MethodPut, Path: "/actions"}

	PatchVM = Operation[VM, Empty]{Method: wire.MethodPatch, Path: "/vm"}

	CreateSnapshot = Operation[SnapshotCreateParams, Empty]{Method: wire.MethodPut, Path: "/snapshot/create"}
	LoadSnapshot   = Operation[SnapshotLoadParams, Empty]{Method: wire.MethodPut, Path: "/snapshot/load"}
)

// Package catalog is the operation catalog: one typed (request, response)
// pair per VMM endpoint, plus the wire model types exchanged in their JSON
// bodies.
package catalog

// RateLimiter throttles a drive or network interface.
type RateLimiter struct {
	Bandwidth  *TokenBucket `json:"bandwidth,omitempty"`
	Ops        *TokenBucket `json:"ops,omitempty"`
}

// TokenBucket configures one axis of a RateLimiter.
type TokenBucket struct {
	Size            int64  `json:"size"`
	OneTimeBurst    *int64 `json:"one_time_burst,omitempty"`
	RefillTimeMs    int64  `json:"refill_time"`
}

// BootSource describes the guest kernel image and command line.
type BootSource struct {
	KernelImagePath string  `json:"kernel_image_path"`
	InitrdPath      *string `json:"initrd_path,omitempty"`
	BootArgs        string  `json:"boot_args,omitempty"`
}

// Drive describes a block device attached to the microVM.
type Drive struct {
	DriveID      string       `json:"drive_id"`
	PathOnHost   string       `json:"path_on_host"`
	IsRootDevice bool         `json:"is_root_device"`
	IsReadOnly   bool         `json:"is_read_only"`
	RateLimiter  *RateLimiter `json:"rate_limiter,omitempty"`
}

// PartialDrive is the PATCH /drives/{id} body: only path_on_host or the
// rate limiter may change post-boot.
type PartialDrive struct {
	DriveID     string       `json:"drive_id"`
	PathOnHost  *string      `json:"path_on_host,omitempty"`
	RateLimiter *RateLimiter `json:"rate_limiter,omitempty"`
}

// NetworkInterface describes a tap device attached to the microVM.
type NetworkInterface struct {
	IfaceID               string       `json:"iface_id"`
	HostDevName           string       `json:"host_dev_name"`
	GuestMAC              *string      `json:"guest_mac,omitempty"`
	RxRateLimiter         *RateLimiter `json:"rx_rate_limiter,omitempty"`
	TxRateLimiter         *RateLimiter `json:"tx_rate_limiter,omitempty"`
}

// PartialNetworkInterface is the PATCH body: only rate limiters change.
type PartialNetworkInterface struct {
	IfaceID       string       `json:"iface_id"`
	RxRateLimiter *RateLimiter `json:"rx_rate_limiter,omitempty"`
	TxRateLimiter *RateLimiter `json:"tx_rate_limiter,omitempty"`
}

// Vsock describes the microVM's vsock device. At most one is permitted.
type Vsock struct {
	VsockID string `json:"vsock_id"`
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

// Balloon describes the memory balloon device.
type Balloon struct {
	AmountMib            int64 `json:"amount_mib"`
	DeflateOnOOM         bool  `json:"deflate_on_oom"`
	StatsPollingIntervalS int64 `json:"stats_polling_interval_s"`
}

// BalloonUpdate is the PATCH /balloon body for post-boot resizing.
type BalloonUpdate struct {
	AmountMib int64 `json:"amount_mib"`
}

// BalloonStatsUpdate is the PATCH /balloon/statistics body.
type BalloonStatsUpdate struct {
	StatsPollingIntervalS int64 `json:"stats_polling_interval_s"`
}

// BalloonStatistics is the GET /balloon/statistics response.
type BalloonStatistics struct {
	TargetPages       int64  `json:"target_pages"`
	ActualPages       int64  `json:"actual_pages"`
	TargetMib         int64  `json:"target_mib"`
	ActualMib         int64  `json:"actual_mib"`
	SwapIn            *int64 `json:"swap_in,omitempty"`
	SwapOut           *int64 `json:"swap_out,omitempty"`
	MajorFaults       *int64 `json:"major_faults,omitempty"`
	MinorFaults       *int64 `json:"minor_faults,omitempty"`
	FreeMemory        *int64 `json:"free_memory,omitempty"`
	TotalMemory       *int64 `json:"total_memory,omitempty"`
	AvailableMemory   *int64 `json:"available_memory,omitempty"`
	DiskCaches        *int64 `json:"disk_caches,omitempty"`
	HugetlbAllocations *int64 `json:"hugetlb_allocations,omitempty"`
	HugetlbFailures   *int64 `json:"hugetlb_failures,omitempty"`
}

// LogLevel is the verbosity of VMM-internal logging.
type LogLevel string

const (
	LogLevelError LogLevel = "Error"
	LogLevelWarn  LogLevel = "Warning"
	LogLevelInfo  LogLevel = "Info"
	LogLevelDebug LogLevel = "Debug"
)

// Logger is the PUT /logger body. Must be applied before any other
// configuration call so that subsequent calls are themselves logged.
type Logger struct {
	LogPath       string   `json:"log_path"`
	Level         LogLevel `json:"level,omitempty"`
	ShowLevel     bool     `json:"show_level_in_log,omitempty"`
	ShowOrigin    bool     `json:"show_log_origin,omitempty"`
}

// Metrics is the PUT /metrics body.
type Metrics struct {
	MetricsPath string `json:"metrics_path"`
}

// MmdsVersion selects the MMDS protocol version exposed to the guest.
type MmdsVersion string

const (
	MmdsVersionV1 MmdsVersion = "V1"
	MmdsVersionV2 MmdsVersion = "V2"
)

// MmdsConfig is the PUT /mmds/config body.
type MmdsConfig struct {
	Version           MmdsVersion `json:"version,omitempty"`
	NetworkInterfaces []string    `json:"network_interfaces"`
	IPv4Address       *string     `json:"ipv4_address,omitempty"`
}

// CPUTemplate names a predefined CPU feature mask.
type CPUTemplate string

// CPUConfig is the PUT /cpu-config body: an optional named CPU template
// plus KVM capability overrides kept as a raw map, since that schema is
// VMM-version specific and is passed through verbatim rather than
// modeled field by field.
type CPUConfig struct {
	Template    CPUTemplate      `json:"template,omitempty"`
	KVMCapabilities map[string]any `json:"kvm_capabilities,omitempty"`
}

// EntropyDevice is the PUT /entropy body.
type EntropyDevice struct {
	RateLimiter *RateLimiter `json:"rate_limiter,omitempty"`
}

// MachineConfiguration is the PUT/PATCH /machine-config body and the GET
// /machine-config response.
type MachineConfiguration struct {
	VCPUCount           int64 `json:"vcpu_count"`
	MemSizeMib          int64 `json:"mem_size_mib"`
	Smt                 bool  `json:"smt,omitempty"`
	TrackDirtyPages     bool  `json:"track_dirty_pages,omitempty"`
	HugePages           string `json:"huge_pages,omitempty"`
}

// ActionType names a VMM sync action.
type ActionType string

const (
	ActionInstanceStart   ActionType = "InstanceStart"
	ActionSendCtrlAltDel  ActionType = "SendCtrlAltDel"
	ActionFlushMetrics    ActionType = "FlushMetrics"
)

// InstanceActionInfo is the PUT /actions body.
type InstanceActionInfo struct {
	ActionType ActionType `json:"action_type"`
}

// InstanceState is the VMM-reported run state in InstanceInfo.
type InstanceState string

const (
	InstanceStateNotStarted InstanceState = "Not started"
	InstanceStateRunning    InstanceState = "Running"
	InstanceStatePaused     InstanceState = "Paused"
)

// InstanceInfo is the GET / response.
type InstanceInfo struct {
	ID             string        `json:"id"`
	State          InstanceState `json:"state"`
	VmmVersion     string        `json:"vmm_version"`
	AppName        string        `json:"app_name,omitempty"`
}

// FirecrackerVersion is the GET /version response, used as a liveness ping.
type FirecrackerVersion struct {
	FirecrackerVersion string `json:"firecracker_version"`
}

// FullVMConfiguration is the GET /vm/config response: a composite
// snapshot of everything currently configured.
type FullVMConfiguration struct {
	BootSource        *BootSource            `json:"boot-source,omitempty"`
	Drives            []Drive                `json:"drives,omitempty"`
	NetworkInterfaces []NetworkInterface     `json:"network-interfaces,omitempty"`
	Vsock             *Vsock                 `json:"vsock,omitempty"`
	MachineConfig     *MachineConfiguration  `json:"machine-config,omitempty"`
	Balloon           *Balloon               `json:"balloon,omitempty"`
	Logger            *Logger                `json:"logger,omitempty"`
	Metrics           *Metrics               `json:"metrics,omitempty"`
	MmdsConfig        *MmdsConfig            `json:"mmds-config,omitempty"`
	CPUConfig         *CPUConfig             `json:"cpu-config,omitempty"`
	EntropyDevice     *EntropyDevice         `json:"entropy,omitempty"`
}

// VMState is the desired state in a PATCH /vm body.
type VMState string

const (
	VMStatePaused  VMState = "Paused"
	VMStateResumed VMState = "Resumed"
)

// VM is the PATCH /vm body used to pause or resume a running microVM.
type VM struct {
	State VMState `json:"state"`
}

// SnapshotType selects a full or differential snapshot.
type SnapshotType string

const (
	SnapshotFull SnapshotType = "Full"
	SnapshotDiff SnapshotType = "Diff"
)

// SnapshotCreateParams is the PUT /snapshot/create body.
type SnapshotCreateParams struct {
	MemFilePath  string       `json:"mem_file_path"`
	SnapshotPath string       `json:"snapshot_path"`
	SnapshotType SnapshotType `json:"snapshot_type,omitempty"`
	Version      string       `json:"version,omitempty"`
}

// SnapshotLoadParams is the PUT /snapshot/load body.
type SnapshotLoadParams struct {
	MemFilePath         string `json:"mem_file_path,omitempty"`
	MemBackend          *MemoryBackend `json:"mem_backend,omitempty"`
	SnapshotPath        string `json:"snapshot_path"`
	EnableDiffSnapshots bool   `json:"enable_diff_snapshots,omitempty"`
	ResumeVM            bool   `json:"resume_vm,omitempty"`
}

// MemoryBackend names the guest-memory source for a loaded snapshot.
type MemoryBackend struct {
	BackendType string `json:"backend_type"`
	BackendPath string `json:"backend_path"`
}

// Fault is the structured error body the VMM returns on any non-2xx
// response.
type Fault struct {
	FaultMessage string `json:"fault_message"`
}

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/kestrelvm/kestrel/internal/catalog"
	"github.com/kestrelvm/kestrel/internal/hvconfig"
	"github.com/kestrelvm/kestrel/internal/hyperr"
	"github.com/kestrelvm/kestrel/internal/pool"
)

const maxBodySize = 1 << 20 // 1 MB

// createVMRequest is the JSON body for POST /v1/vms. Device lists use
// the catalog's wire types directly; an omitted vmm_bin_path or
// socket_path falls back to the server's environment defaults, and
// other omitted fields keep their zero values.
type createVMRequest struct {
	KernelImagePath string  `json:"kernel_image_path"`
	InitrdPath      *string `json:"initrd_path,omitempty"`
	BootArgs        string  `json:"boot_args,omitempty"`

	RootfsPath string          `json:"rootfs_path"`
	Drives     []catalog.Drive `json:"drives,omitempty"`

	VCPUCount       int64 `json:"vcpu_count"`
	MemSizeMib      int64 `json:"mem_size_mib"`
	Smt             bool  `json:"smt,omitempty"`
	TrackDirtyPages bool  `json:"track_dirty_pages,omitempty"`

	NetworkInterfaces []catalog.NetworkInterface `json:"network_interfaces,omitempty"`
	Balloon           *catalog.Balloon           `json:"balloon,omitempty"`

	SocketPath string `json:"socket_path,omitempty"`
	VMMBinPath string `json:"vmm_bin_path,omitempty"`
}

// vmResponse is the JSON shape returned for a single microVM.
type vmResponse struct {
	VMID       string `json:"vmid"`
	Status     string `json:"status"`
	SocketPath string `json:"socket_path"`
}

type snapshotRequest struct {
	MemFilePath  string `json:"mem_file_path"`
	SnapshotPath string `json:"snapshot_path"`
	Type         string `json:"snapshot_type,omitempty"`
}

func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req createVMRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.KernelImagePath == "" {
		s.writeError(w, http.StatusBadRequest, "kernel_image_path is required")
		return
	}
	if req.RootfsPath == "" && len(req.Drives) == 0 {
		s.writeError(w, http.StatusBadRequest, "rootfs_path or drives is required")
		return
	}

	vmid := ulid.Make().String()

	vmmBin := req.VMMBinPath
	if vmmBin == "" {
		vmmBin = s.defaults.VMMBinPath
	}
	sockPath := req.SocketPath
	if sockPath == "" {
		sockPath = filepath.Join(s.defaults.SocketDir, vmid+".sock")
	}
	logFifo := filepath.Join(s.defaults.LogDir, vmid+".log.fifo")
	metricsFifo := filepath.Join(s.defaults.LogDir, vmid+".metrics.fifo")
	lockPath := filepath.Join(s.defaults.LockDir, vmid+".lock")

	hv := &hvconfig.HypervisorConfig{
		VMMBinPath:             vmmBin,
		SocketPath:             sockPath,
		LogFifoPath:            logFifo,
		LogLevel:               hvconfig.LogLevelInfo,
		MetricsFifoPath:        metricsFifo,
		LockPath:               lockPath,
		LaunchTimeoutSec:       s.defaults.LaunchTimeoutSec,
		RequestTimeoutSec:      s.defaults.RequestTimeoutSec,
		ShutdownPollTimeoutSec: s.defaults.ShutdownPollTimeoutSec,
		SeccompLevel:           s.defaults.SeccompLevel,
		VMID:                   vmid,
	}

	drives := req.Drives
	if req.RootfsPath != "" {
		drives = append([]catalog.Drive{{
			DriveID:      "rootfs",
			PathOnHost:   req.RootfsPath,
			IsRootDevice: true,
		}}, drives...)
	}

	// Point the guest's logger and metrics endpoints at the FIFOs the
	// supervisor will have created by the time they are applied.
	mv := &hvconfig.MicroVMConfig{
		VMID: vmid,
		BootSource: catalog.BootSource{
			KernelImagePath: req.KernelImagePath,
			InitrdPath:      req.InitrdPath,
			BootArgs:        req.BootArgs,
		},
		Logger:            &catalog.Logger{LogPath: logFifo, Level: catalog.LogLevel(hv.LogLevel)},
		Metrics:           &catalog.Metrics{MetricsPath: metricsFifo},
		Drives:            drives,
		NetworkInterfaces: req.NetworkInterfaces,
		Balloon:           req.Balloon,
		MachineConfig: catalog.MachineConfiguration{
			VCPUCount:       req.VCPUCount,
			MemSizeMib:      req.MemSizeMib,
			Smt:             req.Smt,
			TrackDirtyPages: req.TrackDirtyPages,
		},
	}

	id, err := s.pool.Create(r.Context(), hv, mv, nil)
	if err != nil {
		s.writePoolError(w, "create vm", err)
		return
	}

	status := "None"
	if d, derr := s.pool.Get(id); derr == nil {
		status = string(d.Status())
	}
	s.writeJSON(w, http.StatusCreated, vmResponse{
		VMID:       id,
		Status:     status,
		SocketPath: sockPath,
	})
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	ids := s.pool.List()
	vms := make([]vmResponse, 0, len(ids))
	for _, id := range ids {
		d, err := s.pool.Get(id)
		if err != nil {
			continue // deleted between List and Get
		}
		vms = append(vms, vmResponse{
			VMID:       id,
			Status:     string(d.Status()),
			SocketPath: d.SocketPath(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"vms": vms, "total": len(vms)})
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.pool.Get(id)
	if err != nil {
		s.writePoolError(w, "get vm", err)
		return
	}
	s.writeJSON(w, http.StatusOK, vmResponse{
		VMID:       id,
		Status:     string(d.Status()),
		SocketPath: d.SocketPath(),
	})
}

func (s *Server) handleStartVM(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, "start", s.pool.Start)
}

func (s *Server) handlePauseVM(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, "pause", s.pool.Pause)
}

func (s *Server) handleResumeVM(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, "resume", s.pool.Resume)
}

func (s *Server) handleStopVM(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, "stop", s.pool.Stop)
}

func (s *Server) handleSnapshotVM(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req snapshotRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MemFilePath == "" || req.SnapshotPath == "" {
		s.writeError(w, http.StatusBadRequest, "mem_file_path and snapshot_path are required")
		return
	}
	kind := catalog.SnapshotFull
	if req.Type != "" {
		kind = catalog.SnapshotType(req.Type)
	}

	if err := s.pool.Snapshot(r.Context(), id, req.MemFilePath, req.SnapshotPath, kind); err != nil {
		s.writePoolError(w, "snapshot vm", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"vmid": id, "status": "snapshotted"})
}

func (s *Server) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pool.Delete(r.Context(), id); err != nil {
		s.writePoolError(w, "delete vm", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// forward runs one of the pool's id-keyed lifecycle operations and
// reports the resulting status.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, vmid string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		s.writePoolError(w, op+" vm", err)
		return
	}
	status := "unknown"
	if d, err := s.pool.Get(id); err == nil {
		status = string(d.Status())
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"vmid": id, "status": status})
}

// writePoolError translates the error taxonomy into HTTP status codes:
// unknown vmid → 404, validation → 400, bad state → 409, cancellation →
// 408, everything else → 500.
func (s *Server) writePoolError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, pool.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "microvm not found")
		return
	}
	kind, _ := hyperr.KindOf(err)
	switch kind {
	case hyperr.KindValidation:
		s.writeError(w, http.StatusBadRequest, err.Error())
	case hyperr.KindBadState:
		s.writeError(w, http.StatusConflict, err.Error())
	case hyperr.KindCancelled:
		s.writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Package store persists MachineCore rows, full VM configuration, and
// snapshot registrations so a Pool can restore its fleet across a
// process restart.
package store

import (
	"context"
	"errors"

	"github.com/kestrelvm/kestrel/internal/machinecore"
)

// ErrNotFound is returned when a vmid has no persisted row.
var ErrNotFound = errors.New("machine not found")

// SnapshotRecord is one registered snapshot of a microVM.
type SnapshotRecord struct {
	VMID         string
	MemFilePath  string
	SnapshotPath string
	Kind         string
	CreatedAt    int64 // unix seconds; stamped by the caller, never time.Now() here
}

// Store defines the persistence operations the pool needs.
type Store interface {
	// Put upserts a MachineCore row, keyed by VMID.
	Put(ctx context.Context, core *machinecore.MachineCore) error
	// Get retrieves one MachineCore row. Returns ErrNotFound if absent.
	Get(ctx context.Context, vmid string) (*machinecore.MachineCore, error)
	// Delete removes a MachineCore row and its snapshot records.
	Delete(ctx context.Context, vmid string) error
	// ListAll returns every persisted MachineCore row, for the pool's RestoreAll.
	ListAll(ctx context.Context) ([]*machinecore.MachineCore, error)

	PutSnapshot(ctx context.Context, rec *SnapshotRecord) error
	ListSnapshots(ctx context.Context, vmid string) ([]*SnapshotRecord, error)

	Close() error
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kestrelvm/kestrel/internal/machinecore"

	_ "modernc.org/sqlite"
)

const createMachinesTable = `
CREATE TABLE IF NOT EXISTS machines (
    vmid       TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    socket_path TEXT NOT NULL,
    work_dir   TEXT NOT NULL,
    core_json  BLOB NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
)`

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS snapshots (
    vmid          TEXT NOT NULL,
    mem_file_path TEXT NOT NULL,
    snapshot_path TEXT NOT NULL,
    kind          TEXT NOT NULL,
    created_at    INTEGER NOT NULL,
    FOREIGN KEY(vmid) REFERENCES machines(vmid)
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite, opened in WAL mode with a
// busy timeout so the pool's concurrent drivers don't trip SQLITE_BUSY
// under normal load.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(createMachinesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create machines table: %w", err)
	}
	if _, err := db.Exec(createSnapshotsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put upserts a MachineCore row. The full row (including the nested
// hypervisor and microvm configuration) is stored as one JSON blob:
// these are read back whole, never queried by field, so there is no
// benefit to normalizing them into columns.
func (s *SQLiteStore) Put(ctx context.Context, core *machinecore.MachineCore) error {
	data, err := core.Marshal()
	if err != nil {
		return fmt.Errorf("marshal machine core: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO machines (vmid, status, socket_path, work_dir, core_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(vmid) DO UPDATE SET
		   status = excluded.status,
		   socket_path = excluded.socket_path,
		   work_dir = excluded.work_dir,
		   core_json = excluded.core_json,
		   updated_at = excluded.updated_at`,
		core.VMID, string(core.Status), core.SocketPath, core.WorkDir, data, core.CreatedAt, core.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert machine %q: %w", core.VMID, err)
	}
	return nil
}

// Get retrieves one MachineCore row by vmid.
func (s *SQLiteStore) Get(ctx context.Context, vmid string) (*machinecore.MachineCore, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT core_json FROM machines WHERE vmid = ?", vmid).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get machine %q: %w", vmid, err)
	}
	core := &machinecore.MachineCore{}
	if err := core.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("unmarshal machine %q: %w", vmid, err)
	}
	return core, nil
}

// Delete removes a machine row and its snapshot records.
func (s *SQLiteStore) Delete(ctx context.Context, vmid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshots WHERE vmid = ?", vmid); err != nil {
		return fmt.Errorf("delete snapshots for %q: %w", vmid, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM machines WHERE vmid = ?", vmid); err != nil {
		return fmt.Errorf("delete machine %q: %w", vmid, err)
	}
	return tx.Commit()
}

// ListAll returns every persisted MachineCore row, used by the pool's
// RestoreAll on startup.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]*machinecore.MachineCore, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT core_json FROM machines ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var cores []*machinecore.MachineCore
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan machine row: %w", err)
		}
		core := &machinecore.MachineCore{}
		if err := core.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("unmarshal machine row: %w", err)
		}
		cores = append(cores, core)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machines: %w", err)
	}
	return cores, nil
}

// PutSnapshot registers a snapshot created for vmid.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (vmid, mem_file_path, snapshot_path, kind, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.VMID, rec.MemFilePath, rec.SnapshotPath, rec.Kind, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot for %q: %w", rec.VMID, err)
	}
	return nil
}

// ListSnapshots returns every snapshot registered for vmid, oldest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, vmid string) ([]*SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vmid, mem_file_path, snapshot_path, kind, created_at FROM snapshots
		 WHERE vmid = ? ORDER BY created_at ASC`, vmid,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %q: %w", vmid, err)
	}
	defer rows.Close()

	var recs []*SnapshotRecord
	for rows.Next() {
		rec := &SnapshotRecord{}
		if err := rows.Scan(&rec.VMID, &rec.MemFilePath, &rec.SnapshotPath, &rec.Kind, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots for %q: %w", vmid, err)
	}
	return recs, nil
}

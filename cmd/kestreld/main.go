// Command kestreld runs the pool manager behind the admin REST surface:
// it opens the SQLite store, restores any microVMs that survived a
// previous run, and serves /v1/vms until signalled.
package main

import (
	"context"
	"log"
	"os"

	"github.com/kestrelvm/kestrel/internal/admin"
	"github.com/kestrelvm/kestrel/internal/hvconfig"
	"github.com/kestrelvm/kestrel/internal/pool"
	"github.com/kestrelvm/kestrel/internal/store"
)

func main() {
	defaults := hvconfig.Load()
	logger := hvconfig.NewLogger(os.Stdout, hvconfig.ParseSlogLevel(defaults.LogLevel))

	logger.Info("kestreld: starting",
		"listen_addr", defaults.ListenAddr,
		"db_path", defaults.DBPath,
		"pool_capacity", defaults.PoolCapacity,
	)

	db, err := store.NewSQLiteStore(defaults.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	p := pool.New(pool.Config{
		Capacity: defaults.PoolCapacity,
		Store:    db,
		Logger:   logger,
	})

	if err := p.RestoreAll(context.Background(), nil); err != nil {
		logger.Error("restore previous microvms", "error", err)
	}

	srv := admin.NewServer(defaults.ListenAddr, p, defaults, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

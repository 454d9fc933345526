//go:build !cgo

package resultstore

import (
	"context"
	"database/sql"

	sqlite "modernc.org/sqlite"
)

const (
	driverName      = "gocluster_sqlite"
	remoteSupported = false
)

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

// Open opens (and creates if needed) a SQLite-backed result database.
// Parent directories of local paths are created; remote libsql URLs
// require a cgo-enabled build.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	return openWith(ctx, driverName, cfg)
}

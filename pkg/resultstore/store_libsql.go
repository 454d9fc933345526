//go:build cgo

package resultstore

import (
	"context"
	"database/sql"

	_ "github.com/tursodatabase/go-libsql"
)

const (
	driverName      = "libsql"
	remoteSupported = true
)

// Open opens (and creates if needed) a libsql-backed result database.
// Parent directories of local paths are created.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	return openWith(ctx, driverName, cfg)
}

// Package migrations holds the versioned SQL schema of the PostgreSQL database.
// Files follow the golang-migrate naming scheme NNNNNN_name.{up,down}.sql.
package migrations

import "embed"

// FS contains every migration file of this directory
//
//go:embed *.sql
var FS embed.FS

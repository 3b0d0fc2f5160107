// Package dbmigrations exposes embedded SQL migrations for spreadwatch binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into spreadwatch binaries.
//
//go:embed *.sql
var Files embed.FS

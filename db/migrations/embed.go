// Package dbmigrations exposes the embedded SQL migrations of the order engine schema.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into tradecore binaries.
//
//go:embed *.sql
var Files embed.FS
